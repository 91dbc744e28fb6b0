package wechatapi

// Protocol selects the automation service variant. The 849 build mounts its
// API under /VXAPI; the 855 and ipad builds mount it under /api.
type Protocol string

const (
	Protocol849  Protocol = "849"
	Protocol855  Protocol = "855"
	ProtocolIPad Protocol = "ipad"
)

// PathPrefix returns the URL prefix the service variant serves its API under.
func (p Protocol) PathPrefix() string {
	switch p {
	case Protocol855, ProtocolIPad:
		return "/api"
	default:
		return "/VXAPI"
	}
}

// QRCode is a pending login challenge.
type QRCode struct {
	UUID string `json:"uuid"`
	URL  string `json:"url"`
}

// LoginStatus is the outcome of one CheckUUID poll.
type LoginStatus struct {
	Confirmed bool   `json:"confirmed"`
	Wxid      string `json:"wxid"`
	Nickname  string `json:"nickname"`
}

// Profile is the logged-in account identity. Different service builds return
// the fields under different names; the client folds them together.
type Profile struct {
	Wxid     string `json:"wxid"`
	Nickname string `json:"nickname"`
}

type qrRequest struct {
	DeviceName string `json:"DeviceName"`
	DeviceID   string `json:"DeviceID"`
}

type wxidRequest struct {
	Wxid string `json:"Wxid"`
}

type syncRequest struct {
	Wxid    string `json:"Wxid"`
	Scene   int    `json:"Scene"`
	Synckey string `json:"Synckey"`
}

type sendTextRequest struct {
	Wxid    string `json:"Wxid"`
	ToWxid  string `json:"ToWxid"`
	Content string `json:"Content"`
	Type    int    `json:"Type"`
	At      string `json:"At,omitempty"`
}

type sendImageRequest struct {
	Wxid   string `json:"Wxid"`
	ToWxid string `json:"ToWxid"`
	Base64 string `json:"Base64"`
}
