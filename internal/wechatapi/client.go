// Package wechatapi is a thin client for the local WeChat automation HTTP
// service. The service exists in several builds with different URL prefixes,
// inconsistent field casing, and a habit of answering HTML error pages on a
// JSON API, so the client normalizes all of that before anything else sees it.
package wechatapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/buger/jsonparser"
)

var (
	// ErrHTMLResponse indicates the service answered an HTML page instead of
	// JSON, which happens when its session backend has gone away. Callers
	// count these to decide when to re-initialize.
	ErrHTMLResponse = errors.New("wechatapi: html response instead of json")

	// ErrAPIFailure indicates a well-formed response with a failure status.
	ErrAPIFailure = errors.New("wechatapi: request rejected")
)

// Client talks to one WechatAPI service instance.
type Client struct {
	baseURL string
	prefix  string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a Client for the service at host:port using the given
// protocol variant.
func NewClient(host string, port int, protocol Protocol, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		prefix:  protocol.PathPrefix(),
		http: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: log.With(slog.String("component", "wechatapi")),
	}
}

// IsRunning reports whether the service answers HTTP at all. Any status code
// counts: an auth failure still means the process is up.
func (c *Client) IsRunning(ctx context.Context) bool {
	for _, path := range []string{c.prefix + "/Login/GetQR", "/"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			continue
		}
		resp, err := c.http.Do(req)
		if err != nil {
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return true
	}
	return false
}

// GetQR requests a login QR code for the given device identity.
func (c *Client) GetQR(ctx context.Context, deviceName, deviceID string) (QRCode, error) {
	data, err := c.post(ctx, "/Login/GetQR", qrRequest{DeviceName: deviceName, DeviceID: deviceID})
	if err != nil {
		return QRCode{}, err
	}
	qr := QRCode{
		UUID: probeString(data, "Uuid", "uuid", "UUID"),
		URL:  probeString(data, "QRCodeURL", "QrCodeUrl", "qrCodeUrl", "Url", "url"),
	}
	if qr.UUID == "" {
		return QRCode{}, fmt.Errorf("%w: qr response missing uuid", ErrAPIFailure)
	}
	return qr, nil
}

// CheckUUID polls the login state for a pending QR challenge. Confirmed is
// false while the code is unscanned or scanned-but-unconfirmed.
func (c *Client) CheckUUID(ctx context.Context, uuid string) (LoginStatus, error) {
	data, err := c.post(ctx, "/Login/CheckQR", map[string]string{"Uuid": uuid})
	if err != nil {
		return LoginStatus{}, err
	}
	status := LoginStatus{}
	if acct, _, _, err := jsonparser.Get(data, "acctSectResp"); err == nil {
		status.Confirmed = true
		status.Wxid = probeString(acct, "userName", "UserName", "wxid")
		status.Nickname = probeString(acct, "nickName", "NickName", "nickname")
		return status, nil
	}
	if state, err := jsonparser.GetInt(data, "state"); err == nil && state == 2 {
		status.Confirmed = true
		status.Wxid = probeString(data, "wxid", "Wxid")
		status.Nickname = probeString(data, "nick_name", "nickName", "Nickname")
	}
	return status, nil
}

// GetCachedInfo returns the session the service still holds for a device,
// allowing a restart to skip the QR scan.
func (c *Client) GetCachedInfo(ctx context.Context, wxid string) (Profile, error) {
	data, err := c.post(ctx, "/Login/GetCacheInfo", wxidRequest{Wxid: wxid})
	if err != nil {
		return Profile{}, err
	}
	profile := Profile{
		Wxid:     probeString(data, "Wxid", "wxid", "userName"),
		Nickname: probeString(data, "Nickname", "nickname", "nickName"),
	}
	if profile.Wxid == "" {
		return Profile{}, fmt.Errorf("%w: no cached session", ErrAPIFailure)
	}
	return profile, nil
}

// GetProfile fetches the logged-in account identity.
func (c *Client) GetProfile(ctx context.Context, wxid string) (Profile, error) {
	data, err := c.post(ctx, "/User/GetContractProfile", wxidRequest{Wxid: wxid})
	if err != nil {
		return Profile{}, err
	}
	profile := Profile{
		Wxid:     probeString(data, "wxid", "Wxid", "userName"),
		Nickname: probeString(data, "nickname", "Nickname", "nickName"),
	}
	if profile.Wxid == "" {
		return Profile{}, fmt.Errorf("%w: profile missing wxid", ErrAPIFailure)
	}
	return profile, nil
}

// Heartbeat verifies the session is still logged in.
func (c *Client) Heartbeat(ctx context.Context, wxid string) error {
	_, err := c.post(ctx, "/Login/HeartBeat", wxidRequest{Wxid: wxid})
	return err
}

// SyncMessages pulls messages queued since the previous call. Each message is
// returned as its raw field map; normalization happens in the adapter.
func (c *Client) SyncMessages(ctx context.Context, wxid string) ([]map[string]any, error) {
	data, err := c.post(ctx, "/Msg/Sync", syncRequest{Wxid: wxid, Scene: 0, Synckey: ""})
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	for _, key := range []string{"AddMsgs", "addMsgs", "messages"} {
		list, _, _, err := jsonparser.Get(data, key)
		if err != nil {
			continue
		}
		if err := json.Unmarshal(list, &raw); err != nil {
			return nil, fmt.Errorf("decode message list: %w", err)
		}
		break
	}
	if len(raw) == 0 {
		return nil, nil
	}
	items := make([]map[string]any, 0, len(raw))
	for _, entry := range raw {
		fields := map[string]any{}
		if err := json.Unmarshal(entry, &fields); err != nil {
			c.logger.Warn("skip undecodable message", slog.Any("error", err))
			continue
		}
		items = append(items, fields)
	}
	return items, nil
}

// SendText sends a text message. at carries the user ids to mention in a
// group, comma-joined on the wire.
func (c *Client) SendText(ctx context.Context, wxid, to, content string, at []string) error {
	_, err := c.post(ctx, "/Msg/SendTxt", sendTextRequest{
		Wxid:    wxid,
		ToWxid:  to,
		Content: content,
		Type:    1,
		At:      strings.Join(at, ","),
	})
	return err
}

// SendImage uploads and sends image bytes.
func (c *Client) SendImage(ctx context.Context, wxid, to string, data []byte) error {
	_, err := c.post(ctx, "/Msg/UploadImg", sendImageRequest{
		Wxid:   wxid,
		ToWxid: to,
		Base64: base64.StdEncoding.EncodeToString(data),
	})
	return err
}

// post issues one API call and returns the Data section of the envelope.
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	url := c.baseURL + c.prefix + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if isHTML(resp.Header.Get("Content-Type"), raw) {
		return nil, fmt.Errorf("%w: %s", ErrHTMLResponse, path)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s status %d", ErrAPIFailure, path, resp.StatusCode)
	}
	return parseEnvelope(raw, path)
}

// parseEnvelope unwraps the {Success/Code, Message/Text, Data} response shape.
// Both casings of every key occur in the wild.
func parseEnvelope(raw []byte, path string) ([]byte, error) {
	if success, err := probeBool(raw, "Success", "success"); err == nil {
		if !success {
			return nil, fmt.Errorf("%w: %s: %s", ErrAPIFailure, path, probeString(raw, "Message", "message", "Text", "text"))
		}
	} else if code, err := probeInt(raw, "Code", "code"); err == nil {
		if code != 0 && code != 200 {
			return nil, fmt.Errorf("%w: %s code %d: %s", ErrAPIFailure, path, code, probeString(raw, "Message", "message", "Text", "text"))
		}
	}
	for _, key := range []string{"Data", "data"} {
		data, _, _, err := jsonparser.Get(raw, key)
		if err == nil {
			return data, nil
		}
	}
	// Some endpoints answer a bare object with no envelope.
	return raw, nil
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return bytes.HasPrefix(trimmed, []byte("<!DOCTYPE")) || bytes.HasPrefix(trimmed, []byte("<html"))
}

func probeString(data []byte, keys ...string) string {
	for _, key := range keys {
		if value, err := jsonparser.GetString(data, key); err == nil && value != "" {
			return value
		}
	}
	return ""
}

func probeBool(data []byte, keys ...string) (bool, error) {
	for _, key := range keys {
		if value, err := jsonparser.GetBoolean(data, key); err == nil {
			return value, nil
		}
	}
	return false, fmt.Errorf("key not found")
}

func probeInt(data []byte, keys ...string) (int64, error) {
	for _, key := range keys {
		if value, err := jsonparser.GetInt(data, key); err == nil {
			return value, nil
		}
	}
	return 0, fmt.Errorf("key not found")
}
