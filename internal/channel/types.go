// Package channel provides the adapter abstraction that binds external chat
// platforms to the bot pipeline. It defines the canonical message record every
// adapter must produce, the adapter interfaces, a registry, and a manager that
// supervises long-lived platform connections.
package channel

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g. "wechat").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// MessageType classifies a canonical inbound message.
type MessageType string

const (
	TypeText    MessageType = "text"
	TypeImage   MessageType = "image"
	TypeVoice   MessageType = "voice"
	TypeVideo   MessageType = "video"
	TypeXML     MessageType = "xml"
	TypeLink    MessageType = "link"
	TypeFile    MessageType = "file"
	TypeMiniApp MessageType = "miniapp"
	TypePat     MessageType = "pat"
	TypeQuote   MessageType = "quote"
	TypeSystem  MessageType = "system"
	TypeUnknown MessageType = "unknown"
)

// ImageInfo carries metadata extracted from an image payload.
type ImageInfo struct {
	AESKey       string `json:"aeskey,omitempty"`
	CDNMidImgURL string `json:"cdnmidimgurl,omitempty"`
	Length       string `json:"length,omitempty"`
	MD5          string `json:"md5,omitempty"`
}

// VoiceInfo carries metadata extracted from a voice payload.
type VoiceInfo struct {
	VoiceURL string `json:"voiceurl,omitempty"`
	Length   string `json:"length,omitempty"`
}

// LinkInfo carries metadata extracted from a link-card payload.
type LinkInfo struct {
	Title       string `json:"title,omitempty"`
	URL         string `json:"url,omitempty"`
	Description string `json:"description,omitempty"`
}

// FileInfo carries metadata extracted from a file payload.
type FileInfo struct {
	Name     string `json:"name,omitempty"`
	Ext      string `json:"ext,omitempty"`
	Size     string `json:"size,omitempty"`
	AttachID string `json:"attach_id,omitempty"`
}

// MiniAppInfo carries metadata extracted from a mini-program payload.
type MiniAppInfo struct {
	Title    string `json:"title,omitempty"`
	PagePath string `json:"page_path,omitempty"`
}

// QuoteInfo carries the referenced message of a quote payload. The quoted
// message may itself be plain text or nested XML; when the nested content
// cannot be parsed, Content holds a placeholder instead.
type QuoteInfo struct {
	MessageID   string `json:"message_id,omitempty"`
	MessageType int    `json:"message_type,omitempty"`
	FromUser    string `json:"from_user,omitempty"`
	ToUser      string `json:"to_user,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Content     string `json:"content,omitempty"`
	RawContent  string `json:"raw_content,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// PatInfo carries the participants of a pat ("tickle") event.
type PatInfo struct {
	Patter string `json:"patter"`
	Patted string `json:"patted"`
	Suffix string `json:"suffix"`
}

// Message is the canonical message record produced from a raw wire payload.
// Type is always set; Sender is never left structurally invalid; Mentions is
// never a single empty string.
type Message struct {
	ID        string      `json:"id"`
	CreatedAt int64       `json:"created_at"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content,omitempty"`

	// OriginID is the wire-level conversation identifier: the peer for a
	// direct chat, the room for a group chat.
	OriginID string `json:"origin_id,omitempty"`
	// SenderID is the actual author, extracted from the content prefix or
	// alternate fields for group messages.
	SenderID string `json:"sender_id,omitempty"`
	// SelfID is the receiving account.
	SelfID   string   `json:"self_id,omitempty"`
	Group    bool     `json:"group"`
	Mentions []string `json:"mentions,omitempty"`

	Image   *ImageInfo   `json:"image,omitempty"`
	Voice   *VoiceInfo   `json:"voice,omitempty"`
	Link    *LinkInfo    `json:"link,omitempty"`
	File    *FileInfo    `json:"file,omitempty"`
	MiniApp *MiniAppInfo `json:"miniapp,omitempty"`
	Quote   *QuoteInfo   `json:"quote,omitempty"`
	Pat     *PatInfo     `json:"pat,omitempty"`

	// Raw preserves the original wire fields for diagnostics.
	Raw map[string]any `json:"-"`
}

// IsAt reports whether the given id appears in the mention list.
func (m Message) IsAt(id string) bool {
	for _, v := range m.Mentions {
		if v == id {
			return true
		}
	}
	return false
}

// SynthesizeID builds a deterministic message id from a timestamp and the
// message content. Retransmissions of the same event produce the same id;
// distinct events colliding on both timestamp and content are not
// distinguished, which mirrors the upstream wire behavior.
func SynthesizeID(createdAt int64, content string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	return fmt.Sprintf("msg_%d_%x", createdAt, h.Sum64())
}

// InboundMessage pairs a canonical message with delivery context.
type InboundMessage struct {
	Channel    ChannelType `json:"channel"`
	Message    Message     `json:"message"`
	BotID      string      `json:"bot_id,omitempty"`
	// ReplyTarget is where replies should be sent: the room for group
	// messages, the sender otherwise.
	ReplyTarget string    `json:"reply_target,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// ReplyType classifies an outbound reply.
type ReplyType string

const (
	ReplyText     ReplyType = "text"
	ReplyImageURL ReplyType = "image_url"
	ReplyInfo     ReplyType = "info"
	ReplyError    ReplyType = "error"
)

// Reply is a processor-produced response to an inbound message.
type Reply struct {
	Type    ReplyType `json:"type"`
	Content string    `json:"content"`
}

// IsEmpty reports whether the reply carries no content.
func (r Reply) IsEmpty() bool {
	return strings.TrimSpace(r.Content) == ""
}

// OutboundMessage pairs a delivery target with a reply.
type OutboundMessage struct {
	Target string `json:"target"`
	Reply  Reply  `json:"reply"`
}
