package wechat

import (
	"encoding/json"
	"encoding/xml"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wxgatehq/wxgate/internal/channel"
)

// Wire type tags. Both protocol variants emit them, one as integers and one
// as decimal strings, so matching goes through intValue.
const (
	tagText   = 1
	tagImage  = 3
	tagVoice  = 34
	tagVideo  = 43
	tagEmoji  = 47
	tagApp    = 49
	tagSystem = 10000
	tagRevoke = 10002
)

// Secondary classification carried in <appmsg><type> for tag 49.
const (
	appTypeLink    = 5
	appTypeFile    = 6
	appTypeMiniApp = 33
	appTypeQuote   = 57
)

const chatroomSuffix = "@chatroom"

// quoteUnparseable replaces the quoted body when its nested XML cannot be parsed.
const quoteUnparseable = "unparseable quote content"

// Normalizer turns raw wire field maps into canonical message records. Every
// parse step is fault-isolated: Normalize always returns a record and never
// an error.
type Normalizer struct {
	// BotID is the logged-in account, used for implicit self-mentions.
	BotID string
	// BotName and GroupAlias are display names that, when present as a
	// literal "@Name" in group text, count as a mention of the bot.
	BotName    string
	GroupAlias string

	now func() time.Time
}

// NewNormalizer creates a Normalizer for the given bot identity.
func NewNormalizer(botID, botName, groupAlias string) *Normalizer {
	return &Normalizer{
		BotID:      botID,
		BotName:    botName,
		GroupAlias: groupAlias,
		now:        time.Now,
	}
}

// Normalize classifies a raw payload and extracts identity, mentions, and
// type-specific side payloads.
func (n *Normalizer) Normalize(raw map[string]any, group bool) channel.Message {
	nowFn := n.now
	if nowFn == nil {
		nowFn = time.Now
	}
	created, ok := intField(raw, "timestamp", "CreateTime", "createTime")
	if !ok || created <= 0 {
		created = nowFn().Unix()
	}
	content := stringField(raw, "content", "Content")
	id := stringField(raw, "msgid", "MsgId", "newMsgId", "NewMsgId", "id")
	if id == "" {
		id = channel.SynthesizeID(created, content)
	}
	origin := stringField(raw, "fromUserName", "FromUserName")
	self := stringField(raw, "toUserName", "ToUserName")
	group = group ||
		strings.HasSuffix(origin, chatroomSuffix) ||
		strings.HasSuffix(self, chatroomSuffix) ||
		stringField(raw, "roomId", "RoomId") != ""

	msg := channel.Message{
		ID:        id,
		CreatedAt: created,
		Content:   content,
		OriginID:  origin,
		SelfID:    self,
		Group:     group,
		Raw:       raw,
	}

	tag, _ := intField(raw, "type", "Type", "MsgType")
	switch tag {
	case tagText:
		n.processText(&msg)
	case tagImage:
		n.processImage(&msg)
	case tagVoice:
		n.processVoice(&msg)
	case tagVideo:
		n.processVideo(&msg)
	case tagEmoji:
		// Emoji payloads behave like text downstream.
		n.processText(&msg)
	case tagApp:
		n.processApp(&msg)
	case tagSystem, tagRevoke:
		n.processSystem(&msg)
	default:
		msg.Type = channel.TypeUnknown
		if msg.Content != "" && !strings.Contains(msg.Content, "<sysmsg") {
			n.processText(&msg)
		}
	}

	n.enforceInvariants(&msg)
	return msg
}

// enforceInvariants guarantees the structural contract of the canonical
// record regardless of which parse branches ran.
func (n *Normalizer) enforceInvariants(msg *channel.Message) {
	if msg.Type == "" {
		msg.Type = channel.TypeUnknown
	}
	if msg.SenderID == "" || strings.ContainsAny(msg.SenderID, "<>") {
		if msg.Group {
			msg.SenderID = "unknown_" + msg.OriginID
		} else {
			msg.SenderID = msg.OriginID
		}
	}
	if len(msg.Mentions) == 1 && msg.Mentions[0] == "" {
		msg.Mentions = nil
	}
}

func (n *Normalizer) processText(msg *channel.Message) {
	msg.Type = channel.TypeText
	n.resolveSender(msg)
	msg.Mentions = n.extractMentions(msg)
}

func (n *Normalizer) processImage(msg *channel.Message) {
	msg.Type = channel.TypeImage
	n.resolveSender(msg)
	var payload struct {
		Img struct {
			AESKey       string `xml:"aeskey,attr"`
			CDNMidImgURL string `xml:"cdnmidimgurl,attr"`
			Length       string `xml:"length,attr"`
			MD5          string `xml:"md5,attr"`
		} `xml:"img"`
	}
	if err := xml.Unmarshal([]byte(msg.Content), &payload); err != nil {
		return
	}
	msg.Image = &channel.ImageInfo{
		AESKey:       payload.Img.AESKey,
		CDNMidImgURL: payload.Img.CDNMidImgURL,
		Length:       payload.Img.Length,
		MD5:          payload.Img.MD5,
	}
}

func (n *Normalizer) processVoice(msg *channel.Message) {
	msg.Type = channel.TypeVoice
	n.resolveSender(msg)
	var payload struct {
		VoiceMsg struct {
			VoiceURL string `xml:"voiceurl,attr"`
			Length   string `xml:"length,attr"`
		} `xml:"voicemsg"`
	}
	if err := xml.Unmarshal([]byte(msg.Content), &payload); err != nil {
		return
	}
	msg.Voice = &channel.VoiceInfo{
		VoiceURL: payload.VoiceMsg.VoiceURL,
		Length:   payload.VoiceMsg.Length,
	}
}

func (n *Normalizer) processVideo(msg *channel.Message) {
	msg.Type = channel.TypeVideo
	n.resolveSender(msg)
}

// appMsgPayload covers every <appmsg> shape this adapter extracts. Missing
// elements decode to zero values, never errors.
type appMsgPayload struct {
	AppMsg struct {
		Type      string `xml:"type"`
		Title     string `xml:"title"`
		URL       string `xml:"url"`
		Des       string `xml:"des"`
		AppAttach struct {
			FileExt  string `xml:"fileext"`
			TotalLen string `xml:"totallen"`
			AttachID string `xml:"attachid"`
		} `xml:"appattach"`
		WeAppInfo struct {
			PagePath string `xml:"pagepath"`
		} `xml:"weappinfo"`
		ReferMsg struct {
			Type        string `xml:"type"`
			SvrID       string `xml:"svrid"`
			FromUsr     string `xml:"fromusr"`
			ChatUsr     string `xml:"chatusr"`
			DisplayName string `xml:"displayname"`
			Content     string `xml:"content"`
			CreateTime  string `xml:"createtime"`
		} `xml:"refermsg"`
	} `xml:"appmsg"`
}

func (n *Normalizer) processApp(msg *channel.Message) {
	msg.Type = channel.TypeXML
	n.resolveSender(msg)
	if !strings.Contains(msg.Content, "<appmsg") {
		return
	}
	var payload appMsgPayload
	if err := xml.Unmarshal([]byte(msg.Content), &payload); err != nil {
		return
	}
	appType, _ := strconv.Atoi(strings.TrimSpace(payload.AppMsg.Type))
	switch appType {
	case appTypeLink:
		msg.Type = channel.TypeLink
		msg.Link = &channel.LinkInfo{
			Title:       payload.AppMsg.Title,
			URL:         payload.AppMsg.URL,
			Description: payload.AppMsg.Des,
		}
		msg.Content = payload.AppMsg.Title + "\n" + payload.AppMsg.URL
	case appTypeFile:
		msg.Type = channel.TypeFile
		msg.File = &channel.FileInfo{
			Name:     payload.AppMsg.Title,
			Ext:      payload.AppMsg.AppAttach.FileExt,
			Size:     payload.AppMsg.AppAttach.TotalLen,
			AttachID: payload.AppMsg.AppAttach.AttachID,
		}
	case appTypeMiniApp:
		msg.Type = channel.TypeMiniApp
		msg.MiniApp = &channel.MiniAppInfo{
			Title:    payload.AppMsg.Title,
			PagePath: payload.AppMsg.WeAppInfo.PagePath,
		}
	case appTypeQuote:
		n.processQuote(msg, &payload)
	default:
		// Unrecognized sub-type stays a generic XML record.
	}
}

// processQuote extracts the quoting text and the quoted sub-message. The
// quoted content may itself be nested XML; when that nested parse fails the
// record still classifies as a quote with a placeholder body.
func (n *Normalizer) processQuote(msg *channel.Message, payload *appMsgPayload) {
	msg.Type = channel.TypeQuote
	refer := payload.AppMsg.ReferMsg
	referType, _ := strconv.Atoi(strings.TrimSpace(refer.Type))
	quote := &channel.QuoteInfo{
		MessageID:   refer.SvrID,
		MessageType: referType,
		FromUser:    refer.ChatUsr,
		ToUser:      refer.FromUsr,
		DisplayName: refer.DisplayName,
		CreatedAt:   refer.CreateTime,
	}
	switch referType {
	case tagText:
		quote.Content = refer.Content
	case tagApp:
		quote.RawContent = refer.Content
		var nested appMsgPayload
		if err := xml.Unmarshal([]byte(refer.Content), &nested); err != nil || nested.AppMsg.Title == "" && nested.AppMsg.Des == "" && nested.AppMsg.URL == "" {
			quote.Content = quoteUnparseable
		} else {
			quote.Content = nested.AppMsg.Title
			quote.Description = nested.AppMsg.Des
			quote.URL = nested.AppMsg.URL
		}
	default:
		quote.Content = refer.Content
	}
	msg.Content = payload.AppMsg.Title
	msg.Quote = quote
}

type patElem struct {
	FromUserName   string `xml:"fromusername"`
	PattedUserName string `xml:"pattedusername"`
	PatSuffix      string `xml:"patsuffix"`
}

func (n *Normalizer) processSystem(msg *channel.Message) {
	if strings.Contains(msg.Content, "<pat") {
		if pat, ok := parsePat(msg.Content); ok {
			msg.Type = channel.TypePat
			msg.Pat = pat
			return
		}
	}
	msg.Type = channel.TypeSystem
}

// parsePat accepts both the <sysmsg><pat>...</pat></sysmsg> wrapper and a
// bare <pat> root.
func parsePat(content string) (*channel.PatInfo, bool) {
	var wrapper struct {
		Pat *patElem `xml:"pat"`
	}
	if err := xml.Unmarshal([]byte(content), &wrapper); err == nil && wrapper.Pat != nil {
		return &channel.PatInfo{
			Patter: wrapper.Pat.FromUserName,
			Patted: wrapper.Pat.PattedUserName,
			Suffix: wrapper.Pat.PatSuffix,
		}, true
	}
	var direct patElem
	if err := xml.Unmarshal([]byte(content), &direct); err == nil {
		if direct.FromUserName != "" || direct.PattedUserName != "" || direct.PatSuffix != "" {
			return &channel.PatInfo{
				Patter: direct.FromUserName,
				Patted: direct.PattedUserName,
				Suffix: direct.PatSuffix,
			}, true
		}
	}
	return nil, false
}

var (
	fromUserAttrRe = regexp.MustCompile(`fromusername\s*=\s*"([^"]+)"`)
	fromUserElemRe = regexp.MustCompile(`<fromusername>\s*([^<]+?)\s*</fromusername>`)
)

// resolveSender fills SenderID. For group origins it walks the fallback
// cascade in a fixed order: colon-prefix split, XML fromusername, alternate
// raw fields, synthesized placeholder. Direct chats use the origin as-is.
func (n *Normalizer) resolveSender(msg *channel.Message) {
	if !msg.Group {
		msg.SenderID = msg.OriginID
		return
	}
	if sender, rest, ok := splitSenderPrefix(msg.Content); ok {
		msg.SenderID = sender
		msg.Content = rest
		return
	}
	if sender := senderFromXML(msg.Content); sender != "" {
		msg.SenderID = sender
		return
	}
	if sender := stringField(msg.Raw, "SenderUserName", "sender", "senderId", "fromUser"); sender != "" {
		msg.SenderID = sender
		return
	}
	msg.SenderID = "unknown_" + msg.OriginID
}

// splitSenderPrefix separates the "wxid:\ncontent" prefix group messages
// carry. The colon-newline pair wins over a bare colon, and a left part that
// opens XML markup is never a sender.
func splitSenderPrefix(content string) (sender, rest string, ok bool) {
	for _, sep := range []string{":\n", ":"} {
		idx := strings.Index(content, sep)
		if idx <= 0 {
			continue
		}
		left := content[:idx]
		if strings.HasPrefix(left, "<") {
			continue
		}
		return left, content[idx+len(sep):], true
	}
	return "", content, false
}

func senderFromXML(content string) string {
	if !strings.Contains(content, "<") {
		return ""
	}
	if m := fromUserAttrRe.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	if m := fromUserElemRe.FindStringSubmatch(content); m != nil {
		return m[1]
	}
	return ""
}

// extractMentions resolves the mentioned-user list for group messages:
// message-source XML first, then alternate raw fields, then a literal
// "@BotName" in the content as an implicit self-mention.
func (n *Normalizer) extractMentions(msg *channel.Message) []string {
	if !msg.Group {
		return nil
	}
	if src := stringField(msg.Raw, "MsgSource", "msgSource"); src != "" {
		if list := atUserListFromSource(src); len(list) > 0 {
			return list
		}
	}
	for _, key := range []string{"atUserList", "AtUserList", "at_list", "atlist"} {
		value, ok := msg.Raw[key]
		if !ok {
			continue
		}
		if list := NormalizeMentionList(value); len(list) > 0 {
			return list
		}
	}
	if n.BotID != "" {
		for _, name := range []string{n.BotName, n.GroupAlias} {
			if name != "" && strings.Contains(msg.Content, "@"+name) {
				return []string{n.BotID}
			}
		}
	}
	return nil
}

func atUserListFromSource(source string) []string {
	var parsed struct {
		AtUserList string `xml:"atuserlist"`
	}
	if err := xml.Unmarshal([]byte(source), &parsed); err != nil {
		return nil
	}
	return splitMentionList(parsed.AtUserList)
}

// NormalizeMentionList folds the mention-list encodings seen on the wire into
// a clean slice. Passing an already-normalized slice returns an equal slice.
func NormalizeMentionList(value any) []string {
	switch v := value.(type) {
	case nil:
		return nil
	case []string:
		items := make([]string, 0, len(v))
		for _, item := range v {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		return items
	case []any:
		items := make([]string, 0, len(v))
		for _, entry := range v {
			if item := strings.TrimSpace(stringValue(entry)); item != "" {
				items = append(items, item)
			}
		}
		return items
	case string:
		return splitMentionList(v)
	default:
		return nil
	}
}

func splitMentionList(joined string) []string {
	joined = strings.Trim(strings.TrimSpace(joined), ",")
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	return items
}

// stringValue coerces a raw wire value to a string. Some protocol builds wrap
// strings as {"string": "..."} objects.
func stringValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]any:
		if inner, ok := v["string"]; ok {
			return stringValue(inner)
		}
		return ""
	case json.Number:
		return v.String()
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func stringField(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := raw[key]; ok {
			if s := stringValue(value); s != "" {
				return s
			}
		}
	}
	return ""
}

// intValue coerces integers regardless of wire encoding: JSON numbers,
// decimal strings, and the {"string": ...} wrapper all match.
func intValue(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return i, err == nil
	case map[string]any:
		if inner, ok := v["string"]; ok {
			return intValue(inner)
		}
		return 0, false
	default:
		return 0, false
	}
}

func intField(raw map[string]any, keys ...string) (int64, bool) {
	for _, key := range keys {
		if value, ok := raw[key]; ok {
			if i, ok := intValue(value); ok {
				return i, true
			}
		}
	}
	return 0, false
}
