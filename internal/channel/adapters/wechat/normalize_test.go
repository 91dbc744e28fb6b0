package wechat

import (
	"reflect"
	"testing"
	"time"

	"github.com/wxgatehq/wxgate/internal/channel"
)

func testNormalizer() *Normalizer {
	n := NewNormalizer("bot_wxid", "Bot", "")
	n.now = func() time.Time { return time.Unix(1700000000, 0) }
	return n
}

func TestNormalizeGroupTextWithSenderPrefix(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"msgid":        "1001",
		"type":         float64(1),
		"content":      "wxid_abc:\nhello @Bot how are you",
		"fromUserName": "4455@chatroom",
		"toUserName":   "bot_wxid",
		"timestamp":    float64(1699999999),
	}, false)

	if msg.Type != channel.TypeText {
		t.Fatalf("type=%s want=text", msg.Type)
	}
	if !msg.Group {
		t.Fatal("expected group message")
	}
	if msg.SenderID != "wxid_abc" {
		t.Fatalf("sender=%q want=wxid_abc", msg.SenderID)
	}
	if msg.Content != "hello @Bot how are you" {
		t.Fatalf("content=%q", msg.Content)
	}
	if !msg.IsAt("bot_wxid") {
		t.Fatalf("mentions=%v want bot mention", msg.Mentions)
	}
	if msg.ID != "1001" {
		t.Fatalf("id=%q want=1001", msg.ID)
	}
}

func TestNormalizeTagEncodings(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	for _, tag := range []any{float64(1), "1", map[string]any{"string": "1"}} {
		msg := n.Normalize(map[string]any{
			"type":         tag,
			"content":      "hi",
			"fromUserName": "wxid_peer",
		}, false)
		if msg.Type != channel.TypeText {
			t.Fatalf("tag=%v type=%s want=text", tag, msg.Type)
		}
	}
}

func TestNormalizeStringWrappedFields(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"type":         float64(1),
		"content":      map[string]any{"string": "wrapped body"},
		"fromUserName": map[string]any{"string": "wxid_peer"},
	}, false)

	if msg.Content != "wrapped body" {
		t.Fatalf("content=%q", msg.Content)
	}
	if msg.OriginID != "wxid_peer" || msg.SenderID != "wxid_peer" {
		t.Fatalf("origin=%q sender=%q", msg.OriginID, msg.SenderID)
	}
}

func TestNormalizeDirectChatKeepsColonContent(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"type":         float64(1),
		"content":      "note: remember this",
		"fromUserName": "wxid_peer",
	}, false)

	if msg.Group {
		t.Fatal("unexpected group flag")
	}
	if msg.SenderID != "wxid_peer" {
		t.Fatalf("sender=%q", msg.SenderID)
	}
	if msg.Content != "note: remember this" {
		t.Fatalf("content=%q", msg.Content)
	}
}

func TestNormalizeSenderColonPrefixBeatsXML(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"type":         float64(1),
		"content":      "wxid_a:\n<msg fromusername=\"wxid_b\">x</msg>",
		"fromUserName": "room@chatroom",
	}, false)

	if msg.SenderID != "wxid_a" {
		t.Fatalf("sender=%q want=wxid_a", msg.SenderID)
	}
}

func TestNormalizeSenderFromXML(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	cases := []string{
		`<msg fromusername="wxid_b">x</msg>`,
		"<msg><fromusername>wxid_b</fromusername></msg>",
	}
	for _, content := range cases {
		msg := n.Normalize(map[string]any{
			"type":         float64(1),
			"content":      content,
			"fromUserName": "room@chatroom",
		}, false)
		if msg.SenderID != "wxid_b" {
			t.Fatalf("content=%q sender=%q want=wxid_b", content, msg.SenderID)
		}
	}
}

func TestNormalizeSenderFromAlternateFields(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"type":           float64(1),
		"content":        "no prefix here",
		"fromUserName":   "room@chatroom",
		"SenderUserName": "wxid_alt",
	}, false)

	if msg.SenderID != "wxid_alt" {
		t.Fatalf("sender=%q want=wxid_alt", msg.SenderID)
	}
}

func TestNormalizeSenderPlaceholder(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"type":         float64(1),
		"content":      "no prefix here",
		"fromUserName": "room@chatroom",
	}, false)

	if msg.SenderID != "unknown_room@chatroom" {
		t.Fatalf("sender=%q", msg.SenderID)
	}
}

func TestNormalizeMentionsFromMsgSource(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"type":         float64(1),
		"content":      "wxid_s:\nhello",
		"fromUserName": "room@chatroom",
		"MsgSource":    "<msgsource><atuserlist>wxid_a,wxid_b,</atuserlist></msgsource>",
	}, false)

	want := []string{"wxid_a", "wxid_b"}
	if !reflect.DeepEqual(msg.Mentions, want) {
		t.Fatalf("mentions=%v want=%v", msg.Mentions, want)
	}
}

func TestNormalizeMentionsNeverSingleEmpty(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"type":         float64(1),
		"content":      "wxid_s:\nhello",
		"fromUserName": "room@chatroom",
		"atUserList":   []any{""},
	}, false)

	if len(msg.Mentions) != 0 {
		t.Fatalf("mentions=%v want empty", msg.Mentions)
	}
}

func TestNormalizeMentionListIdempotent(t *testing.T) {
	t.Parallel()

	once := NormalizeMentionList("wxid_a, wxid_b,")
	twice := NormalizeMentionList(once)
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("once=%v twice=%v", once, twice)
	}
}

func TestNormalizeImage(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	content := "wxid_s:\n" +
		`<msg><img aeskey="k1" cdnmidimgurl="cdn://x" length="2048" md5="abcd"/></msg>`
	msg := n.Normalize(map[string]any{
		"type":         float64(3),
		"content":      content,
		"fromUserName": "room@chatroom",
	}, false)

	if msg.Type != channel.TypeImage {
		t.Fatalf("type=%s want=image", msg.Type)
	}
	if msg.Image == nil {
		t.Fatal("image payload missing")
	}
	if msg.Image.AESKey != "k1" || msg.Image.CDNMidImgURL != "cdn://x" || msg.Image.Length != "2048" || msg.Image.MD5 != "abcd" {
		t.Fatalf("image=%+v", msg.Image)
	}
	if msg.SenderID != "wxid_s" {
		t.Fatalf("sender=%q", msg.SenderID)
	}
}

func TestNormalizeImageBadXMLStillImage(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"type":         float64(3),
		"content":      "<msg><img aeskey=",
		"fromUserName": "wxid_peer",
	}, false)

	if msg.Type != channel.TypeImage {
		t.Fatalf("type=%s want=image", msg.Type)
	}
	if msg.Image != nil {
		t.Fatalf("image=%+v want nil payload", msg.Image)
	}
}

func TestNormalizeVoice(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"type":         float64(34),
		"content":      `<msg><voicemsg voiceurl="v://u" length="5600"/></msg>`,
		"fromUserName": "wxid_peer",
	}, false)

	if msg.Type != channel.TypeVoice {
		t.Fatalf("type=%s want=voice", msg.Type)
	}
	if msg.Voice == nil || msg.Voice.VoiceURL != "v://u" || msg.Voice.Length != "5600" {
		t.Fatalf("voice=%+v", msg.Voice)
	}
}

func TestNormalizeEmojiAsText(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"type":         float64(47),
		"content":      "[Doge]",
		"fromUserName": "wxid_peer",
	}, false)

	if msg.Type != channel.TypeText {
		t.Fatalf("type=%s want=text", msg.Type)
	}
}

func TestNormalizeLink(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	content := `<msg><appmsg><type>5</type><title>A Title</title><url>https://example.com</url><des>About</des></appmsg></msg>`
	msg := n.Normalize(map[string]any{
		"type":         float64(49),
		"content":      content,
		"fromUserName": "wxid_peer",
	}, false)

	if msg.Type != channel.TypeLink {
		t.Fatalf("type=%s want=link", msg.Type)
	}
	if msg.Link == nil || msg.Link.Title != "A Title" || msg.Link.URL != "https://example.com" || msg.Link.Description != "About" {
		t.Fatalf("link=%+v", msg.Link)
	}
	if msg.Content != "A Title\nhttps://example.com" {
		t.Fatalf("content=%q", msg.Content)
	}
}

func TestNormalizeFile(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	content := `<msg><appmsg><type>6</type><title>report.pdf</title><appattach><fileext>pdf</fileext><totallen>10240</totallen><attachid>att_1</attachid></appattach></appmsg></msg>`
	msg := n.Normalize(map[string]any{
		"type":         float64(49),
		"content":      content,
		"fromUserName": "wxid_peer",
	}, false)

	if msg.Type != channel.TypeFile {
		t.Fatalf("type=%s want=file", msg.Type)
	}
	if msg.File == nil || msg.File.Name != "report.pdf" || msg.File.Ext != "pdf" || msg.File.Size != "10240" || msg.File.AttachID != "att_1" {
		t.Fatalf("file=%+v", msg.File)
	}
}

func TestNormalizeMiniApp(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	content := `<msg><appmsg><type>33</type><title>Shop</title><weappinfo><pagepath>pages/index</pagepath></weappinfo></appmsg></msg>`
	msg := n.Normalize(map[string]any{
		"type":         float64(49),
		"content":      content,
		"fromUserName": "wxid_peer",
	}, false)

	if msg.Type != channel.TypeMiniApp {
		t.Fatalf("type=%s want=miniapp", msg.Type)
	}
	if msg.MiniApp == nil || msg.MiniApp.Title != "Shop" || msg.MiniApp.PagePath != "pages/index" {
		t.Fatalf("miniapp=%+v", msg.MiniApp)
	}
}

func TestNormalizeQuoteOfText(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	content := "wxid_s:\n" +
		`<msg><appmsg><type>57</type><title>my reply</title><refermsg><type>1</type><svrid>8888</svrid><chatusr>wxid_q</chatusr><fromusr>room@chatroom</fromusr><displayname>Alice</displayname><content>original text</content><createtime>1699</createtime></refermsg></appmsg></msg>`
	msg := n.Normalize(map[string]any{
		"type":         float64(49),
		"content":      content,
		"fromUserName": "room@chatroom",
	}, false)

	if msg.Type != channel.TypeQuote {
		t.Fatalf("type=%s want=quote", msg.Type)
	}
	if msg.Content != "my reply" {
		t.Fatalf("content=%q", msg.Content)
	}
	q := msg.Quote
	if q == nil {
		t.Fatal("quote payload missing")
	}
	if q.MessageID != "8888" || q.MessageType != 1 || q.FromUser != "wxid_q" || q.DisplayName != "Alice" || q.Content != "original text" {
		t.Fatalf("quote=%+v", q)
	}
}

func TestNormalizeQuoteUnparseableNestedXML(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	content := `<msg><appmsg><type>57</type><title>look at this</title><refermsg><type>49</type><svrid>9999</svrid><content>&lt;appmsg&gt;&lt;broken</content></refermsg></appmsg></msg>`
	msg := n.Normalize(map[string]any{
		"type":         float64(49),
		"content":      content,
		"fromUserName": "wxid_peer",
	}, false)

	if msg.Type != channel.TypeQuote {
		t.Fatalf("type=%s want=quote", msg.Type)
	}
	if msg.Quote == nil || msg.Quote.Content != quoteUnparseable {
		t.Fatalf("quote=%+v want placeholder content", msg.Quote)
	}
	if msg.Quote.RawContent == "" {
		t.Fatal("raw quoted content should be preserved")
	}
}

func TestNormalizeAppFallbackStaysXML(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"type":         float64(49),
		"content":      `<msg><appmsg><type>2000</type><title>transfer</title></appmsg></msg>`,
		"fromUserName": "wxid_peer",
	}, false)

	if msg.Type != channel.TypeXML {
		t.Fatalf("type=%s want=xml", msg.Type)
	}
}

func TestNormalizePat(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	cases := []string{
		`<sysmsg type="pat"><pat><fromusername>wxid_u</fromusername><pattedusername>bot_wxid</pattedusername><patsuffix>waved at</patsuffix></pat></sysmsg>`,
		`<pat><fromusername>wxid_u</fromusername><pattedusername>bot_wxid</pattedusername><patsuffix>waved at</patsuffix></pat>`,
	}
	for _, content := range cases {
		msg := n.Normalize(map[string]any{
			"type":         float64(10002),
			"content":      content,
			"fromUserName": "room@chatroom",
		}, false)
		if msg.Type != channel.TypePat {
			t.Fatalf("content=%q type=%s want=pat", content, msg.Type)
		}
		if msg.Pat == nil || msg.Pat.Patter != "wxid_u" || msg.Pat.Patted != "bot_wxid" || msg.Pat.Suffix != "waved at" {
			t.Fatalf("pat=%+v", msg.Pat)
		}
	}
}

func TestNormalizeSystemWithoutPat(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"type":         float64(10000),
		"content":      `You recalled a message`,
		"fromUserName": "wxid_peer",
	}, false)

	if msg.Type != channel.TypeSystem {
		t.Fatalf("type=%s want=system", msg.Type)
	}
}

func TestNormalizeUnknownTagPlainTextReclassified(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"type":         float64(51),
		"content":      "plain words",
		"fromUserName": "wxid_peer",
	}, false)

	if msg.Type != channel.TypeText {
		t.Fatalf("type=%s want=text", msg.Type)
	}
}

func TestNormalizeUnknownTagSysmsgStaysUnknown(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"type":         float64(51),
		"content":      `<sysmsg type="something"/>`,
		"fromUserName": "wxid_peer",
	}, false)

	if msg.Type != channel.TypeUnknown {
		t.Fatalf("type=%s want=unknown", msg.Type)
	}
}

func TestNormalizeSynthesizesDeterministicID(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	raw := map[string]any{
		"type":         float64(1),
		"content":      "no id here",
		"fromUserName": "wxid_peer",
		"timestamp":    float64(1699999000),
	}
	first := n.Normalize(raw, false)
	second := n.Normalize(raw, false)

	if first.ID == "" {
		t.Fatal("id should be synthesized")
	}
	if first.ID != second.ID {
		t.Fatalf("ids differ: %q vs %q", first.ID, second.ID)
	}
}

func TestNormalizeMissingTimestampUsesClock(t *testing.T) {
	t.Parallel()

	n := testNormalizer()
	msg := n.Normalize(map[string]any{
		"type":         float64(1),
		"content":      "hi",
		"fromUserName": "wxid_peer",
	}, false)

	if msg.CreatedAt != 1700000000 {
		t.Fatalf("created_at=%d", msg.CreatedAt)
	}
}
