package channel

import "testing"

func TestSynthesizeIDDeterministic(t *testing.T) {
	t.Parallel()

	a := SynthesizeID(1700000000, "hello")
	b := SynthesizeID(1700000000, "hello")
	if a != b {
		t.Fatalf("ids differ: %q vs %q", a, b)
	}
	if c := SynthesizeID(1700000000, "other"); c == a {
		t.Fatal("different content should produce a different id")
	}
	if d := SynthesizeID(1700000001, "hello"); d == a {
		t.Fatal("different timestamp should produce a different id")
	}
}

func TestMessageIsAt(t *testing.T) {
	t.Parallel()

	msg := Message{Mentions: []string{"wxid_a", "wxid_b"}}
	if !msg.IsAt("wxid_a") {
		t.Fatal("expected mention hit")
	}
	if msg.IsAt("wxid_c") {
		t.Fatal("unexpected mention hit")
	}
}

func TestReplyIsEmpty(t *testing.T) {
	t.Parallel()

	if !(Reply{Type: ReplyText, Content: "   "}).IsEmpty() {
		t.Fatal("whitespace reply should be empty")
	}
	if (Reply{Type: ReplyText, Content: "hi"}).IsEmpty() {
		t.Fatal("non-empty reply misreported")
	}
}
