package message

import (
	"testing"
	"time"
)

func TestReconstructFlattensLiteralAndEmojiRuns(t *testing.T) {
	m := &Message{
		Runs: []Run{
			{Text: "hi "},
			{Emoji: &EmojiRef{ID: "123", Shortcuts: []string{":wave:"}}},
			{Text: " there"},
		},
	}
	got := m.Reconstruct()
	want := "hi :wave: there"
	if got != want {
		t.Fatalf("Reconstruct() = %q, want %q", got, want)
	}
}

func TestReconstructEmojiFallsBackToID(t *testing.T) {
	m := &Message{Runs: []Run{{Emoji: &EmojiRef{ID: "xyz"}}}}
	got := m.Reconstruct()
	if got != ":xyz:" {
		t.Fatalf("Reconstruct() = %q, want :xyz:", got)
	}
}

func TestReconstructNoRunsReturnsBody(t *testing.T) {
	m := &Message{Body: "plain text"}
	if got := m.Reconstruct(); got != "plain text" {
		t.Fatalf("Reconstruct() = %q, want %q", got, "plain text")
	}
}

func TestValidRejectsEmptyID(t *testing.T) {
	m := &Message{PublishedAt: time.Now()}
	if m.Valid(time.Now()) {
		t.Fatal("Valid() = true for empty ID")
	}
}

func TestValidRejectsFutureTimestamp(t *testing.T) {
	now := time.Now()
	m := &Message{ID: "a", PublishedAt: now.Add(10 * time.Second)}
	if m.Valid(now) {
		t.Fatal("Valid() = true for timestamp 10s in the future")
	}
}

func TestValidAcceptsWithinClockSkew(t *testing.T) {
	now := time.Now()
	m := &Message{ID: "a", PublishedAt: now.Add(2 * time.Second)}
	if !m.Valid(now) {
		t.Fatal("Valid() = false for timestamp within clock-skew tolerance")
	}
}

func TestIsMonetary(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindText, false},
		{KindTip, true},
		{KindStickerTip, true},
		{KindMemberJoin, false},
	}
	for _, c := range cases {
		m := &Message{Kind: c.kind}
		if got := m.IsMonetary(); got != c.want {
			t.Errorf("IsMonetary() for %s = %v, want %v", c.kind, got, c.want)
		}
	}
}
