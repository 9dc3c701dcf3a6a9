// Package message defines the canonical normalized chat message shared by
// every transport and consumed by the persistence and fan-out layers (C3
// of the chat ingestion core).
package message

import (
	"strings"
	"time"
)

// Kind tags the payload carried by a Message.
type Kind string

const (
	KindText        Kind = "text"
	KindTip         Kind = "tip"
	KindStickerTip  Kind = "sticker-tip"
	KindMemberJoin  Kind = "member-join"
	KindMemberGift  Kind = "member-gift"
)

// MaxClockSkew is the tolerance applied when validating that a message's
// publication timestamp is not unreasonably in the future.
const MaxClockSkew = 5 * time.Second

// Roles captures the four independent author role flags.
type Roles struct {
	Owner     bool
	Moderator bool
	Member    bool
	Verified  bool
}

// Run is one element of a message body: either literal text or a
// reference to an emoji resolved via the inner transport's emoji cache.
type Run struct {
	Text  string   // set when this run is literal text
	Emoji *EmojiRef // set when this run is an emoji reference
}

// EmojiRef describes a custom or standard emoji referenced by a Run.
type EmojiRef struct {
	ID         string
	Shortcuts  []string
	Thumbnails []string
	IsCustom   bool
}

// flatten returns the text this run contributes when flattening a body:
// literal runs contribute their text; emoji runs contribute their first
// shortcut, or ":emoji_id:" if no shortcut is known.
func (r Run) flatten() string {
	if r.Emoji == nil {
		return r.Text
	}
	if len(r.Emoji.Shortcuts) > 0 {
		return r.Emoji.Shortcuts[0]
	}
	return ":" + r.Emoji.ID + ":"
}

// TipDetails carries the amount/currency pair for tip and sticker-tip
// messages.
type TipDetails struct {
	AmountDisplay string // e.g. "$10.00"
	Currency      string // e.g. "USD"
	StickerID     string // set only for sticker-tip
	MemberLevel   string // set only for member-join/member-gift
	GiftCount     int    // set only for member-gift
}

// Message is the canonical, transport-agnostic chat event.
type Message struct {
	ID              string
	Body            string
	Runs            []Run
	AuthorName      string
	AuthorChannelID string
	AuthorImageURL  string
	PublishedAt     time.Time
	Roles           Roles
	Kind            Kind
	Tip             TipDetails
}

// Reconstruct recomputes Body from Runs using the documented flattening
// rule. Callers use this when a transport supplies structured runs
// instead of (or alongside) a pre-flattened body string.
func (m *Message) Reconstruct() string {
	if len(m.Runs) == 0 {
		return m.Body
	}
	var sb strings.Builder
	for _, r := range m.Runs {
		sb.WriteString(r.flatten())
	}
	return sb.String()
}

// Valid reports whether m satisfies the normalized-message invariants:
// non-empty identifier and a publication timestamp not more than
// MaxClockSkew in the future.
func (m *Message) Valid(now time.Time) bool {
	if m.ID == "" {
		return false
	}
	if m.PublishedAt.After(now.Add(MaxClockSkew)) {
		return false
	}
	return true
}

// IsMonetary reports whether this message's kind carries tip semantics
// and therefore should be routed to the tip lifecycle (C10).
func (m *Message) IsMonetary() bool {
	return m.Kind == KindTip || m.Kind == KindStickerTip
}
