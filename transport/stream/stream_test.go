package stream

import (
	"strconv"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"chatpipe/credential"
	"chatpipe/message"
	"chatpipe/transport"
)

type fakeSink struct {
	msgs   []message.Message
	events []transport.StatusEvent
}

func (f *fakeSink) Ingest(msgs []message.Message)   { f.msgs = append(f.msgs, msgs...) }
func (f *fakeSink) Status(ev transport.StatusEvent) { f.events = append(f.events, ev) }

func TestJSONCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	req := streamRequest{LiveChatID: "abc", Part: []string{"id", "snippet"}, MaxResults: 500}
	b, err := c.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got streamRequest
	if err := c.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.LiveChatID != req.LiveChatID || got.MaxResults != req.MaxResults {
		t.Fatalf("round-trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestMapGRPCError(t *testing.T) {
	cases := []struct {
		code codes.Code
		msg  string
		want transport.ErrKind
	}{
		{codes.Unauthenticated, "", transport.ErrInvalidCredential},
		{codes.ResourceExhausted, "", transport.ErrRateLimit},
		{codes.PermissionDenied, "quota exceeded for project", transport.ErrQuotaExhausted},
		{codes.PermissionDenied, "live chat is disabled", transport.ErrChatDisabled},
		{codes.PermissionDenied, "something else", transport.ErrInvalidCredential},
		{codes.NotFound, "", transport.ErrChatNotFound},
		{codes.Unavailable, "", transport.ErrNetwork},
		{codes.Internal, "", transport.ErrServer5xx},
	}
	for _, c := range cases {
		err := status.Error(c.code, c.msg)
		if got := mapGRPCError(err); got != c.want {
			t.Errorf("mapGRPCError(%v, %q) = %v, want %v", c.code, c.msg, got, c.want)
		}
	}
}

func TestConvertClassifiesTipKinds(t *testing.T) {
	cred := credential.New("key", "", "")
	sink := &fakeSink{}
	tr := New(cred, sink, nil)
	now := time.Now().Format(time.RFC3339)

	tip := streamItem{ID: "tip1"}
	tip.Snippet.PublishedAt = now
	tip.Snippet.SuperChatDetails = &struct {
		AmountDisplayString string `json:"amountDisplayString"`
		Currency            string `json:"currency"`
	}{AmountDisplayString: "$10.00", Currency: "USD"}

	sticker := streamItem{ID: "sticker1"}
	sticker.Snippet.PublishedAt = now
	sticker.Snippet.SuperStickerDetails = &struct {
		SuperStickerMetadata struct {
			StickerID string `json:"stickerId"`
		} `json:"superStickerMetadata"`
	}{}
	sticker.Snippet.SuperStickerDetails.SuperStickerMetadata.StickerID = "abc"

	join := streamItem{ID: "join1"}
	join.Snippet.PublishedAt = now
	join.Snippet.NewSponsorDetails = &struct {
		MemberLevelName string `json:"memberLevelName"`
	}{MemberLevelName: "Gold"}

	gift := streamItem{ID: "gift1"}
	gift.Snippet.PublishedAt = now
	gift.Snippet.MembershipGiftingDetails = &struct {
		GiftMembershipsCount int `json:"giftMembershipsCount"`
	}{GiftMembershipsCount: 5}

	text := streamItem{ID: "text1"}
	text.Snippet.PublishedAt = now

	msgs := tr.convert([]streamItem{tip, sticker, join, gift, text})
	want := map[string]message.Kind{
		"tip1":     message.KindTip,
		"sticker1": message.KindStickerTip,
		"join1":    message.KindMemberJoin,
		"gift1":    message.KindMemberGift,
		"text1":    message.KindText,
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for _, m := range msgs {
		if m.Kind != want[m.ID] {
			t.Errorf("message %s: Kind = %v, want %v", m.ID, m.Kind, want[m.ID])
		}
	}
}

// TestConvertIgnoresTypeStringWithoutDetails guards the nil-pointer fix:
// a malformed item whose type string claims a tip but lacks the matching
// detail object must not panic, and must be classified as text.
func TestConvertIgnoresTypeStringWithoutDetails(t *testing.T) {
	cred := credential.New("key", "", "")
	sink := &fakeSink{}
	tr := New(cred, sink, nil)

	it := streamItem{ID: "malformed"}
	it.Snippet.PublishedAt = time.Now().Format(time.RFC3339)
	it.Snippet.Type = "superChatEvent"

	msgs := tr.convert([]streamItem{it})
	if len(msgs) != 1 || msgs[0].Kind != message.KindText {
		t.Fatalf("expected malformed item to classify as text without panicking, got %+v", msgs)
	}
}

func TestConvertDedupesAndDropsUnparsableTimestamp(t *testing.T) {
	cred := credential.New("key", "", "")
	sink := &fakeSink{}
	tr := New(cred, sink, nil)

	now := time.Now().Format(time.RFC3339)
	item1 := streamItem{ID: "a"}
	item1.Snippet.PublishedAt = now
	item2 := streamItem{ID: "a"} // duplicate id
	item2.Snippet.PublishedAt = now
	item3 := streamItem{ID: "b"}
	item3.Snippet.PublishedAt = "not-a-timestamp"

	msgs := tr.convert([]streamItem{item1, item2, item3})
	if len(msgs) != 1 || msgs[0].ID != "a" {
		t.Fatalf("expected only the first occurrence of id 'a' to survive, got %+v", msgs)
	}
	if tr.SeenCount() != 2 {
		t.Fatalf("expected seen-id set to contain both observed ids (including the dropped one), got %d", tr.SeenCount())
	}
}

func TestConvertClearsSeenSetOnOverflow(t *testing.T) {
	cred := credential.New("key", "", "")
	sink := &fakeSink{}
	tr := New(cred, sink, nil)

	now := time.Now().Format(time.RFC3339)
	for i := 0; i < maxSeenIDs+2; i++ {
		it := streamItem{ID: "id-" + strconv.Itoa(i)}
		it.Snippet.PublishedAt = now
		tr.convert([]streamItem{it})
	}
	if tr.SeenCount() > maxSeenIDs {
		t.Fatalf("expected seen-id set to have been cleared at least once, size = %d", tr.SeenCount())
	}
}
