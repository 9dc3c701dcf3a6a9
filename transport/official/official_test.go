package official

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

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

func mustUnmarshalListResponse(t *testing.T, raw string) *listResponse {
	t.Helper()
	var lr listResponse
	if err := json.Unmarshal([]byte(raw), &lr); err != nil {
		t.Fatalf("unmarshal fixture: %v", err)
	}
	return &lr
}

func TestHandleResponseDropsUnparsableTimestamp(t *testing.T) {
	cred := credential.New("key", "", "")
	sink := &fakeSink{}
	tr := New(cred, sink, nil)

	now := time.Now().Format(time.RFC3339)
	raw := `{"items":[
		{"id":"good","snippet":{"displayMessage":"hi","publishedAt":"` + now + `"},"authorDetails":{"displayName":"alice"}},
		{"id":"bad","snippet":{"displayMessage":"nope","publishedAt":"not-a-timestamp"},"authorDetails":{"displayName":"bob"}}
	]}`
	tr.handleResponse(mustUnmarshalListResponse(t, raw))

	if len(sink.msgs) != 1 || sink.msgs[0].ID != "good" {
		t.Fatalf("expected only the parsable message to be ingested, got %+v", sink.msgs)
	}
}

func TestHandleResponseClassifiesTipKinds(t *testing.T) {
	cred := credential.New("key", "", "")
	sink := &fakeSink{}
	tr := New(cred, sink, nil)

	now := time.Now().Format(time.RFC3339)
	raw := `{"items":[
		{"id":"tip1","snippet":{"publishedAt":"` + now + `","superChatDetails":{"amountDisplayString":"$10.00","currency":"USD"}},"authorDetails":{"displayName":"alice"}},
		{"id":"sticker1","snippet":{"publishedAt":"` + now + `","superStickerDetails":{"superStickerMetadata":{"stickerId":"abc"}}},"authorDetails":{"displayName":"bob"}},
		{"id":"join1","snippet":{"publishedAt":"` + now + `","newSponsorDetails":{"memberLevelName":"Gold"}},"authorDetails":{"displayName":"carl"}},
		{"id":"gift1","snippet":{"publishedAt":"` + now + `","membershipGiftingDetails":{"giftMembershipsCount":5}},"authorDetails":{"displayName":"dave"}}
	]}`
	tr.handleResponse(mustUnmarshalListResponse(t, raw))

	if len(sink.msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(sink.msgs))
	}
	want := map[string]message.Kind{
		"tip1":     message.KindTip,
		"sticker1": message.KindStickerTip,
		"join1":    message.KindMemberJoin,
		"gift1":    message.KindMemberGift,
	}
	for _, m := range sink.msgs {
		if m.Kind != want[m.ID] {
			t.Errorf("message %s: Kind = %v, want %v", m.ID, m.Kind, want[m.ID])
		}
	}
	if sink.msgs[0].Tip.AmountDisplay != "$10.00" || sink.msgs[0].Tip.Currency != "USD" {
		t.Errorf("tip details not populated: %+v", sink.msgs[0].Tip)
	}
}

func TestQuotaUnitsAccumulate(t *testing.T) {
	cred := credential.New("key", "", "")
	sink := &fakeSink{}
	tr := New(cred, sink, nil)

	tr.handleResponse(&listResponse{})
	tr.handleResponse(&listResponse{})

	if got := tr.QuotaUnits(); got != 2*quotaUnitsPerFetch {
		t.Fatalf("QuotaUnits() = %d, want %d", got, 2*quotaUnitsPerFetch)
	}
}

func TestTelemetryEmittedEveryTenPolls(t *testing.T) {
	cred := credential.New("key", "", "")
	sink := &fakeSink{}
	tr := New(cred, sink, nil)

	for i := 0; i < 9; i++ {
		tr.handleResponse(&listResponse{})
	}
	if len(sink.events) != 0 {
		t.Fatalf("expected no telemetry events before the 10th poll, got %d", len(sink.events))
	}
	tr.handleResponse(&listResponse{})
	if len(sink.events) != 1 {
		t.Fatalf("expected telemetry event on the 10th poll, got %d", len(sink.events))
	}
}

func TestMapHTTPStatusUsedByFetchIsBitExact(t *testing.T) {
	if got := transport.MapHTTPStatus(http.StatusForbidden, `{"reason":"quotaExceeded"}`); got != transport.ErrQuotaExhausted {
		t.Fatalf("MapHTTPStatus = %v, want ErrQuotaExhausted", got)
	}
}
