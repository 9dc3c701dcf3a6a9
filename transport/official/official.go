// Package official implements Transport/Official (C5): a periodic poller
// against the documented REST live-chat endpoint, driven by the
// server-recommended polling interval.
package official

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"chatpipe/backoff"
	"chatpipe/credential"
	"chatpipe/message"
	"chatpipe/transport"
)

// quotaGauge reports the coarse YouTube Data API quota counted by the
// Transport/Official instance that last reported; each instance keeps its
// own counter, so a new pipeline Start restarts the value from zero.
// Registered once, lazily, since a Transport is constructed fresh per
// pipeline Start.
var (
	quotaGaugeOnce sync.Once
	quotaGauge     prometheus.Gauge
)

func reportQuotaUnits(n uint64) {
	quotaGaugeOnce.Do(func() {
		quotaGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatpipe_quota_units_total",
			Help: "Coarse YouTube Data API quota units consumed by Transport/Official this session.",
		})
		prometheus.MustRegister(quotaGauge)
	})
	quotaGauge.Set(float64(n))
}

const (
	apiBase        = "https://www.googleapis.com/youtube/v3"
	minPollInterval = 5 * time.Second
	// quotaUnitsPerFetch mirrors the original client's ~5-unit cost for a
	// liveChat.messages.list call.
	quotaUnitsPerFetch = 5
)

// item mirrors the subset of the liveChat.messages.list response this
// transport consumes.
type item struct {
	ID      string `json:"id"`
	Snippet struct {
		Type                 string `json:"type"`
		DisplayMessage       string `json:"displayMessage"`
		PublishedAt          string `json:"publishedAt"`
		SuperChatDetails     *struct {
			AmountDisplayString string `json:"amountDisplayString"`
			Currency            string `json:"currency"`
		} `json:"superChatDetails"`
		SuperStickerDetails *struct {
			SuperStickerMetadata struct {
				StickerID string `json:"stickerId"`
			} `json:"superStickerMetadata"`
		} `json:"superStickerDetails"`
		NewSponsorDetails *struct {
			MemberLevelName string `json:"memberLevelName"`
		} `json:"newSponsorDetails"`
		MembershipGiftingDetails *struct {
			GiftMembershipsCount int `json:"giftMembershipsCount"`
		} `json:"membershipGiftingDetails"`
	} `json:"snippet"`
	AuthorDetails struct {
		DisplayName      string `json:"displayName"`
		ChannelID        string `json:"channelId"`
		ProfileImageURL  string `json:"profileImageUrl"`
		IsChatOwner      bool   `json:"isChatOwner"`
		IsChatModerator  bool   `json:"isChatModerator"`
		IsChatSponsor    bool   `json:"isChatSponsor"`
		IsVerified       bool   `json:"isVerified"`
	} `json:"authorDetails"`
}

type listResponse struct {
	Items                    []item `json:"items"`
	NextPageToken            string `json:"nextPageToken"`
	PollingIntervalMillis    int    `json:"pollingIntervalMillis"`
}

// videoResponse is the subset of videos.list this transport uses to
// resolve a live chat id from a video id (§3 of SPEC_FULL.md).
type videoResponse struct {
	Items []struct {
		LiveStreamingDetails *struct {
			ActiveLiveChatID string `json:"activeLiveChatId"`
		} `json:"liveStreamingDetails"`
	} `json:"items"`
}

// Transport polls the official REST endpoint on a fixed schedule.
type Transport struct {
	httpClient *http.Client
	cred       *credential.Selector
	sink       transport.Sink
	log        logrus.FieldLogger

	stopped atomic.Bool

	mu            sync.Mutex
	nextPageToken string
	quotaUnits    uint64
	pollCount     uint64
}

// New constructs a Transport/Official instance.
func New(cred *credential.Selector, sink transport.Sink, log logrus.FieldLogger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		cred:       cred,
		sink:       sink,
		log:        log,
	}
}

// ResolveChatID looks up the active live chat id for a video id via
// videos.list, the stream-id resolution step supplemented in
// SPEC_FULL.md §3.
func (t *Transport) ResolveChatID(ctx context.Context, videoID string) (string, *transport.Error) {
	key, err := t.cred.Active(true)
	if err != nil {
		return "", transport.NewError(transport.ErrInvalidCredential, err)
	}
	u := fmt.Sprintf("%s/videos?part=liveStreamingDetails&id=%s&key=%s",
		apiBase, url.QueryEscape(videoID), url.QueryEscape(key))
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", transport.NewError(transport.ErrNetwork, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", transport.NewError(transport.MapHTTPStatus(resp.StatusCode, string(body)), fmt.Errorf("videos.list: %s", resp.Status))
	}

	var v videoResponse
	if err := json.Unmarshal(body, &v); err != nil {
		return "", transport.NewError(transport.ErrParseError, err)
	}
	if len(v.Items) == 0 || v.Items[0].LiveStreamingDetails == nil || v.Items[0].LiveStreamingDetails.ActiveLiveChatID == "" {
		return "", transport.NewError(transport.ErrChatNotFound, nil)
	}
	return v.Items[0].LiveStreamingDetails.ActiveLiveChatID, nil
}

// Stop requests the polling loop to exit at the next loop head.
func (t *Transport) Stop() {
	t.stopped.Store(true)
}

// Run drives the Starting→Running state machine of §4.5 until ctx is
// canceled, Stop is called, or a terminal error occurs.
func (t *Transport) Run(ctx context.Context, liveChatID string) {
	// Starting: fetch once without a token.
	resp, terr := t.fetch(ctx, liveChatID, "")
	if terr != nil {
		if terr.Kind == transport.ErrInvalidCredential {
			t.cred.FailOver()
			resp, terr = t.fetch(ctx, liveChatID, "")
		}
		if terr != nil {
			t.emitTerminal(terr)
			return
		}
	}
	t.sink.Status(transport.StatusEvent{Mode: transport.ModeOfficial, Connected: true})
	t.handleResponse(resp)

	bo := backoff.New()
	// pacer enforces the effective polling interval (max(server-recommended,
	// minPollInterval)) between successful fetches; its rate is reset every
	// iteration to track the server's latest recommendation.
	pacer := rate.NewLimiter(rate.Every(minPollInterval), 1)
	pacer.AllowN(time.Now(), 1) // drain the initial full burst so the first Wait below still paces a full interval
	for {
		if t.stopped.Load() || ctx.Err() != nil {
			return
		}
		interval := time.Duration(resp.PollingIntervalMillis) * time.Millisecond
		if interval < minPollInterval {
			interval = minPollInterval
		}
		pacer.SetLimit(rate.Every(interval))
		if err := pacer.Wait(ctx); err != nil {
			return
		}
		if t.stopped.Load() {
			return
		}

		t.mu.Lock()
		token := t.nextPageToken
		t.mu.Unlock()

		resp, terr = t.fetch(ctx, liveChatID, token)
		if terr == nil {
			bo.Reset()
			t.handleResponse(resp)
			continue
		}

		if terr.Kind == transport.ErrInvalidCredential {
			t.cred.FailOver()
			resp, terr = t.fetch(ctx, liveChatID, token)
			if terr == nil {
				bo.Reset()
				t.handleResponse(resp)
				continue
			}
			t.emitTerminal(terr)
			return
		}

		if terr.Kind.Terminal() {
			t.emitTerminal(terr)
			return
		}

		if terr.Kind == transport.ErrInvalidPageToken {
			t.mu.Lock()
			t.nextPageToken = ""
			t.mu.Unlock()
			t.sink.Status(transport.StatusEvent{Mode: transport.ModeOfficial, Connected: true, Retrying: true, Error: terr.Error()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}

		// Transient (RateLimit, Network, Server5xx) and any other
		// non-terminal kind, such as ParseError. Backoff exhaustion is
		// terminal even though the underlying kind is itself retryable.
		if !bo.ShouldRetry() {
			t.emitTerminal(transport.NewError(terr.Kind, fmt.Errorf("max retry attempts exceeded: %w", terr)))
			return
		}
		delay := bo.NextDelay()
		t.log.WithError(terr).WithField("delay_ms", delay.Milliseconds()).Warn("official: transient error, retrying")
		t.sink.Status(transport.StatusEvent{Mode: transport.ModeOfficial, Connected: false, Retrying: true, Error: terr.Error()})
		t.mu.Lock()
		t.nextPageToken = ""
		t.mu.Unlock()
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (t *Transport) emitTerminal(terr *transport.Error) {
	ev := transport.StatusEvent{Mode: transport.ModeOfficial, Connected: false, Error: terr.Error()}
	switch terr.Kind {
	case transport.ErrQuotaExhausted:
		ev.QuotaExceeded = true
	case transport.ErrStreamEnded, transport.ErrChatDisabled, transport.ErrChatNotFound:
		ev.StreamEnded = true
	}
	t.log.WithError(terr).Warn("official: terminal error, stopping")
	t.sink.Status(ev)
}

func (t *Transport) handleResponse(resp *listResponse) {
	t.mu.Lock()
	t.nextPageToken = resp.NextPageToken
	t.quotaUnits += quotaUnitsPerFetch
	t.pollCount++
	count := t.pollCount
	quota := t.quotaUnits
	t.mu.Unlock()

	if count%10 == 0 {
		reportQuotaUnits(quota)
		t.sink.Status(transport.StatusEvent{Mode: transport.ModeOfficial, Connected: true, QuotaUnits: &quota})
		t.log.WithField("quota_units", quota).WithField("poll_count", count).Info("official: telemetry")
	}

	msgs := make([]message.Message, 0, len(resp.Items))
	for _, it := range resp.Items {
		published, err := time.Parse(time.RFC3339, it.Snippet.PublishedAt)
		if err != nil {
			t.log.WithError(err).WithField("id", it.ID).Warn("official: dropping message with unparseable publishedAt")
			continue
		}
		m := message.Message{
			ID:              it.ID,
			Body:            it.Snippet.DisplayMessage,
			AuthorName:      it.AuthorDetails.DisplayName,
			AuthorChannelID: it.AuthorDetails.ChannelID,
			AuthorImageURL:  it.AuthorDetails.ProfileImageURL,
			PublishedAt:     published,
			Roles: message.Roles{
				Owner:     it.AuthorDetails.IsChatOwner,
				Moderator: it.AuthorDetails.IsChatModerator,
				Member:    it.AuthorDetails.IsChatSponsor,
				Verified:  it.AuthorDetails.IsVerified,
			},
			Kind: message.KindText,
		}
		switch {
		case it.Snippet.SuperChatDetails != nil:
			m.Kind = message.KindTip
			m.Tip = message.TipDetails{
				AmountDisplay: it.Snippet.SuperChatDetails.AmountDisplayString,
				Currency:      it.Snippet.SuperChatDetails.Currency,
			}
		case it.Snippet.SuperStickerDetails != nil:
			m.Kind = message.KindStickerTip
			m.Tip = message.TipDetails{StickerID: it.Snippet.SuperStickerDetails.SuperStickerMetadata.StickerID}
		case it.Snippet.NewSponsorDetails != nil:
			m.Kind = message.KindMemberJoin
			m.Tip = message.TipDetails{MemberLevel: it.Snippet.NewSponsorDetails.MemberLevelName}
		case it.Snippet.MembershipGiftingDetails != nil:
			m.Kind = message.KindMemberGift
			m.Tip = message.TipDetails{GiftCount: it.Snippet.MembershipGiftingDetails.GiftMembershipsCount}
		}
		msgs = append(msgs, m)
	}
	if len(msgs) > 0 {
		t.sink.Ingest(msgs)
	}
}

func (t *Transport) fetch(ctx context.Context, liveChatID, pageToken string) (*listResponse, *transport.Error) {
	key, err := t.cred.Active(true)
	if err != nil {
		return nil, transport.NewError(transport.ErrInvalidCredential, err)
	}

	q := url.Values{}
	q.Set("liveChatId", liveChatID)
	q.Set("part", "snippet,authorDetails")
	q.Set("key", key)
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	u := apiBase + "/liveChat/messages?" + q.Encode()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, transport.NewError(transport.ErrNetwork, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		kind := transport.MapHTTPStatus(resp.StatusCode, string(body))
		return nil, transport.NewError(kind, fmt.Errorf("liveChat.messages: %s: %s", resp.Status, truncate(string(body), 200)))
	}

	var lr listResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, transport.NewError(transport.ErrParseError, err)
	}
	return &lr, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// QuotaUnits returns the coarse quota counter accumulated this session,
// for CLI/telemetry reporting.
func (t *Transport) QuotaUnits() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.quotaUnits
}
