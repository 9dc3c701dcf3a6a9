// Package inner implements Transport/Inner (C6): a bootstrap-and-continue
// strategy against the undocumented JSON chat endpoint, including the
// shared custom-emoji cache.
package inner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"chatpipe/backoff"
	"chatpipe/transport"
)

const innertubeAPIURL = "https://www.youtube.com/youtubei/v1/live_chat/get_live_chat"

const (
	invalidationPollInterval = 1 * time.Second
	reloadPollInterval       = 1 * time.Second
	minTimedPollInterval     = 500 * time.Millisecond
	maxTimedPollInterval     = 30 * time.Second
)

// Transport drives the inner (HTML-bootstrapped JSON) polling loop.
type Transport struct {
	httpClient *http.Client
	sink       transport.Sink
	cache      *EmojiCache
	log        logrus.FieldLogger

	stopped atomic.Bool

	mu            sync.Mutex
	continuation  string
	continuationOf continuationKind
	timeoutMs     int64
	apiKey        string
	clientVersion string
}

// New constructs a Transport/Inner instance, sharing the process-wide
// emoji cache.
func New(sink transport.Sink, log logrus.FieldLogger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		sink:       sink,
		cache:      GlobalEmojiCache(),
		log:        log,
	}
}

// Stop requests the polling loop to exit at the next loop head.
func (t *Transport) Stop() {
	t.stopped.Store(true)
}

// EmojiCacheSize reports the number of cached emoji shortcuts, for
// diagnostics and tests.
func (t *Transport) EmojiCacheSize() int {
	return t.cache.Len()
}

// Run bootstraps against videoID's chat page and then polls the JSON
// endpoint until ctx is canceled, Stop is called, bootstrap fails, or a
// response carries no continuation.
func (t *Transport) Run(ctx context.Context, videoID string) {
	boot, terr := bootstrap(ctx, t.httpClient, videoID)
	if terr != nil {
		t.log.WithError(terr).Warn("inner: bootstrap failed")
		t.sink.Status(transport.StatusEvent{Mode: transport.ModeInner, Connected: false, Error: terr.Error(), StreamEnded: true})
		return
	}

	t.mu.Lock()
	t.continuation = boot.continuation
	t.continuationOf = boot.continuationOf
	t.apiKey = boot.apiKey
	t.clientVersion = boot.clientVersion
	t.mu.Unlock()

	t.sink.Status(transport.StatusEvent{Mode: transport.ModeInner, Connected: true})

	bo := backoff.New()
	for {
		if t.stopped.Load() || ctx.Err() != nil {
			return
		}

		t.mu.Lock()
		cont := t.continuation
		clientVersion := t.clientVersion
		apiKey := t.apiKey
		t.mu.Unlock()

		resp, terr := t.poll(ctx, cont, clientVersion, apiKey)
		if terr != nil {
			t.log.WithError(terr).Warn("inner: poll error, retrying")
			t.sink.Status(transport.StatusEvent{Mode: transport.ModeInner, Connected: false, Retrying: true, Error: terr.Error()})
			delay := bo.NextDelay()
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		bo.Reset()

		msgs := parseActions(resp.ContinuationContents.LiveChatContinuation.Actions, t.cache)
		if len(msgs) > 0 {
			t.sink.Ingest(msgs)
		}

		nextCont, kind, timeoutMs, ok := resp.nextContinuation()
		if !ok {
			t.sink.Status(transport.StatusEvent{Mode: transport.ModeInner, Connected: false, StreamEnded: true})
			return
		}
		t.mu.Lock()
		t.continuation = nextCont
		t.continuationOf = kind
		t.timeoutMs = timeoutMs
		t.mu.Unlock()

		wait := t.pacingInterval(kind, timeoutMs)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// pacingInterval implements the three continuation pacing rules: fixed
// 1s for invalidation and reload kinds, server-suggested value clamped
// to [500ms, 30s] for timed.
func (t *Transport) pacingInterval(kind continuationKind, timeoutMs int64) time.Duration {
	switch kind {
	case continuationInvalidation:
		return invalidationPollInterval
	case continuationReload:
		return reloadPollInterval
	case continuationTimed:
		d := time.Duration(timeoutMs) * time.Millisecond
		if d < minTimedPollInterval {
			d = minTimedPollInterval
		}
		if d > maxTimedPollInterval {
			d = maxTimedPollInterval
		}
		return d
	default:
		return invalidationPollInterval
	}
}

func (t *Transport) poll(ctx context.Context, continuation, clientVersion, apiKey string) (*chatResponse, *transport.Error) {
	body := map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    "WEB",
				"clientVersion": clientVersion,
				"hl":            "ja",
				"gl":            "JP",
				"timeZone":      "Asia/Tokyo",
			},
		},
		"continuation": continuation,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, transport.NewError(transport.ErrParseError, err)
	}

	reqURL := innertubeAPIURL
	if apiKey != "" {
		q := url.Values{}
		q.Set("key", apiKey)
		reqURL = innertubeAPIURL + "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, transport.NewError(transport.ErrParseError, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Origin", "https://www.youtube.com")
	req.Header.Set("Referer", "https://www.youtube.com/")
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, transport.NewError(transport.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		kind := transport.MapHTTPStatus(resp.StatusCode, "")
		if kind == transport.ErrNone {
			kind = transport.ErrServer5xx
		}
		return nil, transport.NewError(kind, fmt.Errorf("live_chat/get_live_chat: %s", resp.Status))
	}

	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, transport.NewError(transport.ErrParseError, err)
	}
	return &cr, nil
}
