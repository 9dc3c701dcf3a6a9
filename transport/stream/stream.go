// Package stream implements Transport/Stream (C7): a long-lived
// server-streaming gRPC connection to the platform's streaming chat
// endpoint.
package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"chatpipe/backoff"
	"chatpipe/credential"
	"chatpipe/message"
	"chatpipe/transport"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const (
	grpcEndpoint           = "youtube.googleapis.com:443"
	streamMethod           = "/youtube.v3.LiveChatMessagesService/StreamList"
	connectTimeout         = 10 * time.Second
	requestTimeout         = 30 * time.Second
	defaultProfileImgSize  = 64
	defaultMaxResults      = 500
	maxSeenIDs             = 10000
)

// streamRequest mirrors LiveChatMessageListRequest's fields relevant to
// this transport.
type streamRequest struct {
	LiveChatID       string   `json:"liveChatId"`
	Part             []string `json:"part"`
	Hl               string   `json:"hl"`
	ProfileImageSize int      `json:"profileImageSize"`
	MaxResults       int      `json:"maxResults"`
	PageToken        string   `json:"pageToken,omitempty"`
}

type streamItem struct {
	ID      string `json:"id"`
	Snippet struct {
		Type                string `json:"type"`
		DisplayMessage      string `json:"displayMessage"`
		PublishedAt         string `json:"publishedAt"`
		SuperChatDetails    *struct {
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
		DisplayName     string `json:"displayName"`
		ChannelID       string `json:"channelId"`
		ProfileImageURL string `json:"profileImageUrl"`
		IsChatOwner     bool   `json:"isChatOwner"`
		IsChatModerator bool   `json:"isChatModerator"`
		IsChatSponsor   bool   `json:"isChatSponsor"`
		IsVerified      bool   `json:"isVerified"`
	} `json:"authorDetails"`
}

type streamResponse struct {
	Items         []streamItem `json:"items"`
	NextPageToken string       `json:"nextPageToken"`
}

// Transport drives the gRPC streaming connection.
type Transport struct {
	cred *credential.Selector
	sink transport.Sink
	log  logrus.FieldLogger

	mu       sync.Mutex
	seenIDs  map[string]struct{}
	stopped  bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New constructs a Transport/Stream instance.
func New(cred *credential.Selector, sink transport.Sink, log logrus.FieldLogger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{
		cred:    cred,
		sink:    sink,
		log:     log,
		seenIDs: make(map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Stop requests the reconnect loop to exit at the next loop head. Safe
// to call multiple times.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

func (t *Transport) isStopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

func (t *Transport) dial(ctx context.Context) (*grpc.ClientConn, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	creds := credentials.NewTLS(tlsConfig)

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, grpcEndpoint,
		grpc.WithTransportCredentials(creds),
		grpc.WithBlock(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodec{}.Name())),
		grpc.WithStreamInterceptor(grpc_prometheus.StreamClientInterceptor),
	)
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s: %w", grpcEndpoint, err)
	}
	return conn, nil
}

// Run drives reconnect-on-disconnect streaming of liveChatID until ctx
// is canceled or Stop is called, reusing the last page token across
// reconnects.
func (t *Transport) Run(ctx context.Context, liveChatID string) {
	bo := backoff.New()
	pageToken := ""

	for {
		if t.isStopped() || ctx.Err() != nil {
			return
		}

		conn, err := t.dial(ctx)
		if err != nil {
			t.log.WithError(err).Warn("stream: dial failed, retrying")
			t.sink.Status(transport.StatusEvent{Mode: transport.ModeStream, Connected: false, Retrying: true, Error: err.Error()})
			if !t.sleepBackoff(ctx, bo) {
				return
			}
			continue
		}

		nextToken, terr := t.runStream(ctx, conn, liveChatID, pageToken)
		conn.Close()

		if terr == nil {
			// Stream ended gracefully (server closed it); reconnect with
			// the last known token, no backoff needed since this was not
			// an error.
			pageToken = nextToken
			bo.Reset()
			continue
		}

		if terr.Kind == transport.ErrInvalidCredential {
			t.cred.FailOver()
			t.log.Warn("stream: credential failover, retrying immediately")
			continue
		}

		if terr.Kind.Terminal() {
			t.emitTerminal(terr)
			return
		}

		t.log.WithError(terr).Warn("stream: transient error, reconnecting")
		t.sink.Status(transport.StatusEvent{Mode: transport.ModeStream, Connected: false, Retrying: true, Error: terr.Error()})
		pageToken = nextToken
		if !t.sleepBackoff(ctx, bo) {
			return
		}
	}
}

func (t *Transport) sleepBackoff(ctx context.Context, bo *backoff.Backoff) bool {
	if !bo.ShouldRetry() {
		t.emitTerminal(transport.NewError(transport.ErrNetwork, fmt.Errorf("max reconnect attempts exceeded")))
		return false
	}
	delay := bo.NextDelay()
	select {
	case <-ctx.Done():
		return false
	case <-t.stopCh:
		return false
	case <-time.After(delay):
		return true
	}
}

func (t *Transport) emitTerminal(terr *transport.Error) {
	ev := transport.StatusEvent{Mode: transport.ModeStream, Connected: false, Error: terr.Error()}
	switch terr.Kind {
	case transport.ErrQuotaExhausted:
		ev.QuotaExceeded = true
	case transport.ErrStreamEnded, transport.ErrChatDisabled, transport.ErrChatNotFound:
		ev.StreamEnded = true
	}
	t.log.WithError(terr).Warn("stream: terminal error, stopping")
	t.sink.Status(ev)
}

// runStream opens one stream and drives it to completion, returning the
// last page token seen (for the caller's reconnect) and an error if the
// stream ended abnormally.
func (t *Transport) runStream(ctx context.Context, conn *grpc.ClientConn, liveChatID, pageToken string) (string, *transport.Error) {
	key, err := t.cred.Active(true)
	if err != nil {
		return pageToken, transport.NewError(transport.ErrInvalidCredential, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	reqCtx = metadata.AppendToOutgoingContext(reqCtx, "x-goog-api-key", key)

	desc := &grpc.StreamDesc{StreamName: "StreamList", ServerStreams: true}
	cs, err := conn.NewStream(reqCtx, desc, streamMethod)
	if err != nil {
		return pageToken, transport.NewError(mapGRPCError(err), err)
	}

	req := &streamRequest{
		LiveChatID:       liveChatID,
		Part:             []string{"id", "snippet", "authorDetails"},
		Hl:               "ja",
		ProfileImageSize: defaultProfileImgSize,
		MaxResults:       defaultMaxResults,
		PageToken:        pageToken,
	}
	if err := cs.SendMsg(req); err != nil {
		return pageToken, transport.NewError(mapGRPCError(err), err)
	}
	if err := cs.CloseSend(); err != nil {
		return pageToken, transport.NewError(mapGRPCError(err), err)
	}

	t.sink.Status(transport.StatusEvent{Mode: transport.ModeStream, Connected: true})

	for {
		var resp streamResponse
		err := cs.RecvMsg(&resp)
		if err != nil {
			if isStreamEOF(err) {
				return pageToken, nil
			}
			return pageToken, transport.NewError(mapGRPCError(err), err)
		}
		if resp.NextPageToken != "" {
			pageToken = resp.NextPageToken
		}
		if msgs := t.convert(resp.Items); len(msgs) > 0 {
			t.sink.Ingest(msgs)
		}
		if t.isStopped() || ctx.Err() != nil {
			return pageToken, nil
		}
	}
}

func isStreamEOF(err error) bool {
	return errors.Is(err, io.EOF)
}

// mapGRPCError implements the error mapping of §4.7: authentication
// failure is treated as invalid-credential, resource-exhausted as rate
// limit, permission-denied with "quota"/"disabled" substrings as
// quota-exhausted/chat-disabled, not-found as chat-not-found, and
// unavailable as a network error.
func mapGRPCError(err error) transport.ErrKind {
	st, ok := status.FromError(err)
	if !ok {
		return transport.ErrNetwork
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return transport.ErrInvalidCredential
	case codes.ResourceExhausted:
		return transport.ErrRateLimit
	case codes.PermissionDenied:
		msg := strings.ToLower(st.Message())
		switch {
		case strings.Contains(msg, "quota"):
			return transport.ErrQuotaExhausted
		case strings.Contains(msg, "disabled"):
			return transport.ErrChatDisabled
		default:
			return transport.ErrInvalidCredential
		}
	case codes.NotFound:
		return transport.ErrChatNotFound
	case codes.Unavailable:
		return transport.ErrNetwork
	default:
		return transport.ErrServer5xx
	}
}

// convert dedupes items against the component-local seen-id set (bounded
// at 10000, cleared entirely on overflow rather than evicted FIFO) and
// converts the remainder into normalized messages. Every stream-sourced
// message carries the "instant" delivery semantics handled by the
// pipeline, not by this transport.
func (t *Transport) convert(items []streamItem) []message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.seenIDs) > maxSeenIDs {
		t.seenIDs = make(map[string]struct{})
	}

	out := make([]message.Message, 0, len(items))
	for _, it := range items {
		if _, dup := t.seenIDs[it.ID]; dup {
			continue
		}
		t.seenIDs[it.ID] = struct{}{}

		published, err := time.Parse(time.RFC3339, it.Snippet.PublishedAt)
		if err != nil {
			t.log.WithError(err).WithField("id", it.ID).Warn("stream: dropping message with unparseable publishedAt")
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
		default:
			m.Kind = message.KindText
		}
		out = append(out, m)
	}
	return out
}

// SeenCount reports the size of the component-local dedup set, for
// diagnostics and tests.
func (t *Transport) SeenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seenIDs)
}
