// Package pipeline implements the Unified Pipeline (C8): it owns the
// lifecycle of exactly one active ingestion transport at a time, the
// per-session dedup window, and the fan-out of normalized messages to
// persistence, the socket hub, and the tip lifecycle.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatpipe/credential"
	"chatpipe/hub"
	"chatpipe/message"
	"chatpipe/store"
	"chatpipe/tip"
	"chatpipe/transport"
	"chatpipe/transport/inner"
	"chatpipe/transport/official"
	"chatpipe/transport/stream"
)

// Mode selects which transport a Pipeline run should drive.
type Mode string

const (
	ModeOfficial Mode = "official"
	ModeInner    Mode = "inner"
	ModeStream   Mode = "stream"
)

// maxSeenIDs bounds the pipeline's own dedup window, a FIFO distinct from
// C7's own internal clear-on-overflow set: this window dedupes across
// whatever the active transport already dedupes internally, guarding
// against transport-level duplicate delivery too.
const maxSeenIDs = 10000

// defaultWriteBudget is the end-to-end persistence budget passed to C4
// when the caller does not specify one.
const defaultWriteBudget = 2 * time.Second

// runningTransport is the minimal lifecycle contract every concrete
// transport type satisfies, used so Pipeline can hold whichever one is
// currently active behind a single field.
type runningTransport interface {
	Run(ctx context.Context, chatOrVideoID string)
	Stop()
}

// Pipeline owns the active transport, the dedup window, and fan-out.
type Pipeline struct {
	store *store.Store
	hub   *hub.Hub
	cred  *credential.Selector
	log   logrus.FieldLogger
	remover *tip.Remover

	mu       sync.Mutex
	running  bool
	mode     Mode
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	active   runningTransport

	seenMu    sync.Mutex
	seenIDs   map[string]struct{}
	seenOrder []string

	events chan Event
}

// Event is a local notification emitted for UI/CLI consumers, mirroring
// the "chat-messages" local event of §4.8. "telemetry" events (the
// Transport/Official every-10-polls quota tick, SPEC_FULL.md §3) carry
// Status instead of Messages.
type Event struct {
	Kind     string
	Messages []message.Message
	Status   *transport.StatusEvent
}

// New constructs a Pipeline wired to the given store, hub, and
// credential selector.
func New(st *store.Store, h *hub.Hub, cred *credential.Selector, log logrus.FieldLogger) *Pipeline {
	if log == nil {
		log = logrus.StandardLogger()
	}
	p := &Pipeline{
		store:   st,
		hub:     h,
		cred:    cred,
		log:     log,
		seenIDs: make(map[string]struct{}),
		events:  make(chan Event, 64),
	}
	p.remover = tip.NewRemover(func(id string) {
		if err := h.TipRemove(id); err != nil {
			log.WithError(err).Warn("pipeline: tip-remove broadcast failed")
		}
	})
	return p
}

// Events returns the channel of local "chat-messages"-equivalent events
// for UI consumers. The channel is never closed by Stop.
func (p *Pipeline) Events() <-chan Event {
	return p.events
}

// ResolveChatID looks up the active live chat id for a video id via the
// official transport's videos.list-equivalent lookup. Official and
// Stream modes both need a live-chat id rather than a bare video id;
// Inner mode bootstraps straight from the video id and does not call
// this.
func (p *Pipeline) ResolveChatID(ctx context.Context, videoID string) (string, error) {
	resolver := official.New(p.cred, p, p.log.WithField("transport", "official-resolve"))
	chatID, terr := resolver.ResolveChatID(ctx, videoID)
	if terr != nil {
		return "", terr
	}
	return chatID, nil
}

// Start idempotently stops any prior transport, resets the dedup window,
// and spawns the selected transport's driver task against the resolved
// chat/video identifier.
func (p *Pipeline) Start(ctx context.Context, mode Mode, videoOrChatID string) error {
	p.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)

	var active runningTransport
	switch mode {
	case ModeOfficial:
		active = official.New(p.cred, p, p.log.WithField("transport", "official"))
	case ModeInner:
		active = inner.New(p, p.log.WithField("transport", "inner"))
	case ModeStream:
		active = stream.New(p.cred, p, p.log.WithField("transport", "stream"))
	default:
		cancel()
		return fmt.Errorf("pipeline: unknown mode %q", mode)
	}

	p.resetSeen()
	p.mode = mode
	p.active = active
	p.cancel = cancel
	p.running = true

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		active.Run(runCtx, videoOrChatID)
	}()

	return nil
}

// Stop sets the stop flag, invokes the mode-specific stop hook, cancels
// the driver context, and waits for the driver task to exit. Safe to
// call multiple times, including when nothing is running.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	active := p.active
	cancel := p.cancel
	p.running = false
	p.active = nil
	p.cancel = nil
	p.mode = ""
	p.mu.Unlock()

	if active != nil {
		active.Stop()
	}
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Mode reports the currently active mode, or "" when stopped.
func (p *Pipeline) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

func (p *Pipeline) resetSeen() {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()
	p.seenIDs = make(map[string]struct{})
	p.seenOrder = nil
}

// dedupe filters msgs through the FIFO-bounded seen-ID window, returning
// only those not previously observed this session.
func (p *Pipeline) dedupe(msgs []message.Message) []message.Message {
	p.seenMu.Lock()
	defer p.seenMu.Unlock()

	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := p.seenIDs[m.ID]; dup {
			continue
		}
		p.seenIDs[m.ID] = struct{}{}
		p.seenOrder = append(p.seenOrder, m.ID)
		if len(p.seenOrder) > maxSeenIDs {
			oldest := p.seenOrder[0]
			p.seenOrder = p.seenOrder[1:]
			delete(p.seenIDs, oldest)
		}
		out = append(out, m)
	}
	return out
}

// Ingest implements transport.Sink. It is invoked by whichever transport
// is currently active with a batch of normalized messages observed in
// transport order; that order is preserved through dedup, persistence,
// and broadcast.
func (p *Pipeline) Ingest(msgs []message.Message) {
	filtered := p.dedupe(msgs)
	if len(filtered) == 0 {
		return
	}

	select {
	case p.events <- Event{Kind: "chat-messages", Messages: filtered}:
	default:
		p.log.Warn("pipeline: local event channel full, dropping chat-messages notification")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultWriteBudget)
	result, err := p.store.SaveMessages(ctx, filtered, defaultWriteBudget)
	cancel()
	if err != nil {
		p.log.WithError(err).Error("pipeline: SaveMessages failed")
	} else if result.Failed+result.Skipped > 0 {
		p.log.WithField("saved", result.Saved).WithField("failed", result.Failed).
			WithField("skipped", result.Skipped).Warn("pipeline: partial write")
	}

	mode := p.Mode()
	instant := mode == ModeStream
	var bufferIntervalMs *int
	if mode == ModeInner {
		ms := 1000
		bufferIntervalMs = &ms
	}

	for _, m := range filtered {
		payload := commentAddPayload{
			Message:           m,
			Instant:           instant,
			BufferIntervalMs:  bufferIntervalMs,
		}
		if err := p.hub.CommentAdd(payload); err != nil {
			p.log.WithError(err).Warn("pipeline: comment-add broadcast failed")
		}

		if m.IsMonetary() {
			p.handleTip(m)
		}
	}
}

// commentAddPayload is the payload carried by a comment-add envelope.
type commentAddPayload struct {
	Message          message.Message `json:"message"`
	Instant          bool            `json:"instant"`
	BufferIntervalMs *int            `json:"bufferIntervalMs,omitempty"`
}

func (p *Pipeline) handleTip(m message.Message) {
	amountDisplay := m.Tip.AmountDisplay
	widget := tip.NewWidget(m.ID, m.AuthorName, amountDisplay, m.Tip.Currency)
	if err := p.hub.TipAdd(widget); err != nil {
		p.log.WithError(err).Warn("pipeline: tip-add broadcast failed")
	}
	p.remover.Schedule(widget)
}

// Status implements transport.Sink. It logs transport-reported status
// transitions; terminal conditions are left to the caller to observe via
// the driver goroutine's exit (Run returning).
func (p *Pipeline) Status(ev transport.StatusEvent) {
	fields := logrus.Fields{
		"mode":      ev.Mode,
		"connected": ev.Connected,
	}
	if ev.Error != "" {
		fields["error"] = ev.Error
	}
	switch {
	case ev.QuotaExceeded:
		p.log.WithFields(fields).Warn("pipeline: quota exceeded")
	case ev.StreamEnded:
		p.log.WithFields(fields).Warn("pipeline: stream ended")
	case ev.Retrying:
		p.log.WithFields(fields).Debug("pipeline: transport retrying")
	case ev.QuotaUnits != nil:
		fields["quota_units"] = *ev.QuotaUnits
		p.log.WithFields(fields).Debug("pipeline: telemetry")
		select {
		case p.events <- Event{Kind: "telemetry", Status: &ev}:
		default:
			p.log.Warn("pipeline: local event channel full, dropping telemetry notification")
		}
	default:
		p.log.WithFields(fields).Debug("pipeline: status update")
	}
}
