// Package hub implements the socket hub (C9 of the chat ingestion core): a
// registry of locally-connected overlay clients and the broadcast discipline
// that fans out normalized events to all of them.
package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// EventKind tags the payload carried by an Envelope.
type EventKind string

const (
	EventCommentAdd        EventKind = "comment-add"
	EventCommentRemove     EventKind = "comment-remove"
	EventSetlistUpdate     EventKind = "setlist-update"
	EventSettingsUpdate    EventKind = "settings-update"
	EventKPIUpdate         EventKind = "kpi-update"
	EventQueueUpdate       EventKind = "queue-update"
	EventPromoUpdate       EventKind = "promo-update"
	EventWeatherUpdate     EventKind = "weather-update"
	EventWeatherMultiUpdate EventKind = "weather-multi-update"
	EventTipAdd            EventKind = "tip-add"
	EventTipRemove         EventKind = "tip-remove"
	EventBrandUpdate       EventKind = "brand-update"
)

// Envelope is the tagged union broadcast to every connected peer. Payload
// is collaborator-defined per Kind and is marshaled as-is.
type Envelope struct {
	Kind    EventKind   `json:"type"`
	Payload interface{} `json:"payload"`
}

// Sender is the minimal interface a transport-specific connection wrapper
// must satisfy to receive broadcast frames. Using an interface lets tests
// inject a mock.
type Sender interface {
	Send(frame []byte) error
	Close() error
}

// peer pairs a registered sender with its assigned id.
type peer struct {
	id     uint64
	sender Sender
}

// Hub tracks connected peers and serializes outbound broadcasts to them.
type Hub struct {
	mu     sync.RWMutex
	peers  map[uint64]Sender
	nextID atomic.Uint64
	log    logrus.FieldLogger
}

// New constructs an empty Hub.
func New(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		peers: make(map[uint64]Sender),
		log:   log,
	}
}

// Register assigns a new, never-reused peer-id to sender and adds it to
// the registry. Call Remove with the returned id when the peer's
// connection closes.
func (h *Hub) Register(sender Sender) uint64 {
	id := h.nextID.Add(1)
	h.mu.Lock()
	h.peers[id] = sender
	h.mu.Unlock()
	h.log.WithField("peer_id", id).Debug("hub: peer registered")
	return id
}

// Remove unregisters a peer. Safe to call more than once for the same id.
func (h *Hub) Remove(id uint64) {
	h.mu.Lock()
	delete(h.peers, id)
	h.mu.Unlock()
	h.log.WithField("peer_id", id).Debug("hub: peer removed")
}

// PeerCount returns the number of currently registered peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Broadcast serializes env once and sends it to every currently registered
// peer. Peer (id, sender) pairs are snapshotted under the read lock and
// the lock is released before any send is attempted, so one slow or dead
// peer can never block fan-out to the others. Per-peer send failures are
// logged, not propagated.
func (h *Hub) Broadcast(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]peer, 0, len(h.peers))
	for id, s := range h.peers {
		targets = append(targets, peer{id: id, sender: s})
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if err := t.sender.Send(data); err != nil {
			h.log.WithError(err).WithField("peer_id", t.id).Warn("hub: broadcast send failed")
		}
	}
	return nil
}

// CommentAdd broadcasts a newly ingested normalized message to all peers.
func (h *Hub) CommentAdd(payload interface{}) error {
	return h.Broadcast(Envelope{Kind: EventCommentAdd, Payload: payload})
}

// CommentRemove broadcasts the removal of a previously added comment.
func (h *Hub) CommentRemove(id string) error {
	return h.Broadcast(Envelope{Kind: EventCommentRemove, Payload: map[string]string{"id": id}})
}

// TipAdd broadcasts a tip widget add event (produced by C10).
func (h *Hub) TipAdd(payload interface{}) error {
	return h.Broadcast(Envelope{Kind: EventTipAdd, Payload: payload})
}

// TipRemove broadcasts a tip widget removal event (produced by C10's
// scheduled removal).
func (h *Hub) TipRemove(id string) error {
	return h.Broadcast(Envelope{Kind: EventTipRemove, Payload: map[string]string{"id": id}})
}
