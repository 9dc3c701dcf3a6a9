package hub

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	// Overlay clients are local-only browser views; any origin is accepted,
	// matching the loopback-only exposure of the accept address itself.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// outboundQueue is the Peer Registry's unbounded outbound channel (§3):
// push never blocks or grows the peer map's critical section, and a
// single drain goroutine pops frames in FIFO order and writes them to
// the socket. Backed by a growing slice rather than a buffered Go
// channel, since a buffered channel's capacity is a fixed ceiling and
// §3 calls for no send-side bound at all.
type outboundQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    [][]byte
	closed bool
}

func newOutboundQueue() *outboundQueue {
	q := &outboundQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues frame and wakes the drain goroutine. Never blocks.
func (q *outboundQueue) push(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.buf = append(q.buf, frame)
	q.cond.Signal()
}

// pop blocks until a frame is available or the queue is closed.
func (q *outboundQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.buf) == 0 {
		return nil, false
	}
	frame := q.buf[0]
	q.buf[0] = nil
	q.buf = q.buf[1:]
	return frame, true
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// wsConn adapts a gorilla/websocket connection to the Sender interface.
// Send only enqueues onto the unbounded outboundQueue; the actual
// network write happens on the drain goroutine spawned by Accept, so a
// slow peer's socket write can never block Hub.Broadcast or hold up
// fan-out to other peers.
type wsConn struct {
	ws    *websocket.Conn
	queue *outboundQueue
}

func (c *wsConn) Send(frame []byte) error {
	c.queue.push(frame)
	return nil
}

func (c *wsConn) Close() error {
	c.queue.close()
	return c.ws.Close()
}

// Accept upgrades an incoming HTTP request to a websocket connection,
// registers it with the hub, and runs the two cooperative per-peer tasks
// of §4.4: a drain goroutine writing queued outbound frames, and the
// calling goroutine reading inbound frames until the connection closes
// or errors. Either task exiting removes the peer from the registry.
func (h *Hub) Accept(w http.ResponseWriter, r *http.Request) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	conn := &wsConn{ws: ws, queue: newOutboundQueue()}
	id := h.Register(conn)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			h.Remove(id)
			conn.Close()
		})
	}
	defer cleanup()

	go func() {
		defer cleanup()
		for {
			frame, ok := conn.queue.pop()
			if !ok {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.WithError(err).WithField("peer_id", id).Debug("hub: drain write failed")
				return
			}
		}
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return nil
		}
		if msgType == websocket.CloseMessage {
			return nil
		}
		h.log.WithFields(logrus.Fields{"peer_id": id, "bytes": len(data)}).Debug("hub: ignoring inbound frame")
	}
}
