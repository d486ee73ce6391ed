package httpapi

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// sessionSendBuffer bounds the per-session outbound queue. A session that
// cannot drain this many frames starts losing them rather than stalling a
// resolution.
const sessionSendBuffer = 32

type outboundFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type session struct {
	ownerID string
	ch      chan outboundFrame
}

// Hub fans lifecycle events out to connected websocket sessions. It
// implements the engine's Notifier.
type Hub struct {
	mu       sync.Mutex
	sessions map[*session]struct{}
	log      zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		sessions: make(map[*session]struct{}),
		log:      log,
	}
}

func (h *Hub) add(ownerID string) *session {
	sess := &session{
		ownerID: ownerID,
		ch:      make(chan outboundFrame, sessionSendBuffer),
	}
	h.mu.Lock()
	h.sessions[sess] = struct{}{}
	h.mu.Unlock()
	return sess
}

func (h *Hub) remove(sess *session) {
	h.mu.Lock()
	delete(h.sessions, sess)
	h.mu.Unlock()
	close(sess.ch)
}

// Notify queues the event for every session of ownerID, or every session
// when ownerID is empty. The send never blocks; a full session drops the
// frame.
func (h *Hub) Notify(ownerID, event string, payload any) {
	if h == nil {
		return
	}
	frame := outboundFrame{Event: event, Data: payload}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sess := range h.sessions {
		if ownerID != "" && sess.ownerID != ownerID {
			continue
		}
		select {
		case sess.ch <- frame:
		default:
			h.log.Warn().Str("event", event).Str("userId", sess.ownerID).Msg("session send buffer full, frame dropped")
		}
	}
}

// SessionCount reports connected sessions, for the health endpoint.
func (h *Hub) SessionCount() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
