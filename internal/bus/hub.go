package bus

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"aetherflow-syncd/internal/models"
)

const sessionBuffer = 32

// session is one connected UI process. Outbound messages flow through a
// buffered channel owned by the connection's write pump.
type session struct {
	id  string
	out chan Reply
}

// Hub is the registry of connected UI processes and the broadcast fan-out.
// It implements the state layer's Broadcaster: every broadcast is
// fire-and-forget, and having zero receivers is not an error.
type Hub struct {
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger,
		sessions: map[string]*session{},
	}
}

// register adds a session and returns its id and outbound channel.
func (h *Hub) register() (string, chan Reply) {
	s := &session{id: uuid.NewString(), out: make(chan Reply, sessionBuffer)}
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()
	h.logger.Debug("ui session connected", zap.String("sessionID", s.id), zap.Int("sessions", n))
	return s.id, s.out
}

// unregister removes a session. The outbound channel is deliberately left
// open: a broadcast may have snapshotted the session just before removal, and
// sending into an abandoned buffered channel is harmless where sending into a
// closed one is not.
func (h *Hub) unregister(id string) {
	h.mu.Lock()
	_, ok := h.sessions[id]
	delete(h.sessions, id)
	n := len(h.sessions)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("ui session disconnected", zap.String("sessionID", id), zap.Int("sessions", n))
	}
}

// SessionCount reports the number of connected UI processes.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// broadcast fans a push message out to every session. A session whose buffer
// is full is skipped rather than blocked on; the next state change will catch
// it up.
func (h *Hub) broadcast(msgType string, payload any) {
	h.mu.Lock()
	targets := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	if len(targets) == 0 {
		h.logger.Debug("broadcast with no connected ui processes", zap.String("type", msgType))
		return
	}

	msg := Reply{Type: msgType, Payload: payload}
	for _, s := range targets {
		select {
		case s.out <- msg:
		default:
			h.logger.Warn("session send buffer full, dropping broadcast",
				zap.String("sessionID", s.id), zap.String("type", msgType))
		}
	}
}

// BroadcastAuthState pushes the full auth snapshot to all UI processes.
func (h *Hub) BroadcastAuthState(st models.AuthState) {
	h.broadcast(MsgAuthStateUpdated, st)
}

// BroadcastMembershipState pushes the full membership snapshot.
func (h *Hub) BroadcastMembershipState(st models.MembershipState) {
	h.broadcast(MsgMembershipStateUpdated, st)
}

// BroadcastQuotaState pushes the combined limits-plus-usage snapshot.
func (h *Hub) BroadcastQuotaState(st models.QuotaInfo) {
	h.broadcast(MsgQuotaStateUpdated, st)
}

// BroadcastRewardsState pushes the full task list.
func (h *Hub) BroadcastRewardsState(st models.RewardsState) {
	h.broadcast(MsgRewardsTasksUpdated, st)
}
