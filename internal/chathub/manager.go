package chathub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"strangertalk/backend/internal/models"
)

// ErrShuttingDown is returned by Register once graceful shutdown started.
var ErrShuttingDown = errors.New("server is shutting down")

// ManagerService is the process-wide router: it maps connection ids to
// their session controllers so a frame addressed to "the peer in room R"
// can be delivered without the sender knowing anything beyond the id.
type ManagerService struct {
	log zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*SessionController
	closed   bool
}

func NewManagerService(log zerolog.Logger) *ManagerService {
	return &ManagerService{
		log:      log,
		sessions: make(map[string]*SessionController),
	}
}

// Register adds a session under its connection id.
func (m *ManagerService) Register(sess *SessionController) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrShuttingDown
	}
	m.sessions[sess.UserID()] = sess
	m.log.Debug().Str("user", sess.UserID()).Int("connected", len(m.sessions)).Msg("session registered")
	return nil
}

// Unregister drops the session for userID. Idempotent.
func (m *ManagerService) Unregister(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[userID]; !ok {
		return
	}
	delete(m.sessions, userID)
	m.log.Debug().Str("user", userID).Int("connected", len(m.sessions)).Msg("session unregistered")
}

// Session returns the controller for userID, or nil when the user is not
// connected to this instance.
func (m *ManagerService) Session(userID string) *SessionController {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[userID]
}

// SessionCount returns the number of connected clients.
func (m *ManagerService) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Deliver enqueues a frame on the target's outbound queue. Critical frames
// (offer/answer) must not be silently lost:
// when the target's queue is full the connection is closed instead, which
// runs its disconnect transition. Non-critical frames (ICE candidates) are
// dropped on overflow.
func (m *ManagerService) Deliver(userID string, msg models.SignalMessage, critical bool) error {
	sess := m.Session(userID)
	if sess == nil {
		return ErrPeerGone
	}
	err := sess.Client().Send(msg)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrClientClosed):
		return ErrPeerGone
	case errors.Is(err, ErrSendBufferFull):
		if critical {
			m.log.Warn().Str("user", userID).Str("event", msg.Event).Msg("outbound queue overflow on critical frame, closing connection")
			sess.Client().Close()
			return ErrPeerGone
		}
		m.log.Debug().Str("user", userID).Str("event", msg.Event).Msg("outbound queue full, frame dropped")
		return nil
	default:
		return err
	}
}

// Shutdown stops accepting registrations, notifies every paired client
// with partner-disconnected, closes rooms and lets the write pumps drain
// until every outbound queue is empty or ctx expires.
func (m *ManagerService) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*SessionController, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	m.log.Info().Int("sessions", len(sessions)).Msg("shutting down sessions")
	for _, sess := range sessions {
		sess.Shutdown()
	}

	// The teardown notices are queued; let the write pumps flush them
	// until every outbound queue is empty or ctx expires, then force the
	// connections closed.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
drain:
	for !drained(sessions) {
		select {
		case <-ctx.Done():
			m.log.Warn().Msg("shutdown drain window expired")
			break drain
		case <-ticker.C:
		}
	}
	for _, sess := range sessions {
		sess.Client().Close()
	}
}

func drained(sessions []*SessionController) bool {
	for _, sess := range sessions {
		if sess.Client().Buffered() > 0 {
			return false
		}
	}
	return true
}
