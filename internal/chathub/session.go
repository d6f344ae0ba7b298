package chathub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"strangertalk/backend/internal/models"
)

// State is the per-connection lifecycle state. A client is at every
// moment in exactly one of these.
type State int

const (
	StateIdle State = iota
	StateQueued
	StatePaired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StatePaired:
		return "paired"
	}
	return "unknown"
}

// skipRequeueDelay gives the skipped peer time to observe partner-left
// before the skipper can be matched again.
const skipRequeueDelay = 500 * time.Millisecond

// SessionController drives one client's state machine. All inbound events
// for a connection arrive from its single read pump, so they are handled
// in order; the mutex serializes those with cross-session calls
// (HandleMatched, PartnerGone, Shutdown) and the skip timer.
//
// Lock order: a session may acquire a peer's mutex only while the peer is
// known to be Queued (HandleMatched). Teardown never holds its own mutex
// while notifying the peer, so two paired sessions leaving at the same
// moment cannot deadlock.
type SessionController struct {
	userID  string
	client  Client
	hub     *ManagerService
	matcher *MatcherService
	log     zerolog.Logger

	mu           sync.Mutex
	state        State
	roomID       string
	skipTimer    *time.Timer
	disconnected bool
}

func NewSessionController(userID string, client Client, hub *ManagerService, matcher *MatcherService, log zerolog.Logger) *SessionController {
	return &SessionController{
		userID:  userID,
		client:  client,
		hub:     hub,
		matcher: matcher,
		log:     log.With().Str("user", userID).Logger(),
	}
}

func (s *SessionController) UserID() string { return s.userID }
func (s *SessionController) Client() Client { return s.client }

// State returns the current state. For stats and tests.
func (s *SessionController) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HandleMessage dispatches one inbound frame. Called from the read pump.
func (s *SessionController) HandleMessage(ctx context.Context, msg models.SignalMessage) {
	switch msg.Event {
	case models.EventFindPartner:
		s.mu.Lock()
		s.findPartnerLocked(ctx)
		s.mu.Unlock()
	case models.EventOffer, models.EventAnswer, models.EventICECandidate:
		s.handleRelay(ctx, msg)
	case models.EventLeaveChat:
		s.handleLeave(ctx)
	case models.EventSkipPartner:
		s.handleSkip(ctx)
	default:
		s.send(models.ErrorMessage("unknown event: " + msg.Event))
	}
}

func (s *SessionController) findPartnerLocked(ctx context.Context) {
	switch s.state {
	case StatePaired:
		s.send(models.ErrorMessage("already in a chat"))
		return
	case StateQueued:
		s.send(models.InfoMessage(models.EventWaiting, "Waiting for a partner..."))
		return
	}

	result, err := s.matcher.FindPartner(ctx, s.userID)
	if err != nil {
		s.log.Error().Err(err).Msg("find partner failed")
		s.send(models.ErrorMessage("could not find a partner, try again"))
		return
	}

	if !result.Matched {
		s.enterQueueLocked(result.QueuePosition)
		return
	}

	// Wire the partner before committing locally: if its session vanished
	// between dequeue and now, the match fails and the caller goes back
	// to waiting.
	partner := s.hub.Session(result.PartnerID)
	if partner == nil || !partner.HandleMatched(result.Room) {
		s.log.Warn().Str("partner", result.PartnerID).Str("room", result.Room.RoomID).Msg("matched partner is gone, reclaiming")
		if err := s.matcher.CloseRoom(ctx, result.Room.RoomID); err != nil && !errors.Is(err, ErrRoomNotFound) {
			s.log.Error().Err(err).Msg("close room after vanished partner")
		}
		requeued, err := s.matcher.RequeueSurvivor(ctx, s.userID)
		if err != nil {
			s.log.Error().Err(err).Msg("requeue after vanished partner")
			s.send(models.ErrorMessage("could not find a partner, try again"))
			return
		}
		s.enterQueueLocked(requeued.QueuePosition)
		return
	}

	s.state = StatePaired
	s.roomID = result.Room.RoomID
	s.send(models.NewSignalMessage(models.EventMatched, models.MatchedPayload{RoomID: result.Room.RoomID, IsInitiator: true}))
}

func (s *SessionController) enterQueueLocked(position int64) {
	s.state = StateQueued
	s.send(models.InfoMessage(models.EventWaiting, "Waiting for a partner..."))
	s.send(models.NewSignalMessage(models.EventQueueUpdate, models.QueueUpdatePayload{Position: position}))
}

// HandleMatched is called by the pairing session once the room is fully
// published. Returns false when this session can no longer take the match
// (disconnected, or no longer queued).
func (s *SessionController) HandleMatched(room *models.Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected || s.state != StateQueued {
		return false
	}
	s.state = StatePaired
	s.roomID = room.RoomID
	s.send(models.NewSignalMessage(models.EventMatched, models.MatchedPayload{RoomID: room.RoomID, IsInitiator: false}))
	return true
}

// PartnerGone is called by the peer's session while tearing their shared
// room down. It transitions this side back to Idle and relays the notice.
func (s *SessionController) PartnerGone(roomID, event, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected || s.state != StatePaired || s.roomID != roomID {
		return
	}
	s.state = StateIdle
	s.roomID = ""
	s.send(models.InfoMessage(event, text))
}

// handleRelay validates room membership and forwards the body verbatim.
func (s *SessionController) handleRelay(ctx context.Context, msg models.SignalMessage) {
	var payload models.RelayPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.RoomID == "" {
		s.send(models.ErrorMessage("missing roomId"))
		return
	}

	s.mu.Lock()
	if s.state != StatePaired || s.roomID != payload.RoomID {
		s.mu.Unlock()
		s.send(models.ErrorMessage("not in that room"))
		return
	}
	s.mu.Unlock()

	peerID, err := s.matcher.GetPeer(ctx, payload.RoomID, s.userID)
	if err != nil {
		// The room may be mid-teardown; late candidates are expected and
		// dropped without noise.
		if errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrNotParticipant) {
			s.log.Debug().Str("event", msg.Event).Msg("relay for dead room dropped")
			return
		}
		s.log.Error().Err(err).Msg("peer lookup failed")
		s.send(models.ErrorMessage("relay failed"))
		return
	}

	critical := msg.Event != models.EventICECandidate
	if err := s.hub.Deliver(peerID, msg, critical); err != nil && !errors.Is(err, ErrPeerGone) {
		s.log.Error().Err(err).Str("peer", peerID).Msg("relay delivery failed")
	}
}

// detachLocked moves the session back to Idle from whichever state it is
// in. When it was paired it returns the peer and room so the caller can
// finish the teardown after releasing the lock.
func (s *SessionController) detachLocked(ctx context.Context) (peerID, roomID string) {
	switch s.state {
	case StateQueued:
		if _, err := s.matcher.RemoveFromQueue(ctx, s.userID); err != nil {
			s.log.Error().Err(err).Msg("queue removal failed")
		}
	case StatePaired:
		roomID = s.roomID
		if p, err := s.matcher.GetPeer(ctx, roomID, s.userID); err == nil {
			peerID = p
		}
	}
	s.state = StateIdle
	s.roomID = ""
	return peerID, roomID
}

// teardownRoom notifies the peer and closes the room. Must be called
// without holding the mutex.
func (s *SessionController) teardownRoom(ctx context.Context, peerID, roomID, peerEvent, text string) {
	if roomID == "" {
		return
	}
	if peerID != "" {
		if peer := s.hub.Session(peerID); peer != nil {
			peer.PartnerGone(roomID, peerEvent, text)
		}
	}
	if err := s.matcher.CloseRoom(ctx, roomID); err != nil && !errors.Is(err, ErrRoomNotFound) {
		s.log.Error().Err(err).Str("room", roomID).Msg("room close failed")
	}
}

func (s *SessionController) handleLeave(ctx context.Context) {
	s.mu.Lock()
	wasPaired := s.state == StatePaired
	peerID, roomID := s.detachLocked(ctx)
	if wasPaired {
		s.send(models.InfoMessage(models.EventLeftChat, "You left the chat"))
	}
	s.mu.Unlock()

	s.teardownRoom(ctx, peerID, roomID, models.EventPartnerLeft, "Your partner left the chat")
}

// handleSkip leaves the current chat and re-enters the queue after a
// short delay, so the skipped peer sees partner-left before the skipper
// can be matched again.
func (s *SessionController) handleSkip(ctx context.Context) {
	s.mu.Lock()
	if s.state != StatePaired {
		s.mu.Unlock()
		s.send(models.ErrorMessage("not in a chat"))
		return
	}

	peerID, roomID := s.detachLocked(ctx)
	s.send(models.InfoMessage(models.EventLeftChat, "You left the chat"))
	s.skipTimer = time.AfterFunc(skipRequeueDelay, s.skipRequeue)
	s.mu.Unlock()

	s.teardownRoom(ctx, peerID, roomID, models.EventPartnerLeft, "Your partner left the chat")
}

func (s *SessionController) skipRequeue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected || s.state != StateIdle {
		return
	}
	s.findPartnerLocked(context.Background())
}

// Disconnect runs the disconnect transition. The gateway guarantees it is
// invoked once per connection; the flag makes it idempotent against races
// with an in-flight leave or shutdown.
func (s *SessionController) Disconnect(ctx context.Context) {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	if s.skipTimer != nil {
		s.skipTimer.Stop()
		s.skipTimer = nil
	}
	peerID, roomID := s.detachLocked(ctx)
	s.mu.Unlock()

	s.teardownRoom(ctx, peerID, roomID, models.EventPartnerDisconnected, "Your partner disconnected")
	s.log.Info().Msg("session disconnected")
}

// Shutdown notifies the client and tears its room down during graceful
// server shutdown. The peer's own Shutdown then finds it already idle, so
// each side is notified once.
func (s *SessionController) Shutdown() {
	ctx := context.Background()

	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	if s.skipTimer != nil {
		s.skipTimer.Stop()
		s.skipTimer = nil
	}
	wasPaired := s.state == StatePaired
	peerID, roomID := s.detachLocked(ctx)
	if wasPaired {
		s.send(models.InfoMessage(models.EventPartnerDisconnected, "Server is shutting down"))
	}
	s.mu.Unlock()

	s.teardownRoom(ctx, peerID, roomID, models.EventPartnerDisconnected, "Server is shutting down")
}

// send queues a frame for this session's own client. Local sends are
// best-effort: if the buffer is full the connection is already doomed and
// the write pump will notice.
func (s *SessionController) send(msg models.SignalMessage) {
	if err := s.client.Send(msg); err != nil && !errors.Is(err, ErrClientClosed) {
		s.log.Warn().Err(err).Str("event", msg.Event).Msg("local send failed")
	}
}
