package chathub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"strangertalk/backend/internal/models"
	"strangertalk/backend/internal/storage"
)

// Matcher contract errors. These are client-protocol conditions, not
// store failures.
var (
	ErrAlreadyQueued  = errors.New("user is already in the waiting queue")
	ErrAlreadyInRoom  = errors.New("user is already in a room")
	ErrRoomNotFound   = errors.New("room not found")
	ErrNotParticipant = errors.New("user is not a participant of the room")
)

// MatcherService owns the waiting queue and the room registry on top of
// the shared state store. A successful pairing produces exactly one room,
// leaves neither user queued, and publishes both user->room mappings
// before either session controller is notified.
type MatcherService struct {
	Store storage.Storage
	Audit storage.RoomAuditor

	log zerolog.Logger
}

func NewMatcherService(store storage.Storage, audit storage.RoomAuditor, log zerolog.Logger) *MatcherService {
	if audit == nil {
		audit = storage.NopAuditor{}
	}
	return &MatcherService{Store: store, Audit: audit, log: log}
}

// MatchResult is the outcome of one FindPartner call.
type MatchResult struct {
	Matched bool

	// Set when Matched.
	Room      *models.Room
	PartnerID string

	// Set when queued instead: 1-based queue size after the enqueue.
	QueuePosition int64
}

// Enqueue adds userID to the waiting queue after checking it is neither
// queued nor in a room.
func (m *MatcherService) Enqueue(ctx context.Context, userID string) error {
	if err := m.checkIdle(ctx, userID); err != nil {
		return err
	}
	return m.Store.EnqueueWaiting(ctx, userID, time.Now().UnixMilli())
}

func (m *MatcherService) checkIdle(ctx context.Context, userID string) error {
	roomID, err := m.Store.GetUserRoom(ctx, userID)
	if err != nil {
		return err
	}
	if roomID != "" {
		return ErrAlreadyInRoom
	}
	waiting, err := m.Store.IsWaiting(ctx, userID)
	if err != nil {
		return err
	}
	if waiting {
		return ErrAlreadyQueued
	}
	return nil
}

// DequeueOldest atomically removes and returns the longest-waiting user.
// Returns storage.ErrEmptyQueue when nobody is waiting.
func (m *MatcherService) DequeueOldest(ctx context.Context) (string, int64, error) {
	return m.Store.PopOldestWaiting(ctx)
}

// RemoveFromQueue removes userID from the queue. Idempotent; reports
// whether the entry was present.
func (m *MatcherService) RemoveFromQueue(ctx context.Context, userID string) (bool, error) {
	return m.Store.RemoveFromWaiting(ctx, userID)
}

// CreateRoom pairs userA and userB in a fresh room: room payload, both
// user->room mappings and the active-set entry are written before the
// callers are notified. Any sub-step failure rolls back what was written.
func (m *MatcherService) CreateRoom(ctx context.Context, userA, userB string) (*models.Room, error) {
	room := &models.Room{
		RoomID:    uuid.NewString(),
		Users:     [2]string{userA, userB},
		CreatedAt: time.Now().UnixMilli(),
		Status:    models.RoomStatusActive,
	}

	if err := m.Store.SaveRoom(ctx, room); err != nil {
		return nil, fmt.Errorf("save room: %w", err)
	}
	if err := m.Store.SetUserRoom(ctx, userA, room.RoomID); err != nil {
		m.rollbackRoom(ctx, room, userA)
		return nil, fmt.Errorf("map user %s: %w", userA, err)
	}
	if err := m.Store.SetUserRoom(ctx, userB, room.RoomID); err != nil {
		m.rollbackRoom(ctx, room, userA, userB)
		return nil, fmt.Errorf("map user %s: %w", userB, err)
	}
	if err := m.Store.AddActiveRoom(ctx, room.RoomID); err != nil {
		m.rollbackRoom(ctx, room, userA, userB)
		return nil, fmt.Errorf("index room: %w", err)
	}
	if _, err := m.Store.IncrementTotalRooms(ctx); err != nil {
		if rerr := m.Store.RemoveActiveRoom(ctx, room.RoomID); rerr != nil {
			m.log.Error().Err(rerr).Str("room", room.RoomID).Msg("rollback: active-set cleanup failed")
		}
		m.rollbackRoom(ctx, room, userA, userB)
		return nil, fmt.Errorf("count room: %w", err)
	}

	m.Audit.RoomCreated(room)
	m.log.Info().Str("room", room.RoomID).Str("user1", userA).Str("user2", userB).Msg("room created")
	return room, nil
}

// rollbackRoom undoes a partial CreateRoom. Cleanup failures are logged;
// the TTL on every key bounds how long any leftover can survive.
func (m *MatcherService) rollbackRoom(ctx context.Context, room *models.Room, mappedUsers ...string) {
	for _, userID := range mappedUsers {
		if err := m.Store.DeleteUserRoom(ctx, userID); err != nil {
			m.log.Error().Err(err).Str("user", userID).Msg("rollback: user mapping cleanup failed")
		}
	}
	if err := m.Store.DeleteRoom(ctx, room.RoomID); err != nil {
		m.log.Error().Err(err).Str("room", room.RoomID).Msg("rollback: room cleanup failed")
	}
}

func (m *MatcherService) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := m.Store.GetRoom(ctx, roomID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	return room, err
}

// GetRoomByUser returns the room userID participates in, or ErrRoomNotFound.
func (m *MatcherService) GetRoomByUser(ctx context.Context, userID string) (*models.Room, error) {
	roomID, err := m.Store.GetUserRoom(ctx, userID)
	if err != nil {
		return nil, err
	}
	if roomID == "" {
		return nil, ErrRoomNotFound
	}
	return m.GetRoom(ctx, roomID)
}

// GetPeer returns the other participant of roomID.
func (m *MatcherService) GetPeer(ctx context.Context, roomID, userID string) (string, error) {
	room, err := m.GetRoom(ctx, roomID)
	if err != nil {
		return "", err
	}
	peer, ok := room.Peer(userID)
	if !ok {
		return "", ErrNotParticipant
	}
	return peer, nil
}

// CloseRoom tears the room down: both user->room mappings go first, then
// the payload, then the active-set entry. A second call for the same id
// returns ErrRoomNotFound without touching anything.
func (m *MatcherService) CloseRoom(ctx context.Context, roomID string) error {
	room, err := m.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}

	for _, userID := range room.Users {
		// A participant may already be mapped to a newer room (skip flows
		// re-pair quickly); only clear mappings still pointing here.
		current, err := m.Store.GetUserRoom(ctx, userID)
		if err != nil {
			return err
		}
		if current != roomID {
			continue
		}
		if err := m.Store.DeleteUserRoom(ctx, userID); err != nil {
			return err
		}
	}
	if err := m.Store.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	if err := m.Store.RemoveActiveRoom(ctx, roomID); err != nil {
		return err
	}

	m.Audit.RoomClosed(roomID)
	m.log.Info().Str("room", roomID).Msg("room closed")
	return nil
}

// Stats returns a point-in-time snapshot of the matching layer.
func (m *MatcherService) Stats(ctx context.Context) (models.Stats, error) {
	active, err := m.Store.ActiveRoomCount(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	queued, err := m.Store.QueueSize(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	total, err := m.Store.TotalRooms(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	return models.Stats{ActiveRooms: active, QueueSize: queued, TotalRooms: total}, nil
}

// FindPartner runs the pairing algorithm for userID: take the oldest
// waiter if there is one, otherwise join the queue. The caller becomes
// the initiator of any room created.
func (m *MatcherService) FindPartner(ctx context.Context, userID string) (*MatchResult, error) {
	if err := m.checkIdle(ctx, userID); err != nil {
		return nil, err
	}

	partnerID, partnerTS, err := m.DequeueOldest(ctx)
	if errors.Is(err, storage.ErrEmptyQueue) {
		return m.enqueueResult(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	// Popping our own stale entry can happen after a fast reconnect under
	// the same id; treat it like an empty queue.
	if partnerID == userID {
		return m.enqueueResult(ctx, userID)
	}

	room, err := m.CreateRoom(ctx, userID, partnerID)
	if err != nil {
		m.requeuePartner(ctx, partnerID, partnerTS)
		return nil, err
	}
	return &MatchResult{Matched: true, Room: room, PartnerID: partnerID}, nil
}

func (m *MatcherService) enqueueResult(ctx context.Context, userID string) (*MatchResult, error) {
	if err := m.Store.EnqueueWaiting(ctx, userID, time.Now().UnixMilli()); err != nil {
		return nil, err
	}
	size, err := m.Store.QueueSize(ctx)
	if err != nil {
		// The enqueue itself succeeded; report position 1 rather than fail.
		m.log.Error().Err(err).Msg("queue size lookup failed after enqueue")
		size = 1
	}
	return &MatchResult{Matched: false, QueuePosition: size}, nil
}

// requeuePartner restores the dequeued partner after a failed CreateRoom,
// keeping its original timestamp so its queue position is preserved. The
// caller is NOT re-enqueued: its session stays idle and reports an error,
// and an idle client must never hold a queue entry.
func (m *MatcherService) requeuePartner(ctx context.Context, partnerID string, partnerTS int64) {
	if err := m.Store.EnqueueWaiting(ctx, partnerID, partnerTS); err != nil {
		m.log.Error().Err(err).Str("user", partnerID).Msg("re-enqueue after failed pairing")
	}
}

// RequeueSurvivor puts userID back in the queue after its matched partner
// turned out to be gone before delivery.
func (m *MatcherService) RequeueSurvivor(ctx context.Context, userID string) (*MatchResult, error) {
	return m.enqueueResult(ctx, userID)
}
