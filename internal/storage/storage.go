package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"strangertalk/backend/internal/models"
)

// Shared state store keys. The queue is a sorted set keyed by bare
// user-id with the enqueue timestamp as score, so removal is a single
// ZREM instead of a member scan.
const (
	keyQueueWaiting = "queue:waiting"
	keyRoomsActive  = "rooms:active"
	keyStatsGlobal  = "stats:global"

	fieldTotalRooms = "totalRooms"

	// Crash-recovery backstop: a signaling session never lasts an hour,
	// so stale room state self-evicts.
	roomTTL = time.Hour
)

var (
	// ErrEmptyQueue is returned by PopOldestWaiting when nobody is waiting.
	ErrEmptyQueue = errors.New("waiting queue is empty")
	// ErrNotFound is returned when a room or mapping key does not exist.
	ErrNotFound = errors.New("not found")
)

// Storage is the shared-state-store contract the matcher runs on. All
// operations are single-key and atomic at the Redis level.
type Storage interface {
	EnqueueWaiting(ctx context.Context, userID string, enqueuedAt int64) error
	PopOldestWaiting(ctx context.Context) (userID string, enqueuedAt int64, err error)
	RemoveFromWaiting(ctx context.Context, userID string) (bool, error)
	IsWaiting(ctx context.Context, userID string) (bool, error)
	QueueSize(ctx context.Context) (int64, error)

	SaveRoom(ctx context.Context, room *models.Room) error
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)
	DeleteRoom(ctx context.Context, roomID string) error

	SetUserRoom(ctx context.Context, userID, roomID string) error
	GetUserRoom(ctx context.Context, userID string) (string, error)
	DeleteUserRoom(ctx context.Context, userID string) error

	AddActiveRoom(ctx context.Context, roomID string) error
	RemoveActiveRoom(ctx context.Context, roomID string) error
	ActiveRoomCount(ctx context.Context) (int64, error)

	IncrementTotalRooms(ctx context.Context) (int64, error)
	TotalRooms(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
}

// Service implements Storage on a Redis client.
type Service struct {
	Redis *redis.Client
}

func NewStorageService(rdb *redis.Client) *Service {
	return &Service{Redis: rdb}
}

func roomDataKey(roomID string) string { return "room:data:" + roomID }
func userRoomKey(userID string) string { return "user:room:" + userID }

// EnqueueWaiting adds userID to the FIFO queue. The score is the enqueue
// timestamp in milliseconds; Redis breaks score ties lexicographically,
// which keeps ordering stable within one millisecond.
func (s *Service) EnqueueWaiting(ctx context.Context, userID string, enqueuedAt int64) error {
	return s.Redis.ZAdd(ctx, keyQueueWaiting, redis.Z{
		Score:  float64(enqueuedAt),
		Member: userID,
	}).Err()
}

// PopOldestWaiting atomically removes and returns the lowest-score entry.
func (s *Service) PopOldestWaiting(ctx context.Context) (string, int64, error) {
	entries, err := s.Redis.ZPopMin(ctx, keyQueueWaiting, 1).Result()
	if err != nil {
		return "", 0, err
	}
	if len(entries) == 0 {
		return "", 0, ErrEmptyQueue
	}
	userID, ok := entries[0].Member.(string)
	if !ok {
		return "", 0, fmt.Errorf("unexpected queue member type %T", entries[0].Member)
	}
	return userID, int64(entries[0].Score), nil
}

// RemoveFromWaiting removes userID from the queue. It reports whether the
// entry was present, and is safe to call repeatedly.
func (s *Service) RemoveFromWaiting(ctx context.Context, userID string) (bool, error) {
	n, err := s.Redis.ZRem(ctx, keyQueueWaiting, userID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Service) IsWaiting(ctx context.Context, userID string) (bool, error) {
	_, err := s.Redis.ZScore(ctx, keyQueueWaiting, userID).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) QueueSize(ctx context.Context) (int64, error) {
	return s.Redis.ZCard(ctx, keyQueueWaiting).Result()
}

// SaveRoom writes the room payload with the crash-recovery TTL.
func (s *Service) SaveRoom(ctx context.Context, room *models.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return s.Redis.Set(ctx, roomDataKey(room.RoomID), data, roomTTL).Err()
}

func (s *Service) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	data, err := s.Redis.Get(ctx, roomDataKey(roomID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var room models.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("corrupt room payload for %s: %w", roomID, err)
	}
	return &room, nil
}

func (s *Service) DeleteRoom(ctx context.Context, roomID string) error {
	return s.Redis.Del(ctx, roomDataKey(roomID)).Err()
}

func (s *Service) SetUserRoom(ctx context.Context, userID, roomID string) error {
	return s.Redis.Set(ctx, userRoomKey(userID), roomID, roomTTL).Err()
}

// GetUserRoom returns the room the user is mapped to, or "" when the user
// is not in a room.
func (s *Service) GetUserRoom(ctx context.Context, userID string) (string, error) {
	roomID, err := s.Redis.Get(ctx, userRoomKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return roomID, nil
}

func (s *Service) DeleteUserRoom(ctx context.Context, userID string) error {
	return s.Redis.Del(ctx, userRoomKey(userID)).Err()
}

func (s *Service) AddActiveRoom(ctx context.Context, roomID string) error {
	return s.Redis.SAdd(ctx, keyRoomsActive, roomID).Err()
}

func (s *Service) RemoveActiveRoom(ctx context.Context, roomID string) error {
	return s.Redis.SRem(ctx, keyRoomsActive, roomID).Err()
}

func (s *Service) ActiveRoomCount(ctx context.Context) (int64, error) {
	return s.Redis.SCard(ctx, keyRoomsActive).Result()
}

func (s *Service) IncrementTotalRooms(ctx context.Context) (int64, error) {
	return s.Redis.HIncrBy(ctx, keyStatsGlobal, fieldTotalRooms, 1).Result()
}

func (s *Service) TotalRooms(ctx context.Context) (int64, error) {
	v, err := s.Redis.HGet(ctx, keyStatsGlobal, fieldTotalRooms).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (s *Service) Ping(ctx context.Context) error {
	return s.Redis.Ping(ctx).Err()
}
