package chathub_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"strangertalk/backend/internal/chathub"
	"strangertalk/backend/internal/models"
	"strangertalk/backend/internal/storage"
)

// memStore is a stateful in-memory implementation of storage.Storage.
// It mirrors the Redis semantics the matcher relies on (atomic pop of the
// lowest-score entry, idempotent removal) and lets tests inject failures
// per operation.
type memStore struct {
	mu sync.Mutex

	queue     []queueEntry
	rooms     map[string]*models.Room
	userRooms map[string]string
	active    map[string]bool
	total     int64

	// failures maps an operation name to the error it should return.
	failures map[string]error
	// failSetUserRoomOnCall makes the Nth SetUserRoom call fail (1-based).
	failSetUserRoomOnCall int
	setUserRoomCalls      int
	// suppressIsWaiting simulates a stale queue entry the pre-check does
	// not see, as happens transiently around reconnects.
	suppressIsWaiting bool
}

type queueEntry struct {
	userID string
	score  int64
}

func newMemStore() *memStore {
	return &memStore{
		rooms:     make(map[string]*models.Room),
		userRooms: make(map[string]string),
		active:    make(map[string]bool),
		failures:  make(map[string]error),
	}
}

func (s *memStore) fail(op string) error { return s.failures[op] }

func (s *memStore) EnqueueWaiting(_ context.Context, userID string, enqueuedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("EnqueueWaiting"); err != nil {
		return err
	}
	for i, e := range s.queue {
		if e.userID == userID {
			s.queue[i].score = enqueuedAt
			return nil
		}
	}
	s.queue = append(s.queue, queueEntry{userID: userID, score: enqueuedAt})
	return nil
}

func (s *memStore) PopOldestWaiting(_ context.Context) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("PopOldestWaiting"); err != nil {
		return "", 0, err
	}
	if len(s.queue) == 0 {
		return "", 0, storage.ErrEmptyQueue
	}
	oldest := 0
	for i, e := range s.queue {
		if e.score < s.queue[oldest].score {
			oldest = i
		}
	}
	e := s.queue[oldest]
	s.queue = append(s.queue[:oldest], s.queue[oldest+1:]...)
	return e.userID, e.score, nil
}

func (s *memStore) RemoveFromWaiting(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RemoveFromWaiting"); err != nil {
		return false, err
	}
	for i, e := range s.queue {
		if e.userID == userID {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) IsWaiting(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("IsWaiting"); err != nil {
		return false, err
	}
	if s.suppressIsWaiting {
		return false, nil
	}
	for _, e := range s.queue {
		if e.userID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) QueueSize(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("QueueSize"); err != nil {
		return 0, err
	}
	return int64(len(s.queue)), nil
}

func (s *memStore) SaveRoom(_ context.Context, room *models.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SaveRoom"); err != nil {
		return err
	}
	clone := *room
	s.rooms[room.RoomID] = &clone
	return nil
}

func (s *memStore) GetRoom(_ context.Context, roomID string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetRoom"); err != nil {
		return nil, err
	}
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *room
	return &clone, nil
}

func (s *memStore) DeleteRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteRoom"); err != nil {
		return err
	}
	delete(s.rooms, roomID)
	return nil
}

func (s *memStore) SetUserRoom(_ context.Context, userID, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setUserRoomCalls++
	if s.failSetUserRoomOnCall != 0 && s.setUserRoomCalls == s.failSetUserRoomOnCall {
		return errTransient
	}
	if err := s.fail("SetUserRoom"); err != nil {
		return err
	}
	s.userRooms[userID] = roomID
	return nil
}

func (s *memStore) GetUserRoom(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetUserRoom"); err != nil {
		return "", err
	}
	return s.userRooms[userID], nil
}

func (s *memStore) DeleteUserRoom(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("DeleteUserRoom"); err != nil {
		return err
	}
	delete(s.userRooms, userID)
	return nil
}

func (s *memStore) AddActiveRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AddActiveRoom"); err != nil {
		return err
	}
	s.active[roomID] = true
	return nil
}

func (s *memStore) RemoveActiveRoom(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RemoveActiveRoom"); err != nil {
		return err
	}
	delete(s.active, roomID)
	return nil
}

func (s *memStore) ActiveRoomCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.active)), nil
}

func (s *memStore) IncrementTotalRooms(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("IncrementTotalRooms"); err != nil {
		return 0, err
	}
	s.total++
	return s.total, nil
}

func (s *memStore) TotalRooms(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total, nil
}

func (s *memStore) Ping(context.Context) error { return nil }

// snapshot helpers for assertions.

func (s *memStore) queuedUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.queue))
	for _, e := range s.queue {
		users = append(users, e.userID)
	}
	return users
}

func (s *memStore) roomOf(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userRooms[userID]
}

func (s *memStore) roomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// mockClient implements chathub.Client and records everything sent to it.
type mockClient struct {
	userID string

	mu     sync.Mutex
	recv   []models.SignalMessage
	notify chan models.SignalMessage
	closed bool
	full   bool
	// pending simulates frames sitting in the outbound queue.
	pending int
}

func newMockClient(userID string) *mockClient {
	return &mockClient{
		userID: userID,
		notify: make(chan models.SignalMessage, 128),
	}
}

func (c *mockClient) GetUserID() string { return c.userID }

func (c *mockClient) Send(msg models.SignalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return chathub.ErrClientClosed
	}
	if c.full {
		return chathub.ErrSendBufferFull
	}
	c.recv = append(c.recv, msg)
	select {
	case c.notify <- msg:
	default:
	}
	return nil
}

func (c *mockClient) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

func (c *mockClient) setPending(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = n
}

func (c *mockClient) Run() {}

func (c *mockClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *mockClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mockClient) setFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

func (c *mockClient) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := make([]string, len(c.recv))
	for i, msg := range c.recv {
		events[i] = msg.Event
	}
	return events
}

func (c *mockClient) messagesFor(event string) []models.SignalMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.SignalMessage
	for _, msg := range c.recv {
		if msg.Event == event {
			out = append(out, msg)
		}
	}
	return out
}

// waitFor blocks until the client receives the given event or the timeout
// expires. Needed for the asynchronous skip re-queue.
func (c *mockClient) waitFor(t *testing.T, event string, timeout time.Duration) models.SignalMessage {
	t.Helper()
	deadline := time.After(timeout)
	for {
		for _, msg := range c.messagesFor(event) {
			return msg
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("client %s: timed out waiting for %q, got %v", c.userID, event, c.events())
			return models.SignalMessage{}
		}
	}
}

// testEnv bundles the store, hub and matcher every scenario needs.
type testEnv struct {
	store   *memStore
	hub     *chathub.ManagerService
	matcher *chathub.MatcherService
}

func newTestEnv() *testEnv {
	store := newMemStore()
	hub := chathub.NewManagerService(zerolog.Nop())
	return &testEnv{
		store:   store,
		hub:     hub,
		matcher: chathub.NewMatcherService(store, nil, zerolog.Nop()),
	}
}

// connect registers a session backed by a mock client.
func (e *testEnv) connect(t *testing.T, userID string) (*chathub.SessionController, *mockClient) {
	t.Helper()
	client := newMockClient(userID)
	sess := chathub.NewSessionController(userID, client, e.hub, e.matcher, zerolog.Nop())
	if err := e.hub.Register(sess); err != nil {
		t.Fatalf("register %s: %v", userID, err)
	}
	return sess, client
}
