package storage

import (
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"strangertalk/backend/internal/models"
)

// RoomAuditor receives room lifecycle events for offline analytics.
// Implementations must never block the signaling path.
type RoomAuditor interface {
	RoomCreated(room *models.Room)
	RoomClosed(roomID string)
}

// NopAuditor is used when ANALYTICS_ENABLED is off.
type NopAuditor struct{}

func (NopAuditor) RoomCreated(*models.Room) {}
func (NopAuditor) RoomClosed(string)        {}

type auditEvent struct {
	record  *models.RoomRecord // set on create
	closeID string             // set on close
}

// auditSink abstracts the durable writes so the queue policy is testable
// without a database.
type auditSink interface {
	createRoom(rec *models.RoomRecord) error
	closeRoom(roomID string, closedAt time.Time) error
}

// Recorder writes room lifecycle audit rows to PostgreSQL through a
// bounded queue. When the queue is full the oldest pending event is
// dropped; analytics loss must never back-pressure signaling.
type Recorder struct {
	sink   auditSink
	events chan auditEvent
	done   chan struct{}
	log    zerolog.Logger
}

const auditQueueSize = 256

func NewRecorder(db *gorm.DB, log zerolog.Logger) *Recorder {
	return newRecorder(gormSink{db: db}, log)
}

func newRecorder(sink auditSink, log zerolog.Logger) *Recorder {
	return &Recorder{
		sink:   sink,
		events: make(chan auditEvent, auditQueueSize),
		done:   make(chan struct{}),
		log:    log,
	}
}

func (r *Recorder) RoomCreated(room *models.Room) {
	r.enqueue(auditEvent{record: &models.RoomRecord{
		RoomID:    room.RoomID,
		User1ID:   room.Users[0],
		User2ID:   room.Users[1],
		Status:    room.Status,
		CreatedAt: time.UnixMilli(room.CreatedAt),
	}})
}

func (r *Recorder) RoomClosed(roomID string) {
	r.enqueue(auditEvent{closeID: roomID})
}

// enqueue never blocks: on overflow it drops the oldest pending event to
// make room for the new one.
func (r *Recorder) enqueue(ev auditEvent) {
	for {
		select {
		case r.events <- ev:
			return
		default:
		}
		select {
		case dropped := <-r.events:
			r.log.Warn().Str("room", dropped.roomID()).Msg("analytics queue full, dropping oldest event")
		default:
		}
	}
}

func (ev auditEvent) roomID() string {
	if ev.record != nil {
		return ev.record.RoomID
	}
	return ev.closeID
}

// Run drains the queue until Close is called. Write failures are logged
// and never surfaced.
func (r *Recorder) Run() {
	for ev := range r.events {
		var err error
		if ev.record != nil {
			err = r.sink.createRoom(ev.record)
		} else {
			err = r.sink.closeRoom(ev.closeID, time.Now())
		}
		if err != nil {
			r.log.Error().Err(err).Str("room", ev.roomID()).Msg("analytics write failed")
		}
	}
	close(r.done)
}

// Close stops accepting events and waits for the drain to finish.
func (r *Recorder) Close() {
	close(r.events)
	<-r.done
}

type gormSink struct {
	db *gorm.DB
}

func (s gormSink) createRoom(rec *models.RoomRecord) error {
	if err := s.db.Create(rec).Error; err != nil {
		return err
	}
	return s.db.Model(&models.StatCounter{}).
		Where("name = ?", "total_rooms").
		Update("value", gorm.Expr("value + 1")).Error
}

func (s gormSink) closeRoom(roomID string, closedAt time.Time) error {
	return s.db.Model(&models.RoomRecord{}).
		Where("room_id = ?", roomID).
		Updates(map[string]interface{}{
			"status":    models.RoomStatusClosed,
			"closed_at": closedAt,
		}).Error
}

// AutoMigrate creates the analytics tables and seeds the counter row.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.RoomRecord{}, &models.StatCounter{}); err != nil {
		return err
	}
	return db.FirstOrCreate(&models.StatCounter{Name: "total_rooms"}, models.StatCounter{Name: "total_rooms"}).Error
}
