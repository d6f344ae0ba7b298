package models

import "time"

// RoomRecord is the durable audit row for one room lifecycle, written
// best-effort to PostgreSQL. Signaling never reads it back.
type RoomRecord struct {
	RoomID    string `gorm:"primaryKey"`
	User1ID   string
	User2ID   string
	Status    string
	CreatedAt time.Time
	ClosedAt  *time.Time
}

func (RoomRecord) TableName() string { return "rooms" }

// StatCounter is a named monotonic counter in the analytics store.
type StatCounter struct {
	Name  string `gorm:"primaryKey"`
	Value int64
}

func (StatCounter) TableName() string { return "stat_counters" }
