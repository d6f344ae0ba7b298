package chathub

import (
	"errors"

	"strangertalk/backend/internal/models"
)

var (
	// ErrPeerGone means no session for the target user exists on this
	// instance; the peer disconnected between pairing and delivery.
	ErrPeerGone = errors.New("peer is gone")
	// ErrSendBufferFull means the target's bounded outbound queue is full.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrClientClosed means the connection is already torn down.
	ErrClientClosed = errors.New("client closed")
)

// Client is the outbound side of one connection. It abstracts the
// underlying transport so the hub and session layer can manage different
// client types uniformly.
type Client interface {
	// GetUserID returns the connection identifier, unique for the life of
	// the connection.
	GetUserID() string

	// Send queues a frame on the bounded outbound queue without blocking.
	// Returns ErrSendBufferFull when the queue is full and ErrClientClosed
	// after Close.
	Send(msg models.SignalMessage) error

	// Buffered reports how many queued frames the write side has not yet
	// flushed. Used to bound the drain during graceful shutdown.
	Buffered() int

	// Run starts the client's read and write pumps.
	Run()

	// Close tears the connection down. Safe to call more than once.
	Close()
}
