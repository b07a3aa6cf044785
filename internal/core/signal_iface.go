package core

import (
	"errors"

	"github.com/dkeye/meshroom/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Frame is one encoded signaling message.
type Frame []byte

// SignalConnection abstracts a messaging transport to a single client.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	ID() domain.ConnID
	// TrySend never blocks. It returns ErrBackpressure when the outbound
	// queue is full and ErrConnClosed after Close.
	TrySend(Frame) error
	Close()
}
