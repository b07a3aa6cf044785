package negotiation

import (
	"errors"
	"fmt"

	"github.com/dkeye/meshroom/internal/domain"
)

var (
	// ErrNegotiation marks a malformed or out-of-order offer, answer or candidate.
	ErrNegotiation = errors.New("negotiation error")
	// ErrTransportFailure marks a transport that stayed failed after its one restart.
	ErrTransportFailure = errors.New("transport failure")
)

type Error struct {
	PeerID domain.ConnID
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("peer %s: %s: %v", e.PeerID, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
