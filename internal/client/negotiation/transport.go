package negotiation

import (
	"context"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// Transport is the part of the media transport the engine drives.
type Transport interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// Restart makes the next offer an ICE restart.
	Restart() error
	Close() error
}

// Signaler delivers a signal to one peer through the relay.
type Signaler interface {
	SendSignal(to domain.ConnID, s protocol.Signal) error
}
