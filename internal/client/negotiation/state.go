package negotiation

import (
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

type State int

const (
	Idle State = iota
	OfferSent
	AwaitingOffer
	AnswerSent
	Connected
	Failed
	Closed
)

var stateNames = [...]string{"idle", "offer-sent", "awaiting-offer", "answer-sent", "connected", "failed", "closed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further negotiation happens in s.
func (s State) Terminal() bool { return s == Failed || s == Closed }

type Quality int

const (
	QualityUnknown Quality = iota
	QualityGood
	QualityPoor
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// TransportState is the connection state reported by the media transport.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportConnecting
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportConnecting:
		return "connecting"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	default:
		return "new"
	}
}

// Link is a snapshot of one peer link.
type Link struct {
	PeerID               domain.ConnID
	Role                 Role
	State                State
	Pending              []webrtc.ICECandidateInit
	LocalDescriptionSet  bool
	RemoteDescriptionSet bool
	Quality              Quality
}
