package signaling

import (
	"fmt"
	"time"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
)

// Event is one inbound relay message, parsed once into a concrete type.
type Event interface{ event() }

type Existing struct{ Participants []protocol.ParticipantInfo }
type NewParticipant struct{ Participant protocol.ParticipantInfo }
type Joined struct{ protocol.RoomJoined }
type SignalReceived struct {
	From   domain.ConnID
	Signal protocol.Signal
}
type UserLeft struct{ protocol.UserDisconnected }
type ChatReceived struct{ protocol.ChatMessage }
type MediaChanged struct{ protocol.MediaState }
type StreamChanged struct{ protocol.StreamUpdate }
type RoomInfoReceived struct{ protocol.RoomInfo }
type ServerError struct{ Message string }

// Reconnecting is emitted before every reconnect attempt.
type Reconnecting struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// Reconnected is emitted once a new relay connection is up and the room was re-joined.
type Reconnected struct{ Attempts int }

func (Existing) event()         {}
func (NewParticipant) event()   {}
func (Joined) event()           {}
func (SignalReceived) event()   {}
func (UserLeft) event()         {}
func (ChatReceived) event()     {}
func (MediaChanged) event()     {}
func (StreamChanged) event()    {}
func (RoomInfoReceived) event() {}
func (ServerError) event()      {}
func (Reconnecting) event()     {}
func (Reconnected) event()      {}

func bind[T any](f protocol.Frame) (T, error) {
	var v T
	err := f.Bind(&v)
	return v, err
}

// Parse turns a wire frame into an Event.
func Parse(raw []byte) (Event, error) {
	f, err := protocol.Decode(raw)
	if err != nil {
		return nil, err
	}
	switch f.Event {
	case protocol.EventExistingParticipants:
		ps, err := bind[[]protocol.ParticipantInfo](f)
		return Existing{Participants: ps}, err
	case protocol.EventNewParticipant:
		p, err := bind[protocol.ParticipantInfo](f)
		return NewParticipant{Participant: p}, err
	case protocol.EventRoomJoined:
		j, err := bind[protocol.RoomJoined](f)
		return Joined{j}, err
	case protocol.EventSDPProcess:
		d, err := bind[protocol.SDPDelivery](f)
		if err != nil {
			return nil, err
		}
		if d.SenderID == "" {
			return nil, fmt.Errorf("%w: %s: missing senderId", protocol.ErrInvalidPayload, f.Event)
		}
		s, err := protocol.ParseSignal(d.Message)
		if err != nil {
			return nil, err
		}
		return SignalReceived{From: domain.ConnID(d.SenderID), Signal: s}, nil
	case protocol.EventUserDisconnected:
		u, err := bind[protocol.UserDisconnected](f)
		return UserLeft{u}, err
	case protocol.EventChatMessage:
		m, err := bind[protocol.ChatMessage](f)
		return ChatReceived{m}, err
	case protocol.EventMediaStateChange:
		m, err := bind[protocol.MediaState](f)
		return MediaChanged{m}, err
	case protocol.EventStreamUpdate:
		s, err := bind[protocol.StreamUpdate](f)
		return StreamChanged{s}, err
	case protocol.EventRoomInfo:
		r, err := bind[protocol.RoomInfo](f)
		return RoomInfoReceived{r}, err
	case protocol.EventError:
		e, err := bind[protocol.Error](f)
		return ServerError{Message: e.Message}, err
	default:
		return nil, fmt.Errorf("%w: unknown event %q", protocol.ErrMalformedFrame, f.Event)
	}
}
