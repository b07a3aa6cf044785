// Package protocol defines the signaling wire format shared by the relay and its clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	EventJoinRoom             = "joinRoom"
	EventLeaveRoom            = "leaveRoom"
	EventExistingParticipants = "existingParticipants"
	EventNewParticipant       = "newParticipant"
	EventRoomJoined           = "room-joined"
	EventSDPProcess           = "SDPProcess"
	EventUserDisconnected     = "userDisconnected"
	EventChatMessage          = "chat-message"
	EventMediaStateChange     = "media-state-change"
	EventStreamUpdate         = "stream-update"
	EventGetRoomInfo          = "get-room-info"
	EventRoomInfo             = "room-info"
	EventError                = "error"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Frame is the envelope of every message: {"event": "...", "data": {...}}.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a wire frame for event with payload as data.
func Encode(event string, payload any) ([]byte, error) {
	f := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		f.Data = data
	}
	return json.Marshal(f)
}

// Decode parses the envelope only; payloads are bound per event with Bind.
func Decode(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event", ErrMalformedFrame)
	}
	return f, nil
}

// Bind unmarshals the frame data into v. A frame without data leaves v untouched.
func (f Frame) Bind(v any) error {
	if len(f.Data) == 0 || string(f.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, f.Event, err)
	}
	return nil
}
