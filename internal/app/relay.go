package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const MaxChatTextLen = 4096

var (
	ErrNotJoined        = errors.New("user not found")
	ErrInvalidSDP       = errors.New("invalid sdp data")
	ErrInvalidMediaType = errors.New("invalid media type")
	ErrChatTooLong      = errors.New("message too long")
	ErrRateLimited      = errors.New("rate limited")
)

// Relay routes signaling events between connections of the same room.
// Errors returned by its methods are meant for the sender only.
type Relay struct {
	Directory *Directory
	Registry  *Registry
	Policy    Policy
	ChatLimit *RateLimiter

	now func() time.Time
}

func NewRelay(dir *Directory, reg *Registry, policy Policy, chat *RateLimiter) *Relay {
	return &Relay{
		Directory: dir,
		Registry:  reg,
		Policy:    policy,
		ChatLimit: chat,
		now:       time.Now,
	}
}

func (r *Relay) Connect(conn core.SignalConnection, ident Identity, cancel context.CancelFunc) {
	r.Registry.Bind(conn, ident, cancel)
}

// Disconnect removes the connection and tells the rest of its room.
func (r *Relay) Disconnect(id domain.ConnID, reason string) {
	r.leave(id, reason)
	r.Registry.Unbind(id)
}

// Leave removes the participant but keeps the connection open.
func (r *Relay) Leave(id domain.ConnID) {
	r.leave(id, "left")
}

func (r *Relay) leave(id domain.ConnID, reason string) {
	p, ok := r.Directory.Leave(id)
	if !ok {
		return
	}
	r.broadcast(p.RoomID, id, protocol.EventUserDisconnected, protocol.UserDisconnected{
		SocketID: string(p.ConnID),
		UserID:   string(p.UserID),
		UserName: p.DisplayName,
		Reason:   reason,
	})
}

// Join registers the sender. The room bound at connect time wins over the
// payload; name and user id from the payload win over the connect-time ones.
func (r *Relay) Join(id domain.ConnID, req protocol.JoinRoom) error {
	ident, _ := r.Registry.Identity(id)
	roomID := firstNonEmpty(string(ident.RoomID), req.RoomID)
	userName := firstNonEmpty(req.UserName, ident.UserName)
	userID := firstNonEmpty(req.UserID, ident.UserID)

	prev, rejoin := r.Directory.Lookup(id)
	p, others, err := r.Directory.Join(id, domain.RoomID(roomID), userID, userName)
	if err != nil {
		return err
	}
	if rejoin && prev.RoomID != p.RoomID {
		r.broadcast(prev.RoomID, id, protocol.EventUserDisconnected, protocol.UserDisconnected{
			SocketID: string(prev.ConnID),
			UserID:   string(prev.UserID),
			UserName: prev.DisplayName,
			Reason:   "moved",
		})
	}

	log.Info().
		Str("module", "app.relay").
		Str("conn", string(id)).
		Str("room", string(p.RoomID)).
		Str("name", p.DisplayName).
		Int("existing", len(others)).
		Msg("join")

	r.send(id, protocol.EventExistingParticipants, protocol.NewParticipantList(others))
	r.broadcast(p.RoomID, id, protocol.EventNewParticipant, protocol.NewParticipantInfo(p))
	r.send(id, protocol.EventRoomJoined, protocol.RoomJoined{
		RoomID:       string(p.RoomID),
		UserID:       string(p.UserID),
		SocketID:     string(p.ConnID),
		Participants: protocol.NewParticipantList(r.Directory.ListParticipants(p.RoomID, "")),
	})
	return nil
}

// RelaySDP forwards an opaque offer, answer or candidate to one receiver.
// A receiver that already left is a normal race: the message is dropped.
func (r *Relay) RelaySDP(id domain.ConnID, req protocol.SDPRelay) error {
	if req.Message == "" || req.ReceiverID == "" {
		return ErrInvalidSDP
	}
	sender, ok := r.Directory.Lookup(id)
	if !ok {
		return ErrNotJoined
	}
	to := domain.ConnID(req.ReceiverID)
	receiver, ok := r.Directory.Lookup(to)
	if !ok || receiver.RoomID != sender.RoomID {
		log.Warn().Str("module", "app.relay").Str("from", string(id)).Str("to", req.ReceiverID).Msg("sdp for unknown receiver dropped")
		return nil
	}
	log.Debug().Str("module", "app.relay").Str("from", string(id)).Str("to", req.ReceiverID).Msg("relaying sdp")
	r.send(to, protocol.EventSDPProcess, protocol.SDPDelivery{Message: req.Message, SenderID: string(id)})
	return nil
}

// Chat broadcasts to the whole room, sender included.
func (r *Relay) Chat(id domain.ConnID, req protocol.ChatRequest) error {
	p, ok := r.Directory.Lookup(id)
	if !ok {
		return ErrNotJoined
	}
	if len(req.Text) > MaxChatTextLen {
		return ErrChatTooLong
	}
	if !r.ChatLimit.Allow(p.UserID) {
		return ErrRateLimited
	}
	r.Directory.Touch(id)
	msg := protocol.ChatMessage{
		ID:         "msg_" + uuid.NewString(),
		SenderID:   string(p.UserID),
		SenderName: p.DisplayName,
		Text:       req.Text,
		Timestamp:  r.now().UTC(),
		RoomID:     string(p.RoomID),
	}
	r.broadcast(p.RoomID, "", protocol.EventChatMessage, msg)
	return nil
}

func (r *Relay) MediaState(id domain.ConnID, req protocol.MediaStateRequest) error {
	if !req.Type.Valid() {
		return ErrInvalidMediaType
	}
	p, ok := r.Directory.Lookup(id)
	if !ok {
		return ErrNotJoined
	}
	r.Directory.Touch(id)
	log.Info().Str("module", "app.relay").Str("conn", string(id)).Str("type", string(req.Type)).Bool("enabled", req.Enabled).Msg("media state change")
	r.broadcast(p.RoomID, id, protocol.EventMediaStateChange, protocol.MediaState{
		SenderID: string(p.UserID),
		SocketID: string(p.ConnID),
		Type:     req.Type,
		Enabled:  req.Enabled,
		UserName: p.DisplayName,
	})
	return nil
}

// StreamUpdate announces that the sender is about to recreate its links as initiator.
func (r *Relay) StreamUpdate(id domain.ConnID, _ protocol.StreamUpdateRequest) error {
	p, ok := r.Directory.Lookup(id)
	if !ok {
		return ErrNotJoined
	}
	log.Info().Str("module", "app.relay").Str("conn", string(id)).Msg("stream update")
	r.broadcast(p.RoomID, id, protocol.EventStreamUpdate, protocol.StreamUpdate{
		UserID:   string(p.UserID),
		SocketID: string(p.ConnID),
		UserName: p.DisplayName,
	})
	return nil
}

// RoomInfo replies with the participants of the requested room, or the sender's own.
func (r *Relay) RoomInfo(id domain.ConnID, req protocol.RoomInfoRequest) error {
	roomID := domain.RoomID(strings.TrimSpace(req.RoomID))
	if roomID == "" {
		p, ok := r.Directory.Lookup(id)
		if !ok {
			return domain.ErrRoomNotFound
		}
		roomID = p.RoomID
	}
	r.send(id, protocol.EventRoomInfo, protocol.RoomInfo{
		RoomID:       string(roomID),
		Participants: protocol.NewParticipantList(r.Directory.ListParticipants(roomID, "")),
	})
	return nil
}

// Fail reports err to the sender only.
func (r *Relay) Fail(id domain.ConnID, err error) {
	log.Warn().Err(err).Str("module", "app.relay").Str("conn", string(id)).Msg("request failed")
	r.send(id, protocol.EventError, protocol.Error{Message: ErrorMessage(err)})
}

// ErrorMessage maps an error to the text sent to clients.
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return "Room ID is required"
	case errors.Is(err, ErrInvalidSDP):
		return "Invalid SDP data"
	case errors.Is(err, ErrNotJoined):
		return "User not found"
	case errors.Is(err, ErrInvalidMediaType):
		return "Invalid media type"
	case errors.Is(err, ErrChatTooLong):
		return "Message too long"
	case errors.Is(err, ErrRateLimited):
		return "Too many messages"
	case errors.Is(err, domain.ErrUserIDTooLong):
		return "User ID too long"
	case errors.Is(err, protocol.ErrMalformedFrame), errors.Is(err, protocol.ErrInvalidPayload):
		return "Malformed message"
	default:
		return "Request failed"
	}
}

func (r *Relay) send(to domain.ConnID, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Str("event", event).Msg("encode")
		return
	}
	r.sendFrame(to, event, frame)
}

func (r *Relay) broadcast(roomID domain.RoomID, except domain.ConnID, event string, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Str("event", event).Msg("encode")
		return
	}
	sent := 0
	for _, p := range r.Directory.ListParticipants(roomID, except) {
		if r.sendFrame(p.ConnID, event, frame) {
			sent++
		}
	}
	log.Debug().Str("module", "app.relay").Str("room", string(roomID)).Str("event", event).Int("sent_to", sent).Msg("broadcast result")
}

func (r *Relay) sendFrame(to domain.ConnID, event string, frame core.Frame) bool {
	conn, ok := r.Registry.Get(to)
	if !ok {
		log.Warn().Str("module", "app.relay").Str("to", string(to)).Str("event", event).Msg("no connection for receiver")
		return false
	}
	err := conn.TrySend(frame)
	if err == nil {
		return true
	}
	action := NoAction
	if r.Policy != nil {
		action = r.Policy.OnBackPressure(to, event, err)
	}
	log.Warn().Err(err).Str("module", "app.relay").Str("to", string(to)).Str("event", event).Stringer("action", action).Msg("send failed")
	if action == KickMember {
		r.Registry.Cancel(to)
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
