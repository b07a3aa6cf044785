package protocol

import (
	"time"

	"github.com/dkeye/meshroom/internal/domain"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool { return k == MediaAudio || k == MediaVideo }

// JoinRoom overrides the identity bound at connect time when fields are set.
type JoinRoom struct {
	RoomID   string `json:"roomId,omitempty"`
	UserName string `json:"userName,omitempty"`
	UserID   string `json:"userId,omitempty"`
}

type ParticipantInfo struct {
	SocketID string    `json:"socketId"`
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	JoinedAt time.Time `json:"joinedAt"`
}

func NewParticipantInfo(p domain.Participant) ParticipantInfo {
	return ParticipantInfo{
		SocketID: string(p.ConnID),
		UserID:   string(p.UserID),
		UserName: p.DisplayName,
		JoinedAt: p.JoinedAt,
	}
}

func NewParticipantList(ps []domain.Participant) []ParticipantInfo {
	out := make([]ParticipantInfo, 0, len(ps))
	for _, p := range ps {
		out = append(out, NewParticipantInfo(p))
	}
	return out
}

type RoomJoined struct {
	RoomID       string            `json:"roomId"`
	UserID       string            `json:"userId"`
	SocketID     string            `json:"socketId"`
	Participants []ParticipantInfo `json:"participants"`
}

// SDPRelay is sent by a client; Message is an opaque JSON string, see Signal.
type SDPRelay struct {
	Message    string `json:"message"`
	ReceiverID string `json:"receiverId"`
}

// SDPDelivery is what the receiver of an SDPRelay gets.
type SDPDelivery struct {
	Message  string `json:"message"`
	SenderID string `json:"senderId"`
}

type UserDisconnected struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type ChatRequest struct {
	Text string `json:"text"`
}

type ChatMessage struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	RoomID     string    `json:"roomId"`
}

type MediaStateRequest struct {
	Type    MediaKind `json:"type"`
	Enabled bool      `json:"enabled"`
}

type MediaState struct {
	SenderID string    `json:"senderId"`
	SocketID string    `json:"socketId"`
	Type     MediaKind `json:"type"`
	Enabled  bool      `json:"enabled"`
	UserName string    `json:"userName"`
}

type StreamUpdateRequest struct {
	UserID string `json:"userId,omitempty"`
}

type StreamUpdate struct {
	UserID   string `json:"userId"`
	SocketID string `json:"socketId"`
	UserName string `json:"userName"`
}

type RoomInfoRequest struct {
	RoomID string `json:"roomId"`
}

type RoomInfo struct {
	RoomID       string            `json:"roomId"`
	Participants []ParticipantInfo `json:"participants"`
}

type Error struct {
	Message string `json:"message"`
}
