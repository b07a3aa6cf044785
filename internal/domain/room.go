package domain

import (
	"errors"
	"time"
)

// ErrRoomNotFound is returned for a join with a missing or unknown room id.
var ErrRoomNotFound = errors.New("room not found")

type RoomID string

// Room is a named meeting place. Participants holds connection ids in join order.
type Room struct {
	ID             RoomID
	Participants   []ConnID
	CreatedAt      time.Time
	LastActivityAt time.Time
}

func (r *Room) Empty() bool { return len(r.Participants) == 0 }

// RoomInfo is a read-only view for APIs.
type RoomInfo struct {
	ID               RoomID    `json:"roomId"`
	ParticipantCount int       `json:"participantCount"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
}
