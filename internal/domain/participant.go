package domain

import "time"

// Participant is one connection's presence in a room.
// RoomID never changes after creation; moving rooms creates a new record.
type Participant struct {
	ConnID      ConnID
	UserID      UserID
	DisplayName string
	RoomID      RoomID
	JoinedAt    time.Time
}
