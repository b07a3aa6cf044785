package app

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

// Directory is the in-memory room and participant registry.
// Every operation runs to completion under one lock, so counts never go stale.
type Directory struct {
	mu           sync.RWMutex
	rooms        map[domain.RoomID]*domain.Room
	participants map[domain.ConnID]*domain.Participant

	now func() time.Time
}

func NewDirectory() *Directory {
	return &Directory{
		rooms:        make(map[domain.RoomID]*domain.Room),
		participants: make(map[domain.ConnID]*domain.Participant),
		now:          time.Now,
	}
}

// Open creates an empty room ahead of any join. created is false when it already existed.
func (d *Directory) Open(roomID domain.RoomID) (info domain.RoomInfo, created bool, err error) {
	roomID = domain.RoomID(strings.TrimSpace(string(roomID)))
	if roomID == "" {
		return domain.RoomInfo{}, false, domain.ErrRoomNotFound
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	room, ok := d.rooms[roomID]
	if !ok {
		room = d.createRoomLocked(roomID)
	}
	return roomInfo(room), !ok, nil
}

// Join registers connID in roomID and returns the new record together with
// the other participants present at that moment, in join order. A second join
// from the same connection replaces its record instead of duplicating it.
func (d *Directory) Join(connID domain.ConnID, roomID domain.RoomID, userID, displayName string) (domain.Participant, []domain.Participant, error) {
	roomID = domain.RoomID(strings.TrimSpace(string(roomID)))
	if roomID == "" {
		return domain.Participant{}, nil, domain.ErrRoomNotFound
	}
	uid, err := domain.NormalizeUserID(userID)
	if err != nil {
		return domain.Participant{}, nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if prev, ok := d.participants[connID]; ok {
		log.Warn().
			Str("module", "app.directory").
			Str("conn", string(connID)).
			Str("from_room", string(prev.RoomID)).
			Str("to_room", string(roomID)).
			Msg("repeated join, replacing participant record")
		if prev.RoomID != roomID {
			d.removeLocked(prev, now)
		}
	}

	room, ok := d.rooms[roomID]
	if !ok {
		room = d.createRoomLocked(roomID)
	}
	p := &domain.Participant{
		ConnID:      connID,
		UserID:      uid,
		DisplayName: domain.NormalizeDisplayName(displayName),
		RoomID:      roomID,
		JoinedAt:    now,
	}
	if !slices.Contains(room.Participants, connID) {
		room.Participants = append(room.Participants, connID)
	}
	room.LastActivityAt = now
	d.participants[connID] = p

	log.Info().
		Str("module", "app.directory").
		Str("conn", string(connID)).
		Str("room", string(roomID)).
		Str("user", string(uid)).
		Int("count", len(room.Participants)).
		Msg("participant joined")
	return *p, d.listLocked(room, connID), nil
}

// Leave removes connID from its room. Unknown connections return false.
func (d *Directory) Leave(connID domain.ConnID) (domain.Participant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.participants[connID]
	if !ok {
		return domain.Participant{}, false
	}
	d.removeLocked(p, d.now())
	log.Info().Str("module", "app.directory").Str("conn", string(connID)).Str("room", string(p.RoomID)).Msg("participant left")
	return *p, true
}

func (d *Directory) removeLocked(p *domain.Participant, now time.Time) {
	delete(d.participants, p.ConnID)
	room, ok := d.rooms[p.RoomID]
	if !ok {
		return
	}
	room.Participants = slices.DeleteFunc(room.Participants, func(id domain.ConnID) bool { return id == p.ConnID })
	room.LastActivityAt = now
	if room.Empty() {
		delete(d.rooms, room.ID)
		log.Info().Str("module", "app.directory").Str("room", string(room.ID)).Msg("room deleted (empty)")
	}
}

func (d *Directory) createRoomLocked(roomID domain.RoomID) *domain.Room {
	now := d.now()
	room := &domain.Room{ID: roomID, CreatedAt: now, LastActivityAt: now}
	d.rooms[roomID] = room
	log.Info().Str("module", "app.directory").Str("room", string(roomID)).Msg("room created")
	return room
}

// ListParticipants returns a snapshot in join order, without exclude.
func (d *Directory) ListParticipants(roomID domain.RoomID, exclude domain.ConnID) []domain.Participant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room, ok := d.rooms[roomID]
	if !ok {
		return []domain.Participant{}
	}
	return d.listLocked(room, exclude)
}

func (d *Directory) listLocked(room *domain.Room, exclude domain.ConnID) []domain.Participant {
	out := make([]domain.Participant, 0, len(room.Participants))
	for _, id := range room.Participants {
		if id == exclude {
			continue
		}
		if p, ok := d.participants[id]; ok {
			out = append(out, *p)
		}
	}
	return out
}

func (d *Directory) Lookup(connID domain.ConnID) (domain.Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.participants[connID]
	if !ok {
		return domain.Participant{}, false
	}
	return *p, true
}

// Touch refreshes the activity time of connID's room.
func (d *Directory) Touch(connID domain.ConnID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.participants[connID]
	if !ok {
		return false
	}
	if room, ok := d.rooms[p.RoomID]; ok {
		room.LastActivityAt = d.now()
	}
	return true
}

func (d *Directory) Count(roomID domain.RoomID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if room, ok := d.rooms[roomID]; ok {
		return len(room.Participants)
	}
	return 0
}

func (d *Directory) Room(roomID domain.RoomID) (domain.RoomInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room, ok := d.rooms[roomID]
	if !ok {
		return domain.RoomInfo{}, false
	}
	return roomInfo(room), true
}

// Rooms lists all rooms, oldest first.
func (d *Directory) Rooms() []domain.RoomInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.RoomInfo, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, roomInfo(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SweepStale deletes empty rooms idle for longer than maxAge.
func (d *Directory) SweepStale(maxAge time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	removed := 0
	for id, room := range d.rooms {
		if room.Empty() && now.Sub(room.LastActivityAt) > maxAge {
			delete(d.rooms, id)
			removed++
			log.Info().Str("module", "app.directory").Str("room", string(id)).Msg("cleaned up stale room")
		}
	}
	return removed
}

func roomInfo(r *domain.Room) domain.RoomInfo {
	return domain.RoomInfo{
		ID:               r.ID,
		ParticipantCount: len(r.Participants),
		CreatedAt:        r.CreatedAt,
		LastActivityAt:   r.LastActivityAt,
	}
}
