package app

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/dkeye/meshroom/internal/domain"
)

func newTestDirectory(now *time.Time) *Directory {
	d := NewDirectory()
	d.now = func() time.Time { return *now }
	return d
}

func TestDirectoryJoinAndList(t *testing.T) {
	now := time.Unix(1000, 0)
	d := newTestDirectory(&now)

	alice, others, err := d.Join("c1", "R1", "u1", "Alice")
	if err != nil {
		t.Fatalf("join c1: %v", err)
	}
	if len(others) != 0 {
		t.Fatalf("others=%v, want empty", others)
	}
	if alice.RoomID != "R1" || alice.DisplayName != "Alice" || alice.UserID != "u1" {
		t.Fatalf("participant=%+v", alice)
	}

	_, others, err = d.Join("c2", "R1", "", "Bob")
	if err != nil {
		t.Fatalf("join c2: %v", err)
	}
	if len(others) != 1 || others[0].ConnID != "c1" || others[0].DisplayName != "Alice" {
		t.Fatalf("others=%+v, want [c1 Alice]", others)
	}

	list := d.ListParticipants("R1", "")
	if len(list) != 2 || list[0].ConnID != "c1" || list[1].ConnID != "c2" {
		t.Fatalf("list=%+v, want c1,c2 in join order", list)
	}
	if got := d.ListParticipants("R1", "c2"); len(got) != 1 || got[0].ConnID != "c1" {
		t.Fatalf("excluding c2: %+v", got)
	}
}

func TestDirectoryJoinRequiresRoom(t *testing.T) {
	d := NewDirectory()
	if _, _, err := d.Join("c1", "  ", "", ""); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("err=%v, want ErrRoomNotFound", err)
	}
}

func TestDirectoryRepeatedJoinReplaces(t *testing.T) {
	d := NewDirectory()
	if _, _, err := d.Join("c1", "R1", "u1", "Alice"); err != nil {
		t.Fatal(err)
	}
	p, _, err := d.Join("c1", "R1", "u1", "Alice B")
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayName != "Alice B" {
		t.Fatalf("name=%q, want replaced record", p.DisplayName)
	}
	if n := d.Count("R1"); n != 1 {
		t.Fatalf("count=%d, want 1", n)
	}

	if _, _, err := d.Join("c1", "R2", "u1", "Alice"); err != nil {
		t.Fatal(err)
	}
	if _, ok := d.Room("R1"); ok {
		t.Fatal("R1 should be deleted once its only participant moved")
	}
	if n := d.Count("R2"); n != 1 {
		t.Fatalf("count(R2)=%d, want 1", n)
	}
}

func TestDirectoryLeave(t *testing.T) {
	d := NewDirectory()
	d.Join("c1", "R1", "", "Alice")
	d.Join("c2", "R1", "", "Bob")

	p, ok := d.Leave("c1")
	if !ok || p.ConnID != "c1" {
		t.Fatalf("leave c1: %+v %v", p, ok)
	}
	if _, ok := d.Room("R1"); !ok {
		t.Fatal("R1 must survive while c2 is present")
	}
	if _, ok := d.Leave("c1"); ok {
		t.Fatal("second leave must be a no-op")
	}
	if _, ok := d.Leave("ghost"); ok {
		t.Fatal("unknown connection must be a no-op")
	}
	d.Leave("c2")
	if _, ok := d.Room("R1"); ok {
		t.Fatal("R1 must be deleted after the last leave")
	}
}

func TestDirectoryCountMatchesLiveConnections(t *testing.T) {
	d := NewDirectory()
	rng := rand.New(rand.NewSource(7))
	live := map[domain.ConnID]bool{}

	for i := 0; i < 2000; i++ {
		id := domain.ConnID(fmt.Sprintf("c%d", rng.Intn(40)))
		if rng.Intn(2) == 0 {
			if _, _, err := d.Join(id, "R", "", ""); err != nil {
				t.Fatal(err)
			}
			live[id] = true
		} else {
			_, ok := d.Leave(id)
			if ok != live[id] {
				t.Fatalf("step %d: leave(%s)=%v, want %v", i, id, ok, live[id])
			}
			delete(live, id)
		}
		if got := d.Count("R"); got != len(live) {
			t.Fatalf("step %d: count=%d, want %d", i, got, len(live))
		}
	}
}

func TestDirectorySweepStale(t *testing.T) {
	now := time.Unix(1000, 0)
	d := newTestDirectory(&now)

	if _, created, err := d.Open("idle"); err != nil || !created {
		t.Fatalf("open: created=%v err=%v", created, err)
	}
	d.Join("c1", "busy", "", "")

	now = now.Add(25 * time.Hour)
	if n := d.SweepStale(24 * time.Hour); n != 1 {
		t.Fatalf("swept=%d, want 1", n)
	}
	if _, ok := d.Room("idle"); ok {
		t.Fatal("idle room should be swept")
	}
	if _, ok := d.Room("busy"); !ok {
		t.Fatal("occupied room must never be swept")
	}
}

func TestDirectoryTouchKeepsRoomFresh(t *testing.T) {
	now := time.Unix(1000, 0)
	d := newTestDirectory(&now)
	d.Join("c1", "R1", "", "")
	now = now.Add(time.Hour)
	if !d.Touch("c1") {
		t.Fatal("touch known connection")
	}
	info, _ := d.Room("R1")
	if !info.LastActivityAt.Equal(now) {
		t.Fatalf("lastActivity=%v, want %v", info.LastActivityAt, now)
	}
	if d.Touch("ghost") {
		t.Fatal("touch unknown connection must report false")
	}
}
