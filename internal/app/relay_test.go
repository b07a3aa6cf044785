package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
)

type fakeConn struct {
	id domain.ConnID

	mu     sync.Mutex
	frames []protocol.Frame
	full   bool
}

func (c *fakeConn) ID() domain.ConnID { return c.id }

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return core.ErrBackpressure
	}
	frame, err := protocol.Decode(f)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Event)
	}
	return out
}

func (c *fakeConn) last(t *testing.T, event string, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Event == event {
			if err := c.frames[i].Bind(v); err != nil {
				t.Fatalf("bind %s: %v", event, err)
			}
			return
		}
	}
	t.Fatalf("%s: no %q frame, got %v", c.id, event, c.eventsLocked())
}

func (c *fakeConn) eventsLocked() []string {
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Event)
	}
	return out
}

func (c *fakeConn) count(event string) int {
	n := 0
	for _, e := range c.events() {
		if e == event {
			n++
		}
	}
	return n
}

type relayFixture struct {
	relay *Relay
	conns map[domain.ConnID]*fakeConn
}

func newRelayFixture() *relayFixture {
	return &relayFixture{
		relay: NewRelay(NewDirectory(), NewRegistry(), SimplePolicy{}, NewRateLimiter(3, time.Minute)),
		conns: map[domain.ConnID]*fakeConn{},
	}
}

func (f *relayFixture) connect(id domain.ConnID, ident Identity) *fakeConn {
	c := &fakeConn{id: id}
	f.conns[id] = c
	f.relay.Connect(c, ident, func() {})
	return c
}

func (f *relayFixture) join(t *testing.T, id domain.ConnID, room, name string) *fakeConn {
	t.Helper()
	c := f.connect(id, Identity{RoomID: domain.RoomID(room), UserName: name})
	if err := f.relay.Join(id, protocol.JoinRoom{}); err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
	return c
}

func TestRelayJoinAnnouncesParticipants(t *testing.T) {
	f := newRelayFixture()
	c1 := f.join(t, "c1", "R1", "Alice")

	var existing []protocol.ParticipantInfo
	c1.last(t, protocol.EventExistingParticipants, &existing)
	if len(existing) != 0 {
		t.Fatalf("c1 existing=%v, want empty", existing)
	}

	c2 := f.join(t, "c2", "R1", "Bob")
	c2.last(t, protocol.EventExistingParticipants, &existing)
	if len(existing) != 1 || existing[0].SocketID != "c1" || existing[0].UserName != "Alice" {
		t.Fatalf("c2 existing=%+v, want [{c1 Alice}]", existing)
	}

	var np protocol.ParticipantInfo
	c1.last(t, protocol.EventNewParticipant, &np)
	if np.SocketID != "c2" || np.UserName != "Bob" {
		t.Fatalf("c1 newParticipant=%+v, want {c2 Bob}", np)
	}
	if n := c2.count(protocol.EventNewParticipant); n != 0 {
		t.Fatalf("c2 got %d newParticipant about itself", n)
	}

	var joined protocol.RoomJoined
	c2.last(t, protocol.EventRoomJoined, &joined)
	if joined.RoomID != "R1" || joined.SocketID != "c2" || len(joined.Participants) != 2 {
		t.Fatalf("room-joined=%+v", joined)
	}
}

func TestRelayJoinPayloadIdentity(t *testing.T) {
	f := newRelayFixture()
	c := f.connect("c1", Identity{UserName: "query-name"})
	if err := f.relay.Join("c1", protocol.JoinRoom{RoomID: "R9", UserName: "Payload", UserID: "u-9"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	var joined protocol.RoomJoined
	c.last(t, protocol.EventRoomJoined, &joined)
	if joined.RoomID != "R9" || joined.UserID != "u-9" {
		t.Fatalf("room-joined=%+v", joined)
	}
	if joined.Participants[0].UserName != "Payload" {
		t.Fatalf("name=%q, want Payload", joined.Participants[0].UserName)
	}
}

func TestRelayJoinWithoutRoom(t *testing.T) {
	f := newRelayFixture()
	f.connect("c1", Identity{})
	err := f.relay.Join("c1", protocol.JoinRoom{})
	if !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("err=%v, want ErrRoomNotFound", err)
	}
	f.relay.Fail("c1", err)
	var msg protocol.Error
	f.conns["c1"].last(t, protocol.EventError, &msg)
	if msg.Message != "Room ID is required" {
		t.Fatalf("message=%q", msg.Message)
	}
}

func TestRelaySDPRoundTrip(t *testing.T) {
	f := newRelayFixture()
	c1 := f.join(t, "c1", "R1", "Alice")
	c2 := f.join(t, "c2", "R1", "Bob")

	offer := `{"offer":{"type":"offer","sdp":"O1"}}`
	if err := f.relay.RelaySDP("c1", protocol.SDPRelay{Message: offer, ReceiverID: "c2"}); err != nil {
		t.Fatalf("relay offer: %v", err)
	}
	var got protocol.SDPDelivery
	c2.last(t, protocol.EventSDPProcess, &got)
	if got.Message != offer || got.SenderID != "c1" {
		t.Fatalf("delivery=%+v", got)
	}
	if n := c1.count(protocol.EventSDPProcess); n != 0 {
		t.Fatalf("sender received its own sdp %d times", n)
	}
}

func TestRelaySDPValidation(t *testing.T) {
	f := newRelayFixture()
	f.join(t, "c1", "R1", "Alice")
	c3 := f.join(t, "c3", "R2", "Carol")

	if err := f.relay.RelaySDP("c1", protocol.SDPRelay{Message: "x"}); !errors.Is(err, ErrInvalidSDP) {
		t.Fatalf("missing receiver: err=%v", err)
	}
	if err := f.relay.RelaySDP("c1", protocol.SDPRelay{ReceiverID: "c3"}); !errors.Is(err, ErrInvalidSDP) {
		t.Fatalf("missing message: err=%v", err)
	}
	if err := f.relay.RelaySDP("c1", protocol.SDPRelay{Message: "x", ReceiverID: "gone"}); err != nil {
		t.Fatalf("unknown receiver must be dropped silently, err=%v", err)
	}
	if err := f.relay.RelaySDP("c1", protocol.SDPRelay{Message: "x", ReceiverID: "c3"}); err != nil {
		t.Fatalf("other room: err=%v", err)
	}
	if n := c3.count(protocol.EventSDPProcess); n != 0 {
		t.Fatal("sdp must not cross rooms")
	}
	f.connect("lurker", Identity{})
	if err := f.relay.RelaySDP("lurker", protocol.SDPRelay{Message: "x", ReceiverID: "c1"}); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("not joined: err=%v", err)
	}
}

func TestRelayDisconnectNotifiesRoom(t *testing.T) {
	f := newRelayFixture()
	f.join(t, "c1", "R1", "Alice")
	c2 := f.join(t, "c2", "R1", "Bob")

	f.relay.Disconnect("c1", "transport close")
	var gone protocol.UserDisconnected
	c2.last(t, protocol.EventUserDisconnected, &gone)
	if gone.SocketID != "c1" {
		t.Fatalf("userDisconnected=%+v, want c1", gone)
	}
	if _, ok := f.relay.Directory.Room("R1"); !ok {
		t.Fatal("R1 must survive while c2 is present")
	}
	if _, ok := f.relay.Registry.Get("c1"); ok {
		t.Fatal("c1 must be unbound")
	}

	f.relay.Disconnect("c2", "transport close")
	if _, ok := f.relay.Directory.Room("R1"); ok {
		t.Fatal("R1 must be deleted after c2 leaves")
	}

	f.relay.Disconnect("never-joined", "transport close")
}

func TestRelayLeaveKeepsConnection(t *testing.T) {
	f := newRelayFixture()
	f.join(t, "c1", "R1", "Alice")
	c2 := f.join(t, "c2", "R1", "Bob")

	f.relay.Leave("c2")
	if _, ok := f.relay.Registry.Get("c2"); !ok {
		t.Fatal("leave must keep the connection bound")
	}
	if n := f.relay.Directory.Count("R1"); n != 1 {
		t.Fatalf("count=%d, want 1", n)
	}
	if err := f.relay.Join("c2", protocol.JoinRoom{}); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if n := c2.count(protocol.EventRoomJoined); n != 2 {
		t.Fatalf("room-joined count=%d, want 2", n)
	}
}

func TestRelayChatBroadcastsToWholeRoom(t *testing.T) {
	f := newRelayFixture()
	c1 := f.join(t, "c1", "R1", "Alice")
	c2 := f.join(t, "c2", "R1", "Bob")

	if err := f.relay.Chat("c1", protocol.ChatRequest{Text: "hi"}); err != nil {
		t.Fatalf("chat: %v", err)
	}
	for _, c := range []*fakeConn{c1, c2} {
		var msg protocol.ChatMessage
		c.last(t, protocol.EventChatMessage, &msg)
		if msg.Text != "hi" || msg.SenderName != "Alice" || msg.RoomID != "R1" || msg.ID == "" {
			t.Fatalf("%s chat=%+v", c.id, msg)
		}
	}
}

func TestRelayChatRateLimited(t *testing.T) {
	f := newRelayFixture()
	f.join(t, "c1", "R1", "Alice")
	for i := 0; i < 3; i++ {
		if err := f.relay.Chat("c1", protocol.ChatRequest{Text: "spam"}); err != nil {
			t.Fatalf("chat %d: %v", i, err)
		}
	}
	if err := f.relay.Chat("c1", protocol.ChatRequest{Text: "spam"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err=%v, want ErrRateLimited", err)
	}
}

func TestRelayChatLimitReplaceable(t *testing.T) {
	f := newRelayFixture()
	f.join(t, "c1", "R1", "Alice")
	f.relay.ChatLimit = NewRateLimiter(1, time.Minute)
	if err := f.relay.Chat("c1", protocol.ChatRequest{Text: "one"}); err != nil {
		t.Fatal(err)
	}
	if err := f.relay.Chat("c1", protocol.ChatRequest{Text: "two"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err=%v, want ErrRateLimited", err)
	}
	f.relay.ChatLimit = nil
	if err := f.relay.Chat("c1", protocol.ChatRequest{Text: "three"}); err != nil {
		t.Fatalf("nil limiter must allow: %v", err)
	}
}

func TestRelayMediaStateAndStreamUpdate(t *testing.T) {
	f := newRelayFixture()
	c1 := f.join(t, "c1", "R1", "Alice")
	c2 := f.join(t, "c2", "R1", "Bob")

	if err := f.relay.MediaState("c1", protocol.MediaStateRequest{Type: protocol.MediaVideo, Enabled: false}); err != nil {
		t.Fatalf("media state: %v", err)
	}
	var ms protocol.MediaState
	c2.last(t, protocol.EventMediaStateChange, &ms)
	if ms.SocketID != "c1" || ms.UserName != "Alice" || ms.Type != protocol.MediaVideo || ms.Enabled {
		t.Fatalf("media-state-change=%+v", ms)
	}
	if n := c1.count(protocol.EventMediaStateChange); n != 0 {
		t.Fatal("sender must not receive its own media-state-change")
	}
	if err := f.relay.MediaState("c1", protocol.MediaStateRequest{Type: "screen"}); !errors.Is(err, ErrInvalidMediaType) {
		t.Fatalf("err=%v, want ErrInvalidMediaType", err)
	}

	if err := f.relay.StreamUpdate("c1", protocol.StreamUpdateRequest{}); err != nil {
		t.Fatalf("stream update: %v", err)
	}
	var su protocol.StreamUpdate
	c2.last(t, protocol.EventStreamUpdate, &su)
	if su.SocketID != "c1" || su.UserName != "Alice" {
		t.Fatalf("stream-update=%+v", su)
	}
}

func TestRelayRoomInfo(t *testing.T) {
	f := newRelayFixture()
	c1 := f.join(t, "c1", "R1", "Alice")
	f.join(t, "c2", "R1", "Bob")

	if err := f.relay.RoomInfo("c1", protocol.RoomInfoRequest{}); err != nil {
		t.Fatalf("room info: %v", err)
	}
	var info protocol.RoomInfo
	c1.last(t, protocol.EventRoomInfo, &info)
	if info.RoomID != "R1" || len(info.Participants) != 2 {
		t.Fatalf("room-info=%+v", info)
	}
}

func TestRelayKicksSlowReceiver(t *testing.T) {
	f := newRelayFixture()
	f.join(t, "c1", "R1", "Alice")

	kicked := false
	slow := &fakeConn{id: "c2"}
	f.relay.Connect(slow, Identity{RoomID: "R1"}, func() { kicked = true })
	if err := f.relay.Join("c2", protocol.JoinRoom{}); err != nil {
		t.Fatal(err)
	}
	slow.mu.Lock()
	slow.full = true
	slow.mu.Unlock()

	if err := f.relay.Chat("c1", protocol.ChatRequest{Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	if !kicked {
		t.Fatal("slow receiver should be canceled")
	}
}

func TestSimplePolicyOnlyKicksOnBackpressure(t *testing.T) {
	var p SimplePolicy
	if a := p.OnBackPressure("c1", protocol.EventChatMessage, core.ErrBackpressure); a != KickMember || a.String() != "kick" {
		t.Fatalf("backpressure action=%v", a)
	}
	if a := p.OnBackPressure("c1", protocol.EventChatMessage, errors.New("closed")); a != NoAction || a.String() != "none" {
		t.Fatalf("other error action=%v", a)
	}
}

func TestRelayMoveRoomNotifiesOldRoom(t *testing.T) {
	f := newRelayFixture()
	c1 := f.join(t, "c1", "R1", "Alice")
	f.connect("c2", Identity{UserName: "Bob"})
	if err := f.relay.Join("c2", protocol.JoinRoom{RoomID: "R1"}); err != nil {
		t.Fatal(err)
	}
	if err := f.relay.Join("c2", protocol.JoinRoom{RoomID: "R2"}); err != nil {
		t.Fatal(err)
	}
	var gone protocol.UserDisconnected
	c1.last(t, protocol.EventUserDisconnected, &gone)
	if gone.SocketID != "c2" || gone.Reason != "moved" {
		t.Fatalf("userDisconnected=%+v", gone)
	}
}

func TestJanitorStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	j := &Janitor{Directory: NewDirectory(), Interval: 10 * time.Millisecond, MaxAge: time.Hour}
	go func() {
		j.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
}
