package peerset

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/meshroom/internal/client/health"
	"github.com/dkeye/meshroom/internal/client/negotiation"
	"github.com/dkeye/meshroom/internal/client/rtc"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// wire carries signals from one manager to another in order, holding them
// until opened.
type wire struct {
	from domain.ConnID
	to   *Manager
	ch   chan protocol.Signal
	gate chan struct{}
	done chan struct{}
}

func newWire(t *testing.T, from domain.ConnID) *wire {
	w := &wire{from: from, ch: make(chan protocol.Signal, 256), gate: make(chan struct{}), done: make(chan struct{})}
	t.Cleanup(func() { close(w.done) })
	go func() {
		select {
		case <-w.gate:
		case <-w.done:
			return
		}
		for {
			select {
			case s := <-w.ch:
				w.to.HandleSignal(w.from, s)
			case <-w.done:
				return
			}
		}
	}()
	return w
}

func (w *wire) SendSignal(_ domain.ConnID, s protocol.Signal) error {
	select {
	case w.ch <- s:
	case <-w.done:
	}
	return nil
}

func (w *wire) open() { close(w.gate) }

type countingFactory struct {
	api *webrtc.API

	mu      sync.Mutex
	created int
}

func (f *countingFactory) build(peer domain.ConnID) (Transport, error) {
	conn, err := rtc.NewConnection(f.api, webrtc.Configuration{}, peer)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	return conn, nil
}

func (f *countingFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

func newMeshMember(t *testing.T, self domain.ConnID, out negotiation.Signaler) (*Manager, *countingFactory) {
	t.Helper()
	api, err := rtc.NewAPI()
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	f := &countingFactory{api: api}
	mon := health.NewMonitor(time.Hour, 0.05)
	t.Cleanup(mon.Close)
	m := New(context.Background(), f.build, out, nil, mon, Options{RestartDelay: time.Minute})
	t.Cleanup(m.Close)
	m.SetSelf(self)
	if err := m.UpdateLocalMedia(context.Background(), tracks(t, "audio")); err != nil {
		t.Fatal(err)
	}
	return m, f
}

func waitLong(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// Both sides offer at once over real peer connections: the side with the
// smaller id gives its connection up and answers, the other keeps its offer.
func TestSimultaneousOffersOverRealConnections(t *testing.T) {
	toB, toA := newWire(t, "a"), newWire(t, "b")
	a, fa := newMeshMember(t, "a", toB)
	b, fb := newMeshMember(t, "b", toA)
	toB.to, toA.to = b, a

	a.HandleExisting([]protocol.ParticipantInfo{{SocketID: "b", UserName: "Bob"}})
	b.HandleExisting([]protocol.ParticipantInfo{{SocketID: "a", UserName: "Alice"}})
	waitLong(t, "both offers", func() bool {
		la, _ := linkOf(a, "b")
		lb, _ := linkOf(b, "a")
		return la.State == negotiation.OfferSent && lb.State == negotiation.OfferSent
	})

	toA.open()
	toB.open()

	waitLong(t, "single negotiated link", func() bool {
		la, okA := linkOf(a, "b")
		lb, okB := linkOf(b, "a")
		return okA && okB &&
			la.Role == negotiation.Responder && la.RemoteDescriptionSet && la.LocalDescriptionSet &&
			lb.Role == negotiation.Initiator && lb.RemoteDescriptionSet
	})
	if n := len(a.Snapshot()); n != 1 {
		t.Fatalf("a links=%d, want 1", n)
	}
	if n := len(b.Snapshot()); n != 1 {
		t.Fatalf("b links=%d, want 1", n)
	}
	if n := fb.count(); n != 1 {
		t.Fatalf("b built %d connections, want its original only", n)
	}
	if n := fa.count(); n < 2 {
		t.Fatalf("a built %d connections, want a fresh one for the handover", n)
	}
	for _, l := range []negotiation.Link{mustLink(t, a, "b"), mustLink(t, b, "a")} {
		if l.State == negotiation.Failed || l.State == negotiation.Closed {
			t.Fatalf("link ended: %+v", l)
		}
	}
}

func mustLink(t *testing.T, m *Manager, peer domain.ConnID) negotiation.Link {
	t.Helper()
	l, ok := linkOf(m, peer)
	if !ok {
		t.Fatalf("no link to %s", peer)
	}
	return l
}
