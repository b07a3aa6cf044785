package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/meshroom/internal/client/negotiation"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		prev, cur Counters
		want      negotiation.Quality
	}{
		{"no traffic", Counters{}, Counters{}, negotiation.QualityGood},
		{"clean", Counters{}, Counters{Received: 1000}, negotiation.QualityGood},
		{"at threshold", Counters{}, Counters{Received: 95, Lost: 5}, negotiation.QualityGood},
		{"above threshold", Counters{}, Counters{Received: 90, Lost: 10}, negotiation.QualityPoor},
		{"only the interval counts", Counters{Received: 1000, Lost: 200}, Counters{Received: 2000, Lost: 201}, negotiation.QualityGood},
		{"counter reset", Counters{Received: 1000}, Counters{Received: 10, Lost: 5}, negotiation.QualityPoor},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.prev, tc.cur, DefaultPoorLossRatio); got != tc.want {
				t.Fatalf("got=%v, want %v", got, tc.want)
			}
		})
	}
}

type fakeLink struct {
	mu      sync.Mutex
	state   negotiation.State
	quality negotiation.Quality
	updates int
}

func (l *fakeLink) State() negotiation.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) SetQuality(q negotiation.Quality) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.quality = q
	l.updates++
}

func (l *fakeLink) get() (negotiation.Quality, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.quality, l.updates
}

func (l *fakeLink) setState(s negotiation.State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

type fakeSource struct {
	mu       sync.Mutex
	received uint64
	lost     int64
	calls    int
}

func (s *fakeSource) InboundVideo() (uint64, int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.received, s.lost, true
}

func (s *fakeSource) add(received uint64, lost int64) {
	s.mu.Lock()
	s.received += received
	s.lost += lost
	s.mu.Unlock()
}

func (s *fakeSource) sampled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func waitQuality(t *testing.T, l *fakeLink, want negotiation.Quality) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if q, _ := l.get(); q == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	q, _ := l.get()
	t.Fatalf("quality=%v, want %v", q, want)
}

func TestMonitorClassifiesConnectedLink(t *testing.T) {
	m := NewMonitor(10*time.Millisecond, 0.05)
	defer m.Close()

	link := &fakeLink{state: negotiation.Connected}
	src := &fakeSource{}
	src.add(100, 20)
	m.Watch(context.Background(), "p1", link, src)
	waitQuality(t, link, negotiation.QualityPoor)

	src.add(1000, 0)
	waitQuality(t, link, negotiation.QualityGood)

	link.setState(negotiation.AnswerSent)
	waitQuality(t, link, negotiation.QualityUnknown)
}

func TestUnwatchStopsSampling(t *testing.T) {
	m := NewMonitor(5*time.Millisecond, 0.05)
	defer m.Close()

	link := &fakeLink{state: negotiation.Connected}
	src := &fakeSource{}
	m.Watch(context.Background(), "p1", link, src)
	waitQuality(t, link, negotiation.QualityGood)

	m.Unwatch("p1")
	if m.Watching("p1") {
		t.Fatal("still watching after Unwatch")
	}
	_, before := link.get()
	calls := src.sampled()
	time.Sleep(30 * time.Millisecond)
	if _, after := link.get(); after != before {
		t.Fatalf("quality updated %d times after Unwatch", after-before)
	}
	if src.sampled() != calls {
		t.Fatal("source sampled after Unwatch")
	}
}

func TestWatchReplacesPrevious(t *testing.T) {
	m := NewMonitor(5*time.Millisecond, 0.05)
	defer m.Close()

	first := &fakeLink{state: negotiation.Connected}
	m.Watch(context.Background(), "p1", first, &fakeSource{})
	waitQuality(t, first, negotiation.QualityGood)

	second := &fakeLink{state: negotiation.Connected}
	m.Watch(context.Background(), "p1", second, &fakeSource{})
	waitQuality(t, second, negotiation.QualityGood)

	_, before := first.get()
	time.Sleep(30 * time.Millisecond)
	if _, after := first.get(); after != before {
		t.Fatal("replaced watch still sampled")
	}
}
