// Package health samples transport statistics of connected peer links and
// classifies their quality.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/client/negotiation"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/rs/zerolog/log"
)

const (
	DefaultInterval      = 5 * time.Second
	DefaultPoorLossRatio = 0.05
)

// Link is the part of a peer link the monitor reads and writes.
type Link interface {
	State() negotiation.State
	SetQuality(negotiation.Quality)
}

// Source reports cumulative inbound video counters of one transport.
type Source interface {
	InboundVideo() (received uint64, lost int64, ok bool)
}

// Counters are cumulative inbound packet counters.
type Counters struct {
	Received uint64
	Lost     int64
}

// Classify turns the counters of one interval into a quality.
func Classify(prev, cur Counters, threshold float64) negotiation.Quality {
	received := cur.Received - prev.Received
	if cur.Received < prev.Received {
		received = cur.Received
	}
	lost := cur.Lost - prev.Lost
	if lost < 0 {
		lost = 0
	}
	total := float64(received) + float64(lost)
	if total == 0 {
		return negotiation.QualityGood
	}
	if float64(lost)/total > threshold {
		return negotiation.QualityPoor
	}
	return negotiation.QualityGood
}

type watch struct {
	link   Link
	src    Source
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	prev    Counters
}

type Monitor struct {
	interval  time.Duration
	threshold float64

	mu      sync.Mutex
	watched map[domain.ConnID]*watch
}

func NewMonitor(interval time.Duration, threshold float64) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if threshold <= 0 {
		threshold = DefaultPoorLossRatio
	}
	return &Monitor{
		interval:  interval,
		threshold: threshold,
		watched:   make(map[domain.ConnID]*watch),
	}
}

// Watch starts sampling the link of peer. A previous watch of the same peer is replaced.
func (m *Monitor) Watch(ctx context.Context, peer domain.ConnID, link Link, src Source) {
	ctx, cancel := context.WithCancel(ctx)
	w := &watch{link: link, src: src, cancel: cancel}

	m.mu.Lock()
	old := m.watched[peer]
	m.watched[peer] = w
	m.mu.Unlock()
	if old != nil {
		old.stop()
	}

	log.Debug().Str("module", "client.health").Str("peer", string(peer)).Msg("watching link")
	go m.loop(ctx, peer, w)
}

// Unwatch stops sampling peer. No quality update happens after it returns.
func (m *Monitor) Unwatch(peer domain.ConnID) {
	m.mu.Lock()
	w := m.watched[peer]
	delete(m.watched, peer)
	m.mu.Unlock()
	if w != nil {
		w.stop()
	}
}

func (m *Monitor) Watching(peer domain.ConnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watched[peer]
	return ok
}

func (m *Monitor) Close() {
	m.mu.Lock()
	ws := m.watched
	m.watched = make(map[domain.ConnID]*watch)
	m.mu.Unlock()
	for _, w := range ws {
		w.stop()
	}
}

func (w *watch) stop() {
	w.cancel()
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}

func (m *Monitor) loop(ctx context.Context, peer domain.ConnID, w *watch) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(peer, w)
		}
	}
}

func (m *Monitor) sample(peer domain.ConnID, w *watch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.link.State() != negotiation.Connected {
		w.link.SetQuality(negotiation.QualityUnknown)
		return
	}

	received, lost, ok := w.src.InboundVideo()
	if !ok {
		w.link.SetQuality(negotiation.QualityGood)
		return
	}
	cur := Counters{Received: received, Lost: lost}
	q := Classify(w.prev, cur, m.threshold)
	w.prev = cur
	w.link.SetQuality(q)
	if q == negotiation.QualityPoor {
		log.Warn().Str("module", "client.health").Str("peer", string(peer)).
			Uint64("received", received).Int64("lost", lost).Msg("poor link quality")
	}
}
