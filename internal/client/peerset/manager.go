// Package peerset keeps exactly one negotiated link per remote participant of the room.
package peerset

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/client/health"
	"github.com/dkeye/meshroom/internal/client/negotiation"
	"github.com/dkeye/meshroom/internal/client/rtc"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultQuiesceDelay = 500 * time.Millisecond
	// MaxRelinks bounds how often a failed link to a present participant is rebuilt.
	MaxRelinks = 3
)

var ErrClosed = errors.New("peer set closed")

// Transport is one media connection towards a peer. *rtc.Connection implements it.
type Transport interface {
	negotiation.Transport
	health.Source

	OnLocalCandidate(func(webrtc.ICECandidateInit))
	OnStateChange(func(negotiation.TransportState))
	OnNegotiationNeeded(func())
	OnRemoteTrack(func(rtc.RemoteTrack))

	AddTrack(webrtc.TrackLocal) error
	ReplaceTrack(webrtc.TrackLocal) error
	RemoveTrack(webrtc.RTPCodecType) error
	HasSender(webrtc.RTPCodecType) bool
}

type Factory func(peer domain.ConnID) (Transport, error)

// Announcer tells the rest of the room that our stream is about to change.
type Announcer interface {
	AnnounceStreamUpdate() error
}

type Options struct {
	RestartDelay  time.Duration
	QuiesceDelay  time.Duration
	BufferPackets int
}

type peerLink struct {
	engine *negotiation.Engine
	tr     Transport
	media  *remoteMedia
}

// LinkSnapshot is the status of one peer for display.
type LinkSnapshot struct {
	Peer        protocol.ParticipantInfo
	Link        negotiation.Link
	RemoteMedia []TrackInfo
}

type Manager struct {
	ctx      context.Context
	factory  Factory
	out      negotiation.Signaler
	announce Announcer
	monitor  *health.Monitor
	opts     Options

	mu           sync.Mutex
	self         domain.ConnID
	links        map[domain.ConnID]*peerLink
	participants map[domain.ConnID]protocol.ParticipantInfo
	tracks       []webrtc.TrackLocal
	sentKinds    map[webrtc.RTPCodecType]bool
	relinks      map[domain.ConnID]int
	relinkTimers map[domain.ConnID]*time.Timer
	closed       bool
}

func New(ctx context.Context, factory Factory, out negotiation.Signaler, announce Announcer, monitor *health.Monitor, opts Options) *Manager {
	if opts.QuiesceDelay <= 0 {
		opts.QuiesceDelay = DefaultQuiesceDelay
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = negotiation.DefaultRestartDelay
	}
	return &Manager{
		ctx:          ctx,
		factory:      factory,
		out:          out,
		announce:     announce,
		monitor:      monitor,
		opts:         opts,
		links:        make(map[domain.ConnID]*peerLink),
		participants: make(map[domain.ConnID]protocol.ParticipantInfo),
		sentKinds:    make(map[webrtc.RTPCodecType]bool),
		relinks:      make(map[domain.ConnID]int),
		relinkTimers: make(map[domain.ConnID]*time.Timer),
	}
}

// SetSelf records our own connection id once the relay confirmed the join.
func (m *Manager) SetSelf(id domain.ConnID) {
	m.mu.Lock()
	m.self = id
	m.mu.Unlock()
}

func (m *Manager) Self() domain.ConnID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self
}

// polite reports whether we yield when both sides offer at the same time.
// The side with the greater connection id keeps its offer.
func (m *Manager) polite(peer domain.ConnID) func() bool {
	return func() bool {
		return m.Self() < peer
	}
}

// HandleExisting initiates a link to every participant that was in the room before us.
func (m *Manager) HandleExisting(participants []protocol.ParticipantInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for _, p := range participants {
		id := domain.ConnID(p.SocketID)
		if id == "" || id == m.self {
			continue
		}
		m.participants[id] = p
		if _, ok := m.links[id]; ok {
			continue
		}
		if _, err := m.createLocked(id, negotiation.Initiator); err != nil {
			log.Error().Err(err).Str("module", "client.peerset").Str("peer", p.SocketID).Msg("create link")
		}
	}
}

// HandleNewParticipant only records the newcomer; it will send us its offer.
func (m *Manager) HandleNewParticipant(p protocol.ParticipantInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || p.SocketID == "" || domain.ConnID(p.SocketID) == m.self {
		return
	}
	m.participants[domain.ConnID(p.SocketID)] = p
	log.Info().Str("module", "client.peerset").Str("peer", p.SocketID).Str("name", p.UserName).Msg("participant joined, waiting for offer")
}

// HandleSignal routes a relayed signal to the link of sender. An offer from an
// unknown peer opens a Responder link; anything else from an unknown peer is dropped.
// The signal is queued while the lock is held so a concurrent handover cannot lose it.
func (m *Manager) HandleSignal(sender domain.ConnID, s protocol.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	pl, ok := m.links[sender]
	if !ok {
		if s.Kind != protocol.SignalOffer {
			log.Debug().Str("module", "client.peerset").Str("peer", string(sender)).Stringer("kind", s.Kind).Msg("signal for unknown peer dropped")
			return
		}
		var err error
		pl, err = m.createLocked(sender, negotiation.Responder)
		if err != nil {
			log.Error().Err(err).Str("module", "client.peerset").Str("peer", string(sender)).Msg("create link")
			return
		}
	}
	pl.engine.HandleSignal(s)
}

// HandleUserDisconnected destroys the link to peer and everything buffered for it.
func (m *Manager) HandleUserDisconnected(peer domain.ConnID) {
	m.mu.Lock()
	delete(m.participants, peer)
	m.forgetRelinkLocked(peer)
	pl := m.detachLocked(peer)
	m.mu.Unlock()
	m.destroy(peer, pl)
}

// HandleStreamUpdate tears the link to peer down; peer re-offers with its new stream.
func (m *Manager) HandleStreamUpdate(peer domain.ConnID) {
	m.mu.Lock()
	m.stopRelinkLocked(peer)
	pl := m.detachLocked(peer)
	m.mu.Unlock()
	if pl != nil {
		log.Info().Str("module", "client.peerset").Str("peer", string(peer)).Msg("peer changed its stream, waiting for offer")
	}
	m.destroy(peer, pl)
}

// UpdateLocalMedia makes tracks the local media sent to every peer. Tracks
// of a kind already sent are replaced in place; new tracks are added and
// renegotiated. A kind never sent before triggers a full swap: the room is
// told first, then every link is rebuilt with us as Initiator.
func (m *Manager) UpdateLocalMedia(ctx context.Context, tracks []webrtc.TrackLocal) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.tracks = slices.Clone(tracks)
	swap := false
	for _, t := range tracks {
		if !m.sentKinds[t.Kind()] {
			swap = swap || len(m.links) > 0
			m.sentKinds[t.Kind()] = true
		}
	}
	links := make(map[domain.ConnID]*peerLink, len(m.links))
	for id, pl := range m.links {
		links[id] = pl
	}
	m.mu.Unlock()

	if swap {
		return m.swap(ctx)
	}

	var errs []error
	for id, pl := range links {
		if err := applyTracks(pl.tr, tracks); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func applyTracks(tr Transport, tracks []webrtc.TrackLocal) error {
	wanted := map[webrtc.RTPCodecType]bool{}
	for _, t := range tracks {
		wanted[t.Kind()] = true
		if tr.HasSender(t.Kind()) {
			if err := tr.ReplaceTrack(t); err != nil {
				return fmt.Errorf("replace %s: %w", t.Kind(), err)
			}
			continue
		}
		if err := tr.AddTrack(t); err != nil {
			return fmt.Errorf("add %s: %w", t.Kind(), err)
		}
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if !wanted[kind] && tr.HasSender(kind) {
			if err := tr.RemoveTrack(kind); err != nil {
				return fmt.Errorf("remove %s: %w", kind, err)
			}
		}
	}
	return nil
}

func (m *Manager) swap(ctx context.Context) error {
	log.Info().Str("module", "client.peerset").Msg("new media kind, rebuilding links")
	if m.announce != nil {
		if err := m.announce.AnnounceStreamUpdate(); err != nil {
			log.Warn().Err(err).Str("module", "client.peerset").Msg("announce stream update")
		}
	}

	t := time.NewTimer(m.opts.QuiesceDelay)
	select {
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	case <-t.C:
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var old []domain.ConnID
	for id := range m.links {
		old = append(old, id)
	}
	slices.Sort(old)
	detached := make(map[domain.ConnID]*peerLink, len(old))
	for _, id := range old {
		detached[id] = m.detachLocked(id)
	}
	m.mu.Unlock()

	for id, pl := range detached {
		m.destroy(id, pl)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	var errs []error
	for _, id := range old {
		if _, present := m.participants[id]; !present {
			continue
		}
		if _, err := m.createLocked(id, negotiation.Initiator); err != nil {
			errs = append(errs, fmt.Errorf("peer %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// createLocked builds a link for peer, attaches the local media and starts it.
func (m *Manager) createLocked(peer domain.ConnID, role negotiation.Role) (*peerLink, error) {
	tr, err := m.factory(peer)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	pl := &peerLink{tr: tr, media: newRemoteMedia(m.opts.BufferPackets)}
	pl.engine = negotiation.New(m.ctx, peer, role, tr, m.out, negotiation.Options{
		RestartDelay: m.opts.RestartDelay,
		Polite:       m.polite(peer),
		OnTerminal: func(e *negotiation.Engine, err error) {
			m.onTerminal(peer, e, err)
		},
		OnHandover: func(e *negotiation.Engine, h negotiation.Handover) {
			m.onHandover(peer, e, h)
		},
	})
	engine := pl.engine
	tr.OnLocalCandidate(engine.LocalCandidate)
	tr.OnStateChange(engine.TransportStateChanged)
	tr.OnNegotiationNeeded(engine.NegotiationNeeded)
	tr.OnRemoteTrack(pl.media.attach)

	for _, t := range m.tracks {
		if err := tr.AddTrack(t); err != nil {
			log.Warn().Err(err).Str("module", "client.peerset").Str("peer", string(peer)).Str("kind", t.Kind().String()).Msg("add local track")
		}
	}

	m.links[peer] = pl
	if m.monitor != nil {
		m.monitor.Watch(m.ctx, peer, engine, tr)
	}
	engine.Start()
	log.Info().Str("module", "client.peerset").Str("peer", string(peer)).Stringer("role", role).Msg("link created")
	return pl, nil
}

// onTerminal drops a failed link, unless peer was already given a new one.
// A participant still in the room gets a new Initiator link after RestartDelay.
func (m *Manager) onTerminal(peer domain.ConnID, e *negotiation.Engine, err error) {
	m.mu.Lock()
	pl, ok := m.links[peer]
	if !ok || pl.engine != e {
		m.mu.Unlock()
		return
	}
	pl = m.detachLocked(peer)
	m.scheduleRelinkLocked(peer)
	m.mu.Unlock()
	log.Warn().Err(err).Str("module", "client.peerset").Str("peer", string(peer)).Msg("link torn down")
	m.destroy(peer, pl)
}

// onHandover replaces the link of peer with one on a fresh transport. A
// Responder gets the offer, the pending candidates and the signals the old
// engine had not processed, in that order. An Initiator starts over with its
// own offer and the old signals are dropped.
func (m *Manager) onHandover(peer domain.ConnID, e *negotiation.Engine, h negotiation.Handover) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pl, ok := m.links[peer]
	if !ok || pl.engine != e {
		e.Close()
		return
	}
	queued := e.Drain()
	pl = m.detachLocked(peer)
	m.destroy(peer, pl)
	if m.closed {
		return
	}

	next, err := m.createLocked(peer, h.Role)
	if err != nil {
		log.Error().Err(err).Str("module", "client.peerset").Str("peer", string(peer)).Msg("create link for handover")
		return
	}
	log.Info().Str("module", "client.peerset").Str("peer", string(peer)).Str("reason", h.Reason).Stringer("role", h.Role).Msg("link handed over")
	if h.Role != negotiation.Responder {
		return
	}
	next.engine.HandleSignal(protocol.OfferSignal(h.Offer))
	for _, c := range h.Pending {
		next.engine.HandleSignal(protocol.CandidateSignal(c))
	}
	for _, s := range queued {
		next.engine.HandleSignal(s)
	}
}

func (m *Manager) scheduleRelinkLocked(peer domain.ConnID) {
	if m.closed {
		return
	}
	if _, present := m.participants[peer]; !present {
		return
	}
	if m.relinks[peer] >= MaxRelinks {
		log.Warn().Str("module", "client.peerset").Str("peer", string(peer)).Int("attempts", m.relinks[peer]).Msg("giving up on peer")
		return
	}
	m.relinks[peer]++
	m.stopRelinkLocked(peer)
	m.relinkTimers[peer] = time.AfterFunc(m.opts.RestartDelay, func() { m.relink(peer) })
	log.Info().Str("module", "client.peerset").Str("peer", string(peer)).Int("attempt", m.relinks[peer]).Dur("delay", m.opts.RestartDelay).Msg("relink scheduled")
}

func (m *Manager) relink(peer domain.ConnID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.relinkTimers, peer)
	if m.closed {
		return
	}
	if _, present := m.participants[peer]; !present {
		return
	}
	if _, ok := m.links[peer]; ok {
		return
	}
	if _, err := m.createLocked(peer, negotiation.Initiator); err != nil {
		log.Error().Err(err).Str("module", "client.peerset").Str("peer", string(peer)).Msg("relink")
	}
}

func (m *Manager) stopRelinkLocked(peer domain.ConnID) {
	if t, ok := m.relinkTimers[peer]; ok {
		t.Stop()
		delete(m.relinkTimers, peer)
	}
}

func (m *Manager) forgetRelinkLocked(peer domain.ConnID) {
	m.stopRelinkLocked(peer)
	delete(m.relinks, peer)
}

func (m *Manager) stopAllRelinksLocked() {
	for id := range m.relinkTimers {
		m.stopRelinkLocked(id)
	}
	m.relinks = make(map[domain.ConnID]int)
}

func (m *Manager) detachLocked(peer domain.ConnID) *peerLink {
	pl, ok := m.links[peer]
	if !ok {
		return nil
	}
	delete(m.links, peer)
	return pl
}

func (m *Manager) destroy(peer domain.ConnID, pl *peerLink) {
	if pl == nil {
		return
	}
	if m.monitor != nil {
		m.monitor.Unwatch(peer)
	}
	pl.engine.Close()
	pl.media.discard()
}

// Has reports whether a live link to peer exists.
func (m *Manager) Has(peer domain.ConnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[peer]
	return ok
}

func (m *Manager) Snapshot() []LinkSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LinkSnapshot, 0, len(m.links))
	for id, pl := range m.links {
		info, ok := m.participants[id]
		if !ok {
			info = protocol.ParticipantInfo{SocketID: string(id)}
		}
		out = append(out, LinkSnapshot{Peer: info, Link: pl.engine.Snapshot(), RemoteMedia: pl.media.snapshot()})
	}
	slices.SortFunc(out, func(a, b LinkSnapshot) int {
		return strings.Compare(a.Peer.SocketID, b.Peer.SocketID)
	})
	return out
}

// Reset destroys every link and forgets the room, keeping the local media.
// Used after leaving the room or after the relay connection was replaced.
func (m *Manager) Reset() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[domain.ConnID]*peerLink)
	m.participants = make(map[domain.ConnID]protocol.ParticipantInfo)
	m.self = ""
	m.stopAllRelinksLocked()
	m.mu.Unlock()

	for id, pl := range links {
		m.destroy(id, pl)
	}
}

// Close destroys every link. The manager accepts no events afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	links := m.links
	m.links = make(map[domain.ConnID]*peerLink)
	m.participants = make(map[domain.ConnID]protocol.ParticipantInfo)
	m.stopAllRelinksLocked()
	m.mu.Unlock()

	for id, pl := range links {
		m.destroy(id, pl)
	}
}
