// Package negotiation drives the offer/answer/ICE exchange with one remote peer.
package negotiation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultRestartDelay = time.Second

type Options struct {
	RestartDelay time.Duration
	// Polite reports whether this side gives up its own offer when both sides offer at once.
	Polite func() bool
	// OnTerminal is called once, from the engine goroutine, when the engine fails.
	OnTerminal func(e *Engine, err error)
	// OnHandover is called, from the engine goroutine, when the current
	// transport cannot continue: the polite side of a glare, or a description
	// from a peer that replaced its connection. The receiver is expected to
	// Drain the engine and continue on a fresh transport in Handover.Role.
	// Without it such a description fails the link.
	OnHandover func(e *Engine, h Handover)
}

// Handover carries what a replacement link needs to pick up where this one
// stopped. Offer and Pending are only set for a Responder.
type Handover struct {
	Role    Role
	Offer   webrtc.SessionDescription
	Pending []webrtc.ICECandidateInit
	Reason  string
}

type eventKind int

const (
	evStart eventKind = iota
	evSignal
	evLocalCandidate
	evTransport
	evNegotiationNeeded
	evRestart
)

type event struct {
	kind      eventKind
	signal    protocol.Signal
	candidate webrtc.ICECandidateInit
	transport TransportState
}

// Engine processes the events of one peer link strictly one at a time, in arrival order.
type Engine struct {
	peerID domain.ConnID
	role   Role
	tr     Transport
	out    Signaler
	opts   Options
	log    zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	wake      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	mu    sync.Mutex
	link  Link
	queue []event

	// owned by the engine goroutine
	seen               map[string]struct{}
	remote             protocol.Identity
	transportConnected bool
	renegotiate        bool
	restartScheduled   bool
	restarted          bool
	restartTimer       *time.Timer
	terminated         bool
}

func New(ctx context.Context, peerID domain.ConnID, role Role, tr Transport, out Signaler, opts Options) *Engine {
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = DefaultRestartDelay
	}
	ctx, cancel := context.WithCancel(ctx)
	e := &Engine{
		peerID: peerID,
		role:   role,
		tr:     tr,
		out:    out,
		opts:   opts,
		log: log.With().
			Str("module", "client.negotiation").
			Str("peer", string(peerID)).
			Stringer("role", role).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		wake:   make(chan struct{}, 1),
		link:   Link{PeerID: peerID, Role: role, State: Idle},
		seen:   make(map[string]struct{}),
	}
	go e.run()
	return e
}

func (e *Engine) PeerID() domain.ConnID { return e.peerID }
func (e *Engine) Role() Role            { return e.role }

// Done is closed once the engine goroutine has exited after Close.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Start sends the first offer as Initiator, or begins waiting for one as Responder.
func (e *Engine) Start() {
	e.startOnce.Do(func() { e.post(event{kind: evStart}) })
}

func (e *Engine) HandleSignal(s protocol.Signal) {
	e.post(event{kind: evSignal, signal: s})
}

// LocalCandidate queues a locally gathered candidate for sending.
// It is sent after whatever description is being produced right now.
func (e *Engine) LocalCandidate(c webrtc.ICECandidateInit) {
	e.post(event{kind: evLocalCandidate, candidate: c})
}

func (e *Engine) TransportStateChanged(s TransportState) {
	e.post(event{kind: evTransport, transport: s})
}

func (e *Engine) NegotiationNeeded() {
	e.post(event{kind: evNegotiationNeeded})
}

// Close tears the link down from any state. Results of a step still in
// flight are discarded and nothing is sent afterwards.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		e.mu.Lock()
		e.link.State = Closed
		e.link.Quality = QualityUnknown
		e.link.Pending = nil
		e.queue = nil
		e.mu.Unlock()
		if err := e.tr.Close(); err != nil {
			e.log.Warn().Err(err).Msg("transport close")
		}
		e.log.Info().Msg("link closed")
	})
}

// Drain closes the engine and returns the signals it received but did not
// process yet, in arrival order.
func (e *Engine) Drain() []protocol.Signal {
	e.mu.Lock()
	var out []protocol.Signal
	for _, ev := range e.queue {
		if ev.kind == evSignal {
			out = append(out, ev.signal)
		}
	}
	e.queue = nil
	e.mu.Unlock()
	e.Close()
	return out
}

func (e *Engine) Snapshot() Link {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := e.link
	l.Pending = slices.Clone(e.link.Pending)
	return l
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.link.State
}

// SetQuality is ignored unless the link is Connected.
func (e *Engine) SetQuality(q Quality) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.link.State != Connected {
		e.link.Quality = QualityUnknown
		return
	}
	e.link.Quality = q
}

func (e *Engine) post(ev event) {
	if e.ctx.Err() != nil {
		return
	}
	e.mu.Lock()
	e.queue = append(e.queue, ev)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.ctx.Done():
			e.stopRestartTimer()
			return
		case <-e.wake:
		}
		for {
			e.mu.Lock()
			if len(e.queue) == 0 {
				e.mu.Unlock()
				break
			}
			ev := e.queue[0]
			e.queue = e.queue[1:]
			e.mu.Unlock()

			if e.stopped() {
				break
			}
			e.dispatch(ev)
		}
	}
}

func (e *Engine) dispatch(ev event) {
	switch ev.kind {
	case evStart:
		e.onStart()
	case evSignal:
		e.onSignal(ev.signal)
	case evLocalCandidate:
		if !e.State().Terminal() {
			e.send(protocol.CandidateSignal(ev.candidate))
		}
	case evTransport:
		e.onTransport(ev.transport)
	case evNegotiationNeeded:
		e.onNegotiationNeeded()
	case evRestart:
		e.onRestart()
	}
	e.maybeRenegotiate()
}

func (e *Engine) stopped() bool { return e.ctx.Err() != nil }

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.link.State
	if prev == Closed || prev == s {
		e.mu.Unlock()
		return
	}
	e.link.State = s
	if s != Connected {
		e.link.Quality = QualityUnknown
	}
	e.mu.Unlock()
	e.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("state")
}

func (e *Engine) update(fn func(l *Link)) {
	e.mu.Lock()
	fn(&e.link)
	e.mu.Unlock()
}

func (e *Engine) onStart() {
	if e.role == Initiator {
		e.makeOffer()
		return
	}
	e.setState(AwaitingOffer)
}

func (e *Engine) makeOffer() {
	offer, err := e.tr.CreateOffer(e.ctx)
	if e.stopped() {
		return
	}
	if err != nil {
		e.fail("create offer", err)
		return
	}
	if err := e.tr.SetLocalDescription(offer); err != nil {
		if !e.stopped() {
			e.fail("set local offer", err)
		}
		return
	}
	if e.stopped() {
		return
	}
	e.update(func(l *Link) { l.LocalDescriptionSet = true })
	e.renegotiate = false
	e.setState(OfferSent)
	e.send(protocol.OfferSignal(offer))
}

func (e *Engine) onSignal(s protocol.Signal) {
	if e.State().Terminal() {
		e.log.Debug().Stringer("kind", s.Kind).Msg("signal after link ended, ignored")
		return
	}
	switch s.Kind {
	case protocol.SignalOffer:
		e.onOffer(s.Description)
	case protocol.SignalAnswer:
		e.onAnswer(s.Description)
	case protocol.SignalCandidate:
		e.onCandidate(s.Candidate)
	default:
		e.fail("signal", fmt.Errorf("unknown signal kind %d", s.Kind))
	}
}

func (e *Engine) polite() bool {
	return e.opts.Polite != nil && e.opts.Polite()
}

// onOffer accepts an offer in any live state, including Connected. If our own
// offer is outstanding, the side that is not polite ignores the incoming one and
// the polite side hands the link over, so both converge on a single offer.
func (e *Engine) onOffer(offer webrtc.SessionDescription) {
	id := protocol.DescriptionIdentity(offer)
	if e.replaced(id) {
		e.handover(Handover{Role: Responder, Offer: offer, Reason: "peer replaced its connection"})
		return
	}
	if e.State() == OfferSent {
		if !e.polite() {
			e.log.Info().Msg("glare: keeping local offer, remote offer ignored")
			return
		}
		e.handover(Handover{Role: Responder, Offer: offer, Reason: "glare"})
		return
	}

	if err := e.tr.SetRemoteDescription(offer); err != nil {
		if !e.stopped() {
			e.fail("set remote offer", err)
		}
		return
	}
	if e.stopped() {
		return
	}
	e.update(func(l *Link) { l.RemoteDescriptionSet = true })
	e.learnRemote(id)
	if !e.flushPending() {
		return
	}

	answer, err := e.tr.CreateAnswer(e.ctx)
	if e.stopped() {
		return
	}
	if err != nil {
		e.fail("create answer", err)
		return
	}
	if err := e.tr.SetLocalDescription(answer); err != nil {
		if !e.stopped() {
			e.fail("set local answer", err)
		}
		return
	}
	if e.stopped() {
		return
	}
	e.update(func(l *Link) { l.LocalDescriptionSet = true })
	if e.transportConnected {
		e.setState(Connected)
	} else {
		e.setState(AnswerSent)
	}
	e.send(protocol.AnswerSignal(answer))
}

func (e *Engine) onAnswer(answer webrtc.SessionDescription) {
	switch st := e.State(); st {
	case OfferSent:
	case Connected:
		e.log.Warn().Msg("duplicate answer ignored")
		return
	default:
		e.fail("apply answer", fmt.Errorf("answer received in state %s", st))
		return
	}
	id := protocol.DescriptionIdentity(answer)
	if e.replaced(id) {
		// the peer answered from a new connection; ours must start over too
		e.handover(Handover{Role: Initiator, Reason: "peer answered from a new connection"})
		return
	}

	if err := e.tr.SetRemoteDescription(answer); err != nil {
		if !e.stopped() {
			e.fail("set remote answer", err)
		}
		return
	}
	if e.stopped() {
		return
	}
	e.update(func(l *Link) { l.RemoteDescriptionSet = true })
	e.learnRemote(id)
	if !e.flushPending() {
		return
	}
	e.setState(Connected)
}

// learnRemote records who is behind the applied remote description. New ICE
// credentials start a new candidate generation, so the duplicate filter is reset.
func (e *Engine) learnRemote(id protocol.Identity) {
	if id.Ufrag != "" && e.remote.Ufrag != "" && id.Ufrag != e.remote.Ufrag {
		e.seen = make(map[string]struct{})
		e.log.Debug().Msg("remote ice credentials changed")
	}
	if id.Fingerprint != "" {
		e.remote.Fingerprint = id.Fingerprint
	}
	if id.Ufrag != "" {
		e.remote.Ufrag = id.Ufrag
	}
}

// replaced reports whether id belongs to a different remote certificate than
// the one this link already negotiated with.
func (e *Engine) replaced(id protocol.Identity) bool {
	return e.remote.Fingerprint != "" && id.Fingerprint != "" && id.Fingerprint != e.remote.Fingerprint
}

// handover stops this engine and passes the link on to a fresh transport.
func (e *Engine) handover(h Handover) {
	if e.opts.OnHandover == nil {
		e.fail("handover", fmt.Errorf("%s: link needs a new connection", h.Reason))
		return
	}
	e.mu.Lock()
	if h.Role == Responder {
		h.Pending = e.link.Pending
	}
	e.link.Pending = nil
	e.mu.Unlock()

	e.terminated = true
	e.stopRestartTimer()
	e.log.Info().Str("reason", h.Reason).Stringer("as", h.Role).Int("pending", len(h.Pending)).Msg("handing link over to a new connection")
	e.opts.OnHandover(e, h)
}

func (e *Engine) onCandidate(c webrtc.ICECandidateInit) {
	key := protocol.CandidateKey(c)
	if _, dup := e.seen[key]; dup {
		e.log.Debug().Str("candidate", c.Candidate).Msg("duplicate candidate ignored")
		return
	}
	e.seen[key] = struct{}{}

	e.mu.Lock()
	if !e.link.RemoteDescriptionSet {
		e.link.Pending = append(e.link.Pending, c)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if err := e.tr.AddICECandidate(c); err != nil && !e.stopped() {
		e.fail("add candidate", err)
	}
}

// flushPending applies queued candidates in receipt order. It reports false
// if the engine stopped or failed meanwhile.
func (e *Engine) flushPending() bool {
	e.mu.Lock()
	pending := e.link.Pending
	e.link.Pending = nil
	e.mu.Unlock()

	for _, c := range pending {
		if err := e.tr.AddICECandidate(c); err != nil {
			if !e.stopped() {
				e.fail("add queued candidate", err)
			}
			return false
		}
		if e.stopped() {
			return false
		}
	}
	if len(pending) > 0 {
		e.log.Debug().Int("count", len(pending)).Msg("flushed queued candidates")
	}
	return true
}

func (e *Engine) onNegotiationNeeded() {
	switch e.State() {
	case Idle, Failed, Closed:
		return
	default:
		e.renegotiate = true
	}
}

// maybeRenegotiate sends at most one follow-up offer, and only from Connected.
func (e *Engine) maybeRenegotiate() {
	if !e.renegotiate || e.terminated || e.stopped() || e.State() != Connected {
		return
	}
	e.log.Debug().Msg("renegotiating")
	e.makeOffer()
}

func (e *Engine) onTransport(s TransportState) {
	e.transportConnected = s == TransportConnected
	e.log.Debug().Stringer("transport", s).Msg("transport state")

	switch s {
	case TransportConnected:
		e.stopRestartTimer()
		if e.restarted {
			e.log.Info().Msg("link recovered after restart")
			e.restarted = false
		}
		if e.State() == AnswerSent {
			e.setState(Connected)
		}
	case TransportDisconnected, TransportFailed:
		if e.restarted {
			if s == TransportFailed {
				e.terminate(&Error{PeerID: e.peerID, Op: "restart", Err: ErrTransportFailure})
			}
			return
		}
		if e.restartScheduled {
			return
		}
		e.restartScheduled = true
		e.log.Warn().Stringer("transport", s).Dur("delay", e.opts.RestartDelay).Msg("transport lost, restart scheduled")
		e.restartTimer = time.AfterFunc(e.opts.RestartDelay, func() {
			e.post(event{kind: evRestart})
		})
	}
}

func (e *Engine) onRestart() {
	e.restartScheduled = false
	e.restartTimer = nil
	if e.terminated || e.transportConnected {
		return
	}
	e.restarted = true
	e.log.Info().Msg("restarting ice")
	if err := e.tr.Restart(); err != nil {
		if !e.stopped() {
			e.terminate(&Error{PeerID: e.peerID, Op: "restart", Err: fmt.Errorf("%w: %w", ErrTransportFailure, err)})
		}
		return
	}
	if e.role != Initiator {
		return
	}
	if e.State() == OfferSent {
		e.renegotiate = true
		return
	}
	e.makeOffer()
}

func (e *Engine) stopRestartTimer() {
	if e.restartTimer != nil {
		e.restartTimer.Stop()
		e.restartTimer = nil
	}
	e.restartScheduled = false
}

func (e *Engine) fail(op string, cause error) {
	e.terminate(&Error{PeerID: e.peerID, Op: op, Err: fmt.Errorf("%w: %w", ErrNegotiation, cause)})
}

func (e *Engine) terminate(err error) {
	if e.terminated {
		return
	}
	e.terminated = true
	e.stopRestartTimer()
	e.setState(Failed)
	e.log.Error().Err(err).Msg("link failed")
	if e.opts.OnTerminal != nil {
		e.opts.OnTerminal(e, err)
	}
}

func (e *Engine) send(s protocol.Signal) {
	if e.stopped() {
		return
	}
	if err := e.out.SendSignal(e.peerID, s); err != nil {
		e.log.Warn().Err(err).Stringer("kind", s.Kind).Msg("send signal")
	}
}
