package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meshroom/internal/client/negotiation"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrNoSender = errors.New("no sender for track kind")

// RemoteTrack is the receiving side of a remote media track.
// *webrtc.TrackRemote implements it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Connection is one pion peer connection towards a single remote participant.
type Connection struct {
	pc   *webrtc.PeerConnection
	peer domain.ConnID
	log  zerolog.Logger

	mu         sync.Mutex
	iceRestart bool
	onICE      func(webrtc.ICECandidateInit)
	onState    func(negotiation.TransportState)
	onNeeded   func()
	onTrack    func(RemoteTrack)
}

func NewConnection(api *webrtc.API, cfg webrtc.Configuration, peer domain.ConnID) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &Connection{
		pc:   pc,
		peer: peer,
		log:  log.With().Str("module", "client.rtc").Str("peer", string(peer)).Logger(),
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if fn := c.handlers().onICE; fn != nil {
			fn(cand.ToJSON())
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.log.Debug().Str("ice_state", s.String()).Msg("ICE state")
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
		if fn := c.handlers().onState; fn != nil {
			fn(transportState(s))
		}
	})

	pc.OnNegotiationNeeded(func() {
		if fn := c.handlers().onNeeded; fn != nil {
			fn()
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.log.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if fn := c.handlers().onTrack; fn != nil {
			fn(track)
		}
	})

	return c, nil
}

func transportState(s webrtc.PeerConnectionState) negotiation.TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return negotiation.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return negotiation.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return negotiation.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return negotiation.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return negotiation.TransportClosed
	default:
		return negotiation.TransportNew
	}
}

type handlerSet struct {
	onICE    func(webrtc.ICECandidateInit)
	onState  func(negotiation.TransportState)
	onNeeded func()
	onTrack  func(RemoteTrack)
}

func (c *Connection) handlers() handlerSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return handlerSet{onICE: c.onICE, onState: c.onState, onNeeded: c.onNeeded, onTrack: c.onTrack}
}

func (c *Connection) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnStateChange(fn func(negotiation.TransportState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Connection) OnNegotiationNeeded(fn func()) {
	c.mu.Lock()
	c.onNeeded = fn
	c.mu.Unlock()
}

// OnRemoteTrack sets application-level callback for remote tracks.
func (c *Connection) OnRemoteTrack(fn func(RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	c.mu.Lock()
	restart := c.iceRestart
	c.iceRestart = false
	c.mu.Unlock()

	var opts *webrtc.OfferOptions
	if restart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return c.pc.CreateOffer(opts)
}

func (c *Connection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return c.pc.CreateAnswer(nil)
}

func (c *Connection) SetLocalDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(sd)
}

func (c *Connection) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(sd)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// Restart marks the next offer as an ICE restart.
func (c *Connection) Restart() error {
	c.mu.Lock()
	c.iceRestart = true
	c.mu.Unlock()
	return nil
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		c.log.Error().Err(err).Msg("close error")
		return err
	}
	c.log.Info().Msg("closed")
	return nil
}

func (c *Connection) senderFor(kind webrtc.RTPCodecType) *webrtc.RTPSender {
	for _, s := range c.pc.GetSenders() {
		if t := s.Track(); t != nil && t.Kind() == kind {
			return s
		}
	}
	return nil
}

// HasSender reports whether a track of the given kind is being sent.
func (c *Connection) HasSender(kind webrtc.RTPCodecType) bool {
	return c.senderFor(kind) != nil
}

// AddTrack attaches a local track to the PeerConnection.
func (c *Connection) AddTrack(track webrtc.TrackLocal) error {
	_, err := c.pc.AddTrack(track)
	return err
}

// ReplaceTrack swaps the track of the same kind in place, without renegotiation.
func (c *Connection) ReplaceTrack(track webrtc.TrackLocal) error {
	s := c.senderFor(track.Kind())
	if s == nil {
		return fmt.Errorf("%w: %s", ErrNoSender, track.Kind())
	}
	return s.ReplaceTrack(track)
}

func (c *Connection) RemoveTrack(kind webrtc.RTPCodecType) error {
	s := c.senderFor(kind)
	if s == nil {
		return nil
	}
	return c.pc.RemoveTrack(s)
}

// InboundVideo sums the receiver counters of all inbound video streams.
func (c *Connection) InboundVideo() (received uint64, lost int64, ok bool) {
	for _, stat := range c.pc.GetStats() {
		var s webrtc.InboundRTPStreamStats
		switch v := stat.(type) {
		case webrtc.InboundRTPStreamStats:
			s = v
		case *webrtc.InboundRTPStreamStats:
			s = *v
		default:
			continue
		}
		if s.Kind != webrtc.RTPCodecTypeVideo.String() {
			continue
		}
		received += uint64(s.PacketsReceived)
		lost += int64(s.PacketsLost)
		ok = true
	}
	return received, lost, ok
}
