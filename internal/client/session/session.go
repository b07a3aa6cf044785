// Package session runs one participant in one room: relay connection, peer
// links and link health.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/meshroom/internal/client/health"
	"github.com/dkeye/meshroom/internal/client/peerset"
	"github.com/dkeye/meshroom/internal/client/rtc"
	"github.com/dkeye/meshroom/internal/client/signaling"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// roomRequiredMessage is what the relay answers a join without a room id.
const roomRequiredMessage = "Room ID is required"

type Options struct {
	// Factory builds the transport of each peer link.
	Factory peerset.Factory
	// Media lists the local media kinds to send, e.g. "audio", "video".
	Media []string

	OnChat         func(protocol.ChatMessage)
	OnMediaState   func(protocol.MediaState)
	OnReconnecting func(attempt int)
	// OnMediaError receives the error of opening Media at join time, wrapping
	// rtc.ErrMediaAccess. The session joins regardless.
	OnMediaError func(error)
}

type Session struct {
	cfg    *config.ClientConfig
	opts   Options
	client *signaling.Client
	peers  *peerset.Manager
	health *health.Monitor

	mu       sync.Mutex
	self     domain.ConnID
	joined   bool
	streamID string
}

// Join connects to the relay and asks to join the configured room.
// Local media that cannot be opened is left out and reported to Options.OnMediaError.
func Join(ctx context.Context, cfg *config.ClientConfig, opts Options) (*Session, error) {
	if opts.Factory == nil {
		return nil, errors.New("session: transport factory is required")
	}
	client, err := signaling.Dial(ctx, signaling.Options{
		URL:      cfg.ServerURL,
		Room:     cfg.Room,
		UserName: cfg.UserName,
		UserID:   cfg.UserID,
		Backoff:  cfg.Reconnect,
	})
	if err != nil {
		return nil, err
	}

	monitor := health.NewMonitor(cfg.HealthInterval, cfg.PoorLossRatio)
	s := &Session{
		cfg:      cfg,
		opts:     opts,
		client:   client,
		health:   monitor,
		streamID: "meshroom-" + cfg.Room,
	}
	s.peers = peerset.New(ctx, opts.Factory, client, client, monitor, peerset.Options{
		RestartDelay: cfg.RestartDelay,
		QuiesceDelay: cfg.QuiesceDelay,
	})

	if len(opts.Media) > 0 {
		if err := s.UpdateMedia(ctx, opts.Media...); err != nil {
			log.Warn().Err(err).Str("module", "client.session").Msg("joining without some local media")
			if opts.OnMediaError != nil {
				opts.OnMediaError(err)
			}
		}
	}
	if err := client.Join(); err != nil {
		s.Close()
		return nil, fmt.Errorf("join: %w", err)
	}
	log.Info().Str("module", "client.session").Str("room", cfg.Room).Str("name", cfg.UserName).Msg("join requested")
	return s, nil
}

// Run dispatches relay events until ctx ends, the session is closed, or the
// relay is lost for good. Events are handled one at a time in arrival order.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-s.client.Events():
			if !ok {
				select {
				case err := <-s.client.Errors():
					return err
				default:
					return nil
				}
			}
			if err := s.handle(ev); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handle(ev signaling.Event) error {
	switch e := ev.(type) {
	case signaling.Existing:
		s.peers.HandleExisting(e.Participants)
	case signaling.NewParticipant:
		s.peers.HandleNewParticipant(e.Participant)
	case signaling.Joined:
		s.mu.Lock()
		s.self = domain.ConnID(e.SocketID)
		s.joined = true
		s.mu.Unlock()
		s.peers.SetSelf(domain.ConnID(e.SocketID))
		log.Info().Str("module", "client.session").Str("room", e.RoomID).Str("self", e.SocketID).
			Int("participants", len(e.Participants)).Msg("joined room")
	case signaling.SignalReceived:
		s.peers.HandleSignal(e.From, e.Signal)
	case signaling.UserLeft:
		log.Info().Str("module", "client.session").Str("peer", e.SocketID).Str("name", e.UserName).Str("reason", e.Reason).Msg("participant left")
		s.peers.HandleUserDisconnected(domain.ConnID(e.SocketID))
	case signaling.StreamChanged:
		s.peers.HandleStreamUpdate(domain.ConnID(e.SocketID))
	case signaling.ChatReceived:
		log.Debug().Str("module", "client.session").Str("from", e.SenderName).Msg("chat")
		if s.opts.OnChat != nil {
			s.opts.OnChat(e.ChatMessage)
		}
	case signaling.MediaChanged:
		log.Info().Str("module", "client.session").Str("peer", e.SocketID).Str("type", string(e.Type)).Bool("enabled", e.Enabled).Msg("peer media state")
		if s.opts.OnMediaState != nil {
			s.opts.OnMediaState(e.MediaState)
		}
	case signaling.RoomInfoReceived:
		log.Info().Str("module", "client.session").Str("room", e.RoomID).Int("participants", len(e.Participants)).Msg("room info")
	case signaling.ServerError:
		if e.Message == roomRequiredMessage && !s.Joined() {
			return fmt.Errorf("%w: %s", domain.ErrRoomNotFound, e.Message)
		}
		log.Warn().Str("module", "client.session").Str("error", e.Message).Msg("relay error")
	case signaling.Reconnecting:
		log.Warn().Str("module", "client.session").Int("attempt", e.Attempt).Dur("delay", e.Delay).Msg("relay connection lost, retrying")
		if s.opts.OnReconnecting != nil {
			s.opts.OnReconnecting(e.Attempt)
		}
	case signaling.Reconnected:
		// a new relay connection means a new connection id; every peer drops the old one
		s.mu.Lock()
		s.self = ""
		s.joined = false
		s.mu.Unlock()
		s.peers.Reset()
	}
	return nil
}

func (s *Session) Self() domain.ConnID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *Session) Joined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

func (s *Session) Peers() []peerset.LinkSnapshot {
	return s.peers.Snapshot()
}

func (s *Session) SendChat(text string) error {
	return s.client.Chat(text)
}

func (s *Session) SetMediaState(kind protocol.MediaKind, enabled bool) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid media type %q", kind)
	}
	return s.client.MediaState(kind, enabled)
}

func (s *Session) RequestRoomInfo() error {
	return s.client.RequestRoomInfo()
}

// UpdateMedia opens local tracks for kinds and sends them to every peer.
// Kinds that fail to open are reported as rtc.ErrMediaAccess; the rest are still used.
func (s *Session) UpdateMedia(ctx context.Context, kinds ...string) error {
	tracks, openErr := rtc.LocalTracks(s.streamID, kinds...)
	if err := s.peers.UpdateLocalMedia(ctx, tracks); err != nil {
		return errors.Join(openErr, err)
	}
	return openErr
}

// SetTracks sends caller-provided local tracks to every peer.
func (s *Session) SetTracks(ctx context.Context, tracks []webrtc.TrackLocal) error {
	return s.peers.UpdateLocalMedia(ctx, tracks)
}

// Leave leaves the room but keeps the relay connection.
func (s *Session) Leave() error {
	s.mu.Lock()
	s.joined = false
	s.self = ""
	s.mu.Unlock()
	s.peers.Reset()
	return s.client.Leave()
}

func (s *Session) Close() {
	s.peers.Close()
	s.health.Close()
	s.client.Close()
}
