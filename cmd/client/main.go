package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/meshroom/internal/client/peerset"
	"github.com/dkeye/meshroom/internal/client/rtc"
	"github.com/dkeye/meshroom/internal/client/session"
	"github.com/dkeye/meshroom/internal/config"
	"github.com/dkeye/meshroom/internal/domain"
	"github.com/dkeye/meshroom/internal/protocol"
)

var (
	flagMedia          []string
	flagStatusInterval time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "meshroom-client",
	Short: "Join a meshroom room and keep one WebRTC link per participant",
	Long: `meshroom-client connects to a meshroom relay, joins a room and negotiates a
direct WebRTC link with every other participant.

Examples:
  meshroom-client --server ws://localhost:8080/api/ws/signal --room R1 --name Alice
  meshroom-client --room R1 --media audio,video`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.LoadClient(cmd.Flags())
		if err != nil {
			return err
		}
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	f := rootCmd.Flags()
	f.String("server", "", "relay websocket URL")
	f.String("room", "", "room to join")
	f.String("name", "", "display name")
	f.String("user-id", "", "stable user id")
	f.String("log-level", "", "log level (debug, info, warn, error)")
	f.StringSliceVar(&flagMedia, "media", []string{"audio"}, "local media kinds to send")
	f.DurationVar(&flagStatusInterval, "status-interval", 10*time.Second, "how often to log link status, 0 to disable")
}

func run(ctx context.Context, cfg *config.ClientConfig) error {
	api, err := rtc.NewAPI()
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}
	pcCfg := rtc.Configuration(cfg)
	factory := func(peer domain.ConnID) (peerset.Transport, error) {
		conn, err := rtc.NewConnection(api, pcCfg, peer)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	s, err := session.Join(ctx, cfg, session.Options{
		Factory: factory,
		Media:   flagMedia,
		OnChat: func(m protocol.ChatMessage) {
			log.Info().Str("module", "client").Str("from", m.SenderName).Str("text", m.Text).Msg("chat")
		},
		OnReconnecting: func(attempt int) {
			log.Warn().Str("module", "client").Int("attempt", attempt).Msg("reconnecting to relay")
		},
		OnMediaError: func(err error) {
			fmt.Fprintln(os.Stderr, "warning: some local media is unavailable:", err)
		},
	})
	if err != nil {
		return err
	}
	defer s.Close()

	if flagStatusInterval > 0 {
		go reportStatus(ctx, s, flagStatusInterval)
	}
	return s.Run(ctx)
}

func reportStatus(ctx context.Context, s *session.Session, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		peers := s.Peers()
		log.Info().Str("module", "client").Str("self", string(s.Self())).Int("peers", len(peers)).Msg("status")
		for _, p := range peers {
			log.Info().
				Str("module", "client").
				Str("peer", p.Peer.SocketID).
				Str("name", p.Peer.UserName).
				Stringer("state", p.Link.State).
				Stringer("quality", p.Link.Quality).
				Int("remote_tracks", len(p.RemoteMedia)).
				Msg("link")
		}
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
