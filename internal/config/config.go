package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "MESHROOM"

// Config is the relay server configuration.
type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RoomMaxAge    time.Duration `mapstructure:"room_max_age"`
	ChatLimit     int           `mapstructure:"chat_limit"`
	ChatWindow    time.Duration `mapstructure:"chat_window"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type Backoff struct {
	Initial  time.Duration `mapstructure:"initial"`
	Max      time.Duration `mapstructure:"max"`
	Attempts int           `mapstructure:"attempts"`
}

// ClientConfig is passed explicitly into the client session at join time.
type ClientConfig struct {
	ServerURL string `mapstructure:"server_url"`
	Room      string `mapstructure:"room"`
	UserName  string `mapstructure:"user_name"`
	UserID    string `mapstructure:"user_id"`
	LogLevel  string `mapstructure:"log_level"`

	ICEServers         []ICEServer `mapstructure:"ice_servers"`
	ICETransportPolicy string      `mapstructure:"ice_transport_policy"`

	RestartDelay   time.Duration `mapstructure:"restart_delay"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	PoorLossRatio  float64       `mapstructure:"poor_loss_ratio"`
	QuiesceDelay   time.Duration `mapstructure:"quiesce_delay"`
	Reconnect      Backoff       `mapstructure:"reconnect"`
}

var (
	ErrMissingServerURL = errors.New("server_url is required")
	ErrMissingRoom      = errors.New("room is required")
	ErrBadTransport     = errors.New("ice_transport_policy must be all or relay")
	ErrBadSweep         = errors.New("sweep_interval and room_max_age must be positive")
)

func newViper(kind string) (*viper.Viper, string) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/%s.%s.yaml", kind, env)
	v.SetConfigFile(fileName)
	return v, fileName
}

func readFile(v *viper.Viper, fileName string) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
		return
	}
	log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
}

func setServerDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 3001)
	v.SetDefault("static_path", "")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")
	v.SetDefault("sweep_interval", "5m")
	v.SetDefault("room_max_age", "24h")
	v.SetDefault("chat_limit", 20)
	v.SetDefault("chat_window", "10s")
}

func setClientDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "ws://localhost:3001/api/ws/signal")
	v.SetDefault("log_level", "info")
	v.SetDefault("ice_servers", []map[string]any{
		{"urls": []string{"stun:stun.l.google.com:19302"}},
	})
	v.SetDefault("ice_transport_policy", "all")
	v.SetDefault("restart_delay", "1s")
	v.SetDefault("health_interval", "5s")
	v.SetDefault("poor_loss_ratio", 0.05)
	v.SetDefault("quiesce_delay", "500ms")
	v.SetDefault("reconnect.initial", "1s")
	v.SetDefault("reconnect.max", "10s")
	v.SetDefault("reconnect.attempts", 5)
}

// Load reads config/server.<CONFIG_ENV>.yaml, then MESHROOM_* environment overrides.
func Load() (*Config, error) {
	v, fileName := newViper("server")
	setServerDefaults(v)
	readFile(v, fileName)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Msg("server config")
	return &cfg, nil
}

// LoadClient reads config/client.<CONFIG_ENV>.yaml; flags that were set take precedence.
func LoadClient(flags *pflag.FlagSet) (*ClientConfig, error) {
	v, fileName := newViper("client")
	setClientDefaults(v)
	readFile(v, fileName)

	if flags != nil {
		bind := map[string]string{
			"server_url": "server",
			"room":       "room",
			"user_name":  "name",
			"user_id":    "user-id",
			"log_level":  "log-level",
		}
		for key, flag := range bind {
			if f := flags.Lookup(flag); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.SweepInterval <= 0 || c.RoomMaxAge <= 0 {
		return fmt.Errorf("%w: sweep_interval=%v room_max_age=%v", ErrBadSweep, c.SweepInterval, c.RoomMaxAge)
	}
	return nil
}

func (c *ClientConfig) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return ErrMissingServerURL
	}
	if strings.TrimSpace(c.Room) == "" {
		return ErrMissingRoom
	}
	switch c.ICETransportPolicy {
	case "", "all", "relay":
	default:
		return ErrBadTransport
	}
	if c.Reconnect.Attempts <= 0 {
		c.Reconnect.Attempts = 5
	}
	if c.Reconnect.Initial <= 0 {
		c.Reconnect.Initial = time.Second
	}
	if c.Reconnect.Max < c.Reconnect.Initial {
		c.Reconnect.Max = c.Reconnect.Initial
	}
	return nil
}
