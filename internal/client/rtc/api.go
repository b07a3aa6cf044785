// Package rtc adapts pion peer connections to the negotiation engine.
package rtc

import (
	"fmt"
	"strings"

	"github.com/dkeye/meshroom/internal/config"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// NewAPI builds a pion API with the default codecs and interceptors.
// The interceptors are what make receiver stats (packet loss) available.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{
		LoggerFactory: loggerFactory{},
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(s),
	), nil
}

// Configuration translates the client ICE settings into a pion configuration.
func Configuration(cfg *config.ClientConfig) webrtc.Configuration {
	out := webrtc.Configuration{}
	for _, s := range cfg.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		srv := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			srv.Username = s.Username
			srv.Credential = s.Credential
			srv.CredentialType = webrtc.ICECredentialTypePassword
		}
		out.ICEServers = append(out.ICEServers, srv)
	}
	if strings.EqualFold(cfg.ICETransportPolicy, "relay") {
		out.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	} else {
		out.ICETransportPolicy = webrtc.ICETransportPolicyAll
	}
	return out
}
