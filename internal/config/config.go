package config

import (
	"time"

	"github.com/HMasataka/castline/internal/logging"
	"github.com/pion/webrtc/v4"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	WebRTC    WebRTCConfig    `json:"webrtc" yaml:"webrtc"`
	Session   SessionConfig   `json:"session" yaml:"session"`
	Signaling SignalingConfig `json:"signaling" yaml:"signaling"`
	Media     MediaConfig     `json:"media" yaml:"media"`
	Logging   logging.Config  `json:"logging" yaml:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host           string        `json:"host" yaml:"host"`
	Port           int           `json:"port" yaml:"port"`
	ReadTimeout    time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	AllowedOrigins []string      `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// WebRTCConfig represents WebRTC configuration
type WebRTCConfig struct {
	ICEServers []ICEServer `json:"ice_servers" yaml:"ice_servers"`
}

// ICEServer represents an ICE server configuration
type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// SessionConfig holds the per-viewer retry policy
type SessionConfig struct {
	MaxRetries   int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay   time.Duration `json:"retry_delay" yaml:"retry_delay"`
	OfferTimeout time.Duration `json:"offer_timeout" yaml:"offer_timeout"`
}

// SignalingConfig is used by the broadcaster and viewer agents to reach the service
type SignalingConfig struct {
	URL           string        `json:"url" yaml:"url"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnect  int           `json:"max_reconnect" yaml:"max_reconnect"`
}

// MediaConfig names the UDP sockets the broadcaster reads RTP from.
// An empty address disables that track.
type MediaConfig struct {
	VideoAddr string `json:"video_addr" yaml:"video_addr"`
	AudioAddr string `json:"audio_addr" yaml:"audio_addr"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         3000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []ICEServer{
				{
					URLs: []string{"stun:stun.l.google.com:19302"},
				},
			},
		},
		Session: SessionConfig{
			MaxRetries:   5,
			RetryDelay:   2 * time.Second,
			OfferTimeout: 10 * time.Second,
		},
		Signaling: SignalingConfig{
			URL:           "ws://localhost:3000/ws",
			ReconnectWait: 5 * time.Second,
			MaxReconnect:  10,
		},
		Media: MediaConfig{
			VideoAddr: "127.0.0.1:5004",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return NewConfigError("server.port", "invalid port number")
	}

	if c.Server.ReadTimeout < 0 {
		return NewConfigError("server.read_timeout", "timeout cannot be negative")
	}

	if c.Server.WriteTimeout < 0 {
		return NewConfigError("server.write_timeout", "timeout cannot be negative")
	}

	if len(c.WebRTC.ICEServers) == 0 {
		return NewConfigError("webrtc.ice_servers", "at least one ICE server is required")
	}

	if c.Session.MaxRetries < 0 {
		return NewConfigError("session.max_retries", "cannot be negative")
	}

	if c.Session.RetryDelay <= 0 {
		return NewConfigError("session.retry_delay", "must be positive")
	}

	if c.Session.OfferTimeout <= 0 {
		return NewConfigError("session.offer_timeout", "must be positive")
	}

	if c.Signaling.URL == "" {
		return NewConfigError("signaling.url", "signaling URL is required")
	}

	return nil
}

// ICEURLs flattens the configured ICE server URLs
func (c WebRTCConfig) ICEURLs() []string {
	var urls []string
	for _, s := range c.ICEServers {
		urls = append(urls, s.URLs...)
	}
	return urls
}

// PeerICEServers converts the configured servers for a pion peer connection
func (c WebRTCConfig) PeerICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}
