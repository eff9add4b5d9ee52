// Package config holds the peer and server configuration types.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// Role is the side a peer takes in a negotiation.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// ParseRole accepts "initiator"/"responder" and the short forms "i"/"r".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "initiator", "i":
		return RoleInitiator, nil
	case "responder", "r":
		return RoleResponder, nil
	}
	return "", fmt.Errorf("invalid role %q: must be initiator or responder", s)
}

// ICEServer mirrors webrtc.ICEServer with YAML tags.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Config is the configuration of one local chat endpoint.
type Config struct {
	PeerID               string      `yaml:"peerId"`
	ICEServers           []ICEServer `yaml:"iceServers"`
	SignalingEndpoint    string      `yaml:"signalingEndpoint"`
	NegotiationTimeoutMs int         `yaml:"negotiationTimeoutMs"`
	MaxSignalRetries     int         `yaml:"maxSignalRetries"`
	SharedKey            string      `yaml:"sharedKey"`

	PollIntervalMs    int    `yaml:"pollIntervalMs"`
	ICERestartGraceMs int    `yaml:"iceRestartGraceMs"`
	DisablePush       bool   `yaml:"disablePush"`
	LedgerPath        string `yaml:"ledgerPath"`
	Debug             bool   `yaml:"debug"`
}

// Default returns a Config with every optional field populated.
func Default() Config {
	return Config{
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"}},
		},
		SignalingEndpoint:    "http://127.0.0.1:8000",
		NegotiationTimeoutMs: 90_000,
		MaxSignalRetries:     5,
		PollIntervalMs:       2_000,
		ICERestartGraceMs:    15_000,
		LedgerPath:           "peerchat-ledger.db",
	}
}

// Load reads a YAML file over Default(). An empty path returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error

	if c.PeerID == "" {
		errs = append(errs, errors.New("peerId is required"))
	}
	if c.SharedKey == "" {
		errs = append(errs, errors.New("sharedKey is required"))
	}
	if u, err := url.Parse(c.SignalingEndpoint); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid signalingEndpoint %q", c.SignalingEndpoint))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("signalingEndpoint must be http or https, got %q", u.Scheme))
	}
	if c.NegotiationTimeoutMs <= 0 {
		errs = append(errs, errors.New("negotiationTimeoutMs must be positive"))
	}
	if c.MaxSignalRetries < 1 {
		errs = append(errs, errors.New("maxSignalRetries must be at least 1"))
	}
	if c.PollIntervalMs <= 0 {
		errs = append(errs, errors.New("pollIntervalMs must be positive"))
	}
	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			errs = append(errs, fmt.Errorf("iceServers[%d] has no urls", i))
		}
	}

	return errors.Join(errs...)
}

func (c Config) NegotiationTimeout() time.Duration {
	return time.Duration(c.NegotiationTimeoutMs) * time.Millisecond
}

func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

func (c Config) ICERestartGrace() time.Duration {
	return time.Duration(c.ICERestartGraceMs) * time.Millisecond
}

// WebRTCICEServers converts the configured servers for pion.
func (c Config) WebRTCICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// ServerConfig configures the signaling relay.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	PeerTTL         time.Duration `yaml:"peerTtl"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// DefaultServer returns the relay defaults: idle peers expire after 30
// minutes, checked every minute.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Listen:          ":8000",
		PeerTTL:         30 * time.Minute,
		CleanupInterval: time.Minute,
	}
}
