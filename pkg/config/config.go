// Package config loads engine settings from YAML with environment overrides.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/widgetlabs/supportchat/pkg/session"
	"github.com/widgetlabs/supportchat/pkg/transport"
)

// TransportSettings selects the transport implementation.
type TransportSettings struct {
	// Mode is "stream" or "websocket".
	Mode          string                    `yaml:"mode"`
	WebsocketURL  string                    `yaml:"websocket_url"`
	Stream        transport.StreamSettings  `yaml:"stream"`
	LoginAttempts int                       `yaml:"login_attempts"`
	// Offline shrinks the login retry budget for test runs.
	Offline bool `yaml:"offline"`
}

// SessionSettings maps onto session.Config.
type SessionSettings struct {
	WaitAllocationMinutes int `yaml:"wait_allocation_minutes"`
	CloseWarningSeconds   int `yaml:"close_warning_seconds"`
	AgentPollSeconds      int `yaml:"agent_poll_seconds"`
	HistoryPageSize       int `yaml:"history_page_size"`
}

// ResumeSettings configures the resume-credential store.
type ResumeSettings struct {
	// Path is the SQLite DSN; empty selects the in-memory store.
	Path string `yaml:"path"`
}

type Settings struct {
	LogLevel  string            `yaml:"log_level"`
	Transport TransportSettings `yaml:"transport"`
	Session   SessionSettings   `yaml:"session"`
	Resume    ResumeSettings    `yaml:"resume"`
}

func defaults() Settings {
	var s Settings
	s.LogLevel = "info"
	s.Transport.Mode = "stream"
	return s
}

// Load reads the YAML file at path (missing file is fine: defaults apply) and
// then applies environment overrides.
func Load(path string) (Settings, error) {
	s := defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return s, errors.Wrap(err, "config: read file")
		}
		if err == nil {
			if err := yaml.Unmarshal(b, &s); err != nil {
				return s, errors.Wrap(err, "config: parse yaml")
			}
		}
	}
	applyEnv(&s)
	return s, nil
}

func applyEnv(s *Settings) {
	if v := os.Getenv("SUPPORTCHAT_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("SUPPORTCHAT_TRANSPORT_MODE"); v != "" {
		s.Transport.Mode = v
	}
	if v := os.Getenv("SUPPORTCHAT_WEBSOCKET_URL"); v != "" {
		s.Transport.WebsocketURL = v
	}
	if v := os.Getenv("SUPPORTCHAT_REDIS_ADDR"); v != "" {
		s.Transport.Stream.RedisEnabled = true
		s.Transport.Stream.RedisAddr = v
	}
	if v := os.Getenv("SUPPORTCHAT_RESUME_PATH"); v != "" {
		s.Resume.Path = v
	}
}

// BuildTransport constructs the transport the settings select: the watermill
// stream transport by default, the websocket gateway when mode says so.
// LoginAttempts and Offline map onto the transports' retry options.
func (s Settings) BuildTransport() (transport.Transport, error) {
	switch s.Transport.Mode {
	case "", "stream":
		var opts []transport.StreamOption
		if s.Transport.LoginAttempts > 0 {
			opts = append(opts, transport.WithLoginAttempts(s.Transport.LoginAttempts))
		}
		if s.Transport.Offline {
			opts = append(opts, transport.WithOfflineMode())
		}
		return transport.NewStreamTransport(s.Transport.Stream, opts...)
	case "websocket":
		if s.Transport.WebsocketURL == "" {
			return nil, errors.New("config: websocket transport requires websocket_url")
		}
		attempts := s.Transport.LoginAttempts
		if s.Transport.Offline {
			attempts = 1
		}
		var opts []transport.WebsocketOption
		if attempts > 0 {
			opts = append(opts, transport.WithWebsocketLoginAttempts(attempts))
		}
		return transport.NewWebsocketTransport(s.Transport.WebsocketURL, opts...), nil
	default:
		return nil, errors.Errorf("config: unknown transport mode %q", s.Transport.Mode)
	}
}

// SessionConfig converts the settings into the engine's Config; zero values
// fall back to engine defaults.
func (s Settings) SessionConfig() session.Config {
	return session.Config{
		WaitAllocation:      time.Duration(s.Session.WaitAllocationMinutes) * time.Minute,
		CloseWarningDefault: s.Session.CloseWarningSeconds,
		AgentPollInterval:   time.Duration(s.Session.AgentPollSeconds) * time.Second,
		HistoryPageSize:     s.Session.HistoryPageSize,
	}
}
