package config

import (
	"fmt"
	"strings"
	"time"

	"wagate/internal/dispatch"
	"wagate/internal/session"
	"wagate/internal/template"
)

// Config is the root gateway configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	HTTP    HTTPConfig    `json:"http"`
	Auth    AuthConfig    `json:"auth"`
	Logging LoggingConfig `json:"logging"`

	Channel  ChannelConfig  `json:"channel"`
	Sessions SessionsConfig `json:"sessions"`
	Dispatch DispatchConfig `json:"dispatch"`

	// Templates is the notification template library:
	// process -> channel kind -> message type -> template.
	Templates template.Library `json:"templates,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Intake  *IntakeConfig  `json:"intake,omitempty"`
	Metrics MetricsConfig  `json:"metrics,omitempty"`
}

type HTTPConfig struct {
	Addr         string `json:"addr"` // default ":8089"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// AuthConfig controls API authentication. Passwords are stored as
// bcrypt hashes, never in clear.
type AuthConfig struct {
	JWTSecret string       `json:"jwt_secret"`
	TokenTTL  string       `json:"token_ttl,omitempty"` // default "12h"
	Users     []UserConfig `json:"users,omitempty"`
}

type UserConfig struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mirrors high-severity log records to an operator chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`

	TelegramToken string `json:"telegram_token,omitempty"`
	TelegramChat  int64  `json:"telegram_chat,omitempty"`
}

// ChannelConfig selects and tunes the chat-network backend.
type ChannelConfig struct {
	Kind string `json:"kind"` // default "whatsapp"

	// StoreDir holds per-tenant credential stores.
	StoreDir string `json:"store_dir"`

	LogLevel string `json:"log_level,omitempty"`
}

type SessionsConfig struct {
	IdleTimeout       string `json:"idle_timeout,omitempty"`        // default "30m"
	AuthedIdleTimeout string `json:"authed_idle_timeout,omitempty"` // default "2h"
	AuthRecentWindow  string `json:"auth_recent_window,omitempty"`  // default "24h"
	MinAge            string `json:"min_age,omitempty"`             // default "1m"
	SweepInterval     string `json:"sweep_interval,omitempty"`      // default "5m"
	CreationCooldown  string `json:"creation_cooldown,omitempty"`   // default "10s"

	ValidationCeiling string `json:"validation_ceiling,omitempty"` // default "20s"
	ProbeInterval     string `json:"probe_interval,omitempty"`     // default "500ms"
	ProbeBudget       string `json:"probe_budget,omitempty"`       // default "15s"
	RecoveryDelay     string `json:"recovery_delay,omitempty"`     // default "5s"
	StatusCacheTTL    string `json:"status_cache_ttl,omitempty"`   // default "5m"
}

type DispatchConfig struct {
	MaxAttempts        int    `json:"max_attempts,omitempty"`         // default 3
	RetryBase          string `json:"retry_base,omitempty"`           // default "2s"
	PerRecipientDelay  string `json:"per_recipient_delay,omitempty"`  // default "1s"
	PerAttachmentDelay string `json:"per_attachment_delay,omitempty"` // default "500ms"
	ReadyTimeout       string `json:"ready_timeout,omitempty"`        // default "1m"
	CountryPrefix      string `json:"country_prefix,omitempty"`       // default "62"
	UploadDir          string `json:"upload_dir,omitempty"`
}

// StorageConfig controls the delivery audit trail.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./wagate_audit" }
type StorageConfig struct {
	Driver      string `json:"driver"` // file | sqlite | postgres
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// IntakeConfig controls the optional AMQP send-job consumer.
type IntakeConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch,omitempty"`
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// ParseDurationOrDefault reads a Go duration string from a config
// field. Empty or zero means "use the default"; anything negative or
// unparseable is rejected with the field's config path in the message.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative durations are not allowed", field)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Registry converts the sessions section into registry settings,
// validating every duration field.
func (c SessionsConfig) Registry() (session.RegistryConfig, error) {
	var (
		out session.RegistryConfig
		err error
	)
	fields := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"sessions.idle_timeout", c.IdleTimeout, 30 * time.Minute, &out.Validity.IdleTimeout},
		{"sessions.authed_idle_timeout", c.AuthedIdleTimeout, 2 * time.Hour, &out.Validity.AuthedIdleTimeout},
		{"sessions.auth_recent_window", c.AuthRecentWindow, 24 * time.Hour, &out.Validity.AuthRecentWindow},
		{"sessions.min_age", c.MinAge, time.Minute, &out.Validity.MinAge},
		{"sessions.sweep_interval", c.SweepInterval, 5 * time.Minute, &out.SweepInterval},
		{"sessions.creation_cooldown", c.CreationCooldown, 10 * time.Second, &out.CreationCooldown},
		{"sessions.validation_ceiling", c.ValidationCeiling, 20 * time.Second, &out.Machine.ValidationCeiling},
		{"sessions.probe_interval", c.ProbeInterval, 500 * time.Millisecond, &out.Machine.ProbeInterval},
		{"sessions.probe_budget", c.ProbeBudget, 15 * time.Second, &out.Machine.ProbeBudget},
		{"sessions.recovery_delay", c.RecoveryDelay, 5 * time.Second, &out.Machine.RecoveryDelay},
		{"sessions.status_cache_ttl", c.StatusCacheTTL, 5 * time.Minute, &out.Machine.StatusCacheTTL},
	}
	for _, f := range fields {
		if *f.dst, err = ParseDurationOrDefault(f.path, f.raw, f.def); err != nil {
			return session.RegistryConfig{}, err
		}
	}
	return out, nil
}

// Dispatcher converts the dispatch section into dispatcher settings.
func (c DispatchConfig) Dispatcher() (dispatch.Config, error) {
	out := dispatch.Config{
		MaxAttempts:   c.MaxAttempts,
		CountryPrefix: c.CountryPrefix,
	}
	var err error
	if out.RetryBase, err = ParseDurationOrDefault("dispatch.retry_base", c.RetryBase, 2*time.Second); err != nil {
		return dispatch.Config{}, err
	}
	if out.PerRecipientDelay, err = ParseDurationOrDefault("dispatch.per_recipient_delay", c.PerRecipientDelay, time.Second); err != nil {
		return dispatch.Config{}, err
	}
	if out.PerAttachmentDelay, err = ParseDurationOrDefault("dispatch.per_attachment_delay", c.PerAttachmentDelay, 500*time.Millisecond); err != nil {
		return dispatch.Config{}, err
	}
	if out.ReadyTimeout, err = ParseDurationOrDefault("dispatch.ready_timeout", c.ReadyTimeout, time.Minute); err != nil {
		return dispatch.Config{}, err
	}
	return out, nil
}

// Validate checks cross-field constraints that the strict decoder
// cannot express.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" && len(c.Auth.Users) > 0 {
		return fmt.Errorf("auth: users configured without jwt_secret")
	}
	for i, u := range c.Auth.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return fmt.Errorf("auth.users[%d]: username and password_hash are required", i)
		}
	}
	if c.Intake != nil && c.Intake.Enabled {
		if c.Intake.URL == "" || c.Intake.Queue == "" {
			return fmt.Errorf("intake: url and queue are required when enabled")
		}
	}
	if c.Storage != nil {
		switch c.Storage.Driver {
		case "", "file", "sqlite", "postgres":
		default:
			return fmt.Errorf("storage: unknown driver %q", c.Storage.Driver)
		}
	}
	if _, err := c.Sessions.Registry(); err != nil {
		return err
	}
	if _, err := c.Dispatch.Dispatcher(); err != nil {
		return err
	}
	return nil
}
