// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

// Package config loads server configuration from defaults, an optional
// YAML file, and command-line flags, in that order of precedence.
package config

import (
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/worldauth/worldauth/internal/auth"
	"github.com/worldauth/worldauth/internal/auth/filestore"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendFile     = "file"
)

// Log configures structured logging.
type Log struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json or text
}

// Storage selects and configures the account store backend.
type Storage struct {
	Backend string `koanf:"backend"` // postgres or file

	// DSN is the PostgreSQL connection string (postgres backend).
	DSN string `koanf:"dsn"`

	// Dir is the flat-file root (file backend).
	Dir string `koanf:"dir"`

	FlushInterval time.Duration `koanf:"flush_interval"`
	FlushBatch    int           `koanf:"flush_batch"`
}

// Policy configures password validation and hashing.
type Policy struct {
	MinLength        int      `koanf:"min_length"`
	MaxLength        int      `koanf:"max_length"`
	RequireDigit     bool     `koanf:"require_digit"`
	RequireSpecial   bool     `koanf:"require_special"`
	RequireUppercase bool     `koanf:"require_uppercase"`
	BannedPasswords  []string `koanf:"banned_passwords"`
	HashMemoryKiB    uint32   `koanf:"hash_memory_kib"`
}

// Guard configures per-origin login throttling and banning.
type Guard struct {
	MaxAttempts   int           `koanf:"max_attempts"`
	BanDuration   time.Duration `koanf:"ban_duration"`
	AttemptRate   float64       `koanf:"attempt_rate"`
	AttemptBurst  int           `koanf:"attempt_burst"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// Sessions configures the session registry.
type Sessions struct {
	Enabled          bool          `koanf:"enabled"`
	TTL              time.Duration `koanf:"ttl"`
	Persist          bool          `koanf:"persist"`
	ValidateOrigin   bool          `koanf:"validate_origin"`
	ValidatePlatform bool          `koanf:"validate_platform"`
	SweepInterval    time.Duration `koanf:"sweep_interval"`
}

// Service configures facade behavior.
type Service struct {
	AutoLoginAfterRegister             bool          `koanf:"auto_login_after_register"`
	RequireEmail                       bool          `koanf:"require_email"`
	EmailVerification                  bool          `koanf:"email_verification"`
	InvalidateSessionsOnPasswordChange bool          `koanf:"invalidate_sessions_on_password_change"`
	AuthTimeout                        time.Duration `koanf:"auth_timeout"`
	VerifyTokenTTL                     time.Duration `koanf:"verify_token_ttl"`
}

// Observability configures the metrics/health HTTP server.
type Observability struct {
	// Addr is the listen address; empty disables the server.
	Addr string `koanf:"addr"`
}

// Config is the full server configuration.
type Config struct {
	Log           Log           `koanf:"log"`
	Storage       Storage       `koanf:"storage"`
	Policy        Policy        `koanf:"policy"`
	Guard         Guard         `koanf:"guard"`
	Sessions      Sessions      `koanf:"sessions"`
	Service       Service       `koanf:"service"`
	Observability Observability `koanf:"observability"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: Log{
			Level:  "info",
			Format: "json",
		},
		Storage: Storage{
			Backend:       BackendFile,
			Dir:           "data",
			FlushInterval: filestore.DefaultFlushInterval,
			FlushBatch:    filestore.DefaultFlushBatch,
		},
		Policy: Policy{
			MinLength:     auth.DefaultMinPasswordLength,
			MaxLength:     auth.DefaultMaxPasswordLength,
			HashMemoryKiB: auth.DefaultMemory,
		},
		Guard: Guard{
			MaxAttempts:   auth.DefaultMaxAttempts,
			BanDuration:   auth.DefaultBanDuration,
			AttemptRate:   auth.DefaultAttemptRate,
			AttemptBurst:  auth.DefaultAttemptBurst,
			SweepInterval: auth.DefaultGuardSweepInterval,
		},
		Sessions: Sessions{
			Enabled:          true,
			TTL:              auth.DefaultSessionTTL,
			Persist:          true,
			ValidateOrigin:   true,
			ValidatePlatform: true,
			SweepInterval:    5 * time.Minute,
		},
		Service: Service{
			AutoLoginAfterRegister:             true,
			InvalidateSessionsOnPasswordChange: true,
			AuthTimeout:                        auth.DefaultAuthTimeout,
			VerifyTokenTTL:                     auth.DefaultVerifyTokenTTL,
		},
		Observability: Observability{
			Addr: "127.0.0.1:9100",
		},
	}
}

// Load builds a Config from defaults, then path (when non-empty), then
// flags (when non-nil). Later sources win.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_FILE_FAILED").With("path", path).Wrap(err)
		}
	}
	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, oops.Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_PARSE_FAILED").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Watch reloads the config whenever the file at path changes and hands
// every valid reload to onChange. Invalid reloads are reported through
// onError and the previous config stays in effect. The returned function
// stops watching.
func Watch(path string, flags *pflag.FlagSet, onChange func(Config), onError func(error)) (func() error, error) {
	f := file.Provider(path)
	err := f.Watch(func(_ interface{}, err error) {
		if err != nil {
			onError(oops.Code("CONFIG_WATCH_FAILED").With("path", path).Wrap(err))
			return
		}
		cfg, err := Load(path, flags)
		if err != nil {
			onError(err)
			return
		}
		onChange(cfg)
	})
	if err != nil {
		return nil, oops.Code("CONFIG_WATCH_FAILED").With("path", path).Wrap(err)
	}
	return f.Unwatch, nil
}

// Validate checks that the configuration is consistent.
func (c Config) Validate() error {
	switch c.Log.Format {
	case "json", "text":
	default:
		return oops.Code("CONFIG_INVALID").
			Errorf("log.format must be 'json' or 'text', got %q", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return oops.Code("CONFIG_INVALID").
			Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}

	switch c.Storage.Backend {
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return oops.Code("CONFIG_INVALID").
				Errorf("storage.dsn is required for the postgres backend")
		}
	case BackendFile:
		if c.Storage.Dir == "" {
			return oops.Code("CONFIG_INVALID").
				Errorf("storage.dir is required for the file backend")
		}
	default:
		return oops.Code("CONFIG_INVALID").
			Errorf("storage.backend must be 'postgres' or 'file', got %q", c.Storage.Backend)
	}

	if c.Policy.MinLength <= 0 || c.Policy.MaxLength < c.Policy.MinLength {
		return oops.Code("CONFIG_INVALID").
			Errorf("policy length bounds are inconsistent (min=%d, max=%d)",
				c.Policy.MinLength, c.Policy.MaxLength)
	}
	if c.Guard.MaxAttempts <= 0 {
		return oops.Code("CONFIG_INVALID").
			Errorf("guard.max_attempts must be positive, got %d", c.Guard.MaxAttempts)
	}
	if c.Sessions.Enabled && c.Sessions.TTL <= 0 {
		return oops.Code("CONFIG_INVALID").
			Errorf("sessions.ttl must be positive when sessions are enabled")
	}
	return nil
}
