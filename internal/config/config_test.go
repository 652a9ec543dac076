// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 WorldAuth Contributors

package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldauth/worldauth/pkg/errutil"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worldauth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, `
log:
  level: debug
storage:
  backend: postgres
  dsn: postgres://localhost/worldauth
sessions:
  ttl: 4h
guard:
  max_attempts: 5
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "postgres://localhost/worldauth", cfg.Storage.DSN)
	assert.Equal(t, 4*time.Hour, cfg.Sessions.TTL)
	assert.Equal(t, 5, cfg.Guard.MaxAttempts)

	// Untouched keys keep their defaults.
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Sessions.Enabled)
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	path := writeConfigFile(t, `
log:
  level: warn
`)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("log.level", "info", "")
	require.NoError(t, fs.Set("log.level", "error"))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "CONFIG_FILE_FAILED")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }},
		{"postgres without dsn", func(c *Config) {
			c.Storage.Backend = BackendPostgres
			c.Storage.DSN = ""
		}},
		{"file without dir", func(c *Config) { c.Storage.Dir = "" }},
		{"min length zero", func(c *Config) { c.Policy.MinLength = 0 }},
		{"max below min", func(c *Config) {
			c.Policy.MinLength = 10
			c.Policy.MaxLength = 5
		}},
		{"non-positive attempts", func(c *Config) { c.Guard.MaxAttempts = 0 }},
		{"sessions without ttl", func(c *Config) { c.Sessions.TTL = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
		})
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := writeConfigFile(t, "log:\n  level: info\n")

	var mu sync.Mutex
	var levels []string
	unwatch, err := Watch(path, nil,
		func(c Config) {
			mu.Lock()
			levels = append(levels, c.Log.Level)
			mu.Unlock()
		},
		func(err error) { t.Logf("reload error: %v", err) })
	require.NoError(t, err)
	defer func() { _ = unwatch() }()

	// Give the watcher a moment to arm before mutating the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, lvl := range levels {
			if lvl == "debug" {
				return true
			}
		}
		return false
	}, 3*time.Second, 50*time.Millisecond, "reload callback never saw the new level")
}

func TestWatch_RejectsInvalidReload(t *testing.T) {
	path := writeConfigFile(t, "log:\n  level: info\n")

	errCh := make(chan error, 1)
	unwatch, err := Watch(path, nil,
		func(Config) {},
		func(err error) {
			select {
			case errCh <- err:
			default:
			}
		})
	require.NoError(t, err)
	defer func() { _ = unwatch() }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: shouting\n"), 0o600))

	select {
	case err := <-errCh:
		errutil.AssertErrorCode(t, err, "CONFIG_INVALID")
	case <-time.After(3 * time.Second):
		t.Fatal("invalid reload was not reported")
	}
}

func TestValidate_SessionsDisabledSkipsTTL(t *testing.T) {
	cfg := Default()
	cfg.Sessions.Enabled = false
	cfg.Sessions.TTL = 0
	assert.NoError(t, cfg.Validate())
}
