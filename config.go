// Copyright (c) 2026, Peak Weather Labs. All rights reserved.
// Use of this source code is governed by a MIT
// license that can be found in the LICENSE file.

package nwws

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultServer is the production NWWS-OI server operated by the
	// National Weather Service.
	DefaultServer = "nwws-oi.weather.gov"
	// DefaultPort is the XMPP client port.
	DefaultPort = 5222

	defaultHistory       = 10
	defaultQueueCapacity = 512
	defaultIdleTimeout   = 5 * time.Minute

	defaultBackoffInitial     = 5 * time.Second
	defaultBackoffMultiplier  = 2.0
	defaultBackoffMax         = 300 * time.Second
	defaultBackoffMaxAttempts = 20
)

// BackoffConfig controls the reconnect delay schedule. Attempt i
// (1-indexed) sleeps min(Initial * Multiplier^(i-1), Max) before
// reconnecting; after MaxAttempts consecutive failures the client
// stops with ErrRetriesExhausted. MaxAttempts <= 0 retries forever.
type BackoffConfig struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
}

// Config carries the connection settings for an NWWS-OI client.
// The zero value is not usable; fill in credentials and call Validate,
// or build one with ConfigFromEnv.
type Config struct {
	// Username and Password are the NWWS-OI credentials issued by the
	// National Weather Service. Both are required.
	Username string
	Password string

	// Server is the XMPP server hostname (default nwws-oi.weather.gov).
	Server string
	// Port is the XMPP client port (default 5222).
	Port int
	// History is the number of historical messages requested when
	// joining the room. Must be non-negative.
	History int

	// QueueCapacity bounds the pull buffer. When full, the oldest
	// buffered bulletin is evicted to admit the newest.
	QueueCapacity int

	// IdleTimeout is how long the feed may stay silent before the
	// connection is presumed dead and forcibly re-established.
	IdleTimeout time.Duration

	// Backoff is the reconnect delay schedule.
	Backoff BackoffConfig

	// IssueFormats enumerates the accepted textual layouts for the
	// issuance timestamp, tried in order. Defaults to RFC 3339.
	IssueFormats []string
}

// withDefaults returns a copy of the config with every unset field
// replaced by its default.
func (c Config) withDefaults() Config {
	c.Username = strings.TrimSpace(c.Username)
	c.Password = strings.TrimSpace(c.Password)
	if c.Server = strings.TrimSpace(c.Server); c.Server == "" {
		c.Server = DefaultServer
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.History == 0 {
		c.History = defaultHistory
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.Backoff.Initial == 0 {
		c.Backoff.Initial = defaultBackoffInitial
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = defaultBackoffMultiplier
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = defaultBackoffMax
	}
	if c.Backoff.MaxAttempts == 0 {
		c.Backoff.MaxAttempts = defaultBackoffMaxAttempts
	}
	if len(c.IssueFormats) == 0 {
		c.IssueFormats = []string{time.RFC3339}
	}
	return c
}

// Validate reports whether the config can open a session. Zero values
// are treated as unset (withDefaults fills them in); negative values
// are always rejected.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Username) == "" || strings.TrimSpace(c.Password) == "" {
		return ErrNoCredentials
	}
	if c.Port != 0 && (c.Port < 1 || c.Port > 65535) {
		return fmt.Errorf("nwws: port must be between 1 and 65535, got %d", c.Port)
	}
	if c.History < 0 {
		return fmt.Errorf("nwws: history must be non-negative, got %d", c.History)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("nwws: queue capacity must be non-negative, got %d", c.QueueCapacity)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("nwws: idle timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.Backoff.Initial < 0 {
		return fmt.Errorf("nwws: backoff initial delay must be non-negative, got %s", c.Backoff.Initial)
	}
	if c.Backoff.Max < 0 {
		return fmt.Errorf("nwws: backoff max delay must be non-negative, got %s", c.Backoff.Max)
	}
	if c.Backoff.Multiplier < 0 || (c.Backoff.Multiplier > 0 && c.Backoff.Multiplier < 1) {
		return fmt.Errorf("nwws: backoff multiplier must be >= 1, got %g", c.Backoff.Multiplier)
	}
	return nil
}

// Room returns the JID of the NWWS-OI data room on the configured
// server. All feed consumers join the same room.
func (c Config) Room() string {
	return "nwws@conference." + c.Server
}

// ConfigFromEnv builds a Config from NWWS_-prefixed environment
// variables: NWWS_USERNAME, NWWS_PASSWORD, NWWS_SERVER, NWWS_PORT,
// NWWS_HISTORY, NWWS_QUEUE_CAPACITY, NWWS_IDLE_TIMEOUT. Values are
// whitespace-stripped; unset variables leave the default in place.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Username: envString("NWWS_USERNAME"),
		Password: envString("NWWS_PASSWORD"),
		Server:   envString("NWWS_SERVER"),
	}
	var err error
	if cfg.Port, err = envInt("NWWS_PORT"); err != nil {
		return Config{}, err
	}
	if cfg.History, err = envInt("NWWS_HISTORY"); err != nil {
		return Config{}, err
	}
	if cfg.QueueCapacity, err = envInt("NWWS_QUEUE_CAPACITY"); err != nil {
		return Config{}, err
	}
	if raw := envString("NWWS_IDLE_TIMEOUT"); raw != "" {
		cfg.IdleTimeout, err = time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("nwws: NWWS_IDLE_TIMEOUT: %w", err)
		}
	}
	return cfg, nil
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envInt(key string) (int, error) {
	raw := envString(key)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("nwws: %s: %w", key, err)
	}
	return value, nil
}
