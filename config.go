// SPDX-License-Identifier: GPL-3.0-or-later

package ioengine

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/bassosimone/ioengine/quota"
)

// Config holds common configuration for ioengine operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*ConnectFunc].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to a classifier backed by
	// [github.com/bassosimone/errclass.New].
	ErrClassifier ErrClassifier

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time

	// Quota is the root hierarchical memory quota against which every
	// endpoint allocates its I/O buffers (§4.1).
	//
	// Set by [NewConfig] to an unlimited root quota named "engine".
	Quota *quota.Quota

	// ZeroCopyEnabled records whether zero-copy send is requested. This
	// package has no zero-copy I/O path: the field is parsed and stored
	// but no Endpoint reads it.
	//
	// Set by [NewConfig] to false.
	ZeroCopyEnabled bool

	// ZeroCopyThreshold records the minimum message size, in bytes, for
	// zero-copy send. Like ZeroCopyEnabled, it is parsed and stored but
	// no Endpoint reads it.
	//
	// Set by [NewConfig] to 32768.
	ZeroCopyThreshold int

	// ClientIdleTimeout is the continuous zero-call span an Endpoint
	// must observe before its idle tracker emits EnterIdle (§4.8). Zero
	// disables idle tracking, so an Endpoint never enters idle.
	// [ConfigFromMap] raises a positive value below one second to one
	// second.
	//
	// Set by [NewConfig] to 0 (disabled).
	ClientIdleTimeout time.Duration

	// PollStrategy names the underlying readiness-notification
	// mechanism (e.g. "epoll", "kqueue", "iocp"); Go's runtime
	// netpoller abstracts this away, so this field is informational:
	// it is set by [NewConfig] and [ConfigFromMap] and read by no
	// other code in this package.
	//
	// Set by [NewConfig] to "netpoller".
	PollStrategy string
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:            &net.Dialer{},
		ErrClassifier:     ErrClassifierFunc(errclass.New),
		TimeNow:           time.Now,
		Quota:             quota.New("engine", quota.Unlimited),
		ZeroCopyEnabled:   false,
		ZeroCopyThreshold: 32768,
		ClientIdleTimeout: 0,
		PollStrategy:      "netpoller",
	}
}

// ConfigFromMap builds a [*Config] starting from [NewConfig]'s
// defaults and overriding fields present in m. Recognized keys:
// "quotaLimit" (integer bytes, or "unlimited"), "zeroCopyEnabled"
// ("true"/"false"), "zeroCopyThreshold" (integer bytes),
// "clientIdleTimeout" (a [time.ParseDuration] string; a positive value
// below one second is raised to one second), "pollStrategy" (opaque
// string).
//
// Unrecognized keys are ignored. This is the engine's textual
// configuration surface, e.g. for wiring from environment variables
// or a flat config file.
func ConfigFromMap(m map[string]string) (*Config, error) {
	cfg := NewConfig()

	if v, ok := m["quotaLimit"]; ok {
		limit := quota.Unlimited
		if v != "unlimited" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("ioengine: invalid quotaLimit %q: %w", v, err)
			}
			limit = n
		}
		cfg.Quota = quota.New("engine", limit)
	}

	if v, ok := m["zeroCopyEnabled"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("ioengine: invalid zeroCopyEnabled %q: %w", v, err)
		}
		cfg.ZeroCopyEnabled = b
	}

	if v, ok := m["zeroCopyThreshold"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("ioengine: invalid zeroCopyThreshold %q: %w", v, err)
		}
		cfg.ZeroCopyThreshold = n
	}

	if v, ok := m["clientIdleTimeout"]; ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("ioengine: invalid clientIdleTimeout %q: %w", v, err)
		}
		if d > 0 && d < time.Second {
			d = time.Second
		}
		cfg.ClientIdleTimeout = d
	}

	if v, ok := m["pollStrategy"]; ok {
		cfg.PollStrategy = v
	}

	return cfg, nil
}
