// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads gateway configuration from the environment.
//
// Every knob has a documented default; validation failures are configuration
// errors and map to exit code 2 in the CLI.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/mcp-gateway/pkg/gateway"
)

// Environment variable names. These are part of the deployment contract.
const (
	EnvBind              = "GATEWAY_BIND"
	EnvProbeInterval     = "PROBE_INTERVAL_SECONDS"
	EnvFailThreshold     = "FAIL_THRESHOLD"
	EnvCallDeadline      = "CALL_DEADLINE_SECONDS"
	EnvBackoffMinMS      = "RECONNECT_BACKOFF_MIN_MS"
	EnvBackoffMaxMS      = "RECONNECT_BACKOFF_MAX_MS"
	EnvCatalogTTL        = "TOOL_CATALOG_TTL_SECONDS"
	EnvMaxInflight       = "MAX_INFLIGHT_PER_CLIENT"
	EnvCollisionPolicy   = "COLLISION_POLICY"
	EnvBackendsFile      = "MCPGW_BACKENDS_FILE"
	EnvPolicyFile        = "MCPGW_POLICY_FILE"
	EnvAdminToken        = "MCPGW_ADMIN_TOKEN"
)

// Config is the resolved gateway configuration.
type Config struct {
	// Bind is the host:port the gateway listens on.
	Bind string

	// ProbeInterval is the health probe period per backend.
	ProbeInterval time.Duration

	// FailThreshold is the consecutive-failure count that flips a backend
	// unhealthy.
	FailThreshold int

	// CallDeadline is the default per-call deadline for tools/call.
	CallDeadline time.Duration

	// BackoffMin and BackoffMax bound the reconnect curve shared by the SSE
	// client and the supervisor's reconnect schedule.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// CatalogTTL is the catalog cache ceiling.
	CatalogTTL time.Duration

	// MaxInflightPerClient caps concurrent tools/call per caller identity.
	MaxInflightPerClient int

	// CollisionPolicy resolves duplicate tool names across backends.
	CollisionPolicy gateway.CollisionPolicy

	// BackendsFile is an optional YAML seed file of backend descriptors
	// loaded into the registry at startup.
	BackendsFile string

	// PolicyFile is an optional YAML ACL/argument-policy file.
	PolicyFile string

	// AdminToken authenticates the admin API. Empty disables admin auth
	// (local development only).
	AdminToken string
}

func bindDefaults(v *viper.Viper) {
	v.SetDefault(EnvBind, "0.0.0.0:8021")
	v.SetDefault(EnvProbeInterval, 15)
	v.SetDefault(EnvFailThreshold, 3)
	v.SetDefault(EnvCallDeadline, 120)
	v.SetDefault(EnvBackoffMinMS, 500)
	v.SetDefault(EnvBackoffMaxMS, 30000)
	v.SetDefault(EnvCatalogTTL, 300)
	v.SetDefault(EnvMaxInflight, 32)
	v.SetDefault(EnvCollisionPolicy, string(gateway.CollisionPrefix))
	v.SetDefault(EnvBackendsFile, "")
	v.SetDefault(EnvPolicyFile, "")
	v.SetDefault(EnvAdminToken, "")

	for _, name := range []string{
		EnvBind, EnvProbeInterval, EnvFailThreshold, EnvCallDeadline,
		EnvBackoffMinMS, EnvBackoffMaxMS, EnvCatalogTTL, EnvMaxInflight,
		EnvCollisionPolicy, EnvBackendsFile, EnvPolicyFile, EnvAdminToken,
	} {
		// BindEnv with the exact variable name; no prefix mangling.
		_ = v.BindEnv(name, name)
	}
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	bindDefaults(v)

	cfg := &Config{
		Bind:                 v.GetString(EnvBind),
		ProbeInterval:        time.Duration(v.GetInt(EnvProbeInterval)) * time.Second,
		FailThreshold:        v.GetInt(EnvFailThreshold),
		CallDeadline:         time.Duration(v.GetInt(EnvCallDeadline)) * time.Second,
		BackoffMin:           time.Duration(v.GetInt(EnvBackoffMinMS)) * time.Millisecond,
		BackoffMax:           time.Duration(v.GetInt(EnvBackoffMaxMS)) * time.Millisecond,
		CatalogTTL:           time.Duration(v.GetInt(EnvCatalogTTL)) * time.Second,
		MaxInflightPerClient: v.GetInt(EnvMaxInflight),
		CollisionPolicy:      gateway.CollisionPolicy(v.GetString(EnvCollisionPolicy)),
		BackendsFile:         v.GetString(EnvBackendsFile),
		PolicyFile:           v.GetString(EnvPolicyFile),
		AdminToken:           v.GetString(EnvAdminToken),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for semantic errors.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Bind); err != nil {
		return fmt.Errorf("invalid %s %q: %w", EnvBind, c.Bind, err)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("%s must be > 0", EnvProbeInterval)
	}
	if c.FailThreshold < 1 {
		return fmt.Errorf("%s must be >= 1", EnvFailThreshold)
	}
	if c.CallDeadline <= 0 {
		return fmt.Errorf("%s must be > 0", EnvCallDeadline)
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("reconnect backoff bounds invalid: min=%v max=%v", c.BackoffMin, c.BackoffMax)
	}
	if c.CatalogTTL <= 0 {
		return fmt.Errorf("%s must be > 0", EnvCatalogTTL)
	}
	if c.MaxInflightPerClient < 1 {
		return fmt.Errorf("%s must be >= 1", EnvMaxInflight)
	}
	if !c.CollisionPolicy.Valid() {
		return fmt.Errorf("%s must be one of: prefix, winner", EnvCollisionPolicy)
	}
	return nil
}
