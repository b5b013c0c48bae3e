/*
Copyright 2025 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the portal configuration from a YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/wamimi/proof-of-venue-presence/pkg/venue/gate"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/payload"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/relay"
	"github.com/wamimi/proof-of-venue-presence/pkg/venue/zkverify"
)

// Relay modes.
const (
	RelayModeSync  = "sync"
	RelayModeAsync = "async"
)

// Config is the portal configuration.
type Config struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"` // 0 is unlimited
	VenueID        string `yaml:"venue_id"`
	EventID        string `yaml:"event_id"`
	KeyPath        string `yaml:"key_path"`
	DBPath         string `yaml:"db_path"`
	ProofAppURL    string `yaml:"proof_app_url"`
	// ExtraLocalCIDRs are accepted in addition to the private and loopback ranges.
	ExtraLocalCIDRs []string `yaml:"extra_local_cidrs"`
	// TrustedProxies may set X-Forwarded-For.
	TrustedProxies []string `yaml:"trusted_proxies"`
	ZkVerify       ZkVerify `yaml:"zkverify"`
}

// ZkVerify configures the relay to the zkVerify relayer.
type ZkVerify struct {
	APIKey               string        `yaml:"api_key"`
	Endpoint             string        `yaml:"endpoint"`
	VKPath               string        `yaml:"vk_path"`
	ProofType            string        `yaml:"proof_type"`
	NumberOfPublicInputs int           `yaml:"public_inputs"`
	ChainID              int64         `yaml:"chain_id"`
	SuccessStatuses      []string      `yaml:"success_statuses"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	MaxPollAttempts      uint64        `yaml:"max_poll_attempts"`
	MaxPollDuration      time.Duration `yaml:"max_poll_duration"`
	RegisterSettle       time.Duration `yaml:"register_settle"`
	RelayMode            string        `yaml:"relay_mode"`
	// Retention is how long finished async relays stay queryable.
	Retention time.Duration `yaml:"retention"`
}

// Default returns the built-in configuration.
func Default() *Config {
	rc := relay.DefaultConfig()
	return &Config{
		Port:        3002,
		VenueID:     "VENUE_67890",
		EventID:     "EVENT_20250921",
		KeyPath:     "keys/venue-private-key.pem",
		DBPath:      "portal.db",
		ProofAppURL: "http://localhost:3000",
		ZkVerify: ZkVerify{
			Endpoint:             zkverify.DefaultBaseURL,
			VKPath:               "zkverify/vkey.json",
			ProofType:            rc.ProofType,
			NumberOfPublicInputs: rc.NumberOfPublicInputs,
			SuccessStatuses:      rc.SuccessStatuses,
			PollInterval:         rc.Policy.PollInterval,
			MaxPollDuration:      10 * time.Minute,
			RegisterSettle:       rc.RegisterSettle,
			RelayMode:            RelayModeSync,
			Retention:            time.Hour,
		},
	}
}

// Load returns the defaults overlaid with fileName, if set, and then with the
// environment.
func Load(fileName string) (*Config, error) {
	c := Default()
	if fileName != "" {
		data, err := os.ReadFile(fileName)
		if err != nil {
			return nil, errors.Wrap(err, "error reading config file")
		}
		if err := yaml.UnmarshalStrict(data, c); err != nil {
			return nil, errors.Wrapf(err, "error parsing config file %s", fileName)
		}
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return c, nil
}

// ApplyEnv overrides fields from environment variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(p *string, names ...string) {
		for _, n := range names {
			if v, ok := lookup(n); ok && v != "" {
				*p = v
				return
			}
		}
	}
	str(&c.Host, "PORTAL_HOST")
	str(&c.VenueID, "VENUE_ID")
	str(&c.EventID, "EVENT_ID")
	str(&c.KeyPath, "PORTAL_KEY_PATH")
	str(&c.DBPath, "PORTAL_DB_PATH")
	str(&c.ProofAppURL, "PROOF_APP_URL")
	str(&c.ZkVerify.APIKey, "ZKVERIFY_API_KEY", "API_KEY")
	str(&c.ZkVerify.Endpoint, "ZKVERIFY_ENDPOINT")
	str(&c.ZkVerify.VKPath, "ZKVERIFY_VK_PATH")
	str(&c.ZkVerify.ProofType, "ZKVERIFY_PROOF_TYPE")
	str(&c.ZkVerify.RelayMode, "ZKVERIFY_RELAY_MODE")

	if v, ok := lookup("PORTAL_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid PORTAL_PORT %q", v)
		}
		c.Port = port
	}
	if v, ok := lookup("ZKVERIFY_POLL_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "invalid ZKVERIFY_POLL_INTERVAL %q", v)
		}
		c.ZkVerify.PollInterval = d
	}
	if v, ok := lookup("PORTAL_LOCAL_CIDRS"); ok && v != "" {
		c.ExtraLocalCIDRs = splitList(v)
	}
	if v, ok := lookup("PORTAL_TRUSTED_PROXIES"); ok && v != "" {
		c.TrustedProxies = splitList(v)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks the configuration for coherence.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative, got %d", c.MaxConnections)
	}
	if err := payload.ValidID(c.VenueID); err != nil {
		return errors.Wrap(err, "venue_id")
	}
	if err := payload.ValidID(c.EventID); err != nil {
		return errors.Wrap(err, "event_id")
	}
	if c.KeyPath == "" {
		return errors.New("key_path must be set")
	}
	if c.DBPath == "" {
		return errors.New("db_path must be set")
	}
	if _, err := gate.ParsePrefixes(c.ExtraLocalCIDRs); err != nil {
		return errors.Wrap(err, "extra_local_cidrs")
	}
	if _, err := gate.ParsePrefixes(c.TrustedProxies); err != nil {
		return errors.Wrap(err, "trusted_proxies")
	}
	z := c.ZkVerify
	switch z.RelayMode {
	case RelayModeSync, RelayModeAsync:
	default:
		return fmt.Errorf("unknown relay_mode %q, expected %q or %q", z.RelayMode, RelayModeSync, RelayModeAsync)
	}
	if z.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", z.PollInterval)
	}
	if z.MaxPollDuration < 0 || z.RegisterSettle < 0 || z.Retention < 0 {
		return errors.New("durations must not be negative")
	}
	if z.ProofType == "" {
		return errors.New("proof_type must be set")
	}
	if z.NumberOfPublicInputs < 0 {
		return fmt.Errorf("public_inputs must not be negative, got %d", z.NumberOfPublicInputs)
	}
	return nil
}

// RelayEnabled reports whether proofs are relayed. Without an API key they
// are accepted locally.
func (c *Config) RelayEnabled() bool {
	return c.ZkVerify.APIKey != ""
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RelayConfig returns the relay settings.
func (c *Config) RelayConfig() relay.Config {
	z := c.ZkVerify
	return relay.Config{
		ProofType:            z.ProofType,
		NumberOfPublicInputs: z.NumberOfPublicInputs,
		ChainID:              z.ChainID,
		SuccessStatuses:      z.SuccessStatuses,
		Policy: relay.Policy{
			PollInterval: z.PollInterval,
			MaxAttempts:  z.MaxPollAttempts,
			MaxDuration:  z.MaxPollDuration,
		},
		RegisterSettle: z.RegisterSettle,
	}
}
