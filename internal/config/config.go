// Package config loads daemon settings from the environment.
//
// Variables use the BEACON_ prefix (BEACON_HOSTNAME, BEACON_LOG_LEVEL, ...).
// An optional .env file is read first; variables already set in the process
// environment win over it.
package config

import (
	goerrors "errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/meshbeacon/mdnscore/internal/protocol"
)

// Prefix is the environment variable prefix.
const Prefix = "BEACON"

// Validation failures.
var (
	ErrNoFamily       = goerrors.New("at least one of IPv4 and IPv6 must be enabled")
	ErrMessageSize    = goerrors.New("max message size out of range")
	ErrLogFormat      = goerrors.New("log format must be json or console")
	ErrMeshLocalRange = goerrors.New("invalid mesh-local prefix")
)

// Config holds the daemon settings, read from BEACON_* variables only.
type Config struct {
	// Hostname is the host label published as "<hostname>.local.". Empty means
	// the OS hostname.
	Hostname string

	// Interface restricts the responder to one network interface.
	Interface string

	IPv4 bool `default:"true"`
	IPv6 bool `default:"true"`

	QuestionUnicast bool `split_words:"true" default:"true"`
	MaxMessageSize  int  `split_words:"true" default:"9000"`

	// MeshLocalPrefixes are filtered out of published host addresses.
	MeshLocalPrefixes []string `split_words:"true"`

	// Seed seeds the response jitter. Zero picks a random seed.
	Seed uint64

	LogLevel  string `split_words:"true" default:"info"`
	LogFormat string `split_words:"true" default:"json"`

	// MetricsAddr is the listen address of the Prometheus endpoint. Empty
	// disables it.
	MetricsAddr string `split_words:"true"`
}

// Load reads envFile (when it exists) and then the environment. An empty
// envFile skips the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !goerrors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	if !c.IPv4 && !c.IPv6 {
		return ErrNoFamily
	}
	if c.MaxMessageSize < protocol.MinMaxMessageSize || c.MaxMessageSize > protocol.DefaultMaxMessageSize {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrMessageSize, c.MaxMessageSize,
			protocol.MinMaxMessageSize, protocol.DefaultMaxMessageSize)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console", "text":
	default:
		return fmt.Errorf("%w: %q", ErrLogFormat, c.LogFormat)
	}
	if _, err := c.Prefixes(); err != nil {
		return err
	}
	return nil
}

// Prefixes parses MeshLocalPrefixes.
func (c *Config) Prefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range c.MeshLocalPrefixes {
		p, err := netip.ParsePrefix(strings.TrimSpace(s))
		if err != nil || !p.Addr().Is6() {
			return nil, fmt.Errorf("%w: %q", ErrMeshLocalRange, s)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// HostLabel returns Hostname, falling back to the first label of the OS
// hostname.
func (c *Config) HostLabel() (string, error) {
	if c.Hostname != "" {
		return c.Hostname, nil
	}
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: %w", err)
	}
	label, _, _ := strings.Cut(name, ".")
	return label, nil
}
