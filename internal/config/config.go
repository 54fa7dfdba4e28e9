// Package config holds runtime settings for the sync daemon. Values are
// layered: defaults, then an optional JSON file, then command-line flags,
// with later sources taking precedence.
package config

import (
	"os"
	"time"
)

// Config holds runtime settings for the sync daemon.
//
// Units: the timeout fields are time.Durations bounding individual protocol
// steps of a sync session.
type Config struct {
	DatabasePath string
	DeviceName   string
	ListenAddr   string
	ListenPort   int

	// PeerAddr, when set ("host:port"), makes the daemon run a single sync
	// with that peer and exit instead of listening.
	PeerAddr string

	HandshakeTimeout time.Duration
	ManifestTimeout  time.Duration
	PullTimeout      time.Duration
	PushTimeout      time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DatabasePath = "noteece.db"
	c.DeviceName = defaultDeviceName()
	c.ListenAddr = "0.0.0.0"
	c.ListenPort = 8833
	c.HandshakeTimeout = 10 * time.Second
	c.ManifestTimeout = 10 * time.Second
	c.PullTimeout = 10 * time.Second
	c.PushTimeout = 10 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present).
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}

func defaultDeviceName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "noteece-device"
}
