// Package platform implements the consensus node's process lifecycle,
// wiring together the roster, gossip, reconnect, and signed-state
// subsystems behind a single PlatformContext.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config holds all configuration for a consensus node process.
type Config struct {
	// DataDir is the root directory for all on-disk state.
	DataDir string

	// Name is a human-readable node identifier (used in logs).
	Name string

	// GossipPort is the TCP port for authenticated gossip connections.
	GossipPort int

	// MaxPeers is the maximum number of concurrent gossip peers.
	MaxPeers int

	// LogLevel controls log verbosity (debug, info, warn, error).
	LogLevel string

	// Metrics enables the Prometheus-text metrics exporter.
	Metrics bool
	// MetricsPort is the HTTP port the metrics exporter listens on.
	MetricsPort int

	// ReconnectMaxParallelSubtrees is validated to be positive, but the
	// reconnect learner does not read it: its concurrent view bound is the
	// constant reconnect.MaxConcurrentViews.
	ReconnectMaxParallelSubtrees int
	// ReconnectAsyncStreamTimeout is applied as the overall deadline of each
	// gossip session; the reconnect learner does not apply a per-poll
	// timeout.
	ReconnectAsyncStreamTimeout time.Duration
	// ReconnectAsyncStreamBufferSize is parsed from flags but not passed to
	// any subsystem; reconnect views have no read-ahead buffer.
	ReconnectAsyncStreamBufferSize int

	// GossipMaxOutstandingEvents bounds the number of events a gossip
	// session may have sent but not yet acknowledged (backpressure window).
	GossipMaxOutstandingEvents int

	// ShadowGraphAncientWindow is parsed from flags but not passed to the
	// shadow graph, whose ancient threshold moves only through explicit
	// AdvanceAncientThreshold calls.
	ShadowGraphAncientWindow uint64

	// StateRetentionWindow is the number of rounds of signed state the
	// state manager keeps resident before evicting them.
	StateRetentionWindow uint64
	// StateSentinelLeakTTL is the age at which an outstanding reservation
	// is logged as a suspected leak.
	StateSentinelLeakTTL time.Duration

	// TipsetZeroWeightBias is the probability that the event creator still
	// picks an other-parent when no candidate advances its tipset.
	TipsetZeroWeightBias float64
}

// defaultDataDir returns the platform-specific default data directory.
// Falls back to ".hgnode" in the current directory if the home directory
// cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hgnode"
	}
	return filepath.Join(home, ".hgnode")
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:                        defaultDataDir(),
		Name:                           "hgnode",
		GossipPort:                     30777,
		MaxPeers:                       40,
		LogLevel:                       "info",
		Metrics:                        false,
		MetricsPort:                    9777,
		ReconnectMaxParallelSubtrees:   4,
		ReconnectAsyncStreamTimeout:    10 * time.Second,
		ReconnectAsyncStreamBufferSize: 32,
		GossipMaxOutstandingEvents:     1000,
		ShadowGraphAncientWindow:       26,
		StateRetentionWindow:           26,
		StateSentinelLeakTTL:           5 * time.Minute,
		TipsetZeroWeightBias:           0.05,
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("config: datadir must not be empty")
	}
	if c.GossipPort < 0 || c.GossipPort > 65535 {
		return fmt.Errorf("config: invalid gossip port: %d", c.GossipPort)
	}
	if c.Metrics && (c.MetricsPort < 0 || c.MetricsPort > 65535) {
		return fmt.Errorf("config: invalid metrics port: %d", c.MetricsPort)
	}
	if c.MaxPeers < 0 {
		return fmt.Errorf("config: invalid max peers: %d", c.MaxPeers)
	}
	if c.ReconnectMaxParallelSubtrees <= 0 {
		return fmt.Errorf("config: reconnect.max_parallel_subtrees must be positive, got %d", c.ReconnectMaxParallelSubtrees)
	}
	if c.GossipMaxOutstandingEvents <= 0 {
		return fmt.Errorf("config: gossip.max_outstanding_events must be positive, got %d", c.GossipMaxOutstandingEvents)
	}
	if c.TipsetZeroWeightBias < 0 || c.TipsetZeroWeightBias > 1 {
		return fmt.Errorf("config: tipset.zero_weight_bias must be in [0,1], got %f", c.TipsetZeroWeightBias)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// dataDirSubdirs lists subdirectories created inside the data directory.
var dataDirSubdirs = []string{
	"states",
	"keystore",
	"roster",
}

// InitDataDir creates the data directory and its standard subdirectories
// if they do not already exist.
func (c *Config) InitDataDir() error {
	if c.DataDir == "" {
		return errors.New("config: datadir must not be empty")
	}

	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return fmt.Errorf("config: create datadir: %w", err)
	}

	for _, sub := range dataDirSubdirs {
		dir := filepath.Join(c.DataDir, sub)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("config: create %s: %w", sub, err)
		}
	}
	return nil
}

// ResolvePath resolves a path relative to the data directory.
func (c *Config) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// StateRoundDir returns the on-disk directory for a retained round's signed
// state, using a zero-padded round directory name.
func (c *Config) StateRoundDir(round uint64) string {
	return c.ResolvePath(filepath.Join("states", fmt.Sprintf("%020d", round)))
}

// GossipAddr returns the gossip listen address string.
func (c *Config) GossipAddr() string {
	return fmt.Sprintf(":%d", c.GossipPort)
}

// MetricsAddr returns the metrics HTTP listen address string.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.MetricsPort)
}
