package main

import (
	"flag"
	"fmt"
	"strconv"

	"github.com/hgnode/consensus-node/pkg/platform"
)

// flagSet wraps flag.FlagSet to add support for uint64 flags: the standard
// flag package has no Uint64Var helper bound to a *Config field pattern
// that also accepts a default, so it's reimplemented here as a Value.
type flagSet struct {
	*flag.FlagSet
}

// newCustomFlagSet creates a flagSet with ContinueOnError behavior.
func newCustomFlagSet(name string) *flagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	return &flagSet{FlagSet: fs}
}

// Uint64Var defines a uint64 flag bound to p, defaulting to value.
func (fs *flagSet) Uint64Var(p *uint64, name string, value uint64, usage string) {
	fs.FlagSet.Var(&uint64Value{p: p}, name, usage)
	*p = value
}

type uint64Value struct{ p *uint64 }

func (v *uint64Value) String() string {
	if v.p == nil {
		return "0"
	}
	return strconv.FormatUint(*v.p, 10)
}

func (v *uint64Value) Set(s string) error {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid uint64 value %q", s)
	}
	*v.p = n
	return nil
}

// cliFlags holds the flags this command accepts beyond platform.Config's
// own fields: node identity, roster source, and keystore passphrase.
type cliFlags struct {
	NodeID         string
	RosterFile     string
	KeyPassphrase  string
	HashAlgorithm  string
	TickInterval   string // parsed as a duration below; kept as a string flag for a clear default string
}

// parseFlags parses CLI arguments into a platform.Config and the
// command-specific cliFlags. Returns the configs, whether the caller
// should exit immediately, and the exit code to use in that case.
func parseFlags(args []string) (platform.Config, cliFlags, bool, int) {
	cfg := platform.DefaultConfig()
	cli := cliFlags{HashAlgorithm: "sha384", TickInterval: "500ms"}

	fs := newFlagSet(&cfg, &cli)
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(flagErrOutput, "Error: %v\n", err)
		return cfg, cli, true, 1
	}
	if *showVersion {
		fmt.Fprintf(flagErrOutput, "consensus-node %s (commit %s)\n", version, commit)
		return cfg, cli, true, 0
	}
	return cfg, cli, false, 0
}

// newFlagSet binds every CLI flag to cfg and cli.
func newFlagSet(cfg *platform.Config, cli *cliFlags) *flagSet {
	fs := newCustomFlagSet("consensus-node")

	fs.StringVar(&cfg.DataDir, "datadir", cfg.DataDir, "data directory path")
	fs.StringVar(&cfg.Name, "name", cfg.Name, "human-readable node identifier")
	fs.IntVar(&cfg.GossipPort, "gossip-port", cfg.GossipPort, "mTLS gossip listening port")
	fs.IntVar(&cfg.MaxPeers, "max-peers", cfg.MaxPeers, "maximum number of concurrent gossip peers")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "enable the Prometheus-text metrics exporter")
	fs.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "metrics HTTP port")

	fs.IntVar(&cfg.ReconnectMaxParallelSubtrees, "reconnect-max-parallel-subtrees", cfg.ReconnectMaxParallelSubtrees, "must be positive; the reconnect learner uses its own fixed view bound")
	fs.DurationVar(&cfg.ReconnectAsyncStreamTimeout, "reconnect-async-stream-timeout", cfg.ReconnectAsyncStreamTimeout, "overall deadline of each gossip session")
	fs.IntVar(&cfg.ReconnectAsyncStreamBufferSize, "reconnect-async-stream-buffer-size", cfg.ReconnectAsyncStreamBufferSize, "parsed but not used by any subsystem")
	fs.IntVar(&cfg.GossipMaxOutstandingEvents, "gossip-max-outstanding-events", cfg.GossipMaxOutstandingEvents, "gossip backpressure window")
	fs.Uint64Var(&cfg.ShadowGraphAncientWindow, "shadow-graph-ancient-window", cfg.ShadowGraphAncientWindow, "parsed but not passed to the shadow graph")
	fs.Uint64Var(&cfg.StateRetentionWindow, "state-retention-window", cfg.StateRetentionWindow, "rounds of signed state retained before GC")
	fs.DurationVar(&cfg.StateSentinelLeakTTL, "state-sentinel-leak-ttl", cfg.StateSentinelLeakTTL, "age at which a held reservation is flagged as a suspected leak")
	fs.Float64Var(&cfg.TipsetZeroWeightBias, "tipset-zero-weight-bias", cfg.TipsetZeroWeightBias, "probability of still picking an other-parent when none advances the tipset")

	fs.StringVar(&cli.NodeID, "node-id", cli.NodeID, "this node's roster node id (UUID)")
	fs.StringVar(&cli.RosterFile, "roster-file", cli.RosterFile, "path to the roster JSON file (defaults to <datadir>/roster/roster.json)")
	fs.StringVar(&cli.KeyPassphrase, "key-passphrase", cli.KeyPassphrase, "passphrase protecting this node's keystore entry")
	fs.StringVar(&cli.HashAlgorithm, "hash-algorithm", cli.HashAlgorithm, "event/state hash algorithm (sha384, blake2b384)")
	fs.StringVar(&cli.TickInterval, "tick-interval", cli.TickInterval, "event creator tick interval")

	return fs
}
