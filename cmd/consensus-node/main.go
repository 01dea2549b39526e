// Command consensus-node runs one hashgraph consensus node: it joins the
// gossip network over mTLS, creates events from tipset advancement,
// maintains the shadow graph, and stamps/signs state snapshots on a
// retention window.
//
// Usage:
//
//	consensus-node --node-id <uuid> --roster-file roster.json [flags]
//
// Flags:
//
//	--datadir       Data directory path (default: ~/.hgnode)
//	--gossip-port   mTLS gossip listening port (default: 30777)
//	--max-peers     Max concurrent gossip peers (default: 40)
//	--log-level     Log level: debug, info, warn, error (default: info)
//	--metrics       Enable the Prometheus-text metrics exporter
//	--node-id       This node's roster node id (required)
//	--roster-file   Path to the roster JSON file
//	--version       Print version and exit
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hgnode/consensus-node/pkg/crypto"
	"github.com/hgnode/consensus-node/pkg/eventcreator"
	"github.com/hgnode/consensus-node/pkg/gossip"
	"github.com/hgnode/consensus-node/pkg/merkle"
	"github.com/hgnode/consensus-node/pkg/platform"
	"github.com/hgnode/consensus-node/pkg/reconnect"
	"github.com/hgnode/consensus-node/pkg/roster"
	"github.com/hgnode/consensus-node/pkg/shadowgraph"
	"github.com/hgnode/consensus-node/pkg/state"
	"github.com/hgnode/consensus-node/pkg/tipset"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

// flagErrOutput is where flag-parsing and --version output goes; a var so
// tests driving run() in isolation can redirect it.
var flagErrOutput = os.Stderr

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code
// 0 = clean shutdown, 1 = startup failure, 2 = fatal runtime error,
// 3 = operator abort. Accepts CLI arguments directly so it can be
// exercised in isolation.
func run(args []string) int {
	cfg, cli, exit, code := parseFlags(args)
	if exit {
		return code
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("consensus-node %s starting", version)
	log.Printf("  datadir:     %s", cfg.DataDir)
	log.Printf("  gossip port: %d", cfg.GossipPort)
	log.Printf("  max peers:   %d", cfg.MaxPeers)
	log.Printf("  log level:   %s", cfg.LogLevel)
	log.Printf("  metrics:     %v", cfg.Metrics)

	if err := cfg.Validate(); err != nil {
		log.Printf("Invalid configuration: %v", err)
		return 1
	}
	if err := cfg.InitDataDir(); err != nil {
		log.Printf("Failed to initialize datadir: %v", err)
		return 1
	}

	selfID, err := uuid.Parse(cli.NodeID)
	if err != nil {
		log.Printf("Invalid --node-id: %v", err)
		return 1
	}

	rosterPath := cli.RosterFile
	if rosterPath == "" {
		rosterPath = defaultRosterPath(&cfg)
	}
	r, err := loadRoster(rosterPath)
	if err != nil {
		log.Printf("Failed to load roster: %v", err)
		return 1
	}
	if _, err := r.Member(selfID); err != nil {
		log.Printf("This node (%s) is not present in the loaded roster", selfID)
		return 1
	}

	ident, err := loadOrCreateIdentity(&cfg, selfID, cli.KeyPassphrase)
	if err != nil {
		log.Printf("Failed to load node identity: %v", err)
		return 1
	}
	tlsConfig, err := buildTLSConfig(ident, r)
	if err != nil {
		log.Printf("Failed to build TLS configuration: %v", err)
		return 1
	}

	hasher := crypto.NewHasher(hashAlgorithmFromFlag(cli.HashAlgorithm))

	dataSource, err := merkle.OpenLevelDBDataSource(cfg.ResolvePath("state-db"))
	if err != nil {
		log.Printf("Failed to open state database: %v", err)
		return 1
	}

	n, err := platform.New(&cfg)
	if err != nil {
		log.Printf("Failed to create node: %v", err)
		return 1
	}
	ctx := n.Context()

	graph := shadowgraph.New()
	tracker := tipset.NewTracker(r)
	reputation := gossip.NewReputationTracker(gossip.DefaultReputationConfig())
	trustStore := gossip.NewTrustStore(r, ctx.Module("peeridentity"))
	validator := makeEventValidator(r)

	tickInterval, err := time.ParseDuration(cli.TickInterval)
	if err != nil {
		log.Printf("Invalid --tick-interval: %v", err)
		return 1
	}

	creator := eventcreator.New(eventcreator.Config{
		Self:           selfID,
		Roster:         r,
		Graph:          graph,
		Tipsets:        tracker,
		Hasher:         hasher,
		Sign:           func(msg []byte) ([]byte, error) { return signEd25519(ident, msg), nil },
		ZeroWeightBias: cfg.TipsetZeroWeightBias,
		BirthRound:     func() uint64 { return r.Round },
	})

	stateMgr := state.New(state.Config{
		RetentionWindow:  cfg.StateRetentionWindow,
		SentinelLeakTTL:  cfg.StateSentinelLeakTTL,
		Hasher:           hasher,
		Verify:           makeStateVerifier(),
		Logger:           ctx.Module("state"),
	}, func(st *state.SignedState) {
		ctx.Logger.Info("signed state completed", "round", st.Round)
		ctx.Events.PublishAsync(platform.EventStateSigned, st.Round)
	})

	learner := reconnect.NewLearner(hasher, dataSource)
	teacher := reconnect.NewTeacher(nilSource{})

	services := []*platform.ServiceDescriptor{
		{Name: "state", Service: &stateService{manager: stateMgr}, Priority: 0},
		{Name: "reconnect", Service: &reconnectService{logger: ctx.Module("reconnect"), Learner: learner, Teacher: teacher}, Dependencies: []string{"state"}, Priority: 5},
		{Name: "gossip", Service: &gossipService{
			cfg: &cfg, logger: ctx.Module("gossip"), self: selfID, roster: r, rosterEpoch: r.Round,
			softwareVer: version, graph: graph, validate: validator, reputation: reputation,
			tlsConfig: tlsConfig, trust: trustStore,
		}, Priority: 10},
		{Name: "eventcreator", Service: &eventCreatorService{creator: creator, logger: ctx.Module("eventcreator"), interval: tickInterval}, Priority: 20},
	}
	for _, desc := range services {
		if err := n.Register(desc); err != nil {
			log.Printf("Failed to register service %s: %v", desc.Name, err)
			return 1
		}
	}

	if err := n.Start(context.Background()); err != nil {
		log.Printf("Failed to start node: %v", err)
		return 1
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down...", sig)

	doneCh := make(chan error, 1)
	go func() { doneCh <- n.Stop() }()

	select {
	case err := <-doneCh:
		dataSource.Close()
		if err != nil {
			log.Printf("Error during shutdown: %v", err)
			return 2
		}
		log.Println("Shutdown complete")
		return 0
	case sig := <-sigCh:
		log.Printf("Received second signal %v, operator abort: forcing immediate shutdown", sig)
		return 3
	}
}

// buildTLSConfig pins every roster member's self-signed agreement
// certificate as a trust anchor and presents this node's
// own certificate as the TLS leaf for both inbound and outbound
// connections.
func buildTLSConfig(ident *identity, r *roster.Roster) (*tls.Config, error) {
	pool := x509.NewCertPool()
	for _, m := range r.Members {
		if m.SigningCert != nil {
			pool.AddCert(m.SigningCert)
		}
	}
	leaf := tls.Certificate{Certificate: [][]byte{ident.Cert.Raw}, PrivateKey: ident.Private}
	return &tls.Config{
		Certificates: []tls.Certificate{leaf},
		RootCAs:      pool,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func hashAlgorithmFromFlag(s string) crypto.HashAlgorithm {
	if s == "blake2b384" {
		return crypto.BLAKE2b384
	}
	return crypto.SHA384
}

func makeStateVerifier() state.VerifyFunc {
	return func(signer *roster.Member, hash crypto.Hash, signature []byte) bool {
		if signer.SigningCert == nil {
			return false
		}
		pub, ok := signer.SigningCert.PublicKey.(ed25519.PublicKey)
		if !ok {
			return false
		}
		return verifyEd25519(pub, hash[:], signature)
	}
}

func signEd25519(ident *identity, msg []byte) []byte {
	return ed25519.Sign(ident.Private, msg)
}

// nilSource is a placeholder reconnect.Source with no backing tree;
// wiring a real one requires a path-indexed view over the latest
// complete SignedState's root, which is a future integration point (see
// reconnectService's doc comment).
type nilSource struct{}

func (nilSource) NodeAt(merkle.Path) (merkle.Node, bool) { return nil, false }
