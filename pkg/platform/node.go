package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hgnode/consensus-node/pkg/log"
	"github.com/hgnode/consensus-node/pkg/metrics"
)

// Clock abstracts time so that tests can substitute a fake clock when
// exercising deadline-sensitive gossip and reconnect logic.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock is the production Clock backed by the system clock.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// RealClock returns the production Clock implementation.
func RealClock() Clock { return realClock{} }

// PlatformContext bundles everything a subsystem constructor needs: the
// validated configuration, a module-scoped logger, the metrics registry, and
// a Clock. It is created once at startup and passed by pointer into every
// constructor that needs ambient services, instead of reaching for package
// globals.
type PlatformContext struct {
	Config  *Config
	Logger  *log.Logger
	Metrics *metrics.Registry
	Clock   Clock
	Events  *EventBus
}

// NewPlatformContext builds a PlatformContext from a validated Config. It
// does not start any services.
func NewPlatformContext(config *Config) (*PlatformContext, error) {
	if config == nil {
		c := DefaultConfig()
		config = &c
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := log.New(slogLevelFromString(config.LogLevel))

	return &PlatformContext{
		Config:  config,
		Logger:  logger,
		Metrics: metrics.NewRegistry(),
		Clock:   RealClock(),
		Events:  NewEventBus(64),
	}, nil
}

// Module returns a child logger scoped to the given subsystem name,
// convenience for constructors that only need the logger.
func (pc *PlatformContext) Module(name string) *log.Logger {
	return pc.Logger.Module(name)
}

// Node is the top-level process that owns a PlatformContext and a
// ServiceRegistry of subsystems (gossip, reconnect, state manager, ...).
// Node itself knows nothing about what those subsystems are; callers
// register them with Register before calling Start.
type Node struct {
	ctx      *PlatformContext
	registry *ServiceRegistry

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// New creates a Node with the given configuration. It initializes the
// PlatformContext and an empty service registry; subsystems must be
// registered with Register before Start is called.
func New(config *Config) (*Node, error) {
	ctx, err := NewPlatformContext(config)
	if err != nil {
		return nil, err
	}
	if err := ctx.Config.InitDataDir(); err != nil {
		return nil, fmt.Errorf("init datadir: %w", err)
	}

	return &Node{
		ctx:      ctx,
		registry: NewServiceRegistry(32),
		stop:     make(chan struct{}),
	}, nil
}

// Context returns the node's PlatformContext.
func (n *Node) Context() *PlatformContext { return n.ctx }

// Register adds a subsystem to the node's service registry. See
// ServiceRegistry.Register for ordering semantics.
func (n *Node) Register(desc *ServiceDescriptor) error {
	return n.registry.Register(desc)
}

// Start starts all registered subsystems in dependency order.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return errors.New("node already running")
	}

	n.ctx.Logger.Info("starting node", "name", n.ctx.Config.Name, "gossip_addr", n.ctx.Config.GossipAddr())

	if errs := n.registry.Start(); len(errs) > 0 {
		for _, e := range errs {
			n.ctx.Logger.Error("subsystem start failed", "err", e)
		}
		return fmt.Errorf("%d subsystem(s) failed to start: %w", len(errs), errs[0])
	}

	n.running = true
	n.ctx.Logger.Info("node started", "services", n.registry.Count())
	return nil
}

// Stop gracefully shuts down all subsystems in reverse start order.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}

	n.ctx.Logger.Info("stopping node")
	errs := n.registry.Stop()
	for _, e := range errs {
		n.ctx.Logger.Error("subsystem stop failed", "err", e)
	}

	n.running = false
	close(n.stop)
	n.ctx.Logger.Info("node stopped")
	if len(errs) > 0 {
		return fmt.Errorf("%d subsystem(s) failed to stop cleanly: %w", len(errs), errs[0])
	}
	return nil
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() {
	<-n.stop
}

// Running reports whether the node is currently running.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// HealthCheck returns per-subsystem health, delegating to the registry.
func (n *Node) HealthCheck() map[string]bool {
	return n.registry.HealthCheck()
}

// slogLevelFromString converts the node's config-level log level string to
// a slog.Level, matching log.LogLevel's own parsing rules.
func slogLevelFromString(s string) slog.Level {
	switch log.LevelFromString(s) {
	case log.DEBUG:
		return slog.LevelDebug
	case log.WARN:
		return slog.LevelWarn
	case log.ERROR, log.FATAL:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
