package aeroute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cognicore/aeroute/pkg/aeroute/config"
	"github.com/cognicore/aeroute/pkg/aeroute/events"
	"github.com/cognicore/aeroute/pkg/aeroute/inference"
	"github.com/cognicore/aeroute/pkg/aeroute/knowledge"
	"github.com/cognicore/aeroute/pkg/aeroute/learning"
	"github.com/cognicore/aeroute/pkg/aeroute/metrics"
	"github.com/cognicore/aeroute/pkg/aeroute/planner"
	"github.com/cognicore/aeroute/pkg/aeroute/store"
	"github.com/cognicore/aeroute/pkg/aeroute/store/memstore"
	"github.com/cognicore/aeroute/pkg/aeroute/store/postgres"
	"github.com/cognicore/aeroute/pkg/aeroute/store/sqlite"
)

// Aeroute is the route planning and learning facade
type Aeroute struct {
	store    store.Store
	kb       *knowledge.KnowledgeBase
	engine   *inference.Engine
	planner  *planner.Planner
	learning *learning.System
	events   events.Publisher
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Options configures an Aeroute instance
type Options struct {
	Store   store.Store
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Events  events.Publisher
	Planner planner.Options
	// MaxPasses bounds forward chaining; zero leaves it unbounded.
	MaxPasses int
}

// New creates an Aeroute instance with the given dependencies
func New(opts Options) *Aeroute {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pub := opts.Events
	if pub == nil {
		pub = events.Nop{}
	}

	kb := knowledge.New(opts.Store, logger.Named("knowledge"))

	popts := opts.Planner
	popts.Logger = logger.Named("planner")
	popts.Metrics = opts.Metrics

	return &Aeroute{
		store: opts.Store,
		kb:    kb,
		engine: inference.New(kb, opts.Store, inference.Options{
			MaxPasses: opts.MaxPasses,
			Logger:    logger.Named("inference"),
			Metrics:   opts.Metrics,
		}),
		planner: planner.New(opts.Store, popts),
		learning: learning.New(opts.Store, learning.Options{
			Logger:  logger.Named("learning"),
			Metrics: opts.Metrics,
			Events:  pub,
		}),
		events:  pub,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

// Open builds an instance from configuration: the store named by
// cfg.Database, a Redis learning stream when cfg.Events.RedisURL is set,
// and metrics registered on reg when reg is non-nil.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*Aeroute, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	st, err := OpenStore(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	var pub events.Publisher = events.Nop{}
	if cfg.Events.RedisURL != "" {
		stream, err := events.NewRedisStream(ctx, cfg.Events.RedisURL, cfg.Events.Stream, logger.Named("events"))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("connect learning stream: %w", err)
		}
		pub = stream
	}

	var m *metrics.Metrics
	if reg != nil {
		m = metrics.New(reg)
	}

	return New(Options{
		Store:     st,
		Logger:    logger,
		Metrics:   m,
		Events:    pub,
		Planner:   cfg.PlannerOptions(),
		MaxPasses: cfg.Inference.MaxPasses,
	}), nil
}

// OpenStore opens the store for the configured driver. PostgreSQL
// migrations run on open.
func OpenStore(ctx context.Context, db config.DatabaseConfig, logger *zap.Logger) (store.Store, error) {
	switch db.Driver {
	case config.DriverSQLite:
		st, err := sqlite.OpenSQLite(ctx, db.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, nil
	case config.DriverPostgres:
		st, err := postgres.New(ctx, db.DSN, logger.Named("postgres"))
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case config.DriverMemory:
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", db.Driver)
	}
}

// NewLogger builds a zap logger for the given level. Debug uses the
// development encoder.
func NewLogger(level string) (*zap.Logger, error) {
	if strings.EqualFold(level, "debug") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	cfg.Level = lvl
	return cfg.Build()
}

// Close cleanly shuts down the store and the event publisher
func (a *Aeroute) Close() error {
	var errs []error
	if c, ok := a.events.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}

// Init loads the knowledge base and the planner airport set.
func (a *Aeroute) Init(ctx context.Context) error {
	return errors.Join(a.engine.Initialize(ctx), a.planner.Initialize(ctx))
}

// Reload refreshes rules, weather constraints and airports from the store.
func (a *Aeroute) Reload(ctx context.Context) error {
	return errors.Join(a.engine.Initialize(ctx), a.planner.Reload(ctx))
}

// PlanRoute plans a direct route between two IATA codes.
func (a *Aeroute) PlanRoute(ctx context.Context, origin, destination string) (*planner.Result, error) {
	return a.planner.PlanRoute(ctx, origin, destination)
}

// LearnFromRoute feeds a route outcome back into the store. On success the
// knowledge base is refreshed so later chaining sees the adapted rules and
// constraints; a refresh failure is logged only.
func (a *Aeroute) LearnFromRoute(ctx context.Context, route *planner.Result, success bool, fb *learning.Feedback) error {
	if err := a.learning.LearnFromRoute(ctx, route, success, fb); err != nil {
		return err
	}
	if err := a.engine.Initialize(ctx); err != nil {
		a.logger.Warn("refreshing knowledge base after learning failed", zap.Error(err))
	}
	return nil
}

// RunForwardChain derives conclusions from facts using the active rules.
func (a *Aeroute) RunForwardChain(ctx context.Context, facts map[string]any) (inference.Result, error) {
	return a.engine.ForwardChain(ctx, facts)
}

// FindOptimalRoute searches the route graph between two IATA codes. A nil
// path with a nil error means no route connects them.
func (a *Aeroute) FindOptimalRoute(ctx context.Context, origin, destination string, c *inference.Constraints) (*inference.Path, error) {
	from, err := a.planner.Airport(ctx, strings.ToUpper(origin))
	if err != nil {
		return nil, err
	}
	to, err := a.planner.Airport(ctx, strings.ToUpper(destination))
	if err != nil {
		return nil, err
	}
	return a.engine.FindOptimalRoute(ctx, from.ID, to.ID, c)
}

// RecentOptimizations returns the most recent plan summaries, newest first.
func (a *Aeroute) RecentOptimizations() []planner.Summary {
	return a.planner.RecentOptimizations()
}

// Summary returns reporting aggregates from the store.
func (a *Aeroute) Summary(ctx context.Context) (store.Summary, error) {
	return a.store.Summary(ctx)
}

// KnowledgeBase exposes the loaded rules and weather constraints.
func (a *Aeroute) KnowledgeBase() *knowledge.KnowledgeBase {
	return a.kb
}
