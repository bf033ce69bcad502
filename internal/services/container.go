package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/personad/internal/config"
	"github.com/fyrsmithlabs/personad/internal/feedback"
	httpapi "github.com/fyrsmithlabs/personad/internal/http"
	"github.com/fyrsmithlabs/personad/internal/mcp"
	"github.com/fyrsmithlabs/personad/internal/recommend"
	"github.com/fyrsmithlabs/personad/internal/registry"
	"github.com/fyrsmithlabs/personad/internal/score"
	"github.com/fyrsmithlabs/personad/internal/scorecache"
	"github.com/fyrsmithlabs/personad/internal/storage/fallback"
	"github.com/fyrsmithlabs/personad/internal/storage/filestore"
	"github.com/fyrsmithlabs/personad/internal/storage/natsevents"
	"github.com/fyrsmithlabs/personad/internal/storage/redisstore"
	"github.com/fyrsmithlabs/personad/internal/storage/sqlstore"
	"github.com/fyrsmithlabs/personad/internal/storage/vectorindex"
	"github.com/fyrsmithlabs/personad/internal/telemetry"
	"github.com/fyrsmithlabs/personad/pkg/secrets"
)

// DefaultHealthInterval is how often a fallback-wrapped primary is pinged.
const DefaultHealthInterval = 15 * time.Second

// Container holds the wired services. Optional parts are nil when disabled.
type Container struct {
	Config    *config.Config
	Logger    *zap.Logger
	Telemetry *telemetry.Telemetry

	// Backend is the store every component reads and writes through. When
	// a fallback is configured it is the fallback wrapper.
	Backend  fallback.Backend
	Fallback *fallback.Store

	Cache    *scorecache.Cache
	Scores   *score.Service
	Registry *registry.Registry
	Feedback *feedback.Loop
	Index    *vectorindex.Index
	Events   *natsevents.Publisher

	version string
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Option customizes New.
type Option func(*options)

type options struct {
	version        string
	backend        fallback.Backend
	healthInterval time.Duration
}

// WithVersion sets the version reported by telemetry and status endpoints.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithBackend replaces the configured storage backend.
func WithBackend(b fallback.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithHealthInterval overrides DefaultHealthInterval.
func WithHealthInterval(d time.Duration) Option {
	return func(o *options) { o.healthInterval = d }
}

// memoryBackend keeps everything in process.
type memoryBackend struct {
	*registry.MemoryStore
	*score.InMemoryStore
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		MemoryStore:   registry.NewMemoryStore(),
		InMemoryStore: score.NewInMemoryStore(),
	}
}

// New validates cfg and builds every service it enables. The registry is
// initialized before New returns. On error, whatever was already opened is
// closed.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{healthInterval: DefaultHealthInterval}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Container{Config: cfg, Logger: logger, version: o.version}
	if err := c.build(ctx, o); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	logger.Info("services initialized",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("fallback", c.Fallback != nil),
		zap.Bool("index", c.Index != nil),
		zap.Bool("events", c.Events != nil),
		zap.Bool("tracing", c.Telemetry.Enabled()))
	return c, nil
}

func (c *Container) build(ctx context.Context, o options) error {
	cfg := c.Config

	tel, err := telemetry.New(telemetry.ConfigFrom(cfg.Observability, o.version))
	if err != nil {
		return err
	}
	tel.Install()
	c.Telemetry = tel
	c.onClose("telemetry", tel.Shutdown)

	backend := o.backend
	if backend == nil {
		if backend, err = c.openBackend(); err != nil {
			return err
		}
	}
	if backend, err = c.wrapFallback(ctx, backend, o.healthInterval); err != nil {
		return err
	}
	c.Backend = backend

	metrics := cfg.Observability.EnableMetrics
	var cacheOpts []scorecache.Option
	if metrics {
		cacheOpts = append(cacheOpts, scorecache.WithMetrics(scorecache.NewMetrics()))
	}
	c.Cache, err = scorecache.New(backend.GetScore, scorecache.Config{
		TTL:         cfg.Cache.TTL.Duration(),
		MaxEntries:  cfg.Cache.MaxEntries,
		CacheMisses: cfg.Cache.CacheMisses,
	}, cacheOpts...)
	if err != nil {
		return fmt.Errorf("creating score cache: %w", err)
	}

	scoreOpts := []score.ServiceOption{
		score.WithCache(c.Cache),
		score.WithFeedbackLog(backend),
		score.WithLatencyCeiling(cfg.Scoring.LatencyCeilingMS),
		score.WithFeedbackLogSize(cfg.Scoring.FeedbackLogSize),
	}
	if cfg.Scoring.SerializeUpdates {
		scoreOpts = append(scoreOpts, score.WithSerializedUpdates())
	}
	if metrics {
		scoreOpts = append(scoreOpts, score.WithMetrics(score.NewMetrics()))
	}
	c.Scores, err = score.NewService(backend, c.Logger.Named("score"), scoreOpts...)
	if err != nil {
		return fmt.Errorf("creating score service: %w", err)
	}

	if cfg.Index.Enabled {
		if err := c.openIndex(); err != nil {
			return err
		}
	}

	regOpts := registry.Options{
		Store:        backend,
		Scores:       c.Scores,
		SkipBuiltins: !cfg.Registry.LoadBuiltins,
		Logger:       c.Logger.Named("registry"),
	}
	if c.Index != nil {
		regOpts.Index = c.Index
	}
	if metrics {
		regOpts.EngineOptions = append(regOpts.EngineOptions, recommend.WithMetrics(recommend.NewMetrics()))
	}
	if c.Registry, err = registry.New(regOpts); err != nil {
		return fmt.Errorf("creating registry: %w", err)
	}

	loopOpts := []feedback.LoopOption{feedback.WithEventSink(backend)}
	if cfg.Events.NATSURL != "" {
		pub, err := natsevents.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, c.Logger.Named("events"))
		if err != nil {
			return fmt.Errorf("connecting usage event publisher: %w", err)
		}
		c.Events = pub
		c.onClose("nats", func(context.Context) error { return pub.Close() })
		loopOpts = append(loopOpts, feedback.WithEventSink(pub))
	}
	if cfg.Scoring.RedactFeedback {
		allowlist, err := config.ExpandPath(cfg.Scoring.RedactionAllowlist)
		if err != nil {
			return err
		}
		redactor, err := secrets.NewRedactor(allowlist)
		if err != nil {
			return fmt.Errorf("creating feedback redactor: %w", err)
		}
		loopOpts = append(loopOpts, feedback.WithRedactor(redactor))
	}
	c.Feedback = feedback.NewLoop(c.Scores, c.Logger.Named("feedback"), loopOpts...)

	if err := c.Registry.Init(ctx, false); err != nil {
		return fmt.Errorf("loading personas: %w", err)
	}
	return c.watch(ctx)
}

func (c *Container) openBackend() (fallback.Backend, error) {
	sc := c.Config.Storage
	log := c.Logger.Named("storage")
	switch sc.Backend {
	case config.BackendMemory:
		return newMemoryBackend(), nil
	case config.BackendFile:
		dir, err := config.ExpandPath(sc.FileDir)
		if err != nil {
			return nil, err
		}
		return filestore.New(dir, filestore.WithLogger(log))
	case config.BackendSQLite:
		path, err := config.ExpandPath(sc.SQLitePath)
		if err != nil {
			return nil, err
		}
		s, err := sqlstore.New(path, sqlstore.WithLogger(log))
		if err != nil {
			return nil, err
		}
		c.onClose("sqlite", func(context.Context) error { return s.Close() })
		return s, nil
	case config.BackendRedis:
		s := redisstore.Dial(sc.RedisAddr, sc.RedisPassword.Value(), sc.RedisDB,
			redisstore.WithPrefix(sc.RedisPrefix),
			redisstore.WithLogger(log))
		c.onClose("redis", func(context.Context) error { return s.Close() })
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", sc.Backend)
	}
}

// wrapFallback puts a local file store behind primary when configured.
// File and memory primaries never fall back.
func (c *Container) wrapFallback(ctx context.Context, primary fallback.Backend, interval time.Duration) (fallback.Backend, error) {
	sc := c.Config.Storage
	if sc.Fallback != config.BackendFile {
		return primary, nil
	}
	if sc.Backend == config.BackendFile || sc.Backend == config.BackendMemory {
		c.Logger.Warn("storage fallback ignored for local backend", zap.String("backend", sc.Backend))
		return primary, nil
	}
	pinger, ok := primary.(fallback.Pinger)
	if !ok {
		return nil, fmt.Errorf("storage backend %q cannot be health-checked", sc.Backend)
	}

	dir, err := config.ExpandPath(sc.FileDir)
	if err != nil {
		return nil, err
	}
	log := c.Logger.Named("fallback")
	local, err := filestore.New(dir, filestore.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("opening fallback store: %w", err)
	}

	health := fallback.NewHealthMonitor(ctx, pinger, interval, log)
	health.Start()
	c.onClose("health monitor", func(context.Context) error {
		health.Stop()
		return nil
	})

	fb, err := fallback.New(primary, local, health, log)
	if err != nil {
		return nil, err
	}
	c.Fallback = fb
	return fb, nil
}

func (c *Container) openIndex() error {
	ic := c.Config.Index
	embed, err := vectorindex.NewEmbeddingFunc(vectorindex.EmbedderConfig{
		Provider: ic.Embedder,
		Model:    ic.EmbedderModel,
		BaseURL:  ic.EmbedderURL,
		APIKey:   ic.EmbedderAPIKey.Value(),
	})
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}
	path, err := config.ExpandPath(ic.Path)
	if err != nil {
		return err
	}
	c.Index, err = vectorindex.New(path, embed, c.Logger.Named("index"))
	if err != nil {
		return fmt.Errorf("opening persona index: %w", err)
	}
	return nil
}

// watch reloads the registry when definition files change on disk.
func (c *Container) watch(ctx context.Context) error {
	fs, ok := c.Backend.(*filestore.Store)
	if !ok || !c.Config.Storage.Watch {
		return nil
	}
	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.onClose("watcher", func(context.Context) error {
		cancel()
		return nil
	})
	return fs.Watch(watchCtx, func() {
		if err := c.Registry.Init(watchCtx, true); err != nil {
			c.Logger.Warn("persona reload failed", zap.Error(err))
			return
		}
		c.Cache.Clear()
		c.Logger.Info("personas reloaded from disk", zap.String("dir", fs.Root()))
	})
}

func (c *Container) onClose(name string, fn func(context.Context) error) {
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

// Ping reports whether storage is reachable. Backends without a health
// check are always reachable.
func (c *Container) Ping(ctx context.Context) error {
	if p, ok := c.Backend.(fallback.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	for _, cl := range slices.Backward(c.closers) {
		if err := cl.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", cl.name, err))
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

// Version returns the version passed to WithVersion.
func (c *Container) Version() string {
	return c.version
}

// HTTPDeps returns the services the HTTP API exposes.
func (c *Container) HTTPDeps() httpapi.Deps {
	deps := httpapi.Deps{
		Registry: c.Registry,
		Scores:   c.Scores,
		Feedback: c.Feedback,
		Cache:    c.Cache,
		Version:  c.version,
	}
	if p, ok := c.Backend.(httpapi.Pinger); ok {
		deps.Storage = p
	}
	return deps
}

// MCPDeps returns the services the MCP tools call.
func (c *Container) MCPDeps() mcp.Deps {
	return mcp.Deps{
		Registry: c.Registry,
		Scores:   c.Scores,
		Feedback: c.Feedback,
	}
}
