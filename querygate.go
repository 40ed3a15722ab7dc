package querygate

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/jfestrada/querygate/internal/cache"
	"github.com/jfestrada/querygate/internal/gate"
	"github.com/jfestrada/querygate/internal/inspect"
	"github.com/jfestrada/querygate/internal/memwatch"
	"github.com/jfestrada/querygate/internal/sanitize"
	"github.com/jfestrada/querygate/internal/suggest"
	"github.com/jfestrada/querygate/internal/timeout"
)

// Engine is the governed SQL execution core: validation, admission,
// timeouts, memory ceilings, execution, and explain. All exported methods
// are safe for concurrent use from multiple goroutines.
type Engine struct {
	config    Config
	db        *sql.DB
	inspector inspect.Inspector
	gate      *gate.Gate
	timeouts  *timeout.Manager
	monitor   *memwatch.Monitor
	cache     cache.Store
	sanitizer *sanitize.Sanitizer
	suggester *suggest.Matcher
	telemetry Telemetry
	logger    zerolog.Logger
	taskSeq   atomic.Uint64
}

// Option is a functional option for New().
type Option func(*options)

type options struct {
	inspector inspect.Inspector
	telemetry Telemetry
	cacheOpt  cache.Store
}

// WithInspector substitutes the SQL inspector, e.g. a grammar-based
// implementation instead of the default heuristic checker.
func WithInspector(i inspect.Inspector) Option {
	return func(o *options) { o.inspector = i }
}

// WithTelemetry substitutes the telemetry sink. The default logs every
// execution through the engine's logger.
func WithTelemetry(t Telemetry) Option {
	return func(o *options) { o.telemetry = t }
}

// WithCache substitutes the result cache backend, overriding Config.Cache.
func WithCache(s cache.Store) Option {
	return func(o *options) { o.cacheOpt = s }
}

// New creates an Engine over the embedded database at dsn (a file path, or
// a DSN the sqlite driver understands). Panics on invalid config; returns
// an error only for runtime failures such as opening the database or
// connecting to a configured redis cache.
func New(ctx context.Context, dsn string, config Config, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if dsn == "" {
		panic("querygate: dsn must be non-empty")
	}
	// Zero values are filled in by applyDefaults below; only negative
	// values are programmer error.
	if config.Pool.MaxOpenConns < 0 {
		panic("querygate: pool.max_open_conns must not be negative")
	}
	if config.Query.DefaultTimeoutSeconds < 0 {
		panic("querygate: query.default_timeout_seconds must not be negative")
	}
	if config.Query.MaxRows < 0 {
		panic("querygate: query.max_rows must not be negative")
	}
	if config.Query.MemoryLimitMB < 0 {
		panic("querygate: query.memory_limit_mb must not be negative")
	}
	for _, rule := range config.Query.TimeoutRules {
		if rule.TimeoutSeconds <= 0 {
			panic(fmt.Sprintf("querygate: timeout_rule with pattern %q has timeout_seconds <= 0", rule.Pattern))
		}
	}
	config.applyDefaults()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.Pool.MaxOpenConns)
	db.SetMaxIdleConns(config.Pool.MaxIdleConns)
	if config.Pool.ConnMaxLifetime != "" {
		d, err := time.ParseDuration(config.Pool.ConnMaxLifetime)
		if err != nil {
			panic(fmt.Sprintf("querygate: invalid pool.conn_max_lifetime %q: %v", config.Pool.ConnMaxLifetime, err))
		}
		db.SetConnMaxLifetime(d)
	}
	if config.Pool.ConnMaxIdleTime != "" {
		d, err := time.ParseDuration(config.Pool.ConnMaxIdleTime)
		if err != nil {
			panic(fmt.Sprintf("querygate: invalid pool.conn_max_idle_time %q: %v", config.Pool.ConnMaxIdleTime, err))
		}
		db.SetConnMaxIdleTime(d)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	inspector := o.inspector
	if inspector == nil {
		inspector = inspect.NewChecker(inspect.Config{MaxSQLLength: config.Query.MaxSQLLength})
	}

	timeoutRules := make([]timeout.Rule, len(config.Query.TimeoutRules))
	for i, r := range config.Query.TimeoutRules {
		timeoutRules[i] = timeout.Rule{
			Pattern: r.Pattern,
			Timeout: time.Duration(r.TimeoutSeconds) * time.Second,
		}
	}
	timeouts := timeout.NewManager(timeout.Config{
		DefaultTimeout: time.Duration(config.Query.DefaultTimeoutSeconds) * time.Second,
		Rules:          timeoutRules,
	})

	sanitizeRules := make([]sanitize.Rule, len(config.Sanitization))
	for i, r := range config.Sanitization {
		sanitizeRules[i] = sanitize.Rule{Pattern: r.Pattern, Replacement: r.Replacement}
	}
	sanitizer, err := sanitize.NewSanitizer(sanitizeRules)
	if err != nil {
		db.Close()
		return nil, err
	}

	suggestRules := suggest.DefaultRules()
	for _, r := range config.Suggestions {
		suggestRules = append(suggestRules, suggest.Rule{Pattern: r.Pattern, Message: r.Message})
	}
	suggester, err := suggest.NewMatcher(suggestRules)
	if err != nil {
		db.Close()
		return nil, err
	}

	var store cache.Store
	switch {
	case o.cacheOpt != nil:
		store = o.cacheOpt
	case config.Cache.Enabled && config.Cache.Backend == "redis":
		store, err = cache.NewRedis(ctx, config.Cache.RedisAddr, config.Cache.RedisPassword, logger)
		if err != nil {
			db.Close()
			return nil, err
		}
	case config.Cache.Enabled:
		store = cache.NewMemory(config.Cache.MaxEntries)
	}

	telemetry := o.telemetry
	if telemetry == nil {
		telemetry = logTelemetry{logger: logger}
	}

	monitor := memwatch.New(config.Query.MemoryLimitMB)
	monitor.Start()

	return &Engine{
		config:    config,
		db:        db,
		inspector: inspector,
		gate:      gate.New(config.Query.MaxConcurrent),
		timeouts:  timeouts,
		monitor:   monitor,
		cache:     store,
		sanitizer: sanitizer,
		suggester: suggester,
		telemetry: telemetry,
		logger:    logger,
	}, nil
}

// Validate inspects sql without executing it. Pure: no I/O, no state
// changes beyond the inspector's rejection counter.
func (e *Engine) Validate(sql string) inspect.Result {
	return e.inspector.Validate(sql)
}

// ResourceStatus returns a snapshot of admission and memory state plus the
// configured limits. No side effects.
func (e *Engine) ResourceStatus() ResourceStatus {
	return ResourceStatus{
		Concurrency: e.gate.Status(),
		Memory:      e.monitor.Check(),
		Limits: ConfiguredLimits{
			MaxConcurrent:         e.config.Query.MaxConcurrent,
			MaxRows:               e.config.Query.MaxRows,
			MemoryLimitMB:         e.config.Query.MemoryLimitMB,
			DefaultTimeoutSeconds: e.config.Query.DefaultTimeoutSeconds,
		},
	}
}

// Close releases the connection pool and the cache backend.
func (e *Engine) Close() error {
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("failed to close result cache")
		}
	}
	return e.db.Close()
}
