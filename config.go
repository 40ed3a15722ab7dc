package querygate

// Config is the engine configuration used by New().
type Config struct {
	Pool         PoolConfig         `json:"pool"`
	Query        QueryConfig        `json:"query"`
	Cache        CacheConfig        `json:"cache"`
	Sanitization []SanitizationRule `json:"sanitization"`
	Suggestions  []SuggestionRule   `json:"suggestions"`
}

// PoolConfig holds database/sql connection pool settings for the embedded
// engine.
type PoolConfig struct {
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime string `json:"conn_max_lifetime"`
	ConnMaxIdleTime string `json:"conn_max_idle_time"`
}

// QueryConfig holds query admission and execution settings.
type QueryConfig struct {
	// DefaultTimeoutSeconds is the per-query wall-clock budget when no
	// timeout rule matches and no override is given.
	DefaultTimeoutSeconds int `json:"default_timeout_seconds"`

	// CatalogTimeoutSeconds bounds ListTables and DescribeTable.
	CatalogTimeoutSeconds int `json:"catalog_timeout_seconds"`

	// MaxSQLLength is the maximum accepted query length in bytes.
	MaxSQLLength int `json:"max_sql_length"`

	// MaxRows is the default row cap for ExecuteWithLimits.
	MaxRows int `json:"max_rows"`

	// MaxConcurrent is the admission gate size. It is clamped to
	// Pool.MaxOpenConns so admitted queries can never starve the pool.
	MaxConcurrent int `json:"max_concurrent"`

	// QueueTimeoutSeconds is how long a query may wait for a gate slot
	// before failing with a ConcurrentQueryLimitError.
	QueueTimeoutSeconds int `json:"queue_timeout_seconds"`

	// MemoryLimitMB is the process memory ceiling checked at execution
	// checkpoints. Process-wide, so advisory under concurrent load.
	MemoryLimitMB int `json:"memory_limit_mb"`

	// TruncateIsError makes ExecuteWithLimits fail with
	// ResultSetTooLargeError instead of returning a truncated result.
	TruncateIsError bool `json:"truncate_is_error"`

	TimeoutRules []TimeoutRule `json:"timeout_rules"`
}

// TimeoutRule maps a SQL pattern to a specific timeout duration.
type TimeoutRule struct {
	Pattern        string `json:"pattern"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// CacheConfig holds result cache settings. The cache stores successful
// results keyed by a normalized-SQL fingerprint.
type CacheConfig struct {
	Enabled bool `json:"enabled"`

	// Backend selects "memory" (default) or "redis".
	Backend       string `json:"backend"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`

	TTLSeconds int `json:"ttl_seconds"`
	MaxEntries int `json:"max_entries"`

	// Results are cached only when small and fast: at most MaxRows rows
	// and at most MaxRuntimeMs of execution time.
	MaxRows      int     `json:"max_rows"`
	MaxRuntimeMs float64 `json:"max_runtime_ms"`
}

// SanitizationRule defines a regex-based result field sanitization rule.
type SanitizationRule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Description string `json:"description"`
}

// SuggestionRule maps an error message pattern to a remediation suggestion,
// evaluated after the built-in rules.
type SuggestionRule struct {
	Pattern string `json:"pattern"`
	Message string `json:"message"`
}

// LoggingConfig holds logging settings for CLI mode.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
	Output string `json:"output"` // stderr, stdout, or file path
}

// applyDefaults fills zero values with production defaults.
func (c *Config) applyDefaults() {
	if c.Pool.MaxOpenConns == 0 {
		c.Pool.MaxOpenConns = 10
	}
	if c.Pool.MaxIdleConns == 0 {
		c.Pool.MaxIdleConns = c.Pool.MaxOpenConns
	}
	if c.Query.DefaultTimeoutSeconds == 0 {
		c.Query.DefaultTimeoutSeconds = 30
	}
	if c.Query.CatalogTimeoutSeconds == 0 {
		c.Query.CatalogTimeoutSeconds = 10
	}
	if c.Query.MaxSQLLength == 0 {
		c.Query.MaxSQLLength = 100000
	}
	if c.Query.MaxRows == 0 {
		c.Query.MaxRows = 10000
	}
	if c.Query.MaxConcurrent == 0 || c.Query.MaxConcurrent > c.Pool.MaxOpenConns {
		c.Query.MaxConcurrent = c.Pool.MaxOpenConns
	}
	if c.Query.QueueTimeoutSeconds == 0 {
		c.Query.QueueTimeoutSeconds = 10
	}
	if c.Query.MemoryLimitMB == 0 {
		c.Query.MemoryLimitMB = 512
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 300
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 1000
	}
	if c.Cache.MaxRows == 0 {
		c.Cache.MaxRows = 1000
	}
	if c.Cache.MaxRuntimeMs == 0 {
		c.Cache.MaxRuntimeMs = 1000
	}
}
