package querygate

import (
	"github.com/jfestrada/querygate/internal/gate"
	"github.com/jfestrada/querygate/internal/memwatch"
)

// QueryResult is the output of a successful execution. It is created once
// per execution and immutable after construction. Row cells hold the closed
// scalar set produced by formatValue: nil, bool, int64, float64, or string
// (text, RFC 3339 timestamps, and UTF-8-repaired byte data).
type QueryResult struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"rowCount"`
	RuntimeMs float64  `json:"runtimeMs"`
	Truncated bool     `json:"truncated"`
}

// ExecutionPlan is the parsed form of the engine's textual query plan.
type ExecutionPlan struct {
	Raw          string   `json:"raw"`
	Operations   []string `json:"operations"`
	TableScans   []string `json:"table_scans"`
	Joins        []string `json:"joins"`
	Aggregations []string `json:"aggregations"`
}

// CostEstimate is a heuristic cost model over the execution plan. The
// numbers are for relative comparison between queries, not predictions.
type CostEstimate struct {
	EstimatedCost      float64 `json:"estimated_cost"`
	EstimatedRows      int64   `json:"estimated_rows"`
	EstimatedRuntimeMs float64 `json:"estimated_runtime_ms"`
	ComplexityScore    int     `json:"complexity_score"`
}

// Explanation is the output of Explain: plan, cost estimate, and advisory
// optimization suggestions. The underlying query is never executed.
type Explanation struct {
	Plan        ExecutionPlan `json:"plan"`
	Estimate    CostEstimate  `json:"estimate"`
	Suggestions []string      `json:"suggestions"`
}

// ConfiguredLimits echoes the limits the engine was constructed with.
type ConfiguredLimits struct {
	MaxConcurrent         int `json:"max_concurrent"`
	MaxRows               int `json:"max_rows"`
	MemoryLimitMB         int `json:"memory_limit_mb"`
	DefaultTimeoutSeconds int `json:"default_timeout_seconds"`
}

// ResourceStatus is a point-in-time snapshot of gate and memory state plus
// the configured limits. Reading it has no side effects.
type ResourceStatus struct {
	Concurrency gate.Status      `json:"concurrency"`
	Memory      memwatch.Usage   `json:"memory"`
	Limits      ConfiguredLimits `json:"limits"`
}

// TableEntry represents a single table or view in the ListTables output.
type TableEntry struct {
	Name string `json:"name"`
	Type string `json:"type"` // "table" or "view"
}

// ColumnInfo describes a single column.
type ColumnInfo struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Nullable     bool   `json:"nullable"`
	Default      string `json:"default,omitempty"`
	IsPrimaryKey bool   `json:"is_primary_key"`
}

// IndexInfo describes a single index.
type IndexInfo struct {
	Name     string   `json:"name"`
	IsUnique bool     `json:"is_unique"`
	Columns  []string `json:"columns"`
}

// ForeignKeyInfo describes a single foreign key.
type ForeignKeyInfo struct {
	ReferencedTable string `json:"referenced_table"`
	From            string `json:"from"`
	To              string `json:"to"`
	OnUpdate        string `json:"on_update"`
	OnDelete        string `json:"on_delete"`
}

// TableDescription is the output of DescribeTable.
type TableDescription struct {
	Name        string           `json:"name"`
	Type        string           `json:"type"`
	SQL         string           `json:"sql,omitempty"`
	Columns     []ColumnInfo     `json:"columns"`
	Indexes     []IndexInfo      `json:"indexes"`
	ForeignKeys []ForeignKeyInfo `json:"foreign_keys"`
}
