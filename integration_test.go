package querygate_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/jfestrada/querygate"
	"github.com/jfestrada/querygate/internal/inspect"
)

// newTestEngine creates an engine over a seeded throwaway database. A file
// path is used rather than :memory: so every pooled connection sees the same
// data.
func newTestEngine(t *testing.T, config querygate.Config, opts ...querygate.Option) *querygate.Engine {
	t.Helper()
	dsn := seedDatabase(t)
	engine, err := querygate.New(context.Background(), dsn, config, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine
}

func seedDatabase(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("failed to open seed database: %v", err)
	}
	defer db.Close()

	statements := []string{
		`CREATE TABLE customers (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT,
			balance REAL DEFAULT 0
		)`,
		`CREATE TABLE orders (
			id INTEGER PRIMARY KEY,
			customer_id INTEGER NOT NULL REFERENCES customers(id),
			amount REAL NOT NULL,
			note BLOB
		)`,
		`CREATE INDEX idx_orders_customer ON orders(customer_id)`,
		`CREATE VIEW big_spenders AS
			SELECT c.name, SUM(o.amount) AS total
			FROM customers c JOIN orders o ON o.customer_id = c.id
			GROUP BY c.name HAVING total > 100`,
		`INSERT INTO customers (id, name, email, balance) VALUES
			(1, 'alice', 'alice@example.com', 10.5),
			(2, 'bob', 'bob@example.com', 200),
			(3, 'carol', NULL, 0)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed statement failed: %v\n%s", err, stmt)
		}
	}
	for i := 1; i <= 50; i++ {
		if _, err := db.Exec(`INSERT INTO orders (customer_id, amount) VALUES (?, ?)`, 1+i%3, float64(i)*1.5); err != nil {
			t.Fatalf("seed insert failed: %v", err)
		}
	}
	return dsn
}

func TestExecuteSimpleSelect(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	result, err := engine.Execute(context.Background(), "SELECT id, name, balance FROM customers ORDER BY id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowCount != 3 || len(result.Rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", result.RowCount)
	}
	if len(result.Columns) != 3 || result.Columns[1] != "name" {
		t.Fatalf("unexpected columns: %v", result.Columns)
	}
	if result.Truncated {
		t.Fatal("uncapped query reported as truncated")
	}
	first := result.Rows[0]
	if first[0] != int64(1) {
		t.Fatalf("expected integer cell int64(1), got %v (%T)", first[0], first[0])
	}
	if first[1] != "alice" {
		t.Fatalf("expected text cell alice, got %v", first[1])
	}
	if first[2] != 10.5 {
		t.Fatalf("expected real cell 10.5, got %v (%T)", first[2], first[2])
	}
}

func TestExecuteNullCell(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	result, err := engine.Execute(context.Background(), "SELECT email FROM customers WHERE id = 3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rows[0][0] != nil {
		t.Fatalf("expected NULL to surface as nil, got %v (%T)", result.Rows[0][0], result.Rows[0][0])
	}
}

func TestExecuteRejectsWrite(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	_, err := engine.Execute(context.Background(), "DELETE FROM orders")
	if err == nil {
		t.Fatal("expected a write statement to be rejected")
	}
	var qerr *querygate.QueryError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected *QueryError, got %T: %v", err, err)
	}
	if qerr.Type != querygate.ErrTypeSecurity {
		t.Fatalf("expected a security error, got %s", qerr.Type)
	}

	// Nothing was deleted.
	result, err := engine.Execute(context.Background(), "SELECT COUNT(*) FROM orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rows[0][0] != int64(50) {
		t.Fatalf("expected 50 orders to survive, got %v", result.Rows[0][0])
	}
}

func TestExecuteWithLimitsTruncates(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	result, err := engine.ExecuteWithLimits(context.Background(), "SELECT id FROM orders ORDER BY id", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowCount != 10 || len(result.Rows) != 10 {
		t.Fatalf("expected exactly 10 rows, got %d", result.RowCount)
	}
	if !result.Truncated {
		t.Fatal("expected Truncated=true for a capped result")
	}
}

func TestExecuteWithLimitsExactFitNotTruncated(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	result, err := engine.ExecuteWithLimits(context.Background(), "SELECT id FROM customers", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowCount != 3 {
		t.Fatalf("expected 3 rows, got %d", result.RowCount)
	}
	if result.Truncated {
		t.Fatal("a result that fits exactly must not be flagged as truncated")
	}
}

func TestExecuteWithLimitsTruncateIsError(t *testing.T) {
	t.Parallel()
	config := querygate.Config{}
	config.Query.TruncateIsError = true
	engine := newTestEngine(t, config)

	_, err := engine.ExecuteWithLimits(context.Background(), "SELECT id FROM orders", 10)
	var terr *querygate.ResultSetTooLargeError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *ResultSetTooLargeError, got %T: %v", err, err)
	}
	if terr.Limit != 10 {
		t.Fatalf("expected limit 10 in the error, got %d", terr.Limit)
	}
}

func TestExecuteMissingTable(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	_, err := engine.Execute(context.Background(), "SELECT * FROM orders_typo")
	var qerr *querygate.QueryError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected *QueryError, got %T: %v", err, err)
	}
	if qerr.Type != querygate.ErrTypeSchema {
		t.Fatalf("expected a schema error, got %s: %s", qerr.Type, qerr.Message)
	}
	if qerr.MissingObject != "orders_typo" || qerr.ObjectType != "table" {
		t.Fatalf("expected missing table orders_typo, got %q/%q", qerr.MissingObject, qerr.ObjectType)
	}
	if len(qerr.Suggestions) == 0 {
		t.Fatal("expected remediation suggestions on a schema error")
	}
}

func TestExecuteQueryFromView(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	result, err := engine.Execute(context.Background(), "SELECT name, total FROM big_spenders ORDER BY total DESC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RowCount == 0 {
		t.Fatal("expected at least one big spender from the seed data")
	}
}

func TestExecuteSanitization(t *testing.T) {
	t.Parallel()
	config := querygate.Config{
		Sanitization: []querygate.SanitizationRule{
			{Pattern: `\b[\w.+-]+@[\w-]+\.[\w.]+\b`, Replacement: "[EMAIL]"},
		},
	}
	engine := newTestEngine(t, config)

	result, err := engine.Execute(context.Background(), "SELECT email FROM customers WHERE id = 1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Rows[0][0] != "[EMAIL]" {
		t.Fatalf("expected sanitized cell, got %v", result.Rows[0][0])
	}
}

func TestExecuteCachedResult(t *testing.T) {
	t.Parallel()
	config := querygate.Config{}
	config.Cache.Enabled = true
	engine := newTestEngine(t, config)

	query := "SELECT id, name FROM customers ORDER BY id"
	first, err := engine.Execute(context.Background(), query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := engine.Execute(context.Background(), "SELECT   id,  name FROM customers  ORDER BY id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.RuntimeMs != 0 {
		t.Fatalf("expected RuntimeMs=0 on a cache hit, got %f", second.RuntimeMs)
	}
	if second.RowCount != first.RowCount {
		t.Fatalf("cache hit changed the row count: %d vs %d", second.RowCount, first.RowCount)
	}
}

func TestCacheSeparatesCappedAndUncappedRequests(t *testing.T) {
	t.Parallel()
	config := querygate.Config{}
	config.Cache.Enabled = true
	engine := newTestEngine(t, config)

	// A capped execution must not poison the cache entry for the
	// lexically similar uncapped query that its rewrite produces.
	capped, err := engine.ExecuteWithLimits(context.Background(), "SELECT id FROM orders ORDER BY id", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capped.RowCount != 5 || !capped.Truncated {
		t.Fatalf("expected 5 truncated rows, got %d truncated=%v", capped.RowCount, capped.Truncated)
	}

	plain, err := engine.Execute(context.Background(), "SELECT id FROM orders ORDER BY id LIMIT 6")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plain.RowCount != 6 {
		t.Fatalf("expected 6 rows for the user's own LIMIT 6 query, got %d", plain.RowCount)
	}
	if plain.Truncated {
		t.Fatal("an uncapped execution must never report truncation")
	}
}

func TestCacheSeparatesRequestsSameTextDifferentCaps(t *testing.T) {
	t.Parallel()
	config := querygate.Config{}
	config.Cache.Enabled = true
	engine := newTestEngine(t, config)

	query := "SELECT id FROM orders ORDER BY id"
	full, err := engine.Execute(context.Background(), query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if full.RowCount != 50 {
		t.Fatalf("expected all 50 rows, got %d", full.RowCount)
	}

	// The identical text with a row cap is a different request and must
	// not be served the full cached result.
	capped, err := engine.ExecuteWithLimits(context.Background(), query, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if capped.RowCount != 5 || !capped.Truncated {
		t.Fatalf("expected 5 truncated rows, got %d truncated=%v", capped.RowCount, capped.Truncated)
	}

	smaller, err := engine.ExecuteWithLimits(context.Background(), query, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if smaller.RowCount != 3 {
		t.Fatalf("expected a different cap to miss the cache, got %d rows", smaller.RowCount)
	}
}

func TestExecuteConcurrent(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := engine.ExecuteWithLimits(context.Background(), "SELECT id, amount FROM orders", 5)
			if err != nil {
				errs <- err
				return
			}
			if result.RowCount != 5 {
				errs <- errors.New("wrong row count under concurrency")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent execution failed: %v", err)
	}

	status := engine.ResourceStatus()
	if status.Concurrency.Active != 0 {
		t.Fatalf("expected all slots released, got %+v", status.Concurrency)
	}
}

func TestValidateWithoutExecution(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	result := engine.Validate("SELECT * FROM customers JOIN orders ON orders.customer_id = customers.id")
	if !result.IsValid {
		t.Fatalf("expected valid, got %v", result.Errors)
	}
	if !result.Parsed.HasJoins {
		t.Fatal("expected join metadata")
	}
	if engine.Validate("UPDATE customers SET balance = 0").IsValid {
		t.Fatal("expected an UPDATE to be invalid")
	}
}

func TestResourceStatusReflectsConfig(t *testing.T) {
	t.Parallel()
	config := querygate.Config{}
	config.Query.MaxRows = 123
	engine := newTestEngine(t, config)

	status := engine.ResourceStatus()
	if status.Limits.MaxRows != 123 {
		t.Fatalf("expected configured MaxRows=123, got %d", status.Limits.MaxRows)
	}
	if status.Concurrency.Max <= 0 {
		t.Fatalf("expected a positive concurrency limit, got %+v", status.Concurrency)
	}
	if status.Memory.LimitMB <= 0 {
		t.Fatalf("expected a positive memory limit, got %+v", status.Memory)
	}
}

type captureTelemetry struct {
	mu      sync.Mutex
	records []string
}

func (c *captureTelemetry) RecordExecution(sql string, _ float64, success bool, _ int, _ bool, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.records = append(c.records, sql)
	}
}

func TestTelemetryHookReceivesExecutions(t *testing.T) {
	t.Parallel()
	capture := &captureTelemetry{}
	engine := newTestEngine(t, querygate.Config{}, querygate.WithTelemetry(capture))

	if _, err := engine.Execute(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	capture.mu.Lock()
	defer capture.mu.Unlock()
	if len(capture.records) != 1 || capture.records[0] != "SELECT 1" {
		t.Fatalf("expected one recorded execution, got %v", capture.records)
	}
}

func TestListTables(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	tables, err := engine.ListTables(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := map[string]string{}
	for _, entry := range tables {
		found[entry.Name] = entry.Type
	}
	if found["customers"] != "table" || found["orders"] != "table" {
		t.Fatalf("expected seeded tables, got %v", found)
	}
	if found["big_spenders"] != "view" {
		t.Fatalf("expected the view to be listed, got %v", found)
	}
}

func TestDescribeTable(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	desc, err := engine.DescribeTable(context.Background(), "orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if desc.Name != "orders" {
		t.Fatalf("expected name orders, got %q", desc.Name)
	}

	cols := map[string]querygate.ColumnInfo{}
	for _, c := range desc.Columns {
		cols[c.Name] = c
	}
	if !cols["id"].IsPrimaryKey {
		t.Fatalf("expected id to be the primary key, got %+v", cols["id"])
	}
	if cols["customer_id"].Nullable {
		t.Fatalf("expected customer_id to be NOT NULL, got %+v", cols["customer_id"])
	}

	foundIndex := false
	for _, idx := range desc.Indexes {
		if idx.Name == "idx_orders_customer" {
			foundIndex = true
			if len(idx.Columns) != 1 || idx.Columns[0] != "customer_id" {
				t.Fatalf("unexpected index columns: %v", idx.Columns)
			}
		}
	}
	if !foundIndex {
		t.Fatalf("expected idx_orders_customer, got %+v", desc.Indexes)
	}

	if len(desc.ForeignKeys) != 1 || desc.ForeignKeys[0].ReferencedTable != "customers" {
		t.Fatalf("expected one foreign key to customers, got %+v", desc.ForeignKeys)
	}
}

func TestDescribeTableMissing(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	_, err := engine.DescribeTable(context.Background(), "orders_typo")
	var qerr *querygate.QueryError
	if !errors.As(err, &qerr) {
		t.Fatalf("expected *QueryError, got %T: %v", err, err)
	}
	if qerr.Type != querygate.ErrTypeSchema || qerr.MissingObject != "orders_typo" {
		t.Fatalf("expected a schema error naming orders_typo, got %+v", qerr)
	}
}

func TestDescribeTableRejectsBadIdentifier(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	_, err := engine.DescribeTable(context.Background(), "orders; DROP TABLE orders")
	if err == nil {
		t.Fatal("expected a malformed identifier to be rejected")
	}
	var verr *querygate.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
}

func TestExplainSelect(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	explanation, err := engine.Explain(context.Background(), "SELECT * FROM orders WHERE customer_id = 1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if explanation.Plan.Raw == "" {
		t.Fatal("expected a non-empty raw plan")
	}
	if len(explanation.Plan.Operations) == 0 {
		t.Fatal("expected at least one plan operation")
	}
	if explanation.Estimate.EstimatedRows < 0 {
		t.Fatalf("expected a non-negative row estimate, got %d", explanation.Estimate.EstimatedRows)
	}
	if explanation.Estimate.EstimatedCost <= 0 {
		t.Fatalf("expected a positive cost, got %f", explanation.Estimate.EstimatedCost)
	}
	if len(explanation.Suggestions) == 0 {
		t.Fatal("expected at least one suggestion line")
	}
}

// passthroughInspector admits everything and extracts no metadata, like a
// minimal substituted implementation would.
type passthroughInspector struct{}

func (passthroughInspector) Validate(string) inspect.Result {
	return inspect.Result{IsValid: true}
}

func TestExplainWithSubstitutedInspector(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{}, querygate.WithInspector(passthroughInspector{}))

	explanation, err := engine.Explain(context.Background(), "SELECT id FROM orders")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if explanation.Estimate.ComplexityScore != 0 {
		t.Fatalf("expected complexity 0 without parsed metadata, got %d", explanation.Estimate.ComplexityScore)
	}
}

func TestExplainRejectsWrite(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	if _, err := engine.Explain(context.Background(), "DELETE FROM orders"); err == nil {
		t.Fatal("expected explain to reject write statements")
	}
}

func TestExplainMissingTable(t *testing.T) {
	t.Parallel()
	engine := newTestEngine(t, querygate.Config{})

	_, err := engine.Explain(context.Background(), "SELECT * FROM orders_typo")
	if err == nil {
		t.Fatal("expected explain to fail for a missing table")
	}
}

func TestCloseReleasesResources(t *testing.T) {
	t.Parallel()
	dsn := seedDatabase(t)
	engine, err := querygate.New(context.Background(), dsn, querygate.Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := engine.Execute(context.Background(), "SELECT 1"); err == nil {
		t.Fatal("expected execution to fail after Close")
	}
}
