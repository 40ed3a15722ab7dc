package querygate

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"
)

const listTablesSQL = `
SELECT name, type
FROM sqlite_master
WHERE type IN ('table', 'view')
  AND name NOT LIKE 'sqlite_%'
ORDER BY name;
`

// identifierRe guards the PRAGMA calls in DescribeTable: table names are
// interpolated (PRAGMA takes no bind parameters), so only plain identifiers
// are accepted.
var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ListTables returns all user tables and views, sorted by name. Uses fixed
// internal SQL, so it bypasses the inspector but still goes through the
// admission gate.
func (e *Engine) ListTables(ctx context.Context) ([]TableEntry, error) {
	startTime := time.Now()

	taskID := e.taskSeq.Add(1)
	queueTimeout := time.Duration(e.config.Query.QueueTimeoutSeconds) * time.Second
	permit, err := e.gate.Acquire(ctx, taskID, queueTimeout)
	if err != nil {
		return nil, admissionError(err)
	}
	defer permit.Release()

	queryCtx, cancel := context.WithTimeout(ctx, time.Duration(e.config.Query.CatalogTimeoutSeconds)*time.Second)
	defer cancel()

	conn, err := e.db.Conn(queryCtx)
	if err != nil {
		return nil, fmt.Errorf("ListTables: failed to acquire connection: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(queryCtx, listTablesSQL)
	if err != nil {
		return nil, fmt.Errorf("ListTables query failed: %w", err)
	}
	defer rows.Close()

	tables := []TableEntry{}
	for rows.Next() {
		var entry TableEntry
		if err := rows.Scan(&entry.Name, &entry.Type); err != nil {
			return nil, fmt.Errorf("ListTables scan failed: %w", err)
		}
		tables = append(tables, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListTables rows error: %w", err)
	}

	e.logger.Info().
		Dur("duration", time.Since(startTime)).
		Int("table_count", len(tables)).
		Msg("ListTables executed")

	return tables, nil
}

// DescribeTable returns columns, indexes, and foreign keys for one table or
// view. The name must be a plain identifier.
func (e *Engine) DescribeTable(ctx context.Context, table string) (*TableDescription, error) {
	startTime := time.Now()

	if !identifierRe.MatchString(table) {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid table name %q: must be a plain identifier", table)}
	}

	taskID := e.taskSeq.Add(1)
	queueTimeout := time.Duration(e.config.Query.QueueTimeoutSeconds) * time.Second
	permit, err := e.gate.Acquire(ctx, taskID, queueTimeout)
	if err != nil {
		return nil, admissionError(err)
	}
	defer permit.Release()

	queryCtx, cancel := context.WithTimeout(ctx, time.Duration(e.config.Query.CatalogTimeoutSeconds)*time.Second)
	defer cancel()

	conn, err := e.db.Conn(queryCtx)
	if err != nil {
		return nil, fmt.Errorf("DescribeTable: failed to acquire connection: %w", err)
	}
	defer conn.Close()

	desc := &TableDescription{Name: table}

	var ddl sql.NullString
	err = conn.QueryRowContext(queryCtx,
		`SELECT type, sql FROM sqlite_master WHERE name = ? AND type IN ('table', 'view')`, table).
		Scan(&desc.Type, &ddl)
	if err == sql.ErrNoRows {
		return nil, &QueryError{
			Kind:          "schema",
			Type:          ErrTypeSchema,
			Message:       fmt.Sprintf("no such table: %s", table),
			Position:      -1,
			MissingObject: table,
			ObjectType:    "table",
			Suggestions:   e.suggester.Match("no such table: " + table),
		}
	}
	if err != nil {
		return nil, fmt.Errorf("DescribeTable lookup failed: %w", err)
	}
	desc.SQL = ddl.String

	if desc.Columns, err = e.tableColumns(queryCtx, conn, table); err != nil {
		return nil, err
	}
	if desc.Indexes, err = e.tableIndexes(queryCtx, conn, table); err != nil {
		return nil, err
	}
	if desc.ForeignKeys, err = e.tableForeignKeys(queryCtx, conn, table); err != nil {
		return nil, err
	}

	e.logger.Info().
		Dur("duration", time.Since(startTime)).
		Str("table", table).
		Int("column_count", len(desc.Columns)).
		Msg("DescribeTable executed")

	return desc, nil
}

func (e *Engine) tableColumns(ctx context.Context, conn *sql.Conn, table string) ([]ColumnInfo, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("DescribeTable table_info failed: %w", err)
	}
	defer rows.Close()

	columns := []ColumnInfo{}
	for rows.Next() {
		var (
			cid     int
			col     ColumnInfo
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &col.Name, &col.Type, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("DescribeTable table_info scan failed: %w", err)
		}
		col.Nullable = notNull == 0
		col.Default = dflt.String
		col.IsPrimaryKey = pk > 0
		columns = append(columns, col)
	}
	return columns, rows.Err()
}

func (e *Engine) tableIndexes(ctx context.Context, conn *sql.Conn, table string) ([]IndexInfo, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA index_list(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("DescribeTable index_list failed: %w", err)
	}

	type indexRow struct {
		name   string
		unique bool
	}
	var raw []indexRow
	for rows.Next() {
		var (
			seq     int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seq, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return nil, fmt.Errorf("DescribeTable index_list scan failed: %w", err)
		}
		raw = append(raw, indexRow{name: name, unique: unique == 1})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	indexes := []IndexInfo{}
	for _, ir := range raw {
		info := IndexInfo{Name: ir.name, IsUnique: ir.unique}
		colRows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA index_info(%s)", ir.name))
		if err != nil {
			return nil, fmt.Errorf("DescribeTable index_info failed: %w", err)
		}
		for colRows.Next() {
			var (
				seqno int
				cid   int
				name  sql.NullString
			)
			if err := colRows.Scan(&seqno, &cid, &name); err != nil {
				colRows.Close()
				return nil, fmt.Errorf("DescribeTable index_info scan failed: %w", err)
			}
			if name.Valid {
				info.Columns = append(info.Columns, name.String)
			}
		}
		if err := colRows.Err(); err != nil {
			colRows.Close()
			return nil, err
		}
		colRows.Close()
		indexes = append(indexes, info)
	}
	return indexes, nil
}

func (e *Engine) tableForeignKeys(ctx context.Context, conn *sql.Conn, table string) ([]ForeignKeyInfo, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("DescribeTable foreign_key_list failed: %w", err)
	}
	defer rows.Close()

	fks := []ForeignKeyInfo{}
	for rows.Next() {
		var (
			id, seq  int
			fk       ForeignKeyInfo
			to       sql.NullString
			match    string
		)
		if err := rows.Scan(&id, &seq, &fk.ReferencedTable, &fk.From, &to, &fk.OnUpdate, &fk.OnDelete, &match); err != nil {
			return nil, fmt.Errorf("DescribeTable foreign_key_list scan failed: %w", err)
		}
		fk.To = to.String
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}
