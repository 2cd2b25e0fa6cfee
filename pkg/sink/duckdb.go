package sink

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb/v2"
)

// DuckDBLoader keeps the same Loader contract against a local DuckDB file,
// for development runs and ad-hoc analytics without a Postgres instance.
// Tables are created lazily from the first batch that references them.
type DuckDBLoader struct {
	db     *sql.DB
	mu     sync.Mutex
	tables map[string]struct{}
}

func NewDuckDBLoader(dbPath string) (*DuckDBLoader, error) {
	dsn := ":memory:"
	if dbPath != "" {
		dsn = fmt.Sprintf("%s?access_mode=read_write", dbPath)
	}

	connector, err := duckdb.NewConnector(dsn, func(execer driver.ExecerContext) error {
		bootQueries := []string{
			`SET schema='main'`,
			`SET search_path='main'`,
		}
		for _, q := range bootQueries {
			if _, err := execer.ExecContext(context.Background(), q, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	return &DuckDBLoader{
		db:     sql.OpenDB(connector),
		tables: make(map[string]struct{}),
	}, nil
}

func (l *DuckDBLoader) Write(
	ctx context.Context,
	rows []map[string]any,
	schema, table string,
	d Disposition,
	primaryKey string,
) error {
	if err := ValidateWrite(d, primaryKey); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// DuckDB has no separate schema namespace here; schema-qualified names
	// are flattened to schema_table.
	name := table
	if schema != "" {
		name = schema + "_" + table
	}
	cols := columnUnion(rows)

	if _, ok := l.tables[name]; !ok {
		if err := l.createTable(ctx, name, cols, rows[0], primaryKey); err != nil {
			return err
		}
		l.tables[name] = struct{}{}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if d == DispositionReplace {
		if _, execErr := tx.ExecContext(ctx, "DELETE FROM "+quoteIdentifier(name)); execErr != nil {
			tx.Rollback()
			return fmt.Errorf("clear %s: %w", name, execErr)
		}
	}

	stmt := buildDuckInsert(name, cols, len(rows), d, primaryKey)
	if _, err := tx.ExecContext(ctx, stmt, flattenRows(rows, cols)...); err != nil {
		tx.Rollback()
		return fmt.Errorf("insert into %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", name, err)
	}

	log.Printf("[Sink] Loaded %d rows into duckdb table %s (%s)", len(rows), name, d)
	return nil
}

func (l *DuckDBLoader) Close() error { return l.db.Close() }

func (l *DuckDBLoader) createTable(ctx context.Context, name string, cols []string, sample map[string]any, primaryKey string) error {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE IF NOT EXISTS ")
	sb.WriteString(quoteIdentifier(name))
	sb.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdentifier(col))
		sb.WriteString(" ")
		sb.WriteString(duckType(sample[col]))
		if col == primaryKey {
			sb.WriteString(" PRIMARY KEY")
		}
	}
	sb.WriteString(")")

	if _, err := l.db.ExecContext(ctx, sb.String()); err != nil {
		return fmt.Errorf("create table %s: %w", name, err)
	}
	return nil
}

func buildDuckInsert(name string, cols []string, rowCount int, d Disposition, primaryKey string) string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteIdentifier(name))
	sb.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdentifier(col))
	}
	sb.WriteString(") VALUES ")
	for r := 0; r < rowCount; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		sb.WriteString(strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
		sb.WriteString(")")
	}

	if d == DispositionMerge {
		sb.WriteString(" ON CONFLICT (")
		sb.WriteString(quoteIdentifier(primaryKey))
		sb.WriteString(")")
		if len(cols) == 1 && cols[0] == primaryKey {
			sb.WriteString(" DO NOTHING")
			return sb.String()
		}
		sb.WriteString(" DO UPDATE SET ")
		first := true
		for _, col := range cols {
			if col == primaryKey {
				continue
			}
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(quoteIdentifier(col))
			sb.WriteString(" = EXCLUDED.")
			sb.WriteString(quoteIdentifier(col))
			first = false
		}
	}

	return sb.String()
}

func duckType(v any) string {
	switch v.(type) {
	case bool:
		return "BOOLEAN"
	case int, int32, int64:
		return "BIGINT"
	case float32, float64:
		return "DOUBLE"
	case time.Time:
		return "TIMESTAMP"
	default:
		return "VARCHAR"
	}
}
