package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/lib/pq" // postgres driver
)

var json = jsoniter.ConfigFastest

// quoteIdentifier safely quotes a SQL identifier to prevent injection.
func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func qualifiedTable(schema, table string) string {
	if schema == "" {
		return quoteIdentifier(table)
	}
	return quoteIdentifier(schema) + "." + quoteIdentifier(table)
}

// PostgresLoader is the primary sink: one transaction per batch, multi-row
// INSERT, disposition-aware.
type PostgresLoader struct {
	db *sql.DB
}

func NewPostgresLoader(dsn string) (*PostgresLoader, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresLoader{db: db}, nil
}

func (l *PostgresLoader) Write(
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

	if d == DispositionMerge {
		// ON CONFLICT DO UPDATE rejects a statement that touches the same
		// key twice, and at-least-once delivery puts re-published duplicates
		// in one batch. Keep the last copy of each key.
		rows = dedupeByKey(rows, primaryKey)
	}

	cols := columnUnion(rows)
	stmt := buildInsert(schema, table, cols, len(rows), d, primaryKey)
	args := flattenRows(rows, cols)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if d == DispositionReplace {
		if _, execErr := tx.ExecContext(ctx, "TRUNCATE TABLE "+qualifiedTable(schema, table)); execErr != nil {
			tx.Rollback()
			return fmt.Errorf("truncate %s.%s: %w", schema, table, execErr)
		}
	}

	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		tx.Rollback()
		return fmt.Errorf("insert into %s.%s: %w", schema, table, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit %s.%s: %w", schema, table, err)
	}

	log.Printf("[Sink] Loaded %d rows into %s.%s (%s)", len(rows), schema, table, d)
	return nil
}

func (l *PostgresLoader) Close() error { return l.db.Close() }

// buildInsert renders a multi-row INSERT with positional placeholders. For
// merge, the primary key becomes the conflict target and every other column
// is updated from EXCLUDED.
func buildInsert(schema, table string, cols []string, rowCount int, d Disposition, primaryKey string) string {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(qualifiedTable(schema, table))
	sb.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdentifier(col))
	}
	sb.WriteString(") VALUES ")

	n := 1
	for r := 0; r < rowCount; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := range cols {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", n)
			n++
		}
		sb.WriteString(")")
	}

	if d == DispositionMerge {
		sb.WriteString(" ON CONFLICT (")
		sb.WriteString(quoteIdentifier(primaryKey))
		sb.WriteString(")")
		if len(cols) == 1 && cols[0] == primaryKey {
			// Nothing to update besides the key itself.
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

// dedupeByKey collapses rows sharing a primary key value, keeping the last
// occurrence in its first-seen position. Rows without the key pass through.
func dedupeByKey(rows []map[string]any, primaryKey string) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	byKey := make(map[any]int)
	for _, row := range rows {
		key, ok := row[primaryKey]
		if !ok || key == nil {
			out = append(out, row)
			continue
		}
		switch key.(type) {
		case map[string]any, []any:
			// Composite keys are not hashable; let the database complain.
			out = append(out, row)
			continue
		}
		if i, seen := byKey[key]; seen {
			out[i] = row
			continue
		}
		byKey[key] = len(out)
		out = append(out, row)
	}
	return out
}

// flattenRows orders every row's values by cols; absent columns become NULL
// and composite values are stored as JSON text.
func flattenRows(rows []map[string]any, cols []string) []any {
	args := make([]any, 0, len(rows)*len(cols))
	for _, row := range rows {
		for _, col := range cols {
			args = append(args, sqlValue(row[col]))
		}
	}
	return args
}

func sqlValue(v any) any {
	switch v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, []byte, time.Time:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
