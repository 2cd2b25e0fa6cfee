package sink

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrConfiguration marks settings that can never succeed at runtime and must
// be rejected at startup.
var ErrConfiguration = errors.New("configuration error")

// Disposition controls how a batch write interacts with existing table data.
type Disposition string

const (
	DispositionAppend  Disposition = "append"
	DispositionReplace Disposition = "replace"
	DispositionMerge   Disposition = "merge"
)

func ParseDisposition(s string) (Disposition, error) {
	switch Disposition(s) {
	case DispositionAppend, DispositionReplace, DispositionMerge:
		return Disposition(s), nil
	default:
		return "", fmt.Errorf("%w: unknown write disposition %q", ErrConfiguration, s)
	}
}

// ValidateWrite checks a disposition/primary-key combination; merge writes
// need a conflict target.
func ValidateWrite(d Disposition, primaryKey string) error {
	if d == DispositionMerge && primaryKey == "" {
		return fmt.Errorf("%w: merge disposition requires a primary key", ErrConfiguration)
	}
	return nil
}

// Loader writes one batch of rows as a single tabular write. Implementations
// are transactional: either every row lands or none do.
type Loader interface {
	Write(ctx context.Context, rows []map[string]any, schema, table string, d Disposition, primaryKey string) error
	Close() error
}

// columnUnion returns the sorted union of keys across all rows, so statement
// text is deterministic regardless of map iteration order.
func columnUnion(rows []map[string]any) []string {
	seen := make(map[string]struct{})
	for _, row := range rows {
		for col := range row {
			seen[col] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for col := range seen {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
