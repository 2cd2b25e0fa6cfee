package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Metadata fields stamped onto every published record. The consumer strips
// them again before the sink write.
const (
	MetaIngestedAt = "_ingested_at"
	MetaSource     = "_source"
	MetaProducerID = "_producer_id"
)

// SourceName identifies this producer in record metadata.
const SourceName = "graphql_stream"

// FallbackPartitionKey routes records lacking an entity identifier. They all
// share a partition, which keeps their relative order.
const FallbackPartitionKey = "unknown"

// Record is one ordered event: a monotonic sequence key, the partition key it
// routes by, and the raw payload. Immutable once published.
type Record struct {
	Seq   int64
	Key   string
	Value map[string]any
}

// PartitionKeyFunc derives the partition key for a row. Same input, same key,
// across process restarts.
type PartitionKeyFunc func(row map[string]any) string

// SequenceKeyFunc extracts the monotonic sequence key from a row.
type SequenceKeyFunc func(row map[string]any) (int64, error)

// FieldPartitionKey keys records by a string field, falling back to the given
// constant when the field is absent or empty.
func FieldPartitionKey(field, fallback string) PartitionKeyFunc {
	return func(row map[string]any) string {
		if v, ok := row[field]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
		return fallback
	}
}

// FieldSequenceKey reads an int64 sequence key from a row field, tolerating
// the numeric shapes JSON decoding produces.
func FieldSequenceKey(field string) SequenceKeyFunc {
	return func(row map[string]any) (int64, error) {
		v, ok := row[field]
		if !ok {
			return 0, fmt.Errorf("row is missing sequence field %q", field)
		}
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case float64:
			return int64(n), nil
		case json.Number:
			return n.Int64()
		case string:
			return strconv.ParseInt(n, 10, 64)
		default:
			return 0, fmt.Errorf("sequence field %q has unsupported type %T", field, v)
		}
	}
}

// BuildRecords lifts raw source rows into Records. Rows arrive in ascending
// sequence order and stay that way.
func BuildRecords(rows []map[string]any, seqFn SequenceKeyFunc, keyFn PartitionKeyFunc) ([]Record, error) {
	records := make([]Record, 0, len(rows))
	for i, row := range rows {
		seq, err := seqFn(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		records = append(records, Record{
			Seq:   seq,
			Key:   keyFn(row),
			Value: row,
		})
	}
	return records, nil
}

// StripMetadata removes producer metadata before a sink write, mirroring how
// the metadata was added at publish time.
func StripMetadata(row map[string]any) {
	delete(row, MetaIngestedAt)
	delete(row, MetaSource)
	delete(row, MetaProducerID)
}
