package pipeline

import (
	"encoding/json"
	"testing"
)

func TestFieldPartitionKey(t *testing.T) {
	keyFn := FieldPartitionKey("contractAddress", FallbackPartitionKey)

	row := map[string]any{"contractAddress": "0xdac17f958d2ee523a2206206994597c13d831ec7"}
	if got := keyFn(row); got != "0xdac17f958d2ee523a2206206994597c13d831ec7" {
		t.Errorf("Expected contract address key, got %q", got)
	}

	// Determinism: same row, same key, every time.
	for i := 0; i < 10; i++ {
		if keyFn(row) != keyFn(row) {
			t.Fatal("Partition key is not deterministic")
		}
	}

	if got := keyFn(map[string]any{}); got != FallbackPartitionKey {
		t.Errorf("Expected fallback key for missing field, got %q", got)
	}
	if got := keyFn(map[string]any{"contractAddress": ""}); got != FallbackPartitionKey {
		t.Errorf("Expected fallback key for empty field, got %q", got)
	}
	if got := keyFn(map[string]any{"contractAddress": 42}); got != FallbackPartitionKey {
		t.Errorf("Expected fallback key for non-string field, got %q", got)
	}
}

func TestFieldSequenceKey(t *testing.T) {
	seqFn := FieldSequenceKey("blockNumber")

	cases := []struct {
		name string
		val  any
		want int64
	}{
		{"int64", int64(19000001), 19000001},
		{"int", 42, 42},
		{"float64", float64(19000002), 19000002},
		{"json.Number", json.Number("19000003"), 19000003},
		{"string", "19000004", 19000004},
	}
	for _, tc := range cases {
		got, err := seqFn(map[string]any{"blockNumber": tc.val})
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}

	if _, err := seqFn(map[string]any{}); err == nil {
		t.Error("Expected error for missing sequence field")
	}
	if _, err := seqFn(map[string]any{"blockNumber": true}); err == nil {
		t.Error("Expected error for unsupported sequence type")
	}
	if _, err := seqFn(map[string]any{"blockNumber": "not-a-number"}); err == nil {
		t.Error("Expected error for unparsable string sequence")
	}
}

func TestBuildRecords(t *testing.T) {
	rows := []map[string]any{
		{"blockNumber": float64(10), "contractAddress": "0xaaa"},
		{"blockNumber": float64(11), "contractAddress": "0xbbb"},
		{"blockNumber": float64(12)},
	}

	records, err := BuildRecords(rows, FieldSequenceKey("blockNumber"), FieldPartitionKey("contractAddress", FallbackPartitionKey))
	if err != nil {
		t.Fatalf("BuildRecords failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(records))
	}
	if records[0].Seq != 10 || records[1].Seq != 11 || records[2].Seq != 12 {
		t.Errorf("Sequence keys out of order: %d %d %d", records[0].Seq, records[1].Seq, records[2].Seq)
	}
	if records[0].Key != "0xaaa" {
		t.Errorf("Expected key 0xaaa, got %q", records[0].Key)
	}
	if records[2].Key != FallbackPartitionKey {
		t.Errorf("Expected fallback key, got %q", records[2].Key)
	}

	// A malformed row fails the whole window: the cursor cannot skip it.
	rows = append(rows, map[string]any{"contractAddress": "0xccc"})
	if _, err := BuildRecords(rows, FieldSequenceKey("blockNumber"), FieldPartitionKey("contractAddress", FallbackPartitionKey)); err == nil {
		t.Error("Expected error for row without sequence key")
	}
}

func TestStripMetadata(t *testing.T) {
	row := map[string]any{
		"id":           "10-1",
		MetaIngestedAt: int64(1700000000000),
		MetaSource:     SourceName,
		MetaProducerID: "host-1",
	}
	StripMetadata(row)

	if len(row) != 1 {
		t.Errorf("Expected only payload fields to survive, got %v", row)
	}
	if _, ok := row["id"]; !ok {
		t.Error("Payload field was stripped")
	}
}
