package faker

import (
	"strings"
	"testing"
)

func TestNextTransferBlockNumbersNeverDecrease(t *testing.T) {
	gen := NewGenerator(19_000_000)

	last := int64(0)
	for i := 0; i < 100; i++ {
		row := gen.NextTransfer()
		block := row["blockNumber"].(int64)
		if block < last {
			t.Fatalf("Block number decreased from %d to %d", last, block)
		}
		last = block
	}
	if last < 19_000_000 {
		t.Errorf("Expected blocks at or beyond the start block, got %d", last)
	}
}

func TestNextTransferShape(t *testing.T) {
	row := NewGenerator(100).NextTransfer()

	for _, field := range []string{"id", "blockNumber", "timestamp", "contractAddress", "symbol", "from", "to", "value"} {
		if _, ok := row[field]; !ok {
			t.Errorf("Expected field %s in generated transfer", field)
		}
	}

	value := row["value"].(string)
	if !strings.HasSuffix(value, strings.Repeat("0", weiPerTokenPower)) {
		t.Errorf("Expected an 18-decimal fixed point value, got %s", value)
	}

	addr := row["from"].(string)
	if !strings.HasPrefix(addr, "0x") || len(addr) != 42 {
		t.Errorf("Expected a 40-hex-char address, got %s", addr)
	}
}
