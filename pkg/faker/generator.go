package faker

import (
	"fmt"
	"log"
	"math/rand" // Using weak random for test data generation only
	"strconv"
	"time"

	"github.com/riferrei/srclient"

	"github.com/onchaindata/chainflow/pkg/avro"
)

const (
	blocksPerPoll    = 3    // Max block-number jump between generated transfers
	maxWholeTokens   = 5000 // Upper bound for generated transfer amounts
	weiPerTokenPower = 18   // Token decimal places
)

type contract struct {
	Address string
	Symbol  string
}

// Rotating set of stablecoin contracts so generated traffic spreads across a
// handful of partition keys, the way real transfer streams do.
var contracts = []contract{
	{Address: "0xdac17f958d2ee523a2206206994597c13d831ec7", Symbol: "USDT"},
	{Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Symbol: "USDC"},
	{Address: "0x6b175474e89094c44da98b954eedeac495271d0f", Symbol: "DAI"},
}

const transferSchema = `{
  "type": "record",
  "name": "StableTransfer",
  "fields": [
    {"name": "id", "type": "string"},
    {"name": "blockNumber", "type": "long"},
    {"name": "timestamp", "type": "long"},
    {"name": "contractAddress", "type": "string"},
    {"name": "symbol", "type": "string"},
    {"name": "from", "type": "string"},
    {"name": "to", "type": "string"},
    {"name": "value", "type": "string"},
    {"name": "_ingested_at", "type": "long"},
    {"name": "_source", "type": "string"},
    {"name": "_producer_id", "type": "string"}
  ]
}`

// RegisterSchema publishes the transfer schema for the topic unless one is
// already registered.
func RegisterSchema(registryURL, topic string) {
	client := srclient.CreateSchemaRegistryClient(registryURL)
	subject := topic + "-value"
	if _, err := avro.RegisterSchemaIfMissing(client, subject, transferSchema); err != nil {
		log.Printf("[Schema] Failed to register schema for %s: %v", subject, err)
	} else {
		log.Printf("[Schema] Registered schema for %s", subject)
	}
}

// Generator produces synthetic stablecoin transfers with monotonically
// increasing block numbers, suitable for exercising the whole pipeline
// without a chain indexer.
type Generator struct {
	block int64
	tx    int64
}

func NewGenerator(startBlock int64) *Generator {
	return &Generator{block: startBlock}
}

// NextTransfer returns one transfer row. Block numbers never decrease, so the
// producer cursor semantics hold for generated traffic too.
func (g *Generator) NextTransfer() map[string]any {
	g.block += rand.Int63n(blocksPerPoll) //nolint:gosec // Using weak random for test data generation only
	g.tx++

	c := contracts[rand.Intn(len(contracts))] //nolint:gosec // Using weak random for test data generation only
	whole := rand.Int63n(maxWholeTokens) + 1  //nolint:gosec // Using weak random for test data generation only

	return map[string]any{
		"id":              fmt.Sprintf("%d-%d", g.block, g.tx),
		"blockNumber":     g.block,
		"timestamp":       time.Now().Unix(),
		"contractAddress": c.Address,
		"symbol":          c.Symbol,
		"from":            randomAddress(),
		"to":              randomAddress(),
		"value":           weiString(whole),
	}
}

func randomAddress() string {
	const hex = "0123456789abcdef"
	b := make([]byte, 40)
	for i := range b {
		b[i] = hex[rand.Intn(len(hex))] //nolint:gosec // Using weak random for test data generation only
	}
	return "0x" + string(b)
}

// weiString renders whole tokens as a raw 18-decimal integer string, the
// format transfer values arrive in from the indexer.
func weiString(whole int64) string {
	s := strconv.FormatInt(whole, 10)
	for i := 0; i < weiPerTokenPower; i++ {
		s += "0"
	}
	return s
}
