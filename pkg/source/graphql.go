// Package source provides pollable upstream sources for the producer. The
// only implementation today is a Hasura-style GraphQL endpoint exposing
// on-chain transfer tables.
package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

const defaultRequestTimeout = 30 * time.Second

var json = jsoniter.ConfigFastest

type Config struct {
	Endpoint string
	Table    string
	Fields   []string
	PageSize int

	// SequenceField is the monotonic column the cursor filter applies to.
	SequenceField string

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// GraphQL polls a GraphQL table for rows strictly beyond a sequence key.
// The lower bound is exclusive (_gt) everywhere; results come back in
// ascending sequence order so the caller's max-seq bookkeeping is trivial.
type GraphQL struct {
	cfg    Config
	client *http.Client
}

func NewGraphQL(cfg Config) *GraphQL {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	if cfg.SequenceField == "" {
		cfg.SequenceField = "blockNumber"
	}
	return &GraphQL{cfg: cfg, client: client}
}

// Fetch returns rows with sequence key strictly greater than after, ascending.
// Pass a negative after for an unbounded cold-start query. An empty result is
// not an error.
func (g *GraphQL) Fetch(ctx context.Context, after int64) ([]map[string]any, error) {
	query := g.buildQuery(after)

	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graphql request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("graphql endpoint returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var decoded struct {
		Data   map[string][]map[string]any `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", decoded.Errors[0].Message)
	}

	return decoded.Data[g.cfg.Table], nil
}

// buildQuery renders the Hasura query: exclusive _gt bound on the sequence
// field, ascending order, bounded page size.
func (g *GraphQL) buildQuery(after int64) string {
	var args []string
	if after >= 0 {
		args = append(args, fmt.Sprintf("where: {%s: {_gt: %d}}", g.cfg.SequenceField, after))
	}
	args = append(args, fmt.Sprintf("order_by: {%s: asc}", g.cfg.SequenceField))
	if g.cfg.PageSize > 0 {
		args = append(args, fmt.Sprintf("limit: %d", g.cfg.PageSize))
	}

	return fmt.Sprintf("query { %s(%s) { %s } }",
		g.cfg.Table, strings.Join(args, ", "), strings.Join(g.cfg.Fields, " "))
}
