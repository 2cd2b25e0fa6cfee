package source

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:      endpoint,
		Table:         "stablesTransfers",
		Fields:        []string{"id", "blockNumber", "contractAddress", "value"},
		PageSize:      100,
		SequenceField: "blockNumber",
	}
}

func TestBuildQueryColdStartHasNoWhereClause(t *testing.T) {
	g := NewGraphQL(testConfig("http://localhost"))
	query := g.buildQuery(-1)

	if strings.Contains(query, "where:") {
		t.Errorf("Expected no where clause on cold start, got %s", query)
	}
	if !strings.Contains(query, "order_by: {blockNumber: asc}") {
		t.Errorf("Expected ascending order_by, got %s", query)
	}
	if !strings.Contains(query, "limit: 100") {
		t.Errorf("Expected page size limit, got %s", query)
	}
}

func TestBuildQueryUsesExclusiveBound(t *testing.T) {
	g := NewGraphQL(testConfig("http://localhost"))
	query := g.buildQuery(19000000)

	if !strings.Contains(query, "where: {blockNumber: {_gt: 19000000}}") {
		t.Errorf("Expected exclusive _gt bound, got %s", query)
	}
	if !strings.Contains(query, "stablesTransfers(") {
		t.Errorf("Expected the table name in the query, got %s", query)
	}
	if !strings.Contains(query, "id blockNumber contractAddress value") {
		t.Errorf("Expected the field selection, got %s", query)
	}
}

func TestFetchDecodesRows(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotQuery = string(body)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"data":{"stablesTransfers":[
			{"id":"a","blockNumber":11,"value":"5"},
			{"id":"b","blockNumber":12,"value":"6"}
		]}}`)
	}))
	defer srv.Close()

	g := NewGraphQL(testConfig(srv.URL))
	rows, err := g.Fetch(context.Background(), 10)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}
	if rows[0]["id"] != "a" || rows[1]["id"] != "b" {
		t.Errorf("Expected rows in response order, got %v", rows)
	}
	if !strings.Contains(gotQuery, `_gt: 10`) {
		t.Errorf("Expected the request to carry the cursor bound, got %s", gotQuery)
	}
}

func TestFetchEmptyResultIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":{"stablesTransfers":[]}}`)
	}))
	defer srv.Close()

	g := NewGraphQL(testConfig(srv.URL))
	rows, err := g.Fetch(context.Background(), 10)
	if err != nil {
		t.Fatalf("Expected an empty result to succeed, got %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Expected no rows, got %d", len(rows))
	}
}

func TestFetchSurfacesGraphQLErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"errors":[{"message":"field \"blockNumber\" not found"}]}`)
	}))
	defer srv.Close()

	g := NewGraphQL(testConfig(srv.URL))
	if _, err := g.Fetch(context.Background(), -1); err == nil {
		t.Fatal("Expected an error when the response carries errors")
	} else if !strings.Contains(err.Error(), "blockNumber") {
		t.Errorf("Expected the server message in the error, got %v", err)
	}
}

func TestFetchSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGraphQL(testConfig(srv.URL))
	if _, err := g.Fetch(context.Background(), -1); err == nil {
		t.Fatal("Expected an error on a non-200 response")
	}
}
