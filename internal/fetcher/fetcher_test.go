package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"protocol-metrics/internal/source"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestNewRejectsUnknownKind(t *testing.T) {
	if _, err := New(Options{ID: "x", Kind: "ftp"}, noopLogger()); err == nil {
		t.Fatal("unknown kind should fail")
	}
	if _, err := New(Options{Kind: KindHTTPJSON}, noopLogger()); err == nil {
		t.Fatal("missing id should fail")
	}
	a, err := New(Options{ID: "explorer", Kind: KindHTTPJSON, URL: "http://x"}, noopLogger())
	if err != nil || a.ID() != "explorer" {
		t.Fatalf("unexpected adapter %v, %v", a, err)
	}
}

func TestHTTPJSONSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tokens/0xabc/counters" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("page") != "1" {
			t.Errorf("query params not forwarded: %s", r.URL.RawQuery)
		}
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("user agent = %q", r.Header.Get("User-Agent"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"token_holders_count":"1234"}`))
	}))
	defer srv.Close()

	h := NewHTTPJSON(Options{ID: "explorer", URL: srv.URL + "/", Timeout: time.Second, UserAgent: "test-agent"}, noopLogger())
	resp, err := h.Fetch(context.Background(), source.Query{Target: "/tokens/0xabc/counters", Params: map[string]string{"page": "1"}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := gjson.GetBytes(resp.Body, "token_holders_count").String(); got != "1234" {
		t.Fatalf("holders = %q", got)
	}
	if resp.ReceivedAt.IsZero() {
		t.Fatal("received time should be set")
	}
}

func TestHTTPJSONErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/limited":
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "slow down"})
		case "/garbage":
			_, _ = w.Write([]byte("<html>"))
		}
	}))
	defer srv.Close()

	h := NewHTTPJSON(Options{ID: "dex", URL: srv.URL, Timeout: time.Second}, noopLogger())

	_, err := h.Fetch(context.Background(), source.Query{Target: "limited"})
	if err == nil || !strings.Contains(err.Error(), "slow down") || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected 429 error with message, got %v", err)
	}

	if _, err := h.Fetch(context.Background(), source.Query{Target: "garbage"}); err == nil {
		t.Fatal("invalid json should fail")
	}

	empty := NewHTTPJSON(Options{ID: "dex"}, noopLogger())
	if _, err := empty.Fetch(context.Background(), source.Query{Target: "x"}); err == nil {
		t.Fatal("missing base url should fail")
	}
}

func TestGraphQLData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if !strings.Contains(req.Query, "markets") {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"errors":[{"message":"bad query"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":{"markets":[{"unitPrice":"9800"}]}}`))
	}))
	defer srv.Close()

	g := NewGraphQL(Options{ID: "subgraph", URL: srv.URL, Timeout: time.Second}, noopLogger())

	resp, err := g.Fetch(context.Background(), source.Query{Target: "{ markets { unitPrice } }"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := gjson.GetBytes(resp.Body, "markets.0.unitPrice").String(); got != "9800" {
		t.Fatalf("unitPrice = %q", got)
	}

	if _, err := g.Fetch(context.Background(), source.Query{Target: "{ other }"}); err == nil || !strings.Contains(err.Error(), "bad query") {
		t.Fatalf("graphql errors should surface, got %v", err)
	}
}

func TestEVMRPCMissingConfig(t *testing.T) {
	e := NewEVMRPC(Options{ID: "chain_rpc"}, noopLogger())
	if _, err := e.Fetch(context.Background(), source.Query{Method: "totalSupply", Target: "0x80B98d3aa09ffff255c3ba4A241111Ff1262F045"}); err == nil {
		t.Fatal("missing rpc url should fail")
	}

	e = NewEVMRPC(Options{ID: "chain_rpc", URL: "http://localhost"}, noopLogger())
	if _, err := e.Fetch(context.Background(), source.Query{Method: "totalSupply", Target: "nope"}); err == nil {
		t.Fatal("invalid address should fail")
	}
	if _, err := e.Fetch(context.Background(), source.Query{Method: "transfer", Target: "0x80B98d3aa09ffff255c3ba4A241111Ff1262F045"}); err == nil {
		t.Fatal("unsupported view should fail")
	}
}

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

func TestEVMRPCReadsScaledValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		var result string
		switch req.Method {
		case "eth_call":
			// 2.5e18
			result = fmt.Sprintf("0x%064x", uint64(2_500_000_000_000_000_000))
		case "eth_blockNumber":
			result = "0x2a"
		default:
			t.Errorf("unexpected rpc method %s", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%q}`, req.ID, result)
	}))
	defer srv.Close()

	e := NewEVMRPC(Options{ID: "chain_rpc", URL: srv.URL}, noopLogger())
	defer e.Close()

	resp, err := e.Fetch(context.Background(), source.Query{
		Method: "totalSupply",
		Target: "0x80B98d3aa09ffff255c3ba4A241111Ff1262F045",
	})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := gjson.GetBytes(resp.Body, "value").String(); got != "2.5" {
		t.Fatalf("value = %q, want 2.5", got)
	}
	if got := gjson.GetBytes(resp.Body, "block").Int(); got != 42 {
		t.Fatalf("block = %d, want 42", got)
	}

	resp, err = e.Fetch(context.Background(), source.Query{
		Method: "getTroveOwnersCount",
		Target: "0x5aB87c2398454125Dd424425e39c8909bBE16022",
		Params: map[string]string{"decimals": "0"},
	})
	if err != nil {
		t.Fatalf("fetch count: %v", err)
	}
	if got := gjson.GetBytes(resp.Body, "value").String(); got != "2500000000000000000" {
		t.Fatalf("unscaled value = %q", got)
	}
}
