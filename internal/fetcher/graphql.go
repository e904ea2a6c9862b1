package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"protocol-metrics/internal/source"
)

// GraphQL posts Query.Target as a GraphQL document to a subgraph endpoint.
// Query.Params are sent as string variables. The response body is the "data" object.
type GraphQL struct {
	opts     Options
	logger   zerolog.Logger
	client   *http.Client
	limiter  *rate.Limiter
	endpoint string
}

// NewGraphQL constructs a subgraph adapter.
func NewGraphQL(opts Options, logger zerolog.Logger) *GraphQL {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GraphQL{
		opts:     opts,
		logger:   logger.With().Str("component", "graphql_fetcher").Str("source", string(opts.ID)).Logger(),
		client:   &http.Client{Timeout: timeout},
		limiter:  newLimiter(opts.RPS, opts.Burst),
		endpoint: strings.TrimSpace(opts.URL),
	}
}

// ID implements source.Adapter.
func (g *GraphQL) ID() source.ID {
	return g.opts.ID
}

type graphQLRequest struct {
	Query     string            `json:"query"`
	Variables map[string]string `json:"variables,omitempty"`
}

// Fetch implements source.Adapter.
func (g *GraphQL) Fetch(ctx context.Context, q source.Query) (source.Response, error) {
	if g.endpoint == "" {
		return source.Response{}, errors.New("graphql endpoint not configured")
	}
	if strings.TrimSpace(q.Target) == "" {
		return source.Response{}, errors.New("graphql query document is empty")
	}

	body, err := json.Marshal(graphQLRequest{Query: q.Target, Variables: q.Params})
	if err != nil {
		return source.Response{}, err
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return source.Response{}, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return source.Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent(g.opts))
	for k, v := range g.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return source.Response{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return source.Response{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return source.Response{}, parseHTTPError(g.opts.ID, resp.StatusCode, payload)
	}
	if !gjson.ValidBytes(payload) {
		return source.Response{}, fmt.Errorf("%s returned invalid json", g.opts.ID)
	}

	if errs := gjson.GetBytes(payload, "errors"); errs.Exists() && len(errs.Array()) > 0 {
		return source.Response{}, fmt.Errorf("graphql error: %s", errs.Get("0.message").String())
	}
	data := gjson.GetBytes(payload, "data")
	if !data.Exists() || data.Type == gjson.Null {
		return source.Response{}, errors.New("graphql response has no data")
	}

	return source.Response{Body: []byte(data.Raw), ReceivedAt: time.Now().UTC()}, nil
}

var _ source.Adapter = (*GraphQL)(nil)
