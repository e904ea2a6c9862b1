package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"protocol-metrics/internal/source"
)

const maxBodyBytes = 4 << 20

// HTTPJSON performs GET requests against a REST API returning JSON, such as a block
// explorer or a DEX aggregator. Query.Target is the path below the base URL and
// Query.Params become the query string.
type HTTPJSON struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewHTTPJSON constructs a REST adapter.
func NewHTTPJSON(opts Options, logger zerolog.Logger) *HTTPJSON {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPJSON{
		opts:    opts,
		logger:  logger.With().Str("component", "http_fetcher").Str("source", string(opts.ID)).Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: newLimiter(opts.RPS, opts.Burst),
		baseURL: strings.TrimRight(opts.URL, "/"),
	}
}

// ID implements source.Adapter.
func (h *HTTPJSON) ID() source.ID {
	return h.opts.ID
}

// Fetch implements source.Adapter.
func (h *HTTPJSON) Fetch(ctx context.Context, q source.Query) (source.Response, error) {
	if h.baseURL == "" {
		return source.Response{}, errors.New("base url not configured")
	}

	endpoint := h.baseURL + "/" + strings.TrimLeft(q.Target, "/")
	if len(q.Params) > 0 {
		values := url.Values{}
		for k, v := range q.Params {
			values.Set(k, v)
		}
		endpoint += "?" + values.Encode()
	}

	if err := h.limiter.Wait(ctx); err != nil {
		return source.Response{}, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return source.Response{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent(h.opts))
	for k, v := range h.opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return source.Response{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return source.Response{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return source.Response{}, parseHTTPError(h.opts.ID, resp.StatusCode, payload)
	}
	if !gjson.ValidBytes(payload) {
		return source.Response{}, fmt.Errorf("%s returned invalid json", h.opts.ID)
	}

	h.logger.Debug().Str("target", q.Target).Int("bytes", len(payload)).Msg("fetched")
	return source.Response{Body: payload, ReceivedAt: time.Now().UTC()}, nil
}

var _ source.Adapter = (*HTTPJSON)(nil)
