package fetcher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"protocol-metrics/internal/source"
	"protocol-metrics/internal/version"
)

// Kind selects an adapter implementation.
type Kind string

const (
	KindEVMRPC   Kind = "evm_rpc"
	KindHTTPJSON Kind = "http_json"
	KindGraphQL  Kind = "graphql"
)

// Options configure any adapter kind.
type Options struct {
	ID        source.ID
	Kind      Kind
	URL       string
	Timeout   time.Duration
	RPS       float64
	Burst     int
	UserAgent string
	Headers   map[string]string
}

// New builds the adapter selected by opts.Kind.
func New(opts Options, logger zerolog.Logger) (source.Adapter, error) {
	if opts.ID == "" {
		return nil, fmt.Errorf("source id is required")
	}
	switch opts.Kind {
	case KindEVMRPC:
		return NewEVMRPC(opts, logger), nil
	case KindHTTPJSON:
		return NewHTTPJSON(opts, logger), nil
	case KindGraphQL:
		return NewGraphQL(opts, logger), nil
	default:
		return nil, fmt.Errorf("source %s: unsupported kind %q", opts.ID, opts.Kind)
	}
}

func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func userAgent(opts Options) string {
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		return ua
	}
	return version.UserAgent()
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(id source.ID, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("%s api error (%d): %s", id, status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("%s api error (%d): %s", id, status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("%s api error (%d): %s", id, status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		body := strings.TrimSpace(string(payload))
		if len(body) > 256 {
			body = body[:256]
		}
		return fmt.Errorf("%s api error (%d): %s", id, status, body)
	}
	return fmt.Errorf("%s api error (%d)", id, status)
}
