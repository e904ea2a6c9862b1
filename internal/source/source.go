package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// ID names an external provider. Each ID owns exactly one breaker.
type ID string

// Query is a source-specific request. Method and Target are interpreted by the adapter.
type Query struct {
	Method string
	Target string
	Params map[string]string
}

// Fingerprint is a deterministic key for the query, independent of map ordering.
func (q Query) Fingerprint() string {
	var b strings.Builder
	b.WriteString(q.Method)
	b.WriteByte(' ')
	b.WriteString(q.Target)
	if len(q.Params) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(q.Params))
	for k := range q.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('?')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(q.Params[k]))
	}
	return b.String()
}

// Response is the raw JSON payload returned by an adapter.
type Response struct {
	Body       []byte
	ReceivedAt time.Time
}

// Adapter is the single contract every external source implements.
type Adapter interface {
	ID() ID
	Fetch(ctx context.Context, q Query) (Response, error)
}

var (
	// ErrCircuitOpen is returned when the source's breaker refused the call.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrTimeout is returned when the adapter did not answer within the call timeout.
	ErrTimeout = errors.New("source timeout")
	// ErrUnknownSource is wrapped in a SourceError when no adapter is registered for an ID.
	ErrUnknownSource = errors.New("unknown source")
)

// SourceError wraps a failure reported by an adapter.
type SourceError struct {
	Source ID
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s: %v", e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}
