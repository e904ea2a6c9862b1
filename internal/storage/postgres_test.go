package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"protocol-metrics/internal/model"
)

func TestPgTimestampTruncatesToMicroseconds(t *testing.T) {
	zone := time.FixedZone("UTC+8", 8*60*60)
	in := time.Date(2025, 3, 1, 20, 0, 0, 123456789, zone)

	got := pgTimestamp(in)
	want := time.Date(2025, 3, 1, 12, 0, 0, 123456000, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Fatalf("pgTimestamp = %s, want %s", got, want)
	}
	if again := pgTimestamp(got); !again.Equal(got) {
		t.Fatal("truncation must be idempotent")
	}
	// A row read back from TIMESTAMPTZ carries the truncated instant.
	p, err := pointFromRow(got, sql.NullString{String: "1", Valid: true}, "observed")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Timestamp.Equal(pgTimestamp(in)) {
		t.Fatalf("round-trip timestamp %s != %s", p.Timestamp, pgTimestamp(in))
	}
}

func TestPointFromRow(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		value   sql.NullString
		quality string
		want    string
		wantErr bool
	}{
		{name: "observed", value: sql.NullString{String: "1234.5", Valid: true}, quality: "observed", want: "1234.5"},
		{name: "derived", value: sql.NullString{String: "-0.25", Valid: true}, quality: "derived", want: "-0.25"},
		{name: "null", quality: "unavailable"},
		{name: "garbage", value: sql.NullString{String: "NaN?", Valid: true}, quality: "observed", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := pointFromRow(ts, tc.value, tc.quality)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected parse error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if p.Quality != model.Quality(tc.quality) {
				t.Fatalf("quality = %s", p.Quality)
			}
			if tc.want == "" {
				if p.Value.Valid {
					t.Fatalf("null column produced value %s", p.Value.Decimal)
				}
				return
			}
			if !p.Value.Valid || !p.Value.Decimal.Equal(decimal.RequireFromString(tc.want)) {
				t.Fatalf("value = %+v, want %s", p.Value, tc.want)
			}
		})
	}
}

func TestPgValue(t *testing.T) {
	if v := pgValue(model.Point{Quality: model.QualityUnavailable}); v != nil {
		t.Fatalf("unavailable point must bind NULL, got %v", v)
	}
	p := model.Point{Value: decimal.NewNullDecimal(decimal.RequireFromString("0.000001")), Quality: model.QualityObserved}
	if v := pgValue(p); v != "0.000001" {
		t.Fatalf("value = %v", v)
	}
}

func TestValidatePoint(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	val := decimal.NewNullDecimal(decimal.NewFromInt(1))
	cases := []struct {
		name   string
		metric string
		p      model.Point
		ok     bool
	}{
		{"observed", "tcr", model.Point{Timestamp: ts, Value: val, Quality: model.QualityObserved}, true},
		{"unavailable", "tcr", model.Point{Timestamp: ts, Quality: model.QualityUnavailable}, true},
		{"no metric", "", model.Point{Timestamp: ts, Value: val, Quality: model.QualityObserved}, false},
		{"zero time", "tcr", model.Point{Value: val, Quality: model.QualityObserved}, false},
		{"before epoch", "tcr", model.Point{Timestamp: time.Unix(-1, 0), Value: val, Quality: model.QualityObserved}, false},
		{"single point", "tcr", model.Point{Timestamp: ts, Value: val, Quality: model.QualitySinglePoint}, false},
		{"unavailable with value", "tcr", model.Point{Timestamp: ts, Value: val, Quality: model.QualityUnavailable}, false},
		{"derived without value", "tcr", model.Point{Timestamp: ts, Quality: model.QualityDerived}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validatePoint(tc.metric, tc.p)
			if (err == nil) != tc.ok {
				t.Fatalf("validatePoint error = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestPostgresStoreWithoutPool(t *testing.T) {
	s := NewPostgresStore(nil)
	ctx := context.Background()
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.Append(ctx, "tcr", model.Point{Timestamp: ts, Quality: model.QualityUnavailable})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("append: expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.Query(ctx, "tcr", ts, ts.Add(time.Hour), 0); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("query: expected ErrNotConfigured, got %v", err)
	}
	if _, err := s.Query(ctx, "tcr", ts.Add(time.Hour), ts, 0); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("query: expected ErrInvalidRange, got %v", err)
	}
	if err := s.Ping(ctx); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("ping: expected ErrNotConfigured, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
