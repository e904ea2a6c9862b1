package storage

import (
	"testing"
	"time"

	"protocol-metrics/internal/model"
)

func TestBucketStartIsEpochAligned(t *testing.T) {
	ts := time.Unix(1000, 0).UTC()
	if got := BucketStart(ts, 7*time.Second); got.Unix() != 994 {
		t.Fatalf("bucket = %d, want 994", got.Unix())
	}
	if got := BucketStart(time.Unix(-5, 0), 3*time.Second); got.Unix() != -6 {
		t.Fatalf("negative bucket = %d, want -6", got.Unix())
	}
}

func TestResampleKeepsLastPerBucketWithOwnTimestamp(t *testing.T) {
	points := []model.Point{
		point(0, "1"),
		point(30*time.Second, "2"),
		point(60*time.Second, "3"),
		point(90*time.Second, ""),
		point(150*time.Second, "5"),
	}

	out := Resample(points, time.Minute)
	if len(out) != 3 {
		t.Fatalf("got %d buckets, want 3", len(out))
	}
	if !out[0].Timestamp.Equal(base.Add(30 * time.Second)) {
		t.Fatalf("bucket 0 timestamp = %s", out[0].Timestamp)
	}
	if out[1].Value.Valid || out[1].Quality != model.QualityUnavailable {
		t.Fatal("null last value must stay null")
	}
	if !out[2].Timestamp.Equal(base.Add(150 * time.Second)) {
		t.Fatalf("bucket 2 timestamp = %s", out[2].Timestamp)
	}
}

func TestResampleZeroResolutionIsRaw(t *testing.T) {
	points := []model.Point{point(0, "1"), point(time.Second, "2")}
	if out := Resample(points, 0); len(out) != 2 {
		t.Fatalf("raw resample dropped points: %d", len(out))
	}
}
