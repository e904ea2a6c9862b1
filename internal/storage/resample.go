package storage

import (
	"time"

	"protocol-metrics/internal/model"
)

// BucketStart aligns t down to a multiple of resolution since the Unix epoch.
func BucketStart(t time.Time, resolution time.Duration) time.Time {
	ns := t.UnixNano()
	r := int64(resolution)
	start := ns - ns%r
	if ns%r < 0 {
		start -= r
	}
	return time.Unix(0, start).UTC()
}

// Resample keeps the last point of every resolution bucket. Points must be sorted by
// timestamp. Each kept point retains its own timestamp and a null value stays null.
// A non-positive resolution returns the points unchanged.
func Resample(points []model.Point, resolution time.Duration) []model.Point {
	if resolution <= 0 || len(points) == 0 {
		return points
	}

	out := make([]model.Point, 0, len(points))
	var current time.Time
	for _, p := range points {
		bucket := BucketStart(p.Timestamp, resolution)
		if len(out) > 0 && bucket.Equal(current) {
			out[len(out)-1] = p
			continue
		}
		current = bucket
		out = append(out, p)
	}
	return out
}
