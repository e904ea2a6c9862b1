package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"protocol-metrics/internal/model"
	"protocol-metrics/internal/service"
	"protocol-metrics/internal/storage"
)

// Show prints the most recent stored rows of one metric, or the latest row of every
// stored metric when none is given.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	return a.withReadSide(ctx, func(_ *service.Service, store storage.TimeSeriesStore) error {
		if opts.Metric != "" {
			points, err := store.Recent(ctx, opts.Metric, opts.Limit)
			if err != nil {
				return err
			}
			return printPoints(os.Stdout, opts.Metric, points)
		}

		names, err := store.Metrics(ctx)
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Fprintln(os.Stdout, "no samples found")
			return nil
		}
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Metric\tTime (UTC)\tValue\tQuality")
		for _, name := range names {
			points, err := store.Recent(ctx, name, 1)
			if err != nil {
				return err
			}
			if len(points) == 0 {
				continue
			}
			p := points[0]
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", name, p.Timestamp.UTC().Format(time.RFC3339), formatValue(p), p.Quality)
		}
		return writer.Flush()
	})
}

// Current prints live values for the whole catalog.
func (a *App) Current(ctx context.Context) error {
	return a.withReadSide(ctx, func(svc *service.Service, _ storage.TimeSeriesStore) error {
		return printSamples(os.Stdout, svc.GetCurrentAll(ctx))
	})
}

func printPoints(w io.Writer, metric string, points []model.Point) error {
	if len(points) == 0 {
		fmt.Fprintf(w, "no samples found for %s\n", metric)
		return nil
	}
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tValue\tQuality")
	for _, p := range points {
		fmt.Fprintf(writer, "%s\t%s\t%s\n", p.Timestamp.UTC().Format(time.RFC3339), formatValue(p), p.Quality)
	}
	return writer.Flush()
}

func printSamples(w io.Writer, samples []model.MetricSample) error {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Metric\tValue\tQuality\tMethod\tReason")
	for _, s := range samples {
		reason := s.Reason
		if s.Detail != "" {
			reason += ": " + sanitizeInline(s.Detail)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", s.Metric, formatValue(s.Point()), s.Quality, s.Method, reason)
	}
	return writer.Flush()
}

func formatValue(p model.Point) string {
	if !p.Value.Valid {
		return "-"
	}
	return p.Value.Decimal.Round(6).String()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
