package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"protocol-metrics/internal/model"
	"protocol-metrics/internal/service"
	"protocol-metrics/internal/storage"
)

// Export renders a metric's history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Metric == "" {
		return errors.New("--metric is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	step := a.Config.Collector.Interval
	if opts.Resolution > 0 {
		step = opts.Resolution
	}
	from := to.Add(-time.Duration(opts.MaxPoints) * step)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	return a.withReadSide(ctx, func(svc *service.Service, _ storage.TimeSeriesStore) error {
		series, err := svc.GetHistory(ctx, opts.Metric, from, to, opts.Resolution)
		if err != nil {
			return err
		}
		if len(series.Points) == 0 {
			a.Logger.Info().Str("metric", opts.Metric).Msg("no samples found for export window")
			return nil
		}

		points := downsamplePoints(series.Points, opts.MaxPoints)
		a.Logger.Info().Str("metric", opts.Metric).Int("total", len(series.Points)).Int("exported", len(points)).Msg("exporting samples")

		if opts.CSVPath != "" {
			if err := writePointsCSV(opts.CSVPath, points); err != nil {
				return err
			}
		}
		if opts.PNGPath != "" {
			if err := writePointsPNG(opts.PNGPath, opts.Metric, points); err != nil {
				return err
			}
		}
		return nil
	})
}

func downsamplePoints(points []model.Point, max int) []model.Point {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]model.Point, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writePointsCSV(path string, points []model.Point) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"timestamp", "value", "quality"}); err != nil {
		return err
	}

	for _, p := range points {
		value := ""
		if p.Value.Valid {
			value = p.Value.Decimal.String()
		}
		if err := writer.Write([]string{p.Timestamp.UTC().Format(time.RFC3339), value, string(p.Quality)}); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writePointsPNG plots available points only; gaps stay gaps.
func writePointsPNG(path, metric string, points []model.Point) error {
	x := make([]time.Time, 0, len(points))
	y := make([]float64, 0, len(points))
	for _, p := range points {
		if !p.Value.Valid {
			continue
		}
		x = append(x, p.Timestamp)
		y = append(y, p.Value.Decimal.InexactFloat64())
	}
	if len(x) < 2 {
		return errors.New("need at least two available points to draw a chart")
	}

	if err := ensureDir(path); err != nil {
		return err
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: metric,
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.3f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    metric,
				XValues: x,
				YValues: y,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
