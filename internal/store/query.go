package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jusunglee/ttc-go/internal/geo"
	"github.com/jusunglee/ttc-go/internal/models"
)

const joinedStopsSQL = `
	SELECT
		s.stop_id,
		COALESCE(s.stop_title, ''),
		s.lat,
		s.lon,
		COALESCE(s.stop_tag, ''),
		d.direction_id,
		COALESCE(d.direction_title, ''),
		COALESCE(d.direction_name, ''),
		r.route_id,
		COALESCE(r.route_title, '')
	FROM stops s
	JOIN directions d ON s.direction_id = d.direction_id
	JOIN routes r ON d.route_id = r.route_id
	WHERE s.lat IS NOT NULL AND s.lon IS NOT NULL
`

// FetchJoinedStops returns every stop whose direction and route both exist
func (s *Store) FetchJoinedStops(ctx context.Context) ([]models.JoinedStop, error) {
	rows, err := s.db.QueryContext(ctx, joinedStopsSQL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query stops: %w", models.ErrStorage, err)
	}
	defer rows.Close()

	var stops []models.JoinedStop
	for rows.Next() {
		var js models.JoinedStop
		err := rows.Scan(
			&js.ID,
			&js.Title,
			&js.Lat,
			&js.Lon,
			&js.Tag,
			&js.DirectionID,
			&js.DirectionTitle,
			&js.DirectionName,
			&js.RouteID,
			&js.RouteTitle,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan stop row: %w", models.ErrStorage, err)
		}
		stops = append(stops, js)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating stop rows: %w", models.ErrStorage, err)
	}

	return stops, nil
}

// Nearest returns up to limit stops ordered by distance from (lat, lon).
// Every joined stop is scanned; there is no spatial index.
func (s *Store) Nearest(ctx context.Context, lat, lon float64, limit int) ([]models.NearbyStop, error) {
	if !isFinite(lat) || !isFinite(lon) {
		return nil, fmt.Errorf("%w: coordinates must be finite, got (%v, %v)", models.ErrInvalidArgument, lat, lon)
	}
	if limit <= 0 {
		return []models.NearbyStop{}, nil
	}

	joined, err := s.FetchJoinedStops(ctx)
	if err != nil {
		return nil, err
	}

	stops := make([]models.NearbyStop, len(joined))
	for i, js := range joined {
		stops[i] = models.NearbyStop{
			JoinedStop:     js,
			DistanceMeters: geo.Distance(lat, lon, js.Lat, js.Lon),
		}
	}

	sort.SliceStable(stops, func(i, j int) bool {
		return stops[i].DistanceMeters < stops[j].DistanceMeters
	})

	if len(stops) > limit {
		stops = stops[:limit]
	}
	return stops, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Counts returns the number of rows in each catalog table
func (s *Store) Counts(ctx context.Context) (models.CatalogCounts, error) {
	var c models.CatalogCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM routes),
			(SELECT COUNT(*) FROM directions),
			(SELECT COUNT(*) FROM stops)
	`).Scan(&c.Routes, &c.Directions, &c.Stops)
	if err != nil {
		return c, fmt.Errorf("%w: failed to count rows: %w", models.ErrStorage, err)
	}
	return c, nil
}

// runTimeLayout is fixed width so finished_at sorts lexically
const runTimeLayout = "2006-01-02T15:04:05.000000Z"

// RecordIngestRun stores a completed ingestion pass
func (s *Store) RecordIngestRun(ctx context.Context, run models.IngestRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (run_id, started_at, finished_at, routes, directions, stops, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.StartedAt.UTC().Format(runTimeLayout),
		run.FinishedAt.UTC().Format(runTimeLayout),
		run.Routes, run.Directions, run.Stops, run.Skipped,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to record ingest run %s: %w", models.ErrStorage, run.ID, err)
	}
	return nil
}

// LastIngestRun returns the most recently finished ingestion pass, or nil if
// the catalog has never been ingested
func (s *Store) LastIngestRun(ctx context.Context) (*models.IngestRun, error) {
	var (
		run                   models.IngestRun
		startedAt, finishedAt string
	)
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at, routes, directions, stops, skipped
		FROM ingest_runs
		ORDER BY finished_at DESC
		LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query ingest runs: %w", models.ErrStorage, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", models.ErrStorage, err)
		}
		return nil, nil
	}
	err = rows.Scan(&run.ID, &startedAt, &finishedAt,
		&run.Routes, &run.Directions, &run.Stops, &run.Skipped)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to scan ingest run: %w", models.ErrStorage, err)
	}

	if run.StartedAt, err = time.Parse(runTimeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("%w: bad started_at for ingest run %s: %w", models.ErrStorage, run.ID, err)
	}
	if run.FinishedAt, err = time.Parse(runTimeLayout, finishedAt); err != nil {
		return nil, fmt.Errorf("%w: bad finished_at for ingest run %s: %w", models.ErrStorage, run.ID, err)
	}
	return &run, nil
}
