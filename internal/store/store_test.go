package store

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jusunglee/ttc-go/internal/geo"
	"github.com/jusunglee/ttc-go/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedCatalog loads a small slice of the TTC network around Humber Loop
func seedCatalog(t *testing.T, s *Store) []models.Stop {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.UpsertRoute(ctx, "501", "501-Queen"))
	require.NoError(t, s.UpsertRoute(ctx, "66", "66-Prince Edward"))
	require.NoError(t, s.UpsertDirection(ctx, "501_0_501", "501", "East - 501 Queen towards Neville Park", "East"))
	require.NoError(t, s.UpsertDirection(ctx, "66_1_66A", "66", "North - 66 Prince Edward towards Old Mill Station", "North"))

	stops := []models.Stop{
		{ID: "3117", Title: "Humber Loop", Lat: 43.626069, Lon: -79.490618, Tag: "14260", DirectionID: "501_0_501"},
		{ID: "3118", Title: "Lake Shore Blvd West At Parklawn Rd", Lat: 43.6266499, Lon: -79.48848, Tag: "14261", DirectionID: "501_0_501"},
		{ID: "3119", Title: "Queen St West At Roncesvalles Ave", Lat: 43.63948, Lon: -79.44553, Tag: "14262", DirectionID: "501_0_501"},
		{ID: "7001", Title: "Prince Edward Dr At The Kingsway", Lat: 43.6499, Lon: -79.5101, Tag: "7001", DirectionID: "66_1_66A"},
		{ID: "7002", Title: "Kipling Station", Lat: 43.636966, Lon: -79.615198, Tag: "7002", DirectionID: "66_1_66A"},
	}
	for _, stop := range stops {
		require.NoError(t, s.UpsertStop(ctx, stop))
	}
	return stops
}

func TestUpsertReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCatalog(t, s)

	before, err := s.Counts(ctx)
	require.NoError(t, err)

	require.NoError(t, s.UpsertRoute(ctx, "501", "501-Queen Streetcar"))
	require.NoError(t, s.UpsertStop(ctx, models.Stop{
		ID: "3117", Title: "Humber Loop (renamed)", Lat: 43.6261, Lon: -79.4907, Tag: "14260", DirectionID: "501_0_501",
	}))

	after, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after, "upserts must not add rows")

	joined, err := s.FetchJoinedStops(ctx)
	require.NoError(t, err)
	found := false
	for _, js := range joined {
		if js.ID == "3117" {
			found = true
			assert.Equal(t, "Humber Loop (renamed)", js.Title)
			assert.Equal(t, "501-Queen Streetcar", js.RouteTitle)
			assert.InDelta(t, 43.6261, js.Lat, 1e-9)
		}
	}
	assert.True(t, found, "stop 3117 should be joined")
}

func TestUpsertStopWithoutID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertStop(ctx, models.Stop{Title: "No ID", Lat: 43.6, Lon: -79.4, DirectionID: "x"}))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Stops)
}

func TestFetchJoinedStopsInnerJoin(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCatalog(t, s)

	// Orphans are accepted by the store and excluded by the join
	require.NoError(t, s.UpsertStop(ctx, models.Stop{ID: "9000", Title: "Orphan stop", Lat: 43.62607, Lon: -79.49062, Tag: "9000", DirectionID: "missing"}))
	require.NoError(t, s.UpsertDirection(ctx, "504_0_504", "504", "East - 504 King", "East"))
	require.NoError(t, s.UpsertStop(ctx, models.Stop{ID: "9001", Title: "Orphan direction stop", Lat: 43.62607, Lon: -79.49062, Tag: "9001", DirectionID: "504_0_504"}))

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, counts.Stops)

	joined, err := s.FetchJoinedStops(ctx)
	require.NoError(t, err)
	assert.Len(t, joined, 5)
	for _, js := range joined {
		assert.NotEqual(t, "9000", js.ID)
		assert.NotEqual(t, "9001", js.ID)
	}

	nearest, err := s.Nearest(ctx, 43.62607, -79.49062, 10)
	require.NoError(t, err)
	for _, ns := range nearest {
		assert.NotEqual(t, "9000", ns.ID)
		assert.NotEqual(t, "9001", ns.ID)
	}
}

func TestStopCollapsesToLastDirection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCatalog(t, s)

	require.NoError(t, s.UpsertDirection(ctx, "501_1_501", "501", "West - 501 Queen towards Long Branch", "West"))
	require.NoError(t, s.UpsertStop(ctx, models.Stop{ID: "3117", Title: "Humber Loop", Lat: 43.626069, Lon: -79.490618, Tag: "14260", DirectionID: "501_1_501"}))

	joined, err := s.FetchJoinedStops(ctx)
	require.NoError(t, err)

	matches := 0
	for _, js := range joined {
		if js.ID == "3117" {
			matches++
			assert.Equal(t, "501_1_501", js.DirectionID)
			assert.Equal(t, "West", js.DirectionName)
		}
	}
	assert.Equal(t, 1, matches)
}

func TestNearest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	stops := seedCatalog(t, s)

	lat, lon := 43.626069, -79.490618

	t.Run("top k", func(t *testing.T) {
		results, err := s.Nearest(ctx, lat, lon, 2)
		require.NoError(t, err)
		require.Len(t, results, 2)

		assert.Equal(t, "3117", results[0].ID)
		assert.Equal(t, "3118", results[1].ID)
		assert.InDelta(t, 0, results[0].DistanceMeters, 1e-6)

		included := map[string]bool{}
		worst := 0.0
		for _, r := range results {
			included[r.ID] = true
			worst = math.Max(worst, r.DistanceMeters)
		}
		for _, stop := range stops {
			if included[stop.ID] {
				continue
			}
			assert.GreaterOrEqual(t, geo.Distance(lat, lon, stop.Lat, stop.Lon), worst)
		}
	})

	t.Run("sorted ascending", func(t *testing.T) {
		results, err := s.Nearest(ctx, lat, lon, 5)
		require.NoError(t, err)
		for i := 1; i < len(results); i++ {
			assert.LessOrEqual(t, results[i-1].DistanceMeters, results[i].DistanceMeters)
		}
		assert.Equal(t, "7002", results[len(results)-1].ID)
		assert.Equal(t, "66-Prince Edward", results[len(results)-1].RouteTitle)
	})

	t.Run("k exceeds catalog", func(t *testing.T) {
		results, err := s.Nearest(ctx, lat, lon, 50)
		require.NoError(t, err)
		assert.Len(t, results, len(stops))
	})

	t.Run("non-positive k", func(t *testing.T) {
		for _, k := range []int{0, -3} {
			results, err := s.Nearest(ctx, lat, lon, k)
			require.NoError(t, err)
			assert.NotNil(t, results)
			assert.Empty(t, results)
		}
	})

	t.Run("non-finite coordinates", func(t *testing.T) {
		for _, c := range [][2]float64{
			{math.NaN(), lon},
			{lat, math.Inf(1)},
			{math.Inf(-1), math.NaN()},
		} {
			_, err := s.Nearest(ctx, c[0], c[1], 3)
			assert.ErrorIs(t, err, models.ErrInvalidArgument)
		}
	})

	t.Run("empty catalog", func(t *testing.T) {
		empty := newTestStore(t)
		results, err := empty.Nearest(ctx, lat, lon, 3)
		require.NoError(t, err)
		assert.Empty(t, results)
	})
}

func TestBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("rollback discards", func(t *testing.T) {
		b, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, b.UpsertRoute(ctx, "510", "510-Spadina"))
		require.NoError(t, b.Rollback())

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, counts.Routes)
	})

	t.Run("commit writes", func(t *testing.T) {
		b, err := s.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, b.UpsertRoute(ctx, "510", "510-Spadina"))
		require.NoError(t, b.UpsertDirection(ctx, "510_0_510", "510", "North - 510 Spadina towards Spadina Station", "North"))
		require.NoError(t, b.UpsertStop(ctx, models.Stop{ID: "5101", Title: "Spadina Station", Lat: 43.6672, Lon: -79.4037, Tag: "5101", DirectionID: "510_0_510"}))
		require.NoError(t, b.UpsertStop(ctx, models.Stop{Title: "no id"}))
		require.NoError(t, b.Commit())
		require.NoError(t, b.Rollback(), "rollback after commit is a no-op")

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, models.CatalogCounts{Routes: 1, Directions: 1, Stops: 1}, counts)
	})
}

func TestIngestRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last, err := s.LastIngestRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	base := time.Date(2024, 11, 2, 14, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordIngestRun(ctx, models.IngestRun{
		ID: "first", StartedAt: base, FinishedAt: base.Add(time.Second), Routes: 1,
	}))
	require.NoError(t, s.RecordIngestRun(ctx, models.IngestRun{
		ID: "second", StartedAt: base.Add(time.Minute), FinishedAt: base.Add(time.Minute + 1500*time.Millisecond),
		Routes: 2, Directions: 4, Stops: 80, Skipped: 1,
	}))

	last, err = s.LastIngestRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "second", last.ID)
	assert.Equal(t, 80, last.Stops)
	assert.Equal(t, 1, last.Skipped)
	assert.True(t, last.FinishedAt.Equal(base.Add(time.Minute+1500*time.Millisecond)))
}

func TestStopWithoutPositionExcluded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedCatalog(t, s)

	require.NoError(t, s.UpsertStop(ctx, models.Stop{ID: "9100", Title: "Unplaced stop", Lat: math.NaN(), Lon: -79.49, Tag: "9100", DirectionID: "501_0_501"}))

	var lat *float64
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT lat FROM stops WHERE stop_id = '9100'`).Scan(&lat))
	assert.Nil(t, lat)

	nearest, err := s.Nearest(ctx, 0, 0, 100)
	require.NoError(t, err)
	assert.Len(t, nearest, 5)
	for _, ns := range nearest {
		assert.NotEqual(t, "9100", ns.ID)
	}
}

func TestLastIngestRunBadTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingest_runs (run_id, started_at, finished_at)
		VALUES ('legacy', 'yesterday', '2024-11-02T14:00:00.000000Z')`)
	require.NoError(t, err)

	_, err = s.LastIngestRun(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrStorage)
}
