package ingest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jusunglee/ttc-go/internal/models"
	"github.com/jusunglee/ttc-go/internal/store"
)

const sampleDocument = `{
	"501-Queen": {
		"route_id": "501",
		"directions": {
			"501_0_501": {
				"direction_id": "501_0_501",
				"direction_title": "East - 501 Queen towards Neville Park",
				"direction_name": "East",
				"stops": [
					{"stopId": "3117", "title": "Humber Loop", "lat": "43.626069", "lon": "-79.490618", "stop_tag": "14260"},
					{"stopId": "3118", "title": "Lake Shore Blvd West At Parklawn Rd", "lat": "43.6266499", "lon": "-79.48848", "stop_tag": "14261"},
					{"stopId": null, "title": "Timing point", "lat": "43.63", "lon": "-79.47", "stop_tag": "14299"}
				]
			},
			"501_1_501": {
				"direction_id": "501_1_501",
				"direction_title": "West - 501 Queen towards Long Branch",
				"direction_name": "West",
				"stops": [
					{"stopId": "3118", "title": "Lake Shore Blvd West At Parklawn Rd", "lat": "43.6266499", "lon": "-79.48848", "stop_tag": "14261"},
					{"stopId": "3200", "title": "Long Branch Loop", "lat": 43.5921, "lon": -79.5446, "stop_tag": "14300"}
				]
			}
		}
	},
	"66-Prince Edward": {
		"route_id": "66",
		"directions": {
			"66_1_66A": {
				"direction_id": "66_1_66A",
				"direction_title": "North - 66 Prince Edward towards Old Mill Station",
				"direction_name": "North",
				"stops": [
					{"stopId": "7001", "title": "Prince Edward Dr At The Kingsway", "lat": "43.6499", "lon": "-79.5101", "stop_tag": "7001"}
				]
			}
		}
	},
	"Unknown": {
		"route_id": null,
		"directions": {
			"x_0": {
				"direction_id": "x_0",
				"direction_title": "Nowhere",
				"direction_name": "North",
				"stops": [
					{"stopId": "9999", "title": "Ghost stop", "lat": "43.7", "lon": "-79.4", "stop_tag": "9999"}
				]
			}
		}
	}
}`

func loadSample(t *testing.T) models.CatalogDocument {
	t.Helper()
	doc, skipped, err := LoadDocument(strings.NewReader(sampleDocument))
	require.NoError(t, err)
	require.Zero(t, skipped)
	return doc
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIngest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ing := NewIngester(s)

	res, err := ing.Ingest(ctx, loadSample(t))
	require.NoError(t, err)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 2, res.Routes)
	assert.Equal(t, 3, res.Directions)
	assert.Equal(t, 5, res.Stops)
	assert.Equal(t, 1, res.Skipped)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CatalogCounts{Routes: 2, Directions: 3, Stops: 4}, counts)

	joined, err := s.FetchJoinedStops(ctx)
	require.NoError(t, err)
	byID := map[string]models.JoinedStop{}
	for _, js := range joined {
		byID[js.ID] = js
	}

	// The route label doubles as the title
	assert.Equal(t, "501-Queen", byID["3117"].RouteTitle)
	assert.Equal(t, "501", byID["3117"].RouteID)
	assert.InDelta(t, 43.626069, byID["3117"].Lat, 1e-9)

	// 3118 appears under both directions; the later one wins
	assert.Equal(t, "501_1_501", byID["3118"].DirectionID)
	assert.Equal(t, "West", byID["3118"].DirectionName)

	// Nothing from the entry without a route_id
	_, ghost := byID["9999"]
	assert.False(t, ghost)

	last, err := s.LastIngestRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, res.RunID, last.ID)
	assert.Equal(t, 4, counts.Stops)
}

func TestIngestIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ing := NewIngester(s)
	doc := loadSample(t)

	_, err := ing.Ingest(ctx, doc)
	require.NoError(t, err)
	firstCounts, err := s.Counts(ctx)
	require.NoError(t, err)
	firstRows, err := s.FetchJoinedStops(ctx)
	require.NoError(t, err)

	_, err = ing.Ingest(ctx, doc)
	require.NoError(t, err)
	secondCounts, err := s.Counts(ctx)
	require.NoError(t, err)
	secondRows, err := s.FetchJoinedStops(ctx)
	require.NoError(t, err)

	assert.Equal(t, firstCounts, secondCounts)
	assert.ElementsMatch(t, firstRows, secondRows)
}

func TestIngestSkipsMissingRouteID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty := ""
	doc := models.CatalogDocument{
		"null": {
			RouteID: nil,
			Directions: map[string]models.DirectionDocument{
				"d": {DirectionID: "d", Stops: []models.StopDocument{{StopID: strPtr("1"), Lat: models.NewCoord(43.6), Lon: models.NewCoord(-79.4)}}},
			},
		},
		"empty": {
			RouteID: &empty,
			Directions: map[string]models.DirectionDocument{
				"e": {DirectionID: "e", Stops: []models.StopDocument{{StopID: strPtr("2"), Lat: models.NewCoord(43.6), Lon: models.NewCoord(-79.4)}}},
			},
		},
	}

	res, err := NewIngester(s).Ingest(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CatalogCounts{}, counts)
}

func TestFlattenSkipsDirectionWithoutID(t *testing.T) {
	w := &recordingWriter{}
	doc := models.CatalogDocument{
		"7-Bathurst": {
			RouteID: strPtr("7"),
			Directions: map[string]models.DirectionDocument{
				"blank": {DirectionID: "", Stops: []models.StopDocument{{StopID: strPtr("1")}}},
				"7_0_7": {DirectionID: "7_0_7", DirectionName: "North", Stops: []models.StopDocument{{StopID: strPtr("2"), Tag: "5271"}}},
			},
		},
	}

	res, err := Flatten(context.Background(), w, doc)
	require.NoError(t, err)
	assert.Equal(t, []string{"route:7", "direction:7_0_7", "stop:2@7_0_7"}, w.calls)
	assert.Equal(t, 1, res.Directions)
	assert.Equal(t, 1, res.Stops)
}

func TestFlattenPropagatesWriterError(t *testing.T) {
	boom := errors.New("disk full")
	w := &recordingWriter{failOn: "direction", err: boom}

	_, err := Flatten(context.Background(), w, loadSample(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	// The first route was written before the failure
	assert.Equal(t, []string{"route:501"}, w.calls)
}

func TestLoadDocumentMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"truncated", `{"501-Queen": {"route_id": "501"`},
		{"wrong shape", `["501"]`},
		{"not json", `route 501`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := LoadDocument(strings.NewReader(tt.input))
			assert.ErrorIs(t, err, models.ErrMalformedDocument)
		})
	}
}

const partlyBrokenDocument = `{
	"501-Queen": {
		"route_id": "501",
		"directions": {
			"501_0_501": {
				"direction_id": "501_0_501",
				"direction_title": "East - 501 Queen towards Neville Park",
				"direction_name": "East",
				"stops": [
					{"stopId": "3117", "title": "Humber Loop", "lat": "43.626069", "lon": "-79.490618", "stop_tag": "14260"},
					{"stopId": "3120", "title": "Unplaced stop", "lat": null, "lon": "-79.49", "stop_tag": "14263"}
				]
			}
		}
	},
	"Broken": {
		"route_id": "999",
		"directions": {
			"999_0": {
				"direction_id": "999_0",
				"stops": [{"stopId": "1", "lat": "north", "lon": "-79.4"}]
			}
		}
	},
	"Wrong shape": {"route_id": "998", "directions": "none"}
}`

func TestLoadDocumentSkipsBadEntries(t *testing.T) {
	doc, skipped, err := LoadDocument(strings.NewReader(partlyBrokenDocument))
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, doc, 1)
	assert.Contains(t, doc, "501-Queen")
}

func TestIngestFileSkipsBadEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(partlyBrokenDocument), 0o644))

	res, err := NewIngester(s).IngestFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Routes)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 2, res.Stops)

	last, err := s.LastIngestRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, 2, last.Skipped)

	// The stop without a latitude is stored but never ranked
	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.CatalogCounts{Routes: 1, Directions: 1, Stops: 2}, counts)

	nearest, err := s.Nearest(ctx, 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, nearest, 1)
	assert.Equal(t, "3117", nearest[0].ID)
}

func TestIngestFileMissing(t *testing.T) {
	_, err := NewIngester(newTestStore(t)).IngestFile(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestWriteDocumentRoundTrip(t *testing.T) {
	doc := loadSample(t)

	var buf bytes.Buffer
	require.NoError(t, WriteDocument(&buf, doc))

	again, skipped, err := LoadDocument(&buf)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Equal(t, doc, again)
}

type recordingWriter struct {
	calls  []string
	failOn string
	err    error
}

func (w *recordingWriter) UpsertRoute(ctx context.Context, routeID, title string) error {
	if w.failOn == "route" {
		return w.err
	}
	w.calls = append(w.calls, "route:"+routeID)
	return nil
}

func (w *recordingWriter) UpsertDirection(ctx context.Context, directionID, routeID, title, name string) error {
	if w.failOn == "direction" {
		return w.err
	}
	w.calls = append(w.calls, "direction:"+directionID)
	return nil
}

func (w *recordingWriter) UpsertStop(ctx context.Context, stop models.Stop) error {
	if w.failOn == "stop" {
		return w.err
	}
	w.calls = append(w.calls, "stop:"+stop.ID+"@"+stop.DirectionID)
	return nil
}

func strPtr(s string) *string {
	return &s
}
