// Package ingest flattens nested route documents into catalog rows.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jusunglee/ttc-go/internal/models"
	"github.com/jusunglee/ttc-go/internal/store"
)

// Writer receives flattened rows. *store.Batch implements it.
type Writer interface {
	UpsertRoute(ctx context.Context, routeID, title string) error
	UpsertDirection(ctx context.Context, directionID, routeID, title, name string) error
	UpsertStop(ctx context.Context, stop models.Stop) error
}

// Result summarizes one ingestion pass
type Result struct {
	RunID      string
	Routes     int
	Directions int
	Stops      int
	Skipped    int
}

// Ingester writes CatalogDocuments into a Store
type Ingester struct {
	store *store.Store
	now   func() time.Time
}

// NewIngester creates an ingester backed by s
func NewIngester(s *store.Store) *Ingester {
	return &Ingester{store: s, now: time.Now}
}

// Ingest writes doc in a single batch and records the run. A storage failure
// aborts the pass and the batch is rolled back.
func (i *Ingester) Ingest(ctx context.Context, doc models.CatalogDocument) (Result, error) {
	return i.ingest(ctx, doc, 0)
}

// IngestFile loads the JSON document at path and ingests it. Route entries
// that fail to decode are counted in Result.Skipped.
func (i *Ingester) IngestFile(ctx context.Context, path string) (Result, error) {
	doc, skipped, err := LoadDocumentFile(path)
	if err != nil {
		return Result{}, err
	}
	return i.ingest(ctx, doc, skipped)
}

func (i *Ingester) ingest(ctx context.Context, doc models.CatalogDocument, skipped int) (Result, error) {
	started := i.now()
	runID := uuid.New().String()

	batch, err := i.store.Begin(ctx)
	if err != nil {
		return Result{}, err
	}
	defer batch.Rollback()

	res, err := Flatten(ctx, batch, doc)
	res.Skipped += skipped
	if err != nil {
		return res, err
	}
	if err := batch.Commit(); err != nil {
		return res, err
	}
	res.RunID = runID

	run := models.IngestRun{
		ID:         runID,
		StartedAt:  started,
		FinishedAt: i.now(),
		Routes:     res.Routes,
		Directions: res.Directions,
		Stops:      res.Stops,
		Skipped:    res.Skipped,
	}
	if err := i.store.RecordIngestRun(ctx, run); err != nil {
		return res, err
	}

	slog.Info("Ingested catalog",
		"run_id", runID,
		"routes", res.Routes,
		"directions", res.Directions,
		"stops", res.Stops,
		"skipped", res.Skipped,
		"duration", run.FinishedAt.Sub(started))
	return res, nil
}

// Flatten walks doc in key order and writes each route, direction and stop to w.
// Route entries without a route_id are skipped whole, as are directions
// without a direction_id. A stop listed under several directions ends up
// attached to the last one written.
func Flatten(ctx context.Context, w Writer, doc models.CatalogDocument) (Result, error) {
	var res Result

	for _, label := range sortedKeys(doc) {
		route := doc[label]
		if route.RouteID == nil || *route.RouteID == "" {
			slog.Warn("Skipping route without route_id", "route", label)
			res.Skipped++
			continue
		}
		routeID := *route.RouteID

		if err := w.UpsertRoute(ctx, routeID, label); err != nil {
			return res, err
		}
		res.Routes++

		for _, key := range sortedKeys(route.Directions) {
			dir := route.Directions[key]
			if dir.DirectionID == "" {
				slog.Warn("Skipping direction without direction_id", "route", routeID, "direction", key)
				continue
			}
			err := w.UpsertDirection(ctx, dir.DirectionID, routeID, dir.DirectionTitle, dir.DirectionName)
			if err != nil {
				return res, err
			}
			res.Directions++

			for _, sd := range dir.Stops {
				if sd.StopID == nil || *sd.StopID == "" {
					continue
				}
				stop := models.Stop{
					ID:          *sd.StopID,
					Title:       sd.Title,
					Lat:         sd.Lat.Float(),
					Lon:         sd.Lon.Float(),
					Tag:         sd.Tag,
					DirectionID: dir.DirectionID,
				}
				if err := w.UpsertStop(ctx, stop); err != nil {
					return res, err
				}
				res.Stops++
			}
		}
	}

	return res, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadDocument decodes a CatalogDocument from JSON. Each route entry is
// decoded on its own; entries that fail are logged, left out and counted in
// the returned skip count. Only an unreadable top level is an error.
func LoadDocument(r io.Reader) (models.CatalogDocument, int, error) {
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, 0, fmt.Errorf("%w: %w", models.ErrMalformedDocument, err)
	}

	doc := make(models.CatalogDocument, len(raw))
	skipped := 0
	for _, label := range sortedKeys(raw) {
		var route models.RouteDocument
		if err := json.Unmarshal(raw[label], &route); err != nil {
			slog.Warn("Skipping malformed route entry", "route", label, "error", err)
			skipped++
			continue
		}
		doc[label] = route
	}
	return doc, skipped, nil
}

// LoadDocumentFile decodes a CatalogDocument from a JSON file
func LoadDocumentFile(path string) (models.CatalogDocument, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return LoadDocument(f)
}

// WriteDocument encodes doc as indented JSON
func WriteDocument(w io.Writer, doc models.CatalogDocument) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(doc)
}
