package ttc

import (
	"context"
	"time"

	"github.com/jusunglee/ttc-go/internal/feed"
	"github.com/jusunglee/ttc-go/internal/ingest"
	"github.com/jusunglee/ttc-go/internal/models"
	"github.com/jusunglee/ttc-go/internal/store"
)

// LocalClient implements the Client interface over the live feed and a local
// SQLite catalog
type LocalClient struct {
	store    *store.Store
	feed     *feed.Client
	ingester *ingest.Ingester
}

// NewLocal opens the catalog at config.DatabasePath and creates a feed client
func NewLocal(ctx context.Context, config Config) (*LocalClient, error) {
	s, err := store.Open(ctx, config.DatabasePath)
	if err != nil {
		return nil, err
	}

	return &LocalClient{
		store:    s,
		feed:     feed.NewClient(config.FeedOptions()),
		ingester: ingest.NewIngester(s),
	}, nil
}

// Close releases the catalog database
func (c *LocalClient) Close() error {
	return c.store.Close()
}

// Feed exposes the underlying feed client for batch jobs
func (c *LocalClient) Feed() *feed.Client {
	return c.feed
}

func (c *LocalClient) GetRoutes(ctx context.Context) ([]models.Route, error) {
	return c.feed.Routes(ctx)
}

func (c *LocalClient) GetStops(ctx context.Context, route string) (map[string]models.FeedStop, error) {
	return c.feed.Stops(ctx, route)
}

func (c *LocalClient) GetStopLines(ctx context.Context, route string) ([][]models.Location, error) {
	return c.feed.Paths(ctx, route)
}

func (c *LocalClient) GetPredictions(ctx context.Context, stopID string) (map[string][]models.Prediction, error) {
	return c.feed.Predictions(ctx, stopID)
}

func (c *LocalClient) GetVehicle(ctx context.Context, id string) (models.Vehicle, error) {
	return c.feed.Vehicle(ctx, id)
}

func (c *LocalClient) GetVehicles(ctx context.Context, route string, since time.Time) (map[string]models.Vehicle, error) {
	return c.feed.Vehicles(ctx, route, since)
}

func (c *LocalClient) GetClosestStops(ctx context.Context, lat, lon float64, limit int) ([]models.NearbyStop, error) {
	return c.store.Nearest(ctx, lat, lon, limit)
}

func (c *LocalClient) Ingest(ctx context.Context, doc models.CatalogDocument) (ingest.Result, error) {
	return c.ingester.Ingest(ctx, doc)
}

// IngestFile ingests the JSON catalog document at path, skipping route
// entries that fail to decode
func (c *LocalClient) IngestFile(ctx context.Context, path string) (ingest.Result, error) {
	return c.ingester.IngestFile(ctx, path)
}

func (c *LocalClient) GetCatalogStatus(ctx context.Context) (CatalogStatus, error) {
	counts, err := c.store.Counts(ctx)
	if err != nil {
		return CatalogStatus{}, err
	}
	last, err := c.store.LastIngestRun(ctx)
	if err != nil {
		return CatalogStatus{}, err
	}
	return CatalogStatus{Counts: counts, LastIngest: last}, nil
}
