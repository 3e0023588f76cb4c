package ttc

import (
	"context"
	"time"

	"github.com/jusunglee/ttc-go/internal/ingest"
	"github.com/jusunglee/ttc-go/internal/models"
)

// Client defines the interface for accessing TTC data.
// Route, stop, prediction and vehicle lookups pass through to the live feed;
// closest-stop queries are answered from the local catalog.
type Client interface {
	GetRoutes(ctx context.Context) ([]models.Route, error)
	GetStops(ctx context.Context, route string) (map[string]models.FeedStop, error)
	GetStopLines(ctx context.Context, route string) ([][]models.Location, error)
	GetPredictions(ctx context.Context, stopID string) (map[string][]models.Prediction, error)

	GetVehicle(ctx context.Context, id string) (models.Vehicle, error)
	GetVehicles(ctx context.Context, route string, since time.Time) (map[string]models.Vehicle, error)

	GetClosestStops(ctx context.Context, lat, lon float64, limit int) ([]models.NearbyStop, error)

	Ingest(ctx context.Context, doc models.CatalogDocument) (ingest.Result, error)
	GetCatalogStatus(ctx context.Context) (CatalogStatus, error)
}

// CatalogStatus describes the local catalog for health checks
type CatalogStatus struct {
	Counts     models.CatalogCounts `json:"counts"`
	LastIngest *models.IngestRun    `json:"last_ingest,omitempty"`
}
