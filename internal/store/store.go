package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jusunglee/ttc-go/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// Store manages the route/direction/stop catalog in SQLite
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite catalog at path and ensures the schema
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(0)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", models.ErrStorage, err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping database: %w", models.ErrStorage, err)
	}

	s := &Store{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("Opened catalog database", "path", path)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates tables if they don't exist
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("%w: failed to create schema: %w", models.ErrStorage, err)
	}
	return nil
}

// Ping checks that the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", models.ErrStorage, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const (
	upsertRouteSQL = `INSERT OR REPLACE INTO routes (route_id, route_title) VALUES (?, ?)`

	upsertDirectionSQL = `
		INSERT OR REPLACE INTO directions (direction_id, route_id, direction_title, direction_name)
		VALUES (?, ?, ?, ?)`

	upsertStopSQL = `
		INSERT OR REPLACE INTO stops (stop_id, stop_title, lat, lon, stop_tag, direction_id)
		VALUES (?, ?, ?, ?, ?, ?)`
)

func upsertRoute(ctx context.Context, ex execer, routeID, title string) error {
	if _, err := ex.ExecContext(ctx, upsertRouteSQL, routeID, title); err != nil {
		return fmt.Errorf("%w: failed to upsert route %s: %w", models.ErrStorage, routeID, err)
	}
	return nil
}

func upsertDirection(ctx context.Context, ex execer, directionID, routeID, title, name string) error {
	if _, err := ex.ExecContext(ctx, upsertDirectionSQL, directionID, routeID, title, name); err != nil {
		return fmt.Errorf("%w: failed to upsert direction %s: %w", models.ErrStorage, directionID, err)
	}
	return nil
}

func upsertStop(ctx context.Context, ex execer, stop models.Stop) error {
	if stop.ID == "" {
		return nil
	}
	var lat, lon sql.NullFloat64
	if stop.HasPosition() {
		lat = sql.NullFloat64{Float64: stop.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: stop.Lon, Valid: true}
	}
	_, err := ex.ExecContext(ctx, upsertStopSQL,
		stop.ID, stop.Title, lat, lon, stop.Tag, stop.DirectionID)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert stop %s: %w", models.ErrStorage, stop.ID, err)
	}
	return nil
}

// UpsertRoute inserts or replaces a route
func (s *Store) UpsertRoute(ctx context.Context, routeID, title string) error {
	return upsertRoute(ctx, s.db, routeID, title)
}

// UpsertDirection inserts or replaces a direction. The route is not required to exist.
func (s *Store) UpsertDirection(ctx context.Context, directionID, routeID, title, name string) error {
	return upsertDirection(ctx, s.db, directionID, routeID, title, name)
}

// UpsertStop inserts or replaces a stop. A stop without an ID is skipped.
// A stop without a position is stored with NULL coordinates.
func (s *Store) UpsertStop(ctx context.Context, stop models.Stop) error {
	return upsertStop(ctx, s.db, stop)
}

// Batch groups upserts into one transaction. Nothing is visible to readers
// until Commit.
type Batch struct {
	tx *sql.Tx
}

// Begin starts a batch
func (s *Store) Begin(ctx context.Context) (*Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %w", models.ErrStorage, err)
	}
	return &Batch{tx: tx}, nil
}

// UpsertRoute inserts or replaces a route within the batch
func (b *Batch) UpsertRoute(ctx context.Context, routeID, title string) error {
	return upsertRoute(ctx, b.tx, routeID, title)
}

// UpsertDirection inserts or replaces a direction within the batch
func (b *Batch) UpsertDirection(ctx context.Context, directionID, routeID, title, name string) error {
	return upsertDirection(ctx, b.tx, directionID, routeID, title, name)
}

// UpsertStop inserts or replaces a stop within the batch
func (b *Batch) UpsertStop(ctx context.Context, stop models.Stop) error {
	return upsertStop(ctx, b.tx, stop)
}

// Commit writes every pending upsert
func (b *Batch) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit: %w", models.ErrStorage, err)
	}
	return nil
}

// Rollback discards pending upserts. Safe to call after Commit.
func (b *Batch) Rollback() error {
	err := b.tx.Rollback()
	if err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("%w: failed to rollback: %w", models.ErrStorage, err)
	}
	return nil
}
