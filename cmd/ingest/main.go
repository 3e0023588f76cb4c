package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jusunglee/ttc-go/internal/feed"
	"github.com/jusunglee/ttc-go/internal/ingest"
	"github.com/jusunglee/ttc-go/internal/models"
	"github.com/jusunglee/ttc-go/pkg/ttc"
)

func main() {
	var (
		configFile = flag.String("config", "", "YAML config file")
		dbPath     = flag.String("db", "", "Catalog database path (overrides config)")
		docFile    = flag.String("file", "", "Load the catalog document from a JSON file instead of the feed")
		routeList  = flag.String("routes", "", "Comma-separated route tags to fetch (default all)")
		dumpFile   = flag.String("dump", "", "Write the fetched catalog document to this file")
	)
	flag.Parse()

	config, err := ttc.LoadConfig(*configFile)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if *dbPath != "" {
		config.DatabasePath = *dbPath
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := ttc.NewLocal(ctx, config)
	if err != nil {
		slog.Error("Failed to open catalog", "path", config.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	var res ingest.Result
	if *docFile != "" {
		res, err = client.IngestFile(ctx, *docFile)
	} else {
		res, err = ingestFromFeed(ctx, client, *routeList, *dumpFile)
	}
	if err != nil {
		slog.Error("Ingest failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Catalog updated",
		"run_id", res.RunID,
		"routes", res.Routes,
		"directions", res.Directions,
		"stops", res.Stops,
		"skipped", res.Skipped)
}

func ingestFromFeed(ctx context.Context, client *ttc.LocalClient, routeList, dumpFile string) (ingest.Result, error) {
	doc, err := fetchDocument(ctx, client, routeList)
	if err != nil {
		return ingest.Result{}, err
	}
	if dumpFile != "" {
		if err := dump(dumpFile, doc); err != nil {
			return ingest.Result{}, fmt.Errorf("failed to write %s: %w", dumpFile, err)
		}
	}
	return client.Ingest(ctx, doc)
}

func fetchDocument(ctx context.Context, client *ttc.LocalClient, routeList string) (models.CatalogDocument, error) {
	routes, err := client.GetRoutes(ctx)
	if err != nil {
		return nil, err
	}

	if routeList != "" {
		want := make(map[string]bool)
		for _, tag := range strings.Split(routeList, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				want[tag] = true
			}
		}
		filtered := routes[:0]
		for _, r := range routes {
			if want[r.ID] {
				filtered = append(filtered, r)
			}
		}
		routes = filtered
	}

	slog.Info("Fetching route configs", "count", len(routes))
	slog.Debug("Routes", "tags", feed.RouteIDs(routes))
	return client.Feed().CatalogDocument(ctx, routes)
}

func dump(path string, doc models.CatalogDocument) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := ingest.WriteDocument(f, doc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
