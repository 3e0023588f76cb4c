package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jusunglee/ttc-go/pkg/ttc"
)

func main() {
	var (
		configFile = flag.String("config", "", "YAML config file")
		dbPath     = flag.String("db", "", "Catalog database path (overrides config)")
		lat        = flag.Float64("lat", 43.626069, "Latitude")
		lon        = flag.Float64("lon", -79.490618, "Longitude")
		num        = flag.Int("num", 5, "Number of stops")
		arrivals   = flag.Bool("arrivals", false, "Also fetch predictions for each stop")
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

	ctx := context.Background()
	client, err := ttc.NewLocal(ctx, config)
	if err != nil {
		slog.Error("Failed to open catalog", "path", config.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	stops, err := client.GetClosestStops(ctx, *lat, *lon, *num)
	if err != nil {
		slog.Error("Failed to get stops", "error", err)
		os.Exit(1)
	}
	if len(stops) == 0 {
		fmt.Println("No stops in catalog; run the ingest command first")
		return
	}

	fmt.Printf("\nNearest stops to (%.6f, %.6f):\n", *lat, *lon)
	for _, stop := range stops {
		fmt.Printf("\n%s (stop %s, tag %s) %.0fm\n", stop.Title, stop.ID, stop.Tag, stop.DistanceMeters)
		fmt.Printf("  %s: %s\n", stop.RouteTitle, stop.DirectionTitle)

		if !*arrivals {
			continue
		}
		predictions, err := client.GetPredictions(ctx, stop.ID)
		if err != nil {
			slog.Warn("Failed to get predictions", "stop", stop.ID, "error", err)
			continue
		}
		for route, list := range predictions {
			for _, p := range list[:min(3, len(list))] {
				fmt.Printf("    %s - %d min (vehicle %s)\n", route, p.Minutes, p.Vehicle)
			}
		}
	}
}
