package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/dpup/prefab"
	"github.com/dpup/prefab/logging"
	"github.com/joho/godotenv"

	"github.com/dpup/info.ersn.net/routing/internal/clients/mapbox"
	"github.com/dpup/info.ersn.net/routing/internal/config"
	"github.com/dpup/info.ersn.net/routing/internal/handlers"
	"github.com/dpup/info.ersn.net/routing/internal/services"
)

func main() {
	configPath := flag.String("config", envOr("ROUTING_CONFIG", "routing.yaml"), "Path to routing config file")
	flag.Parse()

	// A missing .env is fine; real deployments set the environment directly
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Failed to load .env: %v", err)
	}

	appConfig, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	router, err := services.New(&appConfig.Routing)
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}

	ctx := logging.EnsureLogger(context.Background())

	// Keep the remote response cache bounded in time
	if remote, ok := router.Remote().(*mapbox.Provider); ok {
		remote.StartCacheCleanup(ctx)
	}

	router.StartHealthChecks(ctx)
	defer router.Stop()

	// Keep monitored corridors warm in the remote cache
	refresher := services.NewPeriodicRefreshService(router)
	if err := refresher.StartPeriodicRefresh(ctx); err != nil {
		log.Fatalf("Failed to start periodic refresh: %v", err)
	}
	defer refresher.Stop()

	log.Printf("Routing API Server starting")
	log.Printf("Preferred provider: %s (fallback enabled: %t)",
		appConfig.Routing.PreferredProvider, appConfig.Routing.FallbackEnabled)

	api := handlers.New(router)

	// Server configuration (port, etc.) is loaded from prefab.yaml/env vars
	server := prefab.New(
		prefab.WithHTTPHandlerFunc("/", homepageHandler),
		prefab.WithHTTPHandlerFunc("/api/v1/snap", api.Snap),
		prefab.WithHTTPHandlerFunc("/api/v1/route", api.Route),
		prefab.WithHTTPHandlerFunc("/api/v1/match", api.Match),
		prefab.WithHTTPHandlerFunc("/api/v1/traffic", api.Traffic),
		prefab.WithHTTPHandlerFunc("/api/v1/health", api.Health),
		prefab.WithHTTPHandlerFunc("/api/v1/health/refresh", api.RefreshHealth),
	)

	// Start the server (blocks until shutdown)
	if err := server.Start(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// homepageHandler serves a simple HTML homepage at the server root
func homepageHandler(w http.ResponseWriter, r *http.Request) {
	// Only handle the root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	html := `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>routing.ersn.net</title>
    <style>
        body {
            font-family: 'Courier New', Consolas, monospace;
            background: #000;
            color: #0f0;
            padding: 20px;
            line-height: 1.4;
        }
        a { color: #0ff; text-decoration: none; }
        a:hover { text-decoration: underline; }
        pre { margin: 0; }
        .header { color: #ff0; }
    </style>
</head>
<body>
<pre>
<span class="header">routing.ersn.net</span>

Road snapping, routing and traffic for the Ebbett's Pass region, served
from a live routing API with an offline road network as fallback.

<span class="header">API Endpoints:</span>

  <a href="/api/v1/snap?lat=38.0675&lon=-120.5436">GET  /api/v1/snap?lat=..&lon=..</a>          - Snap a point to the nearest road
  <a href="/api/v1/route?from=38.0675,-120.5436&to=38.1391,-120.4561">GET  /api/v1/route?from=..&to=..</a>         - Route between two points (format=kml for KML)
  GET  /api/v1/match?coords=lat,lon|...      - Match a GPS trace to roads
  <a href="/api/v1/traffic?from=38.0675,-120.5436&to=38.1391,-120.4561">GET  /api/v1/traffic?from=..&to=..</a>       - Traffic between two points
  <a href="/api/v1/health">GET  /api/v1/health</a>                     - Provider health and call counts
  POST /api/v1/health/refresh             - Re-check providers now

<span class="header">Data Sources:</span>
  • Mapbox Directions and Map Matching APIs
  • Local road network (offline fallback)
</pre>
</body>
</html>`

	if _, err := fmt.Fprint(w, html); err != nil {
		slog.Error("Failed to write homepage HTML", "error", err)
	}
}
