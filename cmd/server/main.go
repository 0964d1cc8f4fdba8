package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/dpup/prefab"
	"github.com/dpup/prefab/logging"

	"github.com/safewalk/server/internal/api"
	"github.com/safewalk/server/internal/config"
	"github.com/safewalk/server/internal/services"
	"github.com/safewalk/server/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file; environment overrides apply either way")
	flag.Parse()

	appConfig, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := logging.With(context.Background(), logging.NewProdLogger())

	routeSafety, err := services.NewRouteSafetyService(ctx, appConfig,
		services.WithInstruments(telemetry.New()))
	if err != nil {
		log.Fatalf("Failed to initialise route safety service: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := routeSafety.Close(shutdownCtx); err != nil {
			log.Printf("Failed to shut down cleanly: %v", err)
		}
	}()

	if err := routeSafety.Start(ctx); err != nil {
		log.Printf("Failed to start background maintenance: %v", err)
	}

	log.Printf("Route safety API starting on port %d", appConfig.Server.Port)
	log.Printf("Route supplier: %s, factors: %v", appConfig.Routing.Supplier, routeSafety.Factors())

	router := api.NewRouter(routeSafety, appConfig.Server.CorsOrigins)

	server := prefab.New(
		prefab.WithPort(appConfig.Server.Port),
		prefab.WithHTTPHandlerFunc("/api/v1/", router.ServeHTTP),
		prefab.WithHTTPHandlerFunc("/", homepageHandler),
	)

	// Blocks until shutdown
	if err := server.Start(); err != nil {
		log.Printf("Server failed: %v", err)
	}
}

// homepageHandler serves a short usage page at the server root
func homepageHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	text := `safewalk route safety API

POST /api/v1/route/safest          score the safest route between two points
     ?format=kml                   return the scored route as KML
GET  /api/v1/healthz               service readiness

Example:
  curl -X POST localhost:8080/api/v1/route/safest \
    -d '{"start":{"lat":37.7749,"lng":-122.4194},"end":{"lat":37.7849,"lng":-122.4094},"preference":0.7}'
`

	if _, err := fmt.Fprint(w, text); err != nil {
		slog.Error("Failed to write homepage", "error", err)
	}
}
