package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/banshee-data/canopy/internal/api"
	"github.com/banshee-data/canopy/internal/config"
	"github.com/banshee-data/canopy/internal/db"
	"github.com/banshee-data/canopy/internal/monitoring"
	"github.com/banshee-data/canopy/internal/version"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

func runServe(ctx context.Context, args []string) error {
	fs := newFlagSet("serve")
	listen := fs.String("listen", ":8080", "Listen address")
	dbPath := fs.String("db", db.DefaultPath, "Path to the sqlite run database; empty disables run storage")
	configPath := fs.String("config", "", "Segmentation config JSON; defaults are built in")
	dataDir := fs.String("data-dir", "", "Directory clients may read clouds from via the \"input\" field; empty disables file input")
	verbose := fs.Bool("v", false, "Verbose debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *listen == "" {
		return fmt.Errorf("%w: listen address is required", errUsage)
	}
	monitoring.SetVerbose(*verbose)

	cfg := config.DefaultSegmentationConfig()
	if *configPath != "" {
		file, err := config.LoadSegmentationConfig(*configPath)
		if err != nil {
			return err
		}
		cfg.Merge(file)
	}

	mux := http.NewServeMux()
	var database *db.DB
	if *dbPath != "" {
		var err error
		database, err = db.NewDB(*dbPath)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()

		// mount the admin debugging routes (accessible only in dev mode or over Tailscale)
		database.AttachAdminRoutes(mux)
	}

	apiServer := api.NewServer(database, cfg)
	apiServer.DataDir = *dataDir
	mux.Handle("/api/", apiServer.ServeMux())

	ln, err := net.Listen("tcp", *listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", *listen, err)
	}
	return serve(ctx, ln, api.LoggingMiddleware(mux))
}

// serve runs an HTTP server on ln until ctx is cancelled, then shuts it
// down gracefully.
func serve(ctx context.Context, ln net.Listener, handler http.Handler) error {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("%s listening on %s", version.Info(), ln.Addr())
		errc <- server.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
	}

	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	log.Printf("Graceful shutdown complete")
	return nil
}
