// Package api serves the tree detection entry points and the stored
// segmentation runs over HTTP/JSON.
package api

import (
	"database/sql"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/canopy/internal/config"
	"github.com/banshee-data/canopy/internal/db"
	"github.com/banshee-data/canopy/internal/httputil"
	"github.com/banshee-data/canopy/internal/lidar/pointcloud"
	"github.com/banshee-data/canopy/internal/lidar/storage/sqlite"
	"github.com/banshee-data/canopy/internal/monitoring"
	"github.com/banshee-data/canopy/internal/security"
	"github.com/banshee-data/canopy/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// DefaultMaxBodyBytes bounds request bodies carrying point clouds.
const DefaultMaxBodyBytes = 256 << 20

type Server struct {
	db   *db.DB
	runs *sqlite.RunStore
	cfg  *config.SegmentationConfig

	// MaxBodyBytes bounds request bodies. Zero uses DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// DataDir enables the "input" request field for files under it.
	DataDir string
}

// NewServer builds a server over database, which may be nil to disable run
// storage. cfg supplies the defaults for every request and may be nil.
func NewServer(database *db.DB, cfg *config.SegmentationConfig) *Server {
	if cfg == nil {
		cfg = config.EmptySegmentationConfig()
	}
	s := &Server{db: database, cfg: cfg}
	if database != nil {
		s.runs = sqlite.NewRunStore(database.DB)
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/segment", s.handleSegment)
	mux.HandleFunc("/api/local-maxima", s.handleLocalMaxima)
	mux.HandleFunc("/api/count-in-disc", s.handleCountInDisc)
	mux.HandleFunc("/api/runs", s.handleRuns)
	mux.HandleFunc("/api/runs/", s.handleRunByID)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/version", s.showVersion)
	return mux
}

func (s *Server) maxBodyBytes() int64 {
	if s.MaxBodyBytes > 0 {
		return s.MaxBodyBytes
	}
	return DefaultMaxBodyBytes
}

// writeError maps an error to its HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pointcloud.ErrInvalidInput), errors.Is(err, httputil.ErrBadRequestBody):
		status = http.StatusBadRequest
	case errors.Is(err, security.ErrOutsideDirectory):
		status = http.StatusForbidden
	case errors.Is(err, monitoring.ErrCancelled):
		status = http.StatusRequestTimeout
	case errors.Is(err, sql.ErrNoRows):
		httputil.NotFound(w, "run not found")
		return
	}
	if status == http.StatusInternalServerError {
		monitoring.Logf("api: internal error: %v", err)
	}
	httputil.WriteJSONError(w, status, err.Error())
}

// effectiveConfig overlays the request overrides on the server defaults.
func (s *Server) effectiveConfig(overrides *config.SegmentationConfig) (*config.SegmentationConfig, error) {
	cfg := config.DefaultSegmentationConfig().Merge(s.cfg)
	if overrides != nil {
		cfg.Merge(overrides)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Join(pointcloud.ErrInvalidInput, err)
	}
	return cfg, nil
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, config.DefaultSegmentationConfig().Merge(s.cfg))
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Info())
}
