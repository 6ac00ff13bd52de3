package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/banshee-data/canopy/internal/config"
	"github.com/banshee-data/canopy/internal/httputil"
	"github.com/banshee-data/canopy/internal/lidar/crowns"
	"github.com/banshee-data/canopy/internal/lidar/pointcloud"
	"github.com/banshee-data/canopy/internal/lidar/segment"
	"github.com/banshee-data/canopy/internal/lidar/storage/sqlite"
	"github.com/banshee-data/canopy/internal/lidar/treeseg"
	"github.com/banshee-data/canopy/internal/security"
)

// CloudRequest carries the point cloud shared by every compute endpoint.
type CloudRequest struct {
	Points pointcloud.Columns `json:"points"`
	// Input names a cloud file under the server data directory and replaces
	// Points.
	Input string `json:"input,omitempty"`
	// Sensor is one of UKN, ALS, TLS, UAV, DAP, MLS.
	Sensor string `json:"sensor,omitempty"`
	// Params overrides the server configuration for this request.
	Params *config.SegmentationConfig `json:"params,omitempty"`
}

// SegmentRequest is the body of POST /api/segment.
type SegmentRequest struct {
	CloudRequest
	LocalMaxima       []bool    `json:"local_maxima,omitempty"`
	LocalMaximaWindow []float64 `json:"local_maxima_window,omitempty"`
	// Save stores the run when the server has a database. Defaults to true.
	Save *bool `json:"save,omitempty"`
}

// SegmentResponse is returned by POST /api/segment.
type SegmentResponse struct {
	RunID      string         `json:"run_id,omitempty"`
	TreeIDs    []*int32       `json:"tree_ids"`
	Seeds      []int          `json:"seeds"`
	Crowns     int            `json:"crowns"`
	Unassigned int            `json:"unassigned"`
	Summaries  []crowns.Crown `json:"crown_summaries"`
	DurationMs int64          `json:"duration_ms"`
}

// LocalMaximaRequest is the body of POST /api/local-maxima.
type LocalMaximaRequest struct {
	CloudRequest
	WindowSizes []float64 `json:"ws,omitempty"`
	MinHeight   *float64  `json:"min_height,omitempty"`
	Circular    *bool     `json:"circular,omitempty"`
}

// LocalMaximaResponse is returned by POST /api/local-maxima.
type LocalMaximaResponse struct {
	LocalMaxima []bool `json:"local_maxima"`
	Count       int    `json:"count"`
}

// CountRequest is the body of POST /api/count-in-disc.
type CountRequest struct {
	CloudRequest
	X      []float64 `json:"x"`
	Y      []float64 `json:"y"`
	Radius float64   `json:"radius"`
}

// CountResponse is returned by POST /api/count-in-disc.
type CountResponse struct {
	Counts []int `json:"counts"`
}

// TreeIDsJSON converts tree ids for JSON output; unassigned points become
// null.
func TreeIDsJSON(ids []segment.TreeID) []*int32 {
	out := make([]*int32, len(ids))
	for i, id := range ids {
		if id == segment.Unassigned {
			continue
		}
		v := int32(id)
		out[i] = &v
	}
	return out
}

// engine decodes the cloud and builds an engine under the effective config.
func (s *Server) engine(req CloudRequest) (*treeseg.Engine, *config.SegmentationConfig, error) {
	cfg, err := s.effectiveConfig(req.Params)
	if err != nil {
		return nil, nil, err
	}
	store, err := s.loadCloud(req)
	if err != nil {
		return nil, nil, err
	}
	eng, err := treeseg.New(store, cfg.GetIndex(), cfg.GetGridCellSize())
	if err != nil {
		return nil, nil, err
	}
	eng.Workers = cfg.GetWorkers()
	return eng, cfg, nil
}

// loadCloud builds the point store from the inline points or, when Input is
// set, from a file inside DataDir.
func (s *Server) loadCloud(req CloudRequest) (*pointcloud.Store, error) {
	sensor := pointcloud.ParseSensor(req.Sensor)
	if req.Input == "" {
		return pointcloud.NewStore(req.Points, sensor)
	}
	if len(req.Points.X) > 0 || len(req.Points.Y) > 0 || len(req.Points.Z) > 0 {
		return nil, fmt.Errorf("%w: points and input are mutually exclusive", pointcloud.ErrInvalidInput)
	}
	if s.DataDir == "" {
		return nil, fmt.Errorf("%w: file input is disabled", pointcloud.ErrInvalidInput)
	}
	path, err := security.ResolveWithin(s.DataDir, req.Input)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: input %s not found", pointcloud.ErrInvalidInput, req.Input)
		}
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()
	return pointcloud.DecodeColumns(f, sensor)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req SegmentRequest
	if err := httputil.DecodeJSON(w, r, &req, s.maxBodyBytes()); err != nil {
		s.writeError(w, err)
		return
	}
	eng, cfg, err := s.engine(req.CloudRequest)
	if err != nil {
		s.writeError(w, err)
		return
	}

	window := req.LocalMaximaWindow
	if window == nil {
		window = []float64{cfg.GetLocalMaximaWindow()}
	}
	params := cfg.SegmentParams()

	start := time.Now()
	res, err := eng.SegmentTrees(r.Context(), treeseg.SegmentRequest{
		Params:            params,
		LocalMaxima:       req.LocalMaxima,
		LocalMaximaWindow: window,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	summaries, err := crowns.Summarize(eng.Store, res.TreeIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	elapsed := time.Since(start)

	seeds := res.Seeds
	if seeds == nil {
		seeds = []int{}
	}

	resp := SegmentResponse{
		TreeIDs:    TreeIDsJSON(res.TreeIDs),
		Seeds:      seeds,
		Crowns:     res.Crowns(),
		Unassigned: res.UnassignedCount(),
		Summaries:  summaries,
		DurationMs: elapsed.Milliseconds(),
	}

	if s.runs != nil && (req.Save == nil || *req.Save) {
		paramsJSON, err := json.Marshal(struct {
			segment.Params
			LocalMaximaWindow []float64 `json:"local_maxima_window,omitempty"`
			UserLocalMaxima   bool      `json:"user_local_maxima"`
		}{params, window, req.LocalMaxima != nil})
		if err != nil {
			s.writeError(w, err)
			return
		}
		run := &sqlite.Run{
			Sensor:          eng.Store.Sensor().String(),
			IndexKind:       cfg.GetIndex(),
			ParamsJSON:      paramsJSON,
			PointCount:      eng.Store.Len(),
			CrownCount:      resp.Crowns,
			UnassignedCount: resp.Unassigned,
			DurationMs:      resp.DurationMs,
		}
		if err := s.runs.RecordRun(run, res.TreeIDs, summaries); err != nil {
			s.writeError(w, err)
			return
		}
		resp.RunID = run.RunID
	}

	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handleLocalMaxima(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req LocalMaximaRequest
	if err := httputil.DecodeJSON(w, r, &req, s.maxBodyBytes()); err != nil {
		s.writeError(w, err)
		return
	}
	eng, cfg, err := s.engine(req.CloudRequest)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ws := req.WindowSizes
	if ws == nil {
		ws = []float64{cfg.GetLMFWindow()}
	}
	minHeight := cfg.GetLMFMinHeight()
	if req.MinHeight != nil {
		minHeight = *req.MinHeight
	}
	circular := cfg.GetLMFCircular()
	if req.Circular != nil {
		circular = *req.Circular
	}

	flags, err := eng.DetectLocalMaxima(r.Context(), ws, minHeight, circular)
	if err != nil {
		s.writeError(w, err)
		return
	}
	count := 0
	for _, f := range flags {
		if f {
			count++
		}
	}
	httputil.WriteJSONOK(w, LocalMaximaResponse{LocalMaxima: flags, Count: count})
}

func (s *Server) handleCountInDisc(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req CountRequest
	if err := httputil.DecodeJSON(w, r, &req, s.maxBodyBytes()); err != nil {
		s.writeError(w, err)
		return
	}
	eng, _, err := s.engine(req.CloudRequest)
	if err != nil {
		s.writeError(w, err)
		return
	}

	counts, err := eng.CountInDisc(r.Context(), req.X, req.Y, req.Radius)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, CountResponse{Counts: counts})
}
