package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/canopy/internal/httputil"
	"github.com/banshee-data/canopy/internal/lidar/crowns"
	"github.com/banshee-data/canopy/internal/lidar/storage/sqlite"
)

// maxRunsPerQuery caps the limit parameter of GET /api/runs.
const maxRunsPerQuery = 1000

// RunDetail is returned by GET /api/runs/{id}.
type RunDetail struct {
	*sqlite.Run
	Crowns []crowns.Crown `json:"crowns"`
}

// AssignmentsResponse is returned by GET /api/runs/{id}/assignments.
type AssignmentsResponse struct {
	RunID   string   `json:"run_id"`
	TreeIDs []*int32 `json:"tree_ids"`
}

func (s *Server) requireRuns(w http.ResponseWriter) bool {
	if s.runs == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "run storage is disabled")
		return false
	}
	return true
}

// handleRuns lists stored runs, newest first.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.requireRuns(w) {
		return
	}

	limit := sqlite.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httputil.BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsPerQuery)
	}

	runs, err := s.runs.ListRuns(limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, runs)
}

// handleRunByID handles get and delete of a run and its assignments.
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if !s.requireRuns(w) {
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	runID, sub, _ := strings.Cut(path, "/")
	if runID == "" {
		httputil.BadRequest(w, "run_id is required")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.handleGetRun(w, runID)
	case sub == "" && r.Method == http.MethodDelete:
		s.handleDeleteRun(w, runID)
	case sub == "assignments" && r.Method == http.MethodGet:
		s.handleGetAssignments(w, runID)
	case sub == "" || sub == "assignments":
		httputil.MethodNotAllowed(w)
	default:
		httputil.NotFound(w, "unknown run resource")
	}
}

func (s *Server) handleGetRun(w http.ResponseWriter, runID string) {
	run, err := s.runs.GetRun(runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	cs, err := s.runs.GetCrowns(runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, RunDetail{Run: run, Crowns: cs})
}

func (s *Server) handleGetAssignments(w http.ResponseWriter, runID string) {
	ids, err := s.runs.GetAssignments(runID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, AssignmentsResponse{RunID: runID, TreeIDs: TreeIDsJSON(ids)})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, runID string) {
	if err := s.runs.DeleteRun(runID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
