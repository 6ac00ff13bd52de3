package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/canopy/internal/api"
	"github.com/banshee-data/canopy/internal/db"
	"github.com/banshee-data/canopy/internal/lidar/crowns"
	"github.com/banshee-data/canopy/internal/lidar/segment"
	"github.com/banshee-data/canopy/internal/lidar/storage/sqlite"
	"github.com/banshee-data/canopy/internal/lidar/treeseg"
	"github.com/banshee-data/canopy/internal/monitoring"
)

func runSegment(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := newFlagSet("segment")
	var cf cloudFlags
	cf.register(fs)
	dt1 := fs.Float64("dt1", 0, "Spacing threshold below the height split (overrides config)")
	dt2 := fs.Float64("dt2", 0, "Spacing threshold above the height split (overrides config)")
	zu := fs.Float64("zu", 0, "Height split between dt1 and dt2 (overrides config)")
	hmin := fs.Float64("hmin", 0, "Minimum tree height (overrides config)")
	maxRadius := fs.Float64("max-radius", 0, "Maximum crown radius (overrides config)")
	var ws floatList
	fs.Var(&ws, "ws", "Local maximum window: one size or one per point, 0 disables filtering (overrides config)")
	dbPath := fs.String("db", "", "Store the run in this sqlite database")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := cf.loadConfig(fs)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "dt1":
			cfg.DT1 = dt1
		case "dt2":
			cfg.DT2 = dt2
		case "zu":
			cfg.HeightSplit = zu
		case "hmin":
			cfg.TreeHeightThreshold = hmin
		case "max-radius":
			cfg.MaxRadius = maxRadius
		}
	})
	window := []float64(ws)
	if len(window) == 0 {
		window = []float64{cfg.GetLocalMaximaWindow()}
	}

	eng, err := cf.engine(cfg, stdin)
	if err != nil {
		return err
	}

	start := time.Now()
	params := cfg.SegmentParams()
	res, err := eng.SegmentTrees(ctx, treeseg.SegmentRequest{Params: params, LocalMaximaWindow: window})
	if err != nil {
		return err
	}
	summaries, err := crowns.Summarize(eng.Store, res.TreeIDs)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	seeds := res.Seeds
	if seeds == nil {
		seeds = []int{}
	}
	out := api.SegmentResponse{
		TreeIDs:    api.TreeIDsJSON(res.TreeIDs),
		Seeds:      seeds,
		Crowns:     res.Crowns(),
		Unassigned: res.UnassignedCount(),
		Summaries:  summaries,
		DurationMs: elapsed.Milliseconds(),
	}

	if *dbPath != "" {
		runID, err := recordRun(*dbPath, eng, cfg.GetIndex(), params, window, res, summaries, elapsed)
		if err != nil {
			return err
		}
		out.RunID = runID
		monitoring.Logf("stored run %s in %s", runID, *dbPath)
	}

	return cf.writeOutput(stdout, out)
}

func recordRun(path string, eng *treeseg.Engine, indexKind string, params segment.Params, window []float64,
	res *segment.Result, summaries []crowns.Crown, elapsed time.Duration) (string, error) {
	database, err := db.NewDB(path)
	if err != nil {
		return "", err
	}
	defer database.Close()

	paramsJSON, err := json.Marshal(struct {
		segment.Params
		LocalMaximaWindow []float64 `json:"local_maxima_window,omitempty"`
	}{params, window})
	if err != nil {
		return "", err
	}
	run := &sqlite.Run{
		Sensor:          eng.Store.Sensor().String(),
		IndexKind:       indexKind,
		ParamsJSON:      paramsJSON,
		PointCount:      eng.Store.Len(),
		CrownCount:      res.Crowns(),
		UnassignedCount: res.UnassignedCount(),
		DurationMs:      elapsed.Milliseconds(),
	}
	if err := sqlite.NewRunStore(database.DB).RecordRun(run, res.TreeIDs, summaries); err != nil {
		return "", err
	}
	return run.RunID, nil
}

func runLMF(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := newFlagSet("lmf")
	var cf cloudFlags
	cf.register(fs)
	var ws floatList
	fs.Var(&ws, "ws", "Window size: one value or one per point (overrides config)")
	hmin := fs.Float64("hmin", 0, "Minimum height of a local maximum (overrides config)")
	circular := fs.Bool("circular", true, "Use a circular window instead of a square (overrides config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := cf.loadConfig(fs)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "hmin":
			cfg.LMFMinHeight = hmin
		case "circular":
			cfg.LMFCircular = circular
		}
	})
	window := []float64(ws)
	if len(window) == 0 {
		window = []float64{cfg.GetLMFWindow()}
	}

	eng, err := cf.engine(cfg, stdin)
	if err != nil {
		return err
	}
	flags, err := eng.DetectLocalMaxima(ctx, window, cfg.GetLMFMinHeight(), cfg.GetLMFCircular())
	if err != nil {
		return err
	}
	count := 0
	for _, f := range flags {
		if f {
			count++
		}
	}
	return cf.writeOutput(stdout, api.LocalMaximaResponse{LocalMaxima: flags, Count: count})
}

// locations is the query file of the count command.
type locations struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
}

func runCount(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := newFlagSet("count")
	var cf cloudFlags
	cf.register(fs)
	at := fs.String("at", "", "Query locations JSON ({\"x\":[],\"y\":[]})")
	radius := fs.Float64("radius", 0, "Disc radius")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *at == "" {
		return fmt.Errorf("%w: -at is required", errUsage)
	}

	cfg, err := cf.loadConfig(fs)
	if err != nil {
		return err
	}

	data, err := files.ReadFile(*at)
	if err != nil {
		return fmt.Errorf("read locations: %w", err)
	}
	var loc locations
	if err := json.Unmarshal(data, &loc); err != nil {
		return fmt.Errorf("parse locations: %w", err)
	}

	eng, err := cf.engine(cfg, stdin)
	if err != nil {
		return err
	}
	counts, err := eng.CountInDisc(ctx, loc.X, loc.Y, *radius)
	if err != nil {
		return err
	}
	return cf.writeOutput(stdout, api.CountResponse{Counts: counts})
}
