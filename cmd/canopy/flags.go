package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/banshee-data/canopy/internal/config"
	"github.com/banshee-data/canopy/internal/fsutil"
	"github.com/banshee-data/canopy/internal/lidar/pointcloud"
	"github.com/banshee-data/canopy/internal/lidar/treeseg"
	"github.com/banshee-data/canopy/internal/monitoring"
)

// files is the filesystem the commands read clouds from and write results to.
var files fsutil.FileSystem = fsutil.OSFileSystem{}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet("canopy "+name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	return fs
}

// floatList is a comma-separated list of floats.
type floatList []float64

func (l *floatList) String() string {
	parts := make([]string, len(*l))
	for i, v := range *l {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

func (l *floatList) Set(s string) error {
	*l = (*l)[:0]
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", part)
		}
		*l = append(*l, v)
	}
	return nil
}

// cloudFlags are shared by the commands that read a point cloud.
type cloudFlags struct {
	input      string
	output     string
	sensor     string
	configPath string
	index      string
	cellSize   float64
	workers    int
	verbose    bool
	progress   bool
}

func (c *cloudFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.input, "input", "-", "Point cloud JSON ({\"x\":[],\"y\":[],\"z\":[]}); - reads stdin")
	fs.StringVar(&c.output, "output", "-", "Output JSON path; - writes stdout")
	fs.StringVar(&c.sensor, "sensor", "UKN", "Sensor type (UKN, ALS, TLS, UAV, DAP, MLS)")
	fs.StringVar(&c.configPath, "config", "", "Segmentation config JSON; defaults are built in")
	fs.StringVar(&c.index, "index", "", "Spatial index: grid or rtree (overrides config)")
	fs.Float64Var(&c.cellSize, "cell-size", 0, "Grid cell size, 0 = automatic (overrides config)")
	fs.IntVar(&c.workers, "workers", 0, "Parallel workers, 0 = GOMAXPROCS (overrides config)")
	fs.BoolVar(&c.verbose, "v", false, "Verbose debug logging")
	fs.BoolVar(&c.progress, "progress", false, "Log progress of each pass")
}

// loadConfig merges the built-in defaults, the config file and the flags
// that were explicitly set.
func (c *cloudFlags) loadConfig(fs *flag.FlagSet) (*config.SegmentationConfig, error) {
	cfg := config.DefaultSegmentationConfig()
	if c.configPath != "" {
		file, err := config.LoadSegmentationConfig(c.configPath)
		if err != nil {
			return nil, err
		}
		cfg.Merge(file)
	}

	overrides := config.EmptySegmentationConfig()
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "index":
			overrides.Index = &c.index
		case "cell-size":
			overrides.GridCellSize = &c.cellSize
		case "workers":
			overrides.Workers = &c.workers
		}
	})
	cfg.Merge(overrides)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", pointcloud.ErrInvalidInput, err)
	}
	monitoring.SetVerbose(c.verbose)
	return cfg, nil
}

// engine reads the cloud and builds an engine over it.
func (c *cloudFlags) engine(cfg *config.SegmentationConfig, stdin io.Reader) (*treeseg.Engine, error) {
	r := stdin
	if c.input != "-" {
		f, err := files.Open(c.input)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	store, err := pointcloud.DecodeColumns(r, pointcloud.ParseSensor(c.sensor))
	if err != nil {
		return nil, err
	}
	eng, err := treeseg.New(store, cfg.GetIndex(), cfg.GetGridCellSize())
	if err != nil {
		return nil, err
	}
	eng.Workers = cfg.GetWorkers()
	if c.progress {
		eng.WithProgress()
	}
	return eng, nil
}

// writeOutput encodes v as indented JSON to the output path or stdout.
func (c *cloudFlags) writeOutput(stdout io.Writer, v interface{}) error {
	if c.output == "-" {
		return encodeIndented(stdout, v)
	}
	f, err := files.Create(c.output)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := encodeIndented(f, v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func encodeIndented(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
