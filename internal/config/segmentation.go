package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/banshee-data/canopy/internal/lidar/segment"
	"github.com/banshee-data/canopy/internal/lidar/spatial"
)

// DefaultConfigPath is the path to the canonical segmentation defaults file.
const DefaultConfigPath = "config/segmentation.defaults.json"

// Built-in defaults, matching the usual li2012 settings.
const (
	DefaultDT1                 = 1.5
	DefaultDT2                 = 2.0
	DefaultLocalMaximaWindow   = 2.0
	DefaultHeightSplit         = 15.0
	DefaultTreeHeightThreshold = 2.0
	DefaultMaxRadius           = 10.0
	DefaultLMFMinHeight        = 2.0
	DefaultLMFWindow           = 3.0
)

// SegmentationConfig represents the root configuration for tree detection.
// The schema matches the /api/config endpoint. Every field is optional; the
// Get* methods supply defaults for fields left out of the file.
type SegmentationConfig struct {
	// Segmentation (Li et al. 2012)
	DT1                 *float64 `json:"dt1,omitempty"`
	DT2                 *float64 `json:"dt2,omitempty"`
	HeightSplit         *float64 `json:"height_split,omitempty"`
	TreeHeightThreshold *float64 `json:"tree_height_threshold,omitempty"`
	MaxRadius           *float64 `json:"max_radius,omitempty"`
	LocalMaximaWindow   *float64 `json:"local_maxima_window,omitempty"` // 0 disables filtering

	// Standalone local maximum filter
	LMFWindow    *float64 `json:"lmf_window,omitempty"`
	LMFMinHeight *float64 `json:"lmf_min_height,omitempty"`
	LMFCircular  *bool    `json:"lmf_circular,omitempty"`

	// Spatial index and execution
	Index        *string  `json:"index,omitempty"`          // "grid" or "rtree"
	GridCellSize *float64 `json:"grid_cell_size,omitempty"` // 0 = automatic
	Workers      *int     `json:"workers,omitempty"`        // 0 = GOMAXPROCS
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptySegmentationConfig returns a config with all fields set to nil.
func EmptySegmentationConfig() *SegmentationConfig {
	return &SegmentationConfig{}
}

// DefaultSegmentationConfig returns a config with every field populated from
// the built-in defaults.
func DefaultSegmentationConfig() *SegmentationConfig {
	return &SegmentationConfig{
		DT1:                 ptrFloat64(DefaultDT1),
		DT2:                 ptrFloat64(DefaultDT2),
		HeightSplit:         ptrFloat64(DefaultHeightSplit),
		TreeHeightThreshold: ptrFloat64(DefaultTreeHeightThreshold),
		MaxRadius:           ptrFloat64(DefaultMaxRadius),
		LocalMaximaWindow:   ptrFloat64(DefaultLocalMaximaWindow),
		LMFWindow:           ptrFloat64(DefaultLMFWindow),
		LMFMinHeight:        ptrFloat64(DefaultLMFMinHeight),
		LMFCircular:         ptrBool(true),
		Index:               ptrString(spatial.KindGrid),
		GridCellSize:        ptrFloat64(0),
		Workers:             ptrInt(0),
	}
}

// LoadSegmentationConfig loads a SegmentationConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadSegmentationConfig(path string) (*SegmentationConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptySegmentationConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *SegmentationConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/lidar/treeseg/
		"../../../../" + DefaultConfigPath, // deeper packages
	}
	for _, path := range candidates {
		if cfg, err := LoadSegmentationConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *SegmentationConfig) Validate() error {
	positive := []struct {
		name string
		v    *float64
	}{
		{"dt1", c.DT1},
		{"dt2", c.DT2},
		{"max_radius", c.MaxRadius},
		{"lmf_window", c.LMFWindow},
	}
	for _, f := range positive {
		if f.v != nil && (!(*f.v > 0) || math.IsInf(*f.v, 0)) {
			return fmt.Errorf("%s must be positive, got %v", f.name, *f.v)
		}
	}

	nonNegative := []struct {
		name string
		v    *float64
	}{
		{"local_maxima_window", c.LocalMaximaWindow},
		{"grid_cell_size", c.GridCellSize},
	}
	for _, f := range nonNegative {
		if f.v != nil && !(*f.v >= 0) {
			return fmt.Errorf("%s must be non-negative, got %v", f.name, *f.v)
		}
	}

	if c.Index != nil {
		switch *c.Index {
		case spatial.KindGrid, spatial.KindRTree:
		default:
			return fmt.Errorf("index must be %q or %q, got %q", spatial.KindGrid, spatial.KindRTree, *c.Index)
		}
	}

	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be non-negative, got %d", *c.Workers)
	}

	return nil
}

func getFloat64(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// GetDT1 returns the dt1 value or the default.
func (c *SegmentationConfig) GetDT1() float64 { return getFloat64(c.DT1, DefaultDT1) }

// GetDT2 returns the dt2 value or the default.
func (c *SegmentationConfig) GetDT2() float64 { return getFloat64(c.DT2, DefaultDT2) }

// GetHeightSplit returns the height_split value or the default.
func (c *SegmentationConfig) GetHeightSplit() float64 {
	return getFloat64(c.HeightSplit, DefaultHeightSplit)
}

// GetTreeHeightThreshold returns the tree_height_threshold value or the default.
func (c *SegmentationConfig) GetTreeHeightThreshold() float64 {
	return getFloat64(c.TreeHeightThreshold, DefaultTreeHeightThreshold)
}

// GetMaxRadius returns the max_radius value or the default.
func (c *SegmentationConfig) GetMaxRadius() float64 { return getFloat64(c.MaxRadius, DefaultMaxRadius) }

// GetLocalMaximaWindow returns the local_maxima_window value or the default.
func (c *SegmentationConfig) GetLocalMaximaWindow() float64 {
	return getFloat64(c.LocalMaximaWindow, DefaultLocalMaximaWindow)
}

// GetLMFWindow returns the lmf_window value or the default.
func (c *SegmentationConfig) GetLMFWindow() float64 { return getFloat64(c.LMFWindow, DefaultLMFWindow) }

// GetLMFMinHeight returns the lmf_min_height value or the default.
func (c *SegmentationConfig) GetLMFMinHeight() float64 {
	return getFloat64(c.LMFMinHeight, DefaultLMFMinHeight)
}

// GetLMFCircular returns the lmf_circular value or the default.
func (c *SegmentationConfig) GetLMFCircular() bool {
	if c.LMFCircular == nil {
		return true // default
	}
	return *c.LMFCircular
}

// GetIndex returns the spatial index kind or the default.
func (c *SegmentationConfig) GetIndex() string {
	if c.Index == nil || *c.Index == "" {
		return spatial.KindGrid
	}
	return *c.Index
}

// GetGridCellSize returns the grid_cell_size value or the default.
func (c *SegmentationConfig) GetGridCellSize() float64 { return getFloat64(c.GridCellSize, 0) }

// GetWorkers returns the workers value or the default.
func (c *SegmentationConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0 // default
	}
	return *c.Workers
}

// SegmentParams assembles the segmentation thresholds.
func (c *SegmentationConfig) SegmentParams() segment.Params {
	return segment.Params{
		DT1:                 c.GetDT1(),
		DT2:                 c.GetDT2(),
		HeightSplit:         c.GetHeightSplit(),
		TreeHeightThreshold: c.GetTreeHeightThreshold(),
		MaxRadius:           c.GetMaxRadius(),
	}
}

// Merge overlays the non-nil fields of other onto c and returns c.
func (c *SegmentationConfig) Merge(other *SegmentationConfig) *SegmentationConfig {
	if other == nil {
		return c
	}
	if other.DT1 != nil {
		c.DT1 = other.DT1
	}
	if other.DT2 != nil {
		c.DT2 = other.DT2
	}
	if other.HeightSplit != nil {
		c.HeightSplit = other.HeightSplit
	}
	if other.TreeHeightThreshold != nil {
		c.TreeHeightThreshold = other.TreeHeightThreshold
	}
	if other.MaxRadius != nil {
		c.MaxRadius = other.MaxRadius
	}
	if other.LocalMaximaWindow != nil {
		c.LocalMaximaWindow = other.LocalMaximaWindow
	}
	if other.LMFWindow != nil {
		c.LMFWindow = other.LMFWindow
	}
	if other.LMFMinHeight != nil {
		c.LMFMinHeight = other.LMFMinHeight
	}
	if other.LMFCircular != nil {
		c.LMFCircular = other.LMFCircular
	}
	if other.Index != nil {
		c.Index = other.Index
	}
	if other.GridCellSize != nil {
		c.GridCellSize = other.GridCellSize
	}
	if other.Workers != nil {
		c.Workers = other.Workers
	}
	return c
}
