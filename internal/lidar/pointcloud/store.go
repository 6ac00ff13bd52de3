package pointcloud

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
)

// Columns is the raw column layout handed over by ingestion. Intensity and
// GPSTime are optional and may be nil.
type Columns struct {
	X         []float64 `json:"x"`
	Y         []float64 `json:"y"`
	Z         []float64 `json:"z"`
	Intensity []uint16  `json:"intensity,omitempty"`
	GPSTime   []float64 `json:"gpstime,omitempty"`
}

// Store is an immutable columnar point cloud. Its slices are never written
// after NewStore returns.
type Store struct {
	x, y, z   []float64
	intensity []uint16
	gpstime   []float64
	sensor    Sensor
	bounds    Bounds
}

// NewStore validates cols and builds a Store over them. The slices are
// copied so later changes by the caller cannot leak into the store.
func NewStore(cols Columns, sensor Sensor) (*Store, error) {
	n := len(cols.X)
	if len(cols.Y) != n || len(cols.Z) != n {
		return nil, fmt.Errorf("%w: coordinate columns differ in length (x=%d y=%d z=%d)",
			ErrInvalidInput, len(cols.X), len(cols.Y), len(cols.Z))
	}
	if cols.Intensity != nil && len(cols.Intensity) != n {
		return nil, fmt.Errorf("%w: intensity has %d values, want %d", ErrInvalidInput, len(cols.Intensity), n)
	}
	if cols.GPSTime != nil && len(cols.GPSTime) != n {
		return nil, fmt.Errorf("%w: gpstime has %d values, want %d", ErrInvalidInput, len(cols.GPSTime), n)
	}

	s := &Store{
		x:      append([]float64(nil), cols.X...),
		y:      append([]float64(nil), cols.Y...),
		z:      append([]float64(nil), cols.Z...),
		sensor: sensor,
		bounds: Bounds{
			MinX: math.Inf(1), MaxX: math.Inf(-1),
			MinY: math.Inf(1), MaxY: math.Inf(-1),
			MinZ: math.Inf(1), MaxZ: math.Inf(-1),
		},
	}
	if cols.Intensity != nil {
		s.intensity = append([]uint16(nil), cols.Intensity...)
	}
	if cols.GPSTime != nil {
		s.gpstime = append([]float64(nil), cols.GPSTime...)
	}

	for i := 0; i < n; i++ {
		x, y, z := s.x[i], s.y[i], s.z[i]
		if !finite(x) || !finite(y) || !finite(z) {
			return nil, fmt.Errorf("%w: point %d has non-finite coordinates (%v, %v, %v)", ErrInvalidInput, i, x, y, z)
		}
		s.bounds.MinX = math.Min(s.bounds.MinX, x)
		s.bounds.MaxX = math.Max(s.bounds.MaxX, x)
		s.bounds.MinY = math.Min(s.bounds.MinY, y)
		s.bounds.MaxY = math.Max(s.bounds.MaxY, y)
		s.bounds.MinZ = math.Min(s.bounds.MinZ, z)
		s.bounds.MaxZ = math.Max(s.bounds.MaxZ, z)
	}
	if n == 0 {
		s.bounds = Bounds{}
	}

	return s, nil
}

// FromPoints builds a Store from (x, y, z) triples. Mostly useful in tests.
func FromPoints(xyz [][3]float64) (*Store, error) {
	cols := Columns{
		X: make([]float64, len(xyz)),
		Y: make([]float64, len(xyz)),
		Z: make([]float64, len(xyz)),
	}
	for i, p := range xyz {
		cols.X[i], cols.Y[i], cols.Z[i] = p[0], p[1], p[2]
	}
	return NewStore(cols, SensorUnknown)
}

// DecodeColumns reads a JSON column object and builds a Store from it.
func DecodeColumns(r io.Reader, sensor Sensor) (*Store, error) {
	var cols Columns
	if err := json.NewDecoder(r).Decode(&cols); err != nil {
		return nil, fmt.Errorf("%w: decode point columns: %v", ErrInvalidInput, err)
	}
	return NewStore(cols, sensor)
}

// Len returns the number of points.
func (s *Store) Len() int { return len(s.x) }

// At returns point i.
func (s *Store) At(i int) Point {
	return Point{ID: i, X: s.x[i], Y: s.y[i], Z: s.z[i]}
}

// X returns the x coordinate of point i.
func (s *Store) X(i int) float64 { return s.x[i] }

// Y returns the y coordinate of point i.
func (s *Store) Y(i int) float64 { return s.y[i] }

// Z returns the elevation of point i.
func (s *Store) Z(i int) float64 { return s.z[i] }

// Intensity returns the intensity of point i and whether the column exists.
func (s *Store) Intensity(i int) (uint16, bool) {
	if s.intensity == nil {
		return 0, false
	}
	return s.intensity[i], true
}

// GPSTime returns the timestamp of point i and whether the column exists.
func (s *Store) GPSTime(i int) (float64, bool) {
	if s.gpstime == nil {
		return 0, false
	}
	return s.gpstime[i], true
}

// Sensor returns the acquisition platform tag.
func (s *Store) Sensor() Sensor { return s.sensor }

// Bounds returns the extent of the cloud. It is the zero value for an empty
// store.
func (s *Store) Bounds() Bounds { return s.bounds }

// SqDist2D is the squared horizontal distance between points i and j.
func (s *Store) SqDist2D(i, j int) float64 {
	dx := s.x[i] - s.x[j]
	dy := s.y[i] - s.y[j]
	return dx*dx + dy*dy
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
