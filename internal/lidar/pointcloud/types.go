package pointcloud

import (
	"errors"
	"strings"
)

// ErrInvalidInput marks configuration and input errors. Callers can detect it
// with errors.Is; no partial computation happens when it is returned.
var ErrInvalidInput = errors.New("invalid input")

// Point is an immutable view of one point of a Store.
type Point struct {
	ID      int // index in the originating Store
	X, Y, Z float64
}

// Sensor tags the acquisition platform of a cloud. The segmentation core
// ignores it.
type Sensor uint8

const (
	SensorUnknown Sensor = iota
	SensorALS            // airborne
	SensorTLS            // terrestrial
	SensorUAV            // drone
	SensorDAP            // digital aerial photogrammetry
	SensorMLS            // mobile
)

var sensorNames = map[Sensor]string{
	SensorUnknown: "UKN",
	SensorALS:     "ALS",
	SensorTLS:     "TLS",
	SensorUAV:     "UAV",
	SensorDAP:     "DAP",
	SensorMLS:     "MLS",
}

// String returns the sensor code.
func (s Sensor) String() string {
	if name, ok := sensorNames[s]; ok {
		return name
	}
	return sensorNames[SensorUnknown]
}

// ParseSensor maps a sensor code, in any case, back to its tag. Unrecognised
// codes map to SensorUnknown.
func ParseSensor(name string) Sensor {
	name = strings.ToUpper(strings.TrimSpace(name))
	for s, n := range sensorNames {
		if n == name {
			return s
		}
	}
	return SensorUnknown
}

// Bounds is the axis-aligned extent of a Store.
type Bounds struct {
	MinX, MaxX float64
	MinY, MaxY float64
	MinZ, MaxZ float64
}

// Width returns the X extent.
func (b Bounds) Width() float64 { return b.MaxX - b.MinX }

// Height returns the Y extent.
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }
