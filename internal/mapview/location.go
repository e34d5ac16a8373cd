// Package mapview holds the map logic of the logbook: markers, GeoJSON,
// clustering, coordinate selection and navigation guards
package mapview

import (
	"math"
	"strconv"
	"strings"

	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

// Coordinate is a WGS84 point
type Coordinate struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// Pair returns the point in GeoJSON order
func (c Coordinate) Pair() [2]float64 {
	return [2]float64{c.Longitude, c.Latitude}
}

// ParseLocation reads a "<lon>, <lat>" string leniently. Parts that do not
// parse become 0 and latitude is clamped to [-90, 90]. Longitude is kept as
// stored.
func ParseLocation(location string) Coordinate {
	if strings.TrimSpace(location) == "" {
		return Coordinate{}
	}
	parts := strings.Split(location, ",")
	lon := parseLenient(parts[0])
	var lat float64
	if len(parts) > 1 {
		lat = parseLenient(parts[1])
	}
	return Coordinate{Longitude: lon, Latitude: math.Max(-90, math.Min(90, lat))}
}

func parseLenient(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) {
		return 0
	}
	return v
}

// SelectCoordinate validates a map click. Longitude is wrapped into
// [-180, 180) and both values are rounded to six decimal places.
func SelectCoordinate(lon, lat float64) (Coordinate, error) {
	if math.IsNaN(lon) || math.IsInf(lon, 0) || math.IsNaN(lat) || math.IsInf(lat, 0) {
		return Coordinate{}, utils.NewAppError(utils.ErrCodeValidation, "Selected point is not a coordinate")
	}
	if lat < -90 || lat > 90 {
		return Coordinate{}, utils.NewAppError(utils.ErrCodeValidation, "Latitude out of range",
			strconv.FormatFloat(lat, 'f', -1, 64))
	}
	return Coordinate{
		Longitude: trimPrecision(wrapLongitude(lon)),
		Latitude:  trimPrecision(lat),
	}, nil
}

func wrapLongitude(lon float64) float64 {
	w := math.Mod(lon+180, 360)
	if w < 0 {
		w += 360
	}
	return w - 180
}

func trimPrecision(v float64) float64 {
	out, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 6, 64), 64)
	return out
}

// Picker holds the point chosen on the recording map. A read-only picker,
// used when showing an existing attestation, ignores clicks.
type Picker struct {
	readOnly bool
	selected *Coordinate
}

// NewPicker creates a picker
func NewPicker(readOnly bool) *Picker {
	return &Picker{readOnly: readOnly}
}

// Click selects the clicked point. It reports whether the selection changed.
func (p *Picker) Click(lon, lat float64) (bool, error) {
	if p.readOnly {
		return false, nil
	}
	c, err := SelectCoordinate(lon, lat)
	if err != nil {
		return false, err
	}
	p.selected = &c
	return true, nil
}

// Selected returns the selected point
func (p *Picker) Selected() (Coordinate, bool) {
	if p.selected == nil {
		return Coordinate{}, false
	}
	return *p.selected, true
}

// ControlsActive reports whether the record control should be enabled
func (p *Picker) ControlsActive() bool {
	return !p.readOnly && p.selected != nil
}

// Clear drops the selection
func (p *Picker) Clear() {
	p.selected = nil
}
