package mapview

import (
	"encoding/json"
	"time"

	"github.com/smartdevs17/eas-logbook/internal/models"
)

// Marker is one entry placed on the map
type Marker struct {
	UID        string     `json:"uid"`
	Coordinate Coordinate `json:"coordinate"`
	Timestamp  time.Time  `json:"timestamp"`
	Memo       string     `json:"memo"`
	Media      string     `json:"media,omitempty"`
}

// MarkersFromEntries places entries on the map in their given order
func MarkersFromEntries(entries []models.Entry) []Marker {
	markers := make([]Marker, 0, len(entries))
	for _, e := range entries {
		m := Marker{
			UID:        e.UID,
			Coordinate: ParseLocation(e.Location),
			Timestamp:  e.EventTimestamp,
			Memo:       e.Memo,
		}
		for _, ref := range e.MediaData {
			if ref != "" {
				m.Media = ref
				break
			}
		}
		markers = append(markers, m)
	}
	return markers
}

// Geometry is a GeoJSON point geometry
type Geometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// Feature is a GeoJSON feature
type Feature struct {
	Type       string                 `json:"type"`
	ID         string                 `json:"id,omitempty"`
	Geometry   Geometry               `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

// FeatureCollection is a GeoJSON feature collection
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// MarshalJSON keeps an empty collection as [] rather than null
func (fc FeatureCollection) MarshalJSON() ([]byte, error) {
	type plain FeatureCollection
	if fc.Features == nil {
		fc.Features = []Feature{}
	}
	fc.Type = "FeatureCollection"
	return json.Marshal(plain(fc))
}

func markerFeature(m Marker) Feature {
	props := map[string]interface{}{
		"uid":       m.UID,
		"timestamp": m.Timestamp.UTC().Format(time.RFC3339),
		"memo":      m.Memo,
	}
	if m.Media != "" {
		props["media"] = m.Media
	}
	return Feature{
		Type:       "Feature",
		ID:         m.UID,
		Geometry:   Geometry{Type: "Point", Coordinates: m.Coordinate.Pair()},
		Properties: props,
	}
}

// Features renders markers as a GeoJSON collection of points
func Features(markers []Marker) FeatureCollection {
	fc := FeatureCollection{Type: "FeatureCollection", Features: make([]Feature, 0, len(markers))}
	for _, m := range markers {
		fc.Features = append(fc.Features, markerFeature(m))
	}
	return fc
}
