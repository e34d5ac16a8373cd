package mapview

import "math/rand/v2"

// Viewport is a map center and zoom
type Viewport struct {
	Name   string     `json:"name"`
	Center Coordinate `json:"center"`
	Zoom   int        `json:"zoom"`
}

// DefaultViewport is shown when no entry or region is selected
var DefaultViewport = Viewport{Name: "Europe", Center: Coordinate{Longitude: 8.6821, Latitude: 50.1109}, Zoom: 5}

// Regions are the initial map views picked at random
var Regions = []Viewport{
	{Name: "NA East Coast", Center: Coordinate{Longitude: -74.006, Latitude: 40.7128}, Zoom: 5},
	{Name: "NA West Coast", Center: Coordinate{Longitude: -118.2437, Latitude: 34.0522}, Zoom: 5},
	{Name: "Europe", Center: Coordinate{Longitude: 8.6821, Latitude: 50.1109}, Zoom: 5},
	{Name: "Sub-Saharan Africa", Center: Coordinate{Longitude: 36.8219, Latitude: -1.2921}, Zoom: 5},
	{Name: "India", Center: Coordinate{Longitude: 78.9629, Latitude: 20.5937}, Zoom: 5},
	{Name: "Southeast Asia", Center: Coordinate{Longitude: 100.5018, Latitude: 13.7563}, Zoom: 5},
	{Name: "East Asia + Japan", Center: Coordinate{Longitude: 139.6917, Latitude: 35.6895}, Zoom: 5},
	{Name: "Australia and NZ", Center: Coordinate{Longitude: 151.2093, Latitude: -33.8688}, Zoom: 4},
	{Name: "South America", Center: Coordinate{Longitude: -46.6333, Latitude: -23.5505}, Zoom: 4},
}

// RandomViewport picks one of Regions. A nil r uses the global source.
func RandomViewport(r *rand.Rand) Viewport {
	if r == nil {
		return Regions[rand.IntN(len(Regions))]
	}
	return Regions[r.IntN(len(Regions))]
}

// EntryViewport centers the map on an attestation
func EntryViewport(c Coordinate) Viewport {
	return Viewport{Name: "entry", Center: c, Zoom: 12}
}
