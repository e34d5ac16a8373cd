package mapview

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/eas-logbook/internal/models"
	"github.com/smartdevs17/eas-logbook/pkg/utils"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in   string
		want Coordinate
	}{
		{"-74.006, 40.7128", Coordinate{-74.006, 40.7128}},
		{"8.6821,50.1109", Coordinate{8.6821, 50.1109}},
		{"", Coordinate{}},
		{"abc, 12", Coordinate{0, 12}},
		{"10, 95", Coordinate{10, 90}},
		{"10, -120", Coordinate{10, -90}},
		{"200, 10", Coordinate{200, 10}},
		{"5", Coordinate{5, 0}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLocation(tt.in), "input %q", tt.in)
	}
}

func TestSelectCoordinate(t *testing.T) {
	c, err := SelectCoordinate(-74.00601234, 40.71281234)
	require.NoError(t, err)
	assert.Equal(t, Coordinate{-74.006012, 40.712812}, c)

	c, err = SelectCoordinate(-122.41941, 37.77493)
	require.NoError(t, err)
	assert.Equal(t, Coordinate{-122.41941, 37.77493}, c)

	c, err = SelectCoordinate(190, 10)
	require.NoError(t, err)
	assert.Equal(t, -170.0, c.Longitude)

	c, err = SelectCoordinate(-540, 0)
	require.NoError(t, err)
	assert.Equal(t, -180.0, c.Longitude)

	_, err = SelectCoordinate(0, 91)
	assert.True(t, utils.IsCode(err, utils.ErrCodeValidation))
	_, err = SelectCoordinate(math.NaN(), 0)
	assert.Error(t, err)
}

func TestPicker(t *testing.T) {
	p := NewPicker(false)
	assert.False(t, p.ControlsActive())

	changed, err := p.Click(8.6821, 50.1109)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, p.ControlsActive())
	sel, ok := p.Selected()
	require.True(t, ok)
	assert.Equal(t, 50.1109, sel.Latitude)

	readOnly := NewPicker(true)
	changed, err = readOnly.Click(1, 1)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, readOnly.ControlsActive())
}

func sampleEntries() []models.Entry {
	ts := time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC)
	return []models.Entry{
		{UID: "0xa", Location: "-74.006, 40.7128", EventTimestamp: ts, Memo: "Saw a heron", MediaData: []string{"", "bafy1"}},
		{UID: "0xb", Location: "-74.0061, 40.7129", EventTimestamp: ts, Memo: "No memo"},
		{UID: "0xc", Location: "151.2093, -33.8688", EventTimestamp: ts, Memo: "Harbour"},
	}
}

func TestFeaturesGeoJSON(t *testing.T) {
	markers := MarkersFromEntries(sampleEntries())
	require.Len(t, markers, 3)
	assert.Equal(t, "bafy1", markers[0].Media)

	raw, err := json.Marshal(Features(markers))
	require.NoError(t, err)

	var doc struct {
		Type     string `json:"type"`
		Features []struct {
			Type     string `json:"type"`
			Geometry struct {
				Type        string     `json:"type"`
				Coordinates [2]float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]interface{} `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, "FeatureCollection", doc.Type)
	require.Len(t, doc.Features, 3)
	assert.Equal(t, "Point", doc.Features[0].Geometry.Type)
	assert.Equal(t, [2]float64{-74.006, 40.7128}, doc.Features[0].Geometry.Coordinates)
	assert.Equal(t, "0xa", doc.Features[0].Properties["uid"])

	empty, err := json.Marshal(Features(nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, string(empty))
}

func TestClusterMarkers(t *testing.T) {
	markers := MarkersFromEntries(sampleEntries())

	world := ClusterMarkers(markers, 3)
	require.Len(t, world.Clusters, 1, "the two New York entries share a cell")
	assert.Equal(t, 2, world.Clusters[0].Count)
	assert.Greater(t, world.Clusters[0].ExpansionZoom, 3)
	require.Len(t, world.Points, 1)
	assert.Equal(t, "0xc", world.Points[0].UID)

	street := ClusterMarkers(markers, ClusterMaxZoom+1)
	assert.Empty(t, street.Clusters)
	assert.Len(t, street.Points, 3)

	fc := world.Features()
	require.Len(t, fc.Features, 2)
	assert.Equal(t, 2, fc.Features[0].Properties["point_count"])
	assert.Equal(t, "#009900", fc.Features[0].Properties["color"])
}

func TestClusterStyleAndAbbreviation(t *testing.T) {
	color, radius := Cluster{Count: 12}.Style()
	assert.Equal(t, "#007700", color)
	assert.Equal(t, 30, radius)
	color, radius = Cluster{Count: 30}.Style()
	assert.Equal(t, "#005500", color)
	assert.Equal(t, 40, radius)

	assert.Equal(t, "999", abbreviate(999))
	assert.Equal(t, "1.5k", abbreviate(1500))
	assert.Equal(t, "12k", abbreviate(12345))
}

func TestRandomViewport(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		v := RandomViewport(r)
		assert.Contains(t, Regions, v)
		seen[v.Name] = true
	}
	assert.Greater(t, len(seen), 1)
	assert.Len(t, Regions, 9)
}

func TestHover(t *testing.T) {
	markers := MarkersFromEntries(sampleEntries())

	card := Hover(markers[0], time.UTC)
	assert.Equal(t, "January 10, 2024, 2:00 PM", card.When)
	assert.Equal(t, "Saw a heron", card.Memo)
	assert.Equal(t, "bafy1", card.Media)

	assert.Empty(t, Hover(markers[1], time.UTC).Memo, "placeholder memo is hidden")
}

func TestNavigationGuard(t *testing.T) {
	var g NavigationGuard

	release, ok := g.Begin("/attestation/0xa")
	require.True(t, ok)
	_, ok = g.Begin("/attestation/0xb")
	assert.False(t, ok, "second click is dropped while navigating")

	target, busy := g.InFlight()
	assert.True(t, busy)
	assert.Equal(t, "/attestation/0xa", target)

	release()
	release2, ok := g.Begin("/attestation/0xb")
	require.True(t, ok)

	g.Close()
	release2()
	_, ok = g.Begin("/attestation/0xc")
	assert.False(t, ok, "closed guard accepts nothing")
}
