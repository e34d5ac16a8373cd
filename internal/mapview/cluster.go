package mapview

import (
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Clustering settings used by the entries map
const (
	TileSize        = 512
	ClusterRadius   = 50
	ClusterMaxZoom  = 14
	MaxZoom         = 22
	clusterIDPrefix = "cluster-"
)

// Cluster groups markers that fall into the same grid cell at a zoom level
type Cluster struct {
	ID            string     `json:"id"`
	Center        Coordinate `json:"center"`
	Count         int        `json:"count"`
	ExpansionZoom int        `json:"expansionZoom"`
	Markers       []Marker   `json:"-"`
}

// Abbreviated renders the count the way map engines label clusters
func (c Cluster) Abbreviated() string {
	return abbreviate(c.Count)
}

// Style returns the circle color and radius for the cluster size
func (c Cluster) Style() (color string, radius int) {
	switch {
	case c.Count >= 30:
		return "#005500", 40
	case c.Count >= 10:
		return "#007700", 30
	default:
		return "#009900", 20
	}
}

// Clustering is the result of clustering markers at one zoom level
type Clustering struct {
	Zoom     int       `json:"zoom"`
	Clusters []Cluster `json:"clusters"`
	Points   []Marker  `json:"points"`
}

// ClusterMarkers groups markers into grid cells of ClusterRadius pixels at
// zoom. Above ClusterMaxZoom every marker stays a point. Cells holding a
// single marker yield a point.
func ClusterMarkers(markers []Marker, zoom int) Clustering {
	zoom = clampZoom(zoom)
	out := Clustering{Zoom: zoom, Clusters: []Cluster{}, Points: []Marker{}}
	if zoom > ClusterMaxZoom {
		out.Points = append(out.Points, markers...)
		return out
	}

	cells := groupByCell(markers, zoom)
	keys := make([]cellKey, 0, len(cells))
	for k := range cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].y != keys[j].y {
			return keys[i].y < keys[j].y
		}
		return keys[i].x < keys[j].x
	})

	for _, k := range keys {
		members := cells[k]
		if len(members) == 1 {
			out.Points = append(out.Points, members[0])
			continue
		}
		out.Clusters = append(out.Clusters, Cluster{
			ID:            fmt.Sprintf("%s%d-%d-%d", clusterIDPrefix, zoom, k.x, k.y),
			Center:        centroid(members),
			Count:         len(members),
			ExpansionZoom: expansionZoom(members, zoom),
			Markers:       members,
		})
	}
	return out
}

// Features renders the clustering as GeoJSON. Cluster features carry the
// point_count properties map engines expect.
func (c Clustering) Features() FeatureCollection {
	fc := FeatureCollection{Type: "FeatureCollection", Features: make([]Feature, 0, len(c.Clusters)+len(c.Points))}
	for _, cl := range c.Clusters {
		color, radius := cl.Style()
		fc.Features = append(fc.Features, Feature{
			Type:     "Feature",
			ID:       cl.ID,
			Geometry: Geometry{Type: "Point", Coordinates: cl.Center.Pair()},
			Properties: map[string]interface{}{
				"cluster":                 true,
				"cluster_id":              cl.ID,
				"point_count":             cl.Count,
				"point_count_abbreviated": cl.Abbreviated(),
				"expansion_zoom":          cl.ExpansionZoom,
				"color":                   color,
				"radius":                  radius,
			},
		})
	}
	for _, m := range c.Points {
		fc.Features = append(fc.Features, markerFeature(m))
	}
	return fc
}

type cellKey struct{ x, y int64 }

func groupByCell(markers []Marker, zoom int) map[cellKey][]Marker {
	cells := make(map[cellKey][]Marker)
	for _, m := range markers {
		x, y := project(m.Coordinate, zoom)
		k := cellKey{x: int64(math.Floor(x / ClusterRadius)), y: int64(math.Floor(y / ClusterRadius))}
		cells[k] = append(cells[k], m)
	}
	return cells
}

// project converts a coordinate to web mercator pixels at zoom
func project(c Coordinate, zoom int) (float64, float64) {
	scale := TileSize * math.Exp2(float64(zoom))
	lat := math.Max(-85.05112878, math.Min(85.05112878, c.Latitude))
	sin := math.Sin(lat * math.Pi / 180)
	x := (wrapLongitude(c.Longitude) + 180) / 360 * scale
	y := (0.5 - math.Log((1+sin)/(1-sin))/(4*math.Pi)) * scale
	return x, y
}

func centroid(members []Marker) Coordinate {
	var lon, lat float64
	for _, m := range members {
		lon += m.Coordinate.Longitude
		lat += m.Coordinate.Latitude
	}
	n := float64(len(members))
	return Coordinate{Longitude: lon / n, Latitude: lat / n}
}

// expansionZoom is the first zoom at which the members no longer share a cell
func expansionZoom(members []Marker, zoom int) int {
	for z := zoom + 1; z <= ClusterMaxZoom; z++ {
		if len(groupByCell(members, z)) > 1 {
			return z
		}
	}
	return ClusterMaxZoom + 1
}

func clampZoom(z int) int {
	if z < 0 {
		return 0
	}
	if z > MaxZoom {
		return MaxZoom
	}
	return z
}

func abbreviate(n int) string {
	switch {
	case n >= 10000:
		return strconv.Itoa(int(math.Round(float64(n)/1000))) + "k"
	case n >= 1000:
		return strconv.FormatFloat(math.Round(float64(n)/100)/10, 'f', -1, 64) + "k"
	default:
		return strconv.Itoa(n)
	}
}
