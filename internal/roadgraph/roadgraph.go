// Package roadgraph models the directed road network used by the route
// optimizer: it fetches a graph for a bbox from the external graph
// source and turns raw edges into weighted edges combining exposure,
// distance, and travel time.
package roadgraph

import (
	"math"
	"strconv"
	"strings"

	"github.com/ctessum/geom"

	"github.com/aeris-io/aeris/internal/geo"
	"github.com/aeris-io/aeris/internal/raster"
	"github.com/aeris-io/aeris/internal/sampler"
)

// Mode is a travel activity. Unknown inputs normalize to commute.
type Mode string

const (
	ModeCommute Mode = "commute"
	ModeJog     Mode = "jog"
	ModeCycle   Mode = "cycle"
)

// ParseMode folds the accepted aliases onto the canonical modes.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jog", "jogger", "jogging", "run", "running":
		return ModeJog
	case "cycle", "cyclist", "cycling", "bike", "biking":
		return ModeCycle
	default:
		return ModeCommute
	}
}

// Weights are the per-mode cost coefficients for exposure, distance,
// and time. They sum to 1 for every mode.
type Weights struct {
	Exposure float64
	Distance float64
	Time     float64
}

func (m Mode) Weights() Weights {
	switch m {
	case ModeJog:
		return Weights{Exposure: 0.7, Distance: 0.15, Time: 0.15}
	case ModeCycle:
		return Weights{Exposure: 0.4, Distance: 0.3, Time: 0.3}
	default:
		return Weights{Exposure: 0.2, Distance: 0.4, Time: 0.4}
	}
}

// Tags is the subset of raw edge attributes the cost model reads.
type Tags struct {
	Highway  string `json:"highway"`
	MaxSpeed string `json:"maxspeed,omitempty"`
	Leisure  string `json:"leisure,omitempty"`
	Cycleway string `json:"cycleway,omitempty"`
	Access   string `json:"access,omitempty"`
}

type Node struct {
	ID  int64   `json:"id"`
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Edge is one directed road segment. Weight, MeanUPES, and TimeH are
// filled in by AssignWeights.
type Edge struct {
	From     int64        `json:"from"`
	To       int64        `json:"to"`
	Tags     Tags         `json:"tags"`
	LengthM  float64      `json:"length_m"`
	Geometry []geom.Point `json:"geometry,omitempty"`

	MeanUPES float64 `json:"-"`
	TimeH    float64 `json:"-"`
	Weight   float64 `json:"-"`
}

// Graph is a directed multigraph: parallel edges between a node pair
// are allowed and collapsed later by the pathfinder.
type Graph struct {
	Nodes map[int64]Node
	Edges []Edge
}

func (g *Graph) Empty() bool {
	return g == nil || len(g.Nodes) == 0 || len(g.Edges) == 0
}

const (
	minSpeedKmh  = 5.0
	mphToKmh     = 1.60934
	modifierMin  = 0.1
	modifierMax  = 5.0
	defaultSpeed = 25.0
)

// SpeedKmh infers edge speed: an explicit maxspeed tag wins (mph
// converted), otherwise the road class default applies.
func SpeedKmh(tags Tags) float64 {
	if s := parseMaxSpeed(tags.MaxSpeed); s > 0 {
		return s
	}
	switch tags.Highway {
	case "motorway", "motorway_link":
		return 100
	case "trunk", "trunk_link":
		return 80
	case "primary", "primary_link":
		return 60
	case "secondary", "secondary_link":
		return 50
	case "cycleway", "path":
		return 15
	case "footway", "pedestrian":
		return 5
	default:
		return defaultSpeed
	}
}

func parseMaxSpeed(raw string) float64 {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return 0
	}
	mph := strings.Contains(raw, "mph")
	num := strings.Builder{}
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' {
			num.WriteRune(r)
		} else if num.Len() > 0 {
			break
		}
	}
	v, err := strconv.ParseFloat(num.String(), 64)
	if err != nil || v <= 0 {
		return 0
	}
	if mph {
		v *= mphToKmh
	}
	return v
}

// Modifier shapes edge cost by mode and road character, clamped to
// [0.1, 5.0].
func Modifier(mode Mode, tags Tags) float64 {
	m := 1.0
	soft := tags.Highway == "footway" || tags.Highway == "path" || tags.Highway == "pedestrian"
	switch mode {
	case ModeJog:
		if isHighSpeedRoad(tags.Highway) {
			m *= 2.0
		}
		if tags.Leisure == "park" || soft {
			m *= 0.5
		}
	case ModeCycle:
		if tags.Cycleway != "" || tags.Highway == "cycleway" {
			m *= 0.7
		}
		if isHighSpeedRoad(tags.Highway) {
			m *= 1.5
		}
	default:
		if soft && tags.Access != "yes" {
			m *= 1.2
		}
	}
	if m < modifierMin {
		return modifierMin
	}
	if m > modifierMax {
		return modifierMax
	}
	return m
}

// isHighSpeedRoad covers the motorway and trunk classes, ramps
// included.
func isHighSpeedRoad(highway string) bool {
	switch highway {
	case "motorway", "motorway_link", "trunk", "trunk_link":
		return true
	}
	return false
}

// AssignWeights fills MeanUPES, TimeH, and Weight on every edge from
// the latest score raster. A nil raster falls back to the neutral
// exposure value on every edge.
func (g *Graph) AssignWeights(r *raster.Raster, mode Mode, sampleStepM float64) {
	w := mode.Weights()
	for i := range g.Edges {
		e := &g.Edges[i]

		line := e.Geometry
		if len(line) < 2 {
			from, okF := g.Nodes[e.From]
			to, okT := g.Nodes[e.To]
			if !okF || !okT {
				e.MeanUPES = sampler.FallbackScore
				e.Weight = math.Inf(1)
				continue
			}
			line = []geom.Point{{X: from.Lon, Y: from.Lat}, {X: to.Lon, Y: to.Lat}}
		}

		stats := sampler.Line(r, line, sampleStepM)
		e.MeanUPES = stats.Mean

		lengthM := e.LengthM
		if lengthM <= 0 {
			for j := 1; j < len(line); j++ {
				lengthM += geo.HaversineM(line[j-1].X, line[j-1].Y, line[j].X, line[j].Y)
			}
			e.LengthM = lengthM
		}
		lengthKm := lengthM / 1000

		speed := math.Max(SpeedKmh(e.Tags), minSpeedKmh)
		e.TimeH = lengthKm / speed
		e.Weight = Modifier(mode, e.Tags) * (w.Exposure*e.MeanUPES + w.Distance*lengthKm + w.Time*e.TimeH)
	}
}
