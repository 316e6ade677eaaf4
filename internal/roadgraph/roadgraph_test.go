package roadgraph

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ctessum/geom"
	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/raster"
	"github.com/aeris-io/aeris/internal/sampler"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"jogger", ModeJog},
		{"JOG", ModeJog},
		{"cyclist", ModeCycle},
		{"bike", ModeCycle},
		{"commuter", ModeCommute},
		{"", ModeCommute},
		{"teleport", ModeCommute},
	}
	for _, tt := range tests {
		if got := ParseMode(tt.in); got != tt.want {
			t.Errorf("ParseMode(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestWeightsSumToOne(t *testing.T) {
	for _, m := range []Mode{ModeCommute, ModeJog, ModeCycle} {
		w := m.Weights()
		if sum := w.Exposure + w.Distance + w.Time; math.Abs(sum-1.0) > 1e-12 {
			t.Errorf("%s weights sum = %f, want 1.0", m, sum)
		}
	}
}

func TestSpeedKmh(t *testing.T) {
	tests := []struct {
		name string
		tags Tags
		want float64
	}{
		{"explicit kmh", Tags{MaxSpeed: "70"}, 70},
		{"explicit mph", Tags{MaxSpeed: "30 mph"}, 30 * mphToKmh},
		{"motorway default", Tags{Highway: "motorway"}, 100},
		{"trunk default", Tags{Highway: "trunk"}, 80},
		{"primary default", Tags{Highway: "primary"}, 60},
		{"secondary default", Tags{Highway: "secondary"}, 50},
		{"cycleway default", Tags{Highway: "cycleway"}, 15},
		{"footway default", Tags{Highway: "footway"}, 5},
		{"residential default", Tags{Highway: "residential"}, 25},
		{"garbage maxspeed falls through", Tags{MaxSpeed: "none", Highway: "primary"}, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SpeedKmh(tt.tags); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("speed = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestModifier(t *testing.T) {
	tests := []struct {
		name string
		mode Mode
		tags Tags
		want float64
	}{
		{"jog avoids motorway", ModeJog, Tags{Highway: "motorway"}, 2.0},
		{"jog avoids motorway ramp", ModeJog, Tags{Highway: "motorway_link"}, 2.0},
		{"jog prefers park", ModeJog, Tags{Highway: "residential", Leisure: "park"}, 0.5},
		{"jog prefers footway", ModeJog, Tags{Highway: "footway"}, 0.5},
		{"cycle prefers cycleway", ModeCycle, Tags{Highway: "cycleway"}, 0.7},
		{"cycle cycleway tag", ModeCycle, Tags{Highway: "residential", Cycleway: "lane"}, 0.7},
		{"cycle avoids trunk", ModeCycle, Tags{Highway: "trunk"}, 1.5},
		{"cycle avoids trunk ramp", ModeCycle, Tags{Highway: "trunk_link"}, 1.5},
		{"commute penalizes footway", ModeCommute, Tags{Highway: "footway"}, 1.2},
		{"commute allows accessible footway", ModeCommute, Tags{Highway: "footway", Access: "yes"}, 1.0},
		{"neutral", ModeCommute, Tags{Highway: "primary"}, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Modifier(tt.mode, tt.tags)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("modifier = %f, want %f", got, tt.want)
			}
			if got < 0.1 || got > 5.0 {
				t.Errorf("modifier %f outside [0.1, 5.0]", got)
			}
		})
	}
}

func scoreRaster(value float64) *raster.Raster {
	spec := raster.SpecFromBBox(-118, 34, -117, 35, 0.1)
	r := raster.New(spec)
	for row := 0; row < spec.NY; row++ {
		for col := 0; col < spec.NX; col++ {
			r.Set(value, row, col)
		}
	}
	return r
}

func TestAssignWeights(t *testing.T) {
	g := &Graph{
		Nodes: map[int64]Node{
			1: {ID: 1, Lon: -117.8, Lat: 34.2},
			2: {ID: 2, Lon: -117.7, Lat: 34.2},
		},
		Edges: []Edge{{From: 1, To: 2, Tags: Tags{Highway: "primary"}}},
	}
	g.AssignWeights(scoreRaster(0.4), ModeCommute, sampler.DefaultStepM)

	e := g.Edges[0]
	if math.Abs(e.MeanUPES-0.4) > 1e-6 {
		t.Errorf("mean upes = %f, want 0.4", e.MeanUPES)
	}
	if e.LengthM <= 0 {
		t.Errorf("length not derived from endpoints: %f", e.LengthM)
	}
	lengthKm := e.LengthM / 1000
	wantTime := lengthKm / 60
	if math.Abs(e.TimeH-wantTime) > 1e-9 {
		t.Errorf("time_h = %f, want %f", e.TimeH, wantTime)
	}
	wantWeight := 0.2*0.4 + 0.4*lengthKm + 0.4*wantTime
	if math.Abs(e.Weight-wantWeight) > 1e-9 {
		t.Errorf("weight = %f, want %f", e.Weight, wantWeight)
	}
}

func TestAssignWeights_NilRasterFallsBack(t *testing.T) {
	g := &Graph{
		Nodes: map[int64]Node{
			1: {ID: 1, Lon: -117.8, Lat: 34.2},
			2: {ID: 2, Lon: -117.7, Lat: 34.2},
		},
		Edges: []Edge{{From: 1, To: 2, Tags: Tags{Highway: "primary"}}},
	}
	g.AssignWeights(nil, ModeCommute, sampler.DefaultStepM)
	if got := g.Edges[0].MeanUPES; got != sampler.FallbackScore {
		t.Errorf("mean upes = %f, want fallback %g", got, sampler.FallbackScore)
	}
}

func TestAssignWeights_MinimumSpeedFloor(t *testing.T) {
	g := &Graph{
		Nodes: map[int64]Node{
			1: {ID: 1, Lon: -117.8, Lat: 34.2},
			2: {ID: 2, Lon: -117.7, Lat: 34.2},
		},
		Edges: []Edge{{From: 1, To: 2, Tags: Tags{MaxSpeed: "2"}}},
	}
	g.AssignWeights(nil, ModeCommute, sampler.DefaultStepM)
	e := g.Edges[0]
	wantTime := e.LengthM / 1000 / minSpeedKmh
	if math.Abs(e.TimeH-wantTime) > 1e-9 {
		t.Errorf("time_h = %f, want floor at %g km/h", e.TimeH, minSpeedKmh)
	}
}

func TestHTTPSource_Fetch(t *testing.T) {
	doc := graphDocument{
		Nodes: []Node{
			{ID: 1, Lon: -117.8, Lat: 34.2},
			{ID: 2, Lon: -117.7, Lat: 34.2},
		},
		Edges: []Edge{{
			From: 1, To: 2,
			Tags:     Tags{Highway: "primary"},
			LengthM:  9200,
			Geometry: []geom.Point{{X: -117.8, Y: 34.2}, {X: -117.7, Y: 34.2}},
		}},
	}
	var gotNetwork string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotNetwork = r.URL.Query().Get("network")
		if r.URL.Query().Get("bbox") == "" {
			t.Error("missing bbox parameter")
		}
		json.NewEncoder(w).Encode(doc)
	}))
	defer ts.Close()

	src := NewHTTPSource(ts.URL, zap.NewNop())
	g, err := src.Fetch(context.Background(), -118, 34, -117, 35, ModeCycle)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotNetwork != "bike" {
		t.Errorf("network = %q, want bike", gotNetwork)
	}
	if len(g.Nodes) != 2 || len(g.Edges) != 1 {
		t.Fatalf("graph = %d nodes %d edges, want 2/1", len(g.Nodes), len(g.Edges))
	}
	if g.Edges[0].LengthM != 9200 {
		t.Errorf("edge length = %f, want 9200", g.Edges[0].LengthM)
	}
}

func TestHTTPSource_FetchError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bbox too large", http.StatusBadRequest)
	}))
	defer ts.Close()

	src := NewHTTPSource(ts.URL, zap.NewNop())
	if _, err := src.Fetch(context.Background(), -118, 34, -117, 35, ModeCommute); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}
