package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewWithClient(rdb, zap.NewNop()), mr
}

func TestJSONRoundTrip(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	type payload struct {
		Score float64 `json:"score"`
		Mode  string  `json:"mode"`
	}
	in := payload{Score: 0.42, Mode: "jog"}
	if err := c.SetJSON(ctx, "route_opt", "route_opt:1:2:3:4:jog", TTLRouteOpt, in); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}

	var out payload
	found, err := c.GetJSON(ctx, "route_opt", "route_opt:1:2:3:4:jog", &out)
	if err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if !found {
		t.Fatal("expected cache hit")
	}
	if out != in {
		t.Errorf("round-trip = %+v, want %+v", out, in)
	}
}

func TestGetMiss(t *testing.T) {
	c, _ := testCache(t)
	var out map[string]any
	found, err := c.GetJSON(context.Background(), "weather", "weather:1:2:1", &out)
	if err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if found {
		t.Fatal("expected miss for absent key")
	}
}

func TestTTLExpiry(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	if err := c.SetJSON(ctx, "weather", "weather:1:2:1", TTLWeather, map[string]int{"humidity": 50}); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	mr.FastForward(TTLWeather + time.Second)

	var out map[string]int
	found, err := c.GetJSON(ctx, "weather", "weather:1:2:1", &out)
	if err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if found {
		t.Fatal("expected miss after TTL expiry")
	}
}

func TestNoBackendNoOps(t *testing.T) {
	c := &Cache{logger: zap.NewNop()}
	ctx := context.Background()

	if err := c.SetJSON(ctx, "weather", "k", time.Minute, "v"); err != nil {
		t.Fatalf("SetJSON on nil backend: %v", err)
	}
	var out string
	found, err := c.GetJSON(ctx, "weather", "k", &out)
	if err != nil || found {
		t.Fatalf("GetJSON on nil backend = (%v, %v), want miss", found, err)
	}
	if err := c.SetMarker(ctx, KeyIngestLastUpdate, "2026-01-01T00:00:00Z", TTLMarker); err != nil {
		t.Fatalf("SetMarker on nil backend: %v", err)
	}
}

func TestMarkers(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	if v, err := c.GetMarker(ctx, KeyUPESLastUpdate); err != nil || v != "" {
		t.Fatalf("GetMarker absent = (%q, %v), want empty", v, err)
	}
	if err := c.SetMarker(ctx, KeyUPESLastUpdate, "2026-01-31T17:00:00Z", TTLMarker); err != nil {
		t.Fatalf("SetMarker: %v", err)
	}
	v, err := c.GetMarker(ctx, KeyUPESLastUpdate)
	if err != nil {
		t.Fatalf("GetMarker: %v", err)
	}
	if v != "2026-01-31T17:00:00Z" {
		t.Errorf("marker = %q", v)
	}
}

func TestGasHashOrderInvariant(t *testing.T) {
	a := HotspotsKey(34, -118, 5, []string{"NO2", "O3", "PM"})
	b := HotspotsKey(34, -118, 5, []string{"PM", "NO2", "O3"})
	if a != b {
		t.Errorf("hotspot keys differ for same gas set: %q vs %q", a, b)
	}
	c := HotspotsKey(34, -118, 5, []string{"NO2"})
	if a == c {
		t.Error("hotspot keys collide for different gas sets")
	}
}
