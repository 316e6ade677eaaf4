package cache

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Key families and their TTLs. The marker keys record the last
// successful ingest / UPES compute hour for downstream consumers.
const (
	TTLWeather           = 600 * time.Second
	TTLPollutantMovement = 600 * time.Second
	TTLHotspots          = 300 * time.Second
	TTLRouteExposure     = 300 * time.Second
	TTLRouteOpt          = 600 * time.Second
	TTLMarker            = 3600 * time.Second

	KeyIngestLastUpdate = "tempo:last_update"
	KeyUPESLastUpdate   = "upes:last_update"
)

func WeatherKey(lat, lon float64, days int) string {
	return fmt.Sprintf("weather:%g:%g:%d", lat, lon, days)
}

func PollutantMovementKey(lat, lon float64) string {
	return fmt.Sprintf("pollutant_movement:%g:%g", lat, lon)
}

// HotspotsKey hashes the sorted gas list so equivalent queries share an
// entry regardless of argument order.
func HotspotsKey(lat, lon, radius float64, gases []string) string {
	return fmt.Sprintf("hotspots:%g:%g:%g:%016x", lat, lon, radius, gasHash(gases))
}

func RouteExposureKey(originLat, originLon, destLat, destLon float64, gases []string) string {
	return fmt.Sprintf("route_exposure:%g:%g:%g:%g:%016x",
		originLat, originLon, destLat, destLon, gasHash(gases))
}

func RouteOptKey(startLat, startLon, endLat, endLon float64, mode string) string {
	return fmt.Sprintf("route_opt:%g:%g:%g:%g:%s",
		startLat, startLon, endLat, endLon, strings.ToLower(strings.TrimSpace(mode)))
}

func gasHash(gases []string) uint64 {
	sorted := make([]string, len(gases))
	copy(sorted, gases)
	sort.Strings(sorted)
	return xxhash.Sum64String(strings.Join(sorted, ","))
}
