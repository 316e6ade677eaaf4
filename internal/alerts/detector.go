// Package alerts evaluates saved-route exposure against the four alert
// conditions and runs the persistence and webhook pipeline.
package alerts

import (
	"fmt"
	"math"

	"github.com/ctessum/geom"

	"github.com/aeris-io/aeris/internal/geo"
)

const (
	TypeDeterioration = "route_deterioration"
	TypeHazard        = "hazard"
	TypeWindShift     = "wind_shift"
	TypeTimeBased     = "time_based"
)

// Alert is one fired detector result. Score fields are nil when the
// detector has no meaningful value for them.
type Alert struct {
	Type        string
	ScoreBefore *float64
	ScoreAfter  *float64
	Threshold   *float64
	Metadata    map[string]any
}

// Thresholds are the detector tuning knobs.
type Thresholds struct {
	DeteriorationBasePct float64
	HazardThreshold      float64
	WindSpeedMinKph      float64
	WindAngleMaxDeg      float64
	TimeBasedMargin      float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DeteriorationBasePct: 0.15,
		HazardThreshold:      0.85,
		WindSpeedMinKph:      5.0,
		WindAngleMaxDeg:      45.0,
		TimeBasedMargin:      0.15,
	}
}

// SensitivityScale maps the user's exposure sensitivity level to the
// deterioration threshold multiplier: {1,2} normal, {3,4} sensitive,
// {5} asthmatic. Unknown levels stay at normal.
func SensitivityScale(level *int) float64 {
	if level == nil {
		return 1.0
	}
	switch {
	case *level >= 5:
		return 0.5
	case *level >= 3:
		return 0.7
	default:
		return 1.0
	}
}

// CheckDeterioration fires when the relative score increase reaches the
// sensitivity-scaled threshold. A missing or non-positive previous
// score is not evaluable.
func CheckDeterioration(prev, curr float64, level *int, basePct float64) *Alert {
	if prev <= 0 {
		return nil
	}
	effective := basePct * SensitivityScale(level)
	deltaPct := (curr - prev) / prev
	if deltaPct < effective {
		return nil
	}
	return &Alert{
		Type:        TypeDeterioration,
		ScoreBefore: &prev,
		ScoreAfter:  &curr,
		Threshold:   &effective,
		Metadata:    map[string]any{"delta_pct": round4(deltaPct)},
	}
}

// CheckHazard fires when the max UPES along the route reaches the
// critical threshold.
func CheckHazard(maxUPES, threshold float64) *Alert {
	if maxUPES < threshold {
		return nil
	}
	return &Alert{
		Type:       TypeHazard,
		ScoreAfter: &maxUPES,
		Threshold:  &threshold,
		Metadata:   map[string]any{},
	}
}

// CheckWindShift fires when wind fast enough to matter is pushing
// pollution from the source toward the route midpoint: windFromDeg is
// where the wind comes from, so pollution advects along
// (windFromDeg + 180) mod 360, and that heading must be within
// maxAngleDeg of the source-to-midpoint bearing.
func CheckWindShift(windKph, windFromDeg float64, mid, source geom.Point, minSpeedKph, maxAngleDeg float64) *Alert {
	if windKph < minSpeedKph {
		return nil
	}
	bearingToRoute := geo.BearingDeg(source.X, source.Y, mid.X, mid.Y)
	windToward := math.Mod(windFromDeg+180, 360)
	if geo.AngleDiffDeg(bearingToRoute, windToward) > maxAngleDeg {
		return nil
	}
	return &Alert{
		Type: TypeWindShift,
		Metadata: map[string]any{
			"wind_kph":                windKph,
			"wind_degree":             windFromDeg,
			"bearing_source_to_route": math.Round(bearingToRoute*100) / 100,
		},
	}
}

// CheckTimeBased fires when the current score exceeds the recent-24h
// minimum by the margin, suggesting a better time window exists.
func CheckTimeBased(curr float64, recentMin *float64, margin float64) *Alert {
	if recentMin == nil || curr < *recentMin+margin {
		return nil
	}
	return &Alert{
		Type:        TypeTimeBased,
		ScoreBefore: recentMin,
		ScoreAfter:  &curr,
		Threshold:   &margin,
		Metadata:    map[string]any{"best_recent_score": *recentMin},
	}
}

// Input is everything one route contributes to a detection pass.
type Input struct {
	CurrentUPES float64
	MaxUPES     float64
	PrevUPES    *float64
	RecentMin   *float64
	Sensitivity *int

	// Wind and geometry; the wind-shift detector runs only when wind,
	// midpoint, and source are all present.
	WindKph     *float64
	WindFromDeg *float64
	Midpoint    *geom.Point
	Source      *geom.Point
}

// Detect runs every evaluable detector and returns the fired alerts.
func Detect(in Input, th Thresholds) []Alert {
	var out []Alert
	if in.PrevUPES != nil {
		if a := CheckDeterioration(*in.PrevUPES, in.CurrentUPES, in.Sensitivity, th.DeteriorationBasePct); a != nil {
			out = append(out, *a)
		}
	}
	if a := CheckHazard(in.MaxUPES, th.HazardThreshold); a != nil {
		out = append(out, *a)
	}
	if in.WindKph != nil && in.WindFromDeg != nil && in.Midpoint != nil && in.Source != nil {
		if a := CheckWindShift(*in.WindKph, *in.WindFromDeg, *in.Midpoint, *in.Source, th.WindSpeedMinKph, th.WindAngleMaxDeg); a != nil {
			out = append(out, *a)
		}
	}
	if a := CheckTimeBased(in.CurrentUPES, in.RecentMin, th.TimeBasedMargin); a != nil {
		out = append(out, *a)
	}
	return out
}

// Message is the short human-readable line carried in the webhook
// payload.
func Message(a Alert) string {
	switch a.Type {
	case TypeDeterioration:
		return fmt.Sprintf("Route exposure increased from %.2f to %.2f.", deref(a.ScoreBefore), deref(a.ScoreAfter))
	case TypeHazard:
		return fmt.Sprintf("High pollution (UPES %.2f) detected along your route.", deref(a.ScoreAfter))
	case TypeWindShift:
		return "Wind may be moving pollution toward your route."
	case TypeTimeBased:
		return "Recent exposure is higher than your recent best; consider traveling at a different time."
	default:
		return "Alert: " + a.Type
	}
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
