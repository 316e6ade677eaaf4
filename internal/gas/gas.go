// Package gas defines the satellite gas products AERIS ingests and the
// severity classification applied to observed values.
package gas

import "math"

// Gas identifies one atmospheric-composition product.
type Gas string

const (
	NO2  Gas = "NO2"  // tropospheric column density, molecules/cm2
	CH2O Gas = "CH2O" // tropospheric column density, molecules/cm2
	AI   Gas = "AI"   // aerosol index, dimensionless
	PM   Gas = "PM"   // aerosol optical depth, dimensionless
	O3   Gas = "O3"   // total-column ozone, Dobson Units
)

// All lists the gases fetched every hour, in ingestion order.
var All = []Gas{NO2, CH2O, AI, PM, O3}

// Valid reports whether g is a known gas tag.
func (g Gas) Valid() bool {
	switch g {
	case NO2, CH2O, AI, PM, O3:
		return true
	}
	return false
}

func (g Gas) String() string { return string(g) }

// Severity buckets. Severity is a pure function of (value, gas).
const (
	SeverityGood          = 0
	SeverityModerate      = 1
	SeverityUnhealthy     = 2
	SeverityVeryUnhealthy = 3
	SeverityHazardous     = 4
)

// Thresholds holds the per-gas severity breakpoints. A value below
// Moderate classifies as good.
type Thresholds struct {
	Moderate      float64
	Unhealthy     float64
	VeryUnhealthy float64
	Hazardous     float64
}

var thresholds = map[Gas]Thresholds{
	NO2:  {Moderate: 5.0e15, Unhealthy: 1.0e16, VeryUnhealthy: 2.0e16, Hazardous: 3.0e16},
	CH2O: {Moderate: 8.0e15, Unhealthy: 1.6e16, VeryUnhealthy: 3.2e16, Hazardous: 6.4e16},
	AI:   {Moderate: 1.0, Unhealthy: 2.0, VeryUnhealthy: 4.0, Hazardous: 7.0},
	PM:   {Moderate: 0.2, Unhealthy: 0.5, VeryUnhealthy: 1.0, Hazardous: 2.0},
	O3:   {Moderate: 220, Unhealthy: 280, VeryUnhealthy: 400, Hazardous: 500},
}

var severityLabels = [...]string{"good", "moderate", "unhealthy", "very_unhealthy", "hazardous"}

// Classify maps an observed value to a severity level in [0,4] and its
// label. NaN values and unknown gases classify as ("no_data", 0).
func Classify(value float64, g Gas) (string, int) {
	t, ok := thresholds[g]
	if math.IsNaN(value) || !ok {
		return "no_data", SeverityGood
	}
	switch {
	case value >= t.Hazardous:
		return severityLabels[SeverityHazardous], SeverityHazardous
	case value >= t.VeryUnhealthy:
		return severityLabels[SeverityVeryUnhealthy], SeverityVeryUnhealthy
	case value >= t.Unhealthy:
		return severityLabels[SeverityUnhealthy], SeverityUnhealthy
	case value >= t.Moderate:
		return severityLabels[SeverityModerate], SeverityModerate
	default:
		return severityLabels[SeverityGood], SeverityGood
	}
}

// FillCeiling returns the magnitude above which a pixel is treated as a
// satellite fill sentinel and dropped during normalization.
func FillCeiling(g Gas) float64 {
	switch g {
	case NO2, CH2O:
		return 1e18
	default:
		return 1e10
	}
}

// DefaultWeights are the UPES gas weights; they sum to 1.0.
var DefaultWeights = map[Gas]float64{
	NO2:  0.30,
	PM:   0.35,
	O3:   0.20,
	CH2O: 0.10,
	AI:   0.05,
}

// CollectionIDs maps each gas to its broker collection id. The ids are
// opaque strings fixed per product; they are never derived at runtime.
var CollectionIDs = map[Gas]string{
	NO2:  "C2930763263-LARC_CLOUD",
	CH2O: "C2930763264-LARC_CLOUD",
	AI:   "C2930763265-LARC_CLOUD",
	PM:   "C2930763266-LARC_CLOUD",
	O3:   "C2930763267-LARC_CLOUD",
}
