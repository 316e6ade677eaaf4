package objstore

import (
	"testing"
	"time"

	"github.com/aeris-io/aeris/internal/gas"
)

func TestAuditKey(t *testing.T) {
	ts := time.Date(2026, 1, 31, 17, 0, 0, 0, time.UTC)
	got := AuditKey(gas.NO2, ts)
	want := "audit/geotiff/2026-01-31/NO2_17.tif"
	if got != want {
		t.Errorf("AuditKey = %q, want %q", got, want)
	}
}

func TestAuditKey_ConvertsToUTC(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)
	ts := time.Date(2026, 1, 31, 9, 0, 0, 0, loc) // 17:00 UTC
	if got := AuditKey(gas.O3, ts); got != "audit/geotiff/2026-01-31/O3_17.tif" {
		t.Errorf("AuditKey = %q", got)
	}
}
