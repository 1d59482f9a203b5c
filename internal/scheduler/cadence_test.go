package scheduler

import (
	"testing"
	"time"

	"github.com/erauner12/crmsync/internal/store"
)

func mustTime(t *testing.T, value, tz string) time.Time {
	t.Helper()
	loc, err := time.LoadLocation(tz)
	if err != nil {
		t.Fatalf("LoadLocation(%s): %v", tz, err)
	}
	ts, err := time.ParseInLocation("2006-01-02T15:04:05", value, loc)
	if err != nil {
		t.Fatalf("ParseInLocation(%s): %v", value, err)
	}
	return ts
}

func TestNextAnchor(t *testing.T) {
	tests := []struct {
		name    string
		cadence store.Cadence
		from    string
		tz      string
		want    string
	}{
		{
			name:    "daily before anchor hour stays same day",
			cadence: store.CadenceDaily,
			from:    "2026-03-04T07:30:00", tz: "UTC",
			want: "2026-03-04T09:00:00",
		},
		{
			name:    "daily after anchor hour rolls to next day",
			cadence: store.CadenceDaily,
			from:    "2026-03-04T10:00:00", tz: "UTC",
			want: "2026-03-05T09:00:00",
		},
		{
			name:    "daily exactly at anchor rolls forward",
			cadence: store.CadenceDaily,
			from:    "2026-03-04T09:00:00", tz: "UTC",
			want: "2026-03-05T09:00:00",
		},
		{
			// 2025-10-15 is a Wednesday; next Monday is Oct 20, still EDT.
			name:    "weekly from midweek in New York",
			cadence: store.CadenceWeekly,
			from:    "2025-10-15T14:00:00", tz: "America/New_York",
			want: "2025-10-20T09:00:00",
		},
		{
			name:    "weekly on Monday before nine anchors same day",
			cadence: store.CadenceWeekly,
			from:    "2025-10-20T08:00:00", tz: "America/New_York",
			want: "2025-10-20T09:00:00",
		},
		{
			name:    "weekly on Monday after nine rolls a week",
			cadence: store.CadenceWeekly,
			from:    "2025-10-20T10:00:00", tz: "America/New_York",
			want: "2025-10-27T09:00:00",
		},
		{
			// Monday of the week of Mar 4 2026 (Wednesday) is Mar 2.
			name:    "biweekly is this Monday plus fourteen days",
			cadence: store.CadenceBiweekly,
			from:    "2026-03-04T12:00:00", tz: "UTC",
			want: "2026-03-16T09:00:00",
		},
		{
			name:    "monthly anchors first of next month",
			cadence: store.CadenceMonthly,
			from:    "2026-03-04T12:00:00", tz: "Europe/Berlin",
			want: "2026-04-01T09:00:00",
		},
		{
			// Dec + 1 month wraps the year via time.Date normalization.
			name:    "monthly across year boundary",
			cadence: store.CadenceMonthly,
			from:    "2025-12-10T12:00:00", tz: "UTC",
			want: "2026-01-01T09:00:00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextAnchor(tt.cadence, mustTime(t, tt.from, tt.tz), tt.tz)
			if err != nil {
				t.Fatalf("NextAnchor: %v", err)
			}
			want := mustTime(t, tt.want, tt.tz)
			if !got.Equal(want) {
				t.Errorf("NextAnchor = %v, want %v", got, want)
			}
		})
	}
}

func TestNextAnchorLocalWallClockAcrossDST(t *testing.T) {
	// US DST ends 2025-11-02. A daily anchor computed on Nov 1 must still be
	// 09:00 local on Nov 2, not 09:00 UTC-offset-shifted.
	from := mustTime(t, "2025-11-01T10:00:00", "America/New_York")
	got, err := NextAnchor(store.CadenceDaily, from, "America/New_York")
	if err != nil {
		t.Fatalf("NextAnchor: %v", err)
	}
	loc, _ := time.LoadLocation("America/New_York")
	if got.In(loc).Hour() != 9 {
		t.Errorf("anchor hour = %d local, want 9", got.In(loc).Hour())
	}
	if got.In(loc).Day() != 2 {
		t.Errorf("anchor day = %d, want 2", got.In(loc).Day())
	}
}

func TestNextAnchorUnknownTimezone(t *testing.T) {
	if _, err := NextAnchor(store.CadenceDaily, time.Now(), "Mars/Olympus_Mons"); err == nil {
		t.Error("expected error for unknown timezone")
	}
}
