package scheduler

import (
	"fmt"
	"time"

	"github.com/erauner12/crmsync/internal/store"
)

const anchorHour = 9 // deliveries anchor at 09:00 local

// NextAnchor computes the next delivery time for a cadence, in the
// subscriber's timezone, strictly after from.
//
//	daily    → next 09:00 local
//	weekly   → next Monday 09:00 local
//	biweekly → two weeks from this week's Monday, 09:00 local
//	monthly  → first of next month, 09:00 local
func NextAnchor(cadence store.Cadence, from time.Time, tz string) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	local := from.In(loc)

	switch cadence {
	case store.CadenceDaily:
		anchor := at9(local)
		if !anchor.After(local) {
			anchor = at9(local.AddDate(0, 0, 1))
		}
		return anchor, nil

	case store.CadenceWeekly:
		anchor := at9(nextMonday(local))
		if !anchor.After(local) {
			anchor = anchor.AddDate(0, 0, 7)
		}
		return anchor, nil

	case store.CadenceBiweekly:
		return at9(thisMonday(local).AddDate(0, 0, 14)), nil

	case store.CadenceMonthly:
		y, m, _ := local.Date()
		return time.Date(y, m+1, 1, anchorHour, 0, 0, 0, loc), nil
	}

	return time.Time{}, fmt.Errorf("unknown cadence %q", cadence)
}

func at9(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, anchorHour, 0, 0, 0, t.Location())
}

// nextMonday returns the soonest Monday at or after t's date. A Monday
// morning before 09:00 still anchors that same day; NextAnchor handles the
// strictly-after rule.
func nextMonday(t time.Time) time.Time {
	days := (int(time.Monday) - int(t.Weekday()) + 7) % 7
	if days == 0 && !at9(t).After(t) {
		days = 7
	}
	return t.AddDate(0, 0, days)
}

// thisMonday returns the Monday of the week containing t (weeks start
// Monday).
func thisMonday(t time.Time) time.Time {
	days := (int(t.Weekday()) - int(time.Monday) + 7) % 7
	return t.AddDate(0, 0, -days)
}
