package sync

import (
	"fmt"
	"time"

	"analytics-sync-service/internal/store"
)

// Today returns the calendar date of now in loc, as midnight UTC.
func Today(now time.Time, loc *time.Location) time.Time {
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AddDays moves a calendar date by n days.
func AddDays(date time.Time, n int) time.Time {
	return date.AddDate(0, 0, n)
}

// DayCount is the number of days in the inclusive range [start, end].
func DayCount(start, end time.Time) int {
	if end.Before(start) {
		return 0
	}
	return int(end.Sub(start).Hours()/24) + 1
}

// JobRange computes the date range a new job for cfg covers on today.
func JobRange(cfg *store.SyncConfig, today time.Time) (start, end time.Time, syncType store.SyncType, err error) {
	end = today
	if cfg.IsIncremental {
		start = AddDays(today, -cfg.IncrementalDays)
		syncType = store.SyncIncremental
	} else {
		start = cfg.InitialDate
		syncType = store.SyncFull
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, "", fmt.Errorf("%w: range starts %s after %s",
			ErrInvalidConfig, start.Format(store.DateLayout), end.Format(store.DateLayout))
	}
	return start, end, syncType, nil
}
