package stash

import (
	"sort"
	"time"
)

// RotationToDelete applies the grandfather-father-son retention scheme to
// a set of backup timestamps and returns the ones to delete.
//
// Dates are partitioned into daily, weekly and monthly buckets, weeks
// anchored at cfg.FirstWeekDay. The most recent cfg.Days daily buckets,
// cfg.Weeks weekly buckets and cfg.Months monthly buckets are retained,
// keeping the most recent date within each retained bucket. Everything
// not retained is scheduled for deletion, except dates in the future
// relative to now, which are never deleted.
func RotationToDelete(dates []time.Time, cfg RotationConfig, now time.Time) []time.Time {
	sorted := make([]time.Time, len(dates))
	copy(sorted, dates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].After(sorted[j]) })

	keep := make(map[time.Time]bool)
	markKeepers(sorted, keep, cfg.Days, dayBucket)
	markKeepers(sorted, keep, cfg.Weeks, func(t time.Time) time.Time {
		return weekBucket(t, cfg.FirstWeekDay)
	})
	markKeepers(sorted, keep, cfg.Months, monthBucket)

	var toDelete []time.Time
	for _, d := range sorted {
		if !keep[d] && !d.After(now) {
			toDelete = append(toDelete, d)
		}
	}
	return toDelete
}

// markKeepers walks dates newest first, keeping the most recent date of
// each of the first n distinct buckets.
func markKeepers(sorted []time.Time, keep map[time.Time]bool, n int, bucket func(time.Time) time.Time) {
	seen := make(map[time.Time]bool)
	for _, d := range sorted {
		b := bucket(d)
		if seen[b] {
			continue
		}
		if len(seen) >= n {
			break
		}
		seen[b] = true
		keep[d] = true
	}
}

func dayBucket(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// weekBucket returns the start of the week containing t, where weeks
// begin on firstWeekDay.
func weekBucket(t time.Time, firstWeekDay time.Weekday) time.Time {
	day := dayBucket(t)
	offset := (int(day.Weekday()) - int(firstWeekDay) + 7) % 7
	return day.AddDate(0, 0, -offset)
}

func monthBucket(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
