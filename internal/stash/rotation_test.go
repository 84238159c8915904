package stash_test

import (
	"testing"
	"time"

	"stash/internal/stash"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 6, 0, 0, 0, time.UTC)
}

func TestRotationToDelete(t *testing.T) {
	cfg := stash.RotationConfig{
		Days:         7,
		Weeks:        4,
		Months:       3,
		FirstWeekDay: time.Monday,
	}
	now := time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)

	t.Run("keeps the GFS representatives of 100 daily backups", func(t *testing.T) {
		dates := make([]time.Time, 0, 100)
		for i := 0; i < 100; i++ {
			dates = append(dates, day(2024, 6, 30).AddDate(0, 0, -i))
		}

		toDelete := stash.RotationToDelete(dates, cfg, now)
		deleted := make(map[time.Time]bool, len(toDelete))
		for _, d := range toDelete {
			deleted[d] = true
		}

		// 7 dailies, 3 extra weekly keepers, 2 extra monthly keepers.
		kept := []time.Time{
			day(2024, 6, 30), day(2024, 6, 29), day(2024, 6, 28), day(2024, 6, 27),
			day(2024, 6, 26), day(2024, 6, 25), day(2024, 6, 24),
			day(2024, 6, 23), day(2024, 6, 16), day(2024, 6, 9),
			day(2024, 5, 31), day(2024, 4, 30),
		}
		for _, k := range kept {
			if deleted[k] {
				t.Errorf("date %v was deleted, want kept", k)
			}
		}

		if got, want := len(toDelete), len(dates)-len(kept); got != want {
			t.Errorf("len(toDelete) = %d, want %d", got, want)
		}

		// Beyond the three monthly buckets everything goes.
		if !deleted[day(2024, 3, 23)] {
			t.Error("oldest date was kept, want deleted")
		}
	})

	t.Run("keeps the most recent date within each bucket", func(t *testing.T) {
		// Two backups on the same day: only the earlier one goes.
		morning := time.Date(2024, 6, 30, 6, 0, 0, 0, time.UTC)
		evening := time.Date(2024, 6, 30, 18, 0, 0, 0, time.UTC)

		toDelete := stash.RotationToDelete([]time.Time{morning, evening}, stash.RotationConfig{
			Days: 1, FirstWeekDay: time.Monday,
		}, now.AddDate(0, 0, 1))

		if len(toDelete) != 1 || !toDelete[0].Equal(morning) {
			t.Errorf("toDelete = %v, want [%v]", toDelete, morning)
		}
	})

	t.Run("week bucket anchors at first week day", func(t *testing.T) {
		// 2024-06-30 is a Sunday. With weeks starting Monday it shares a
		// bucket with 06-24; with weeks starting Sunday it starts a new one.
		dates := []time.Time{day(2024, 6, 30), day(2024, 6, 24)}

		mondayCfg := stash.RotationConfig{Weeks: 1, FirstWeekDay: time.Monday}
		if toDelete := stash.RotationToDelete(dates, mondayCfg, now); len(toDelete) != 1 {
			t.Errorf("monday anchor: len(toDelete) = %d, want 1", len(toDelete))
		}

		sundayCfg := stash.RotationConfig{Weeks: 2, FirstWeekDay: time.Sunday}
		if toDelete := stash.RotationToDelete(dates, sundayCfg, now); len(toDelete) != 0 {
			t.Errorf("sunday anchor: len(toDelete) = %d, want 0", len(toDelete))
		}
	})

	t.Run("future dates are never deleted", func(t *testing.T) {
		future := day(2024, 7, 15)
		toDelete := stash.RotationToDelete([]time.Time{future}, stash.RotationConfig{FirstWeekDay: time.Monday}, now)
		if len(toDelete) != 0 {
			t.Errorf("toDelete = %v, want empty", toDelete)
		}
	})

	t.Run("zero config deletes everything past", func(t *testing.T) {
		dates := []time.Time{day(2024, 6, 30), day(2024, 6, 29)}
		toDelete := stash.RotationToDelete(dates, stash.RotationConfig{FirstWeekDay: time.Monday}, now)
		if len(toDelete) != 2 {
			t.Errorf("len(toDelete) = %d, want 2", len(toDelete))
		}
	})
}
