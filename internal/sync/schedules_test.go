package sync

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analytics-sync-service/internal/store"
	"analytics-sync-service/internal/store/storetest"
)

func seedSchedule(t *testing.T, s store.Store, configID string, typ store.ScheduleType, next time.Time) *store.SyncSchedule {
	t.Helper()
	sc := &store.SyncSchedule{
		ID:           uuid.NewString(),
		ConfigID:     configID,
		ScheduleType: typ,
		DayOfWeek:    time.Monday,
		TimeOfDay:    "06:00",
		Active:       true,
	}
	if !next.IsZero() {
		sc.NextRunAt = sql.NullTime{Time: next, Valid: true}
	}
	require.NoError(t, s.CreateSchedule(context.Background(), sc))
	return sc
}

func mustSchedule(t *testing.T, s store.Store, id string) *store.SyncSchedule {
	t.Helper()
	sc, err := s.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sc)
	return sc
}

func newRunner(s store.Store) *ScheduleRunner {
	return NewScheduleRunner(s, NewEnqueuer(s, time.UTC), time.UTC)
}

func TestRunSchedules_EnqueuesAndAdvances(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	f := seedSales(t, s, nil)
	sc := seedSchedule(t, s, f.Config.ID, store.ScheduleDaily, jan10)
	r := newRunner(s)

	run, err := r.RunSchedules(ctx, jan10.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, run.Enqueued)
	require.Len(t, run.Outcomes, 1)
	out := run.Outcomes[0]
	assert.Equal(t, ActionEnqueued, out.Action)
	assert.True(t, out.NextRunAt.Equal(jan10.AddDate(0, 0, 1)))

	job := mustJob(t, s, out.JobID)
	assert.Equal(t, store.JobPending, job.Status)
	assert.Equal(t, store.SyncFull, job.SyncType)
	assert.Equal(t, "group-1", job.GroupID)
	assert.True(t, job.StartDate.Equal(storetest.Date(2024, 1, 1)))
	assert.True(t, job.EndDate.Equal(storetest.Date(2024, 1, 10)))
	assert.Equal(t, 10, job.TotalDays)

	got := mustSchedule(t, s, sc.ID)
	assert.True(t, got.NextRunAt.Time.Equal(jan10.AddDate(0, 0, 1)))
	assert.True(t, got.LastRunAt.Valid)

	// Not due again until tomorrow.
	run, err = r.RunSchedules(ctx, jan10.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, run.Outcomes)
}

func TestRunSchedules_ActiveJobSkipsButAdvances(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	f := seedSales(t, s, nil)
	existing := storetest.SeedJob(t, s, f, storetest.Date(2024, 1, 1), storetest.Date(2024, 1, 9), store.JobProcessing, jan10.Add(-time.Hour))
	sc := seedSchedule(t, s, f.Config.ID, store.ScheduleDaily, jan10)

	run, err := newRunner(s).RunSchedules(ctx, jan10)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Skipped)
	require.Len(t, run.Outcomes, 1)
	assert.Equal(t, ActionSkipped, run.Outcomes[0].Action)
	assert.Equal(t, existing.ID, run.Outcomes[0].JobID)

	jobs, err := s.ListJobs(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	got := mustSchedule(t, s, sc.ID)
	assert.True(t, got.NextRunAt.Time.Equal(jan10.AddDate(0, 0, 1)))
}

func TestRunSchedules_WeeklyAdvancesSevenDays(t *testing.T) {
	s := storetest.New(t)
	f := seedSales(t, s, nil)
	sc := seedSchedule(t, s, f.Config.ID, store.ScheduleWeekly, jan10)

	_, err := newRunner(s).RunSchedules(context.Background(), jan10)
	require.NoError(t, err)

	got := mustSchedule(t, s, sc.ID)
	assert.True(t, got.NextRunAt.Time.Equal(jan10.AddDate(0, 0, 7)))
}

func TestRunSchedules_FailureStillAdvances(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	broken := seedSales(t, s, func(c *store.SyncConfig) { c.Active = false })
	healthy := seedSales(t, s, nil)
	bad := seedSchedule(t, s, broken.Config.ID, store.ScheduleDaily, jan10)
	good := seedSchedule(t, s, healthy.Config.ID, store.ScheduleDaily, jan10.Add(time.Minute))

	run, err := newRunner(s).RunSchedules(ctx, jan10.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, run.Failed)
	assert.Equal(t, 1, run.Enqueued)
	require.Len(t, run.Outcomes, 2)
	assert.Equal(t, ActionFailed, run.Outcomes[0].Action)
	assert.Contains(t, run.Outcomes[0].Error, "inactive")

	assert.True(t, mustSchedule(t, s, bad.ID).NextRunAt.Time.Equal(jan10.AddDate(0, 0, 1)))
	assert.True(t, mustSchedule(t, s, good.ID).NextRunAt.Time.Equal(jan10.Add(time.Minute).AddDate(0, 0, 1)))
}

func TestRunSchedules_BadWeekdayDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	f := seedSales(t, s, nil)
	bad := seedSchedule(t, s, f.Config.ID, store.ScheduleWeekly, time.Time{})
	storetest.ForceSchedule(t, s, bad.ID, store.ScheduleWeekly, 7)
	healthy := seedSales(t, s, nil)
	good := seedSchedule(t, s, healthy.Config.ID, store.ScheduleDaily, jan10)

	type result struct {
		run *ScheduleRun
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := newRunner(s).RunSchedules(ctx, jan10.Add(5*time.Minute))
		done <- result{run, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunSchedules did not return")
	}
	require.NoError(t, res.err)
	assert.Equal(t, 1, res.run.Failed)
	assert.Equal(t, 1, res.run.Enqueued)

	got := mustSchedule(t, s, bad.ID)
	assert.False(t, got.Active)
	assert.False(t, got.NextRunAt.Valid)
	assert.True(t, mustSchedule(t, s, good.ID).NextRunAt.Time.Equal(jan10.AddDate(0, 0, 1)))

	// Deactivated rows are not listed again.
	run, err := newRunner(s).RunSchedules(ctx, jan10.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, run.Outcomes)
}

func TestRunSchedules_UnknownTypeDisabledBeforeEnqueue(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	f := seedSales(t, s, nil)
	sc := seedSchedule(t, s, f.Config.ID, store.ScheduleDaily, jan10)
	storetest.ForceSchedule(t, s, sc.ID, "monthly", int(time.Monday))
	r := newRunner(s)

	run, err := r.RunSchedules(ctx, jan10)
	require.NoError(t, err)
	require.Len(t, run.Outcomes, 1)
	out := run.Outcomes[0]
	assert.Equal(t, ActionFailed, out.Action)
	assert.Empty(t, out.JobID)
	assert.Contains(t, out.Error, "monthly")

	for i := 1; i <= 2; i++ {
		run, err = r.RunSchedules(ctx, jan10.Add(time.Duration(i)*5*time.Minute))
		require.NoError(t, err)
		assert.Empty(t, run.Outcomes)
	}

	jobs, err := s.ListJobs(ctx, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.False(t, mustSchedule(t, s, sc.ID).Active)
}

func TestRunSchedules_IncrementalRange(t *testing.T) {
	s := storetest.New(t)
	f := seedSales(t, s, func(c *store.SyncConfig) {
		c.IsIncremental = true
		c.IncrementalDays = 3
	})
	seedSchedule(t, s, f.Config.ID, store.ScheduleDaily, jan10)

	run, err := newRunner(s).RunSchedules(context.Background(), jan10)
	require.NoError(t, err)
	require.Len(t, run.Outcomes, 1)

	job := mustJob(t, s, run.Outcomes[0].JobID)
	assert.Equal(t, store.SyncIncremental, job.SyncType)
	assert.True(t, job.StartDate.Equal(storetest.Date(2024, 1, 7)))
	assert.True(t, job.EndDate.Equal(storetest.Date(2024, 1, 10)))
	assert.Equal(t, 4, job.TotalDays)
}

func TestRunSchedules_InitialisesUnscheduled(t *testing.T) {
	s := storetest.New(t)
	f := seedSales(t, s, nil)
	sc := seedSchedule(t, s, f.Config.ID, store.ScheduleDaily, time.Time{})

	run, err := newRunner(s).RunSchedules(context.Background(), jan10.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, run.Outcomes, 1)
	assert.Equal(t, ActionInitialised, run.Outcomes[0].Action)
	assert.Zero(t, run.Enqueued)

	got := mustSchedule(t, s, sc.ID)
	require.True(t, got.NextRunAt.Valid)
	assert.True(t, got.NextRunAt.Time.Equal(time.Date(2024, 1, 11, 6, 0, 0, 0, time.UTC)))
	assert.False(t, got.LastRunAt.Valid)
}

func TestFirstRun(t *testing.T) {
	// 2024-01-10 is a Wednesday.
	now := time.Date(2024, 1, 10, 5, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		sc   store.SyncSchedule
		want time.Time
	}{
		{
			name: "daily later today",
			sc:   store.SyncSchedule{ScheduleType: store.ScheduleDaily, TimeOfDay: "06:00"},
			want: time.Date(2024, 1, 10, 6, 0, 0, 0, time.UTC),
		},
		{
			name: "daily already passed",
			sc:   store.SyncSchedule{ScheduleType: store.ScheduleDaily, TimeOfDay: "05:00"},
			want: time.Date(2024, 1, 11, 5, 0, 0, 0, time.UTC),
		},
		{
			name: "weekly next monday",
			sc:   store.SyncSchedule{ScheduleType: store.ScheduleWeekly, DayOfWeek: time.Monday, TimeOfDay: "02:30"},
			want: time.Date(2024, 1, 15, 2, 30, 0, 0, time.UTC),
		},
		{
			name: "weekly today later",
			sc:   store.SyncSchedule{ScheduleType: store.ScheduleWeekly, DayOfWeek: time.Wednesday, TimeOfDay: "23:00"},
			want: time.Date(2024, 1, 10, 23, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FirstRun(&tt.sc, now, time.UTC)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %s", got)
		})
	}

	_, err := FirstRun(&store.SyncSchedule{ScheduleType: store.ScheduleDaily, TimeOfDay: "6am"}, now, time.UTC)
	assert.Error(t, err)
	_, err = FirstRun(&store.SyncSchedule{ScheduleType: "monthly", TimeOfDay: "06:00"}, now, time.UTC)
	assert.Error(t, err)
	_, err = FirstRun(&store.SyncSchedule{ScheduleType: store.ScheduleWeekly, DayOfWeek: 7, TimeOfDay: "06:00"}, now, time.UTC)
	assert.ErrorIs(t, err, store.ErrInvalidSchedule)
	_, err = FirstRun(&store.SyncSchedule{ScheduleType: store.ScheduleWeekly, DayOfWeek: -1, TimeOfDay: "06:00"}, now, time.UTC)
	assert.ErrorIs(t, err, store.ErrInvalidSchedule)
}

func TestNextRunKeepsWallClock(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*60*60)
	start := time.Date(2024, 1, 10, 6, 30, 0, 0, loc)
	sc := &store.SyncSchedule{
		ScheduleType: store.ScheduleDaily,
		TimeOfDay:    "06:30",
		NextRunAt:    sql.NullTime{Time: start.UTC(), Valid: true},
	}

	next, err := NextRun(sc, loc)
	require.NoError(t, err)
	assert.Equal(t, 6, next.Hour())
	assert.Equal(t, 30, next.Minute())
	assert.Equal(t, 11, next.Day())
}
