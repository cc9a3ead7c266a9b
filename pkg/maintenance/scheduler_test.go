package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleNextRun(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC)

	next, err := Schedule{Every: 10 * time.Minute}.NextRun(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Minute), next)

	next, err = Schedule{Expr: "0 3 * * *"}.NextRun(now)
	require.NoError(t, err)
	assert.Equal(t, 3, next.Hour())
	assert.Equal(t, 0, next.Minute())
	assert.True(t, next.After(now))

	_, err = Schedule{Expr: "not a cron"}.NextRun(now)
	assert.Error(t, err)
}

func TestScheduleValidate(t *testing.T) {
	assert.NoError(t, Schedule{Every: time.Minute}.Validate())
	assert.NoError(t, Schedule{Expr: "*/5 * * * *"}.Validate())
	assert.Error(t, Schedule{}.Validate())
	assert.Error(t, Schedule{Every: time.Minute, Expr: "0 3 * * *"}.Validate())
	assert.Error(t, Schedule{Expr: "0 3 * * *", TZ: "Not/AZone"}.Validate())
}

func TestSchedulerRegisterValidates(t *testing.T) {
	s := NewScheduler()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	noop := func(ctx context.Context) error { return nil }

	require.NoError(t, s.Register(Job{Name: "sweep", Schedule: Schedule{Every: time.Minute}, Run: noop}))
	assert.Error(t, s.Register(Job{Name: "sweep", Schedule: Schedule{Every: time.Minute}, Run: noop}), "duplicate name")
	assert.Error(t, s.Register(Job{Name: "", Schedule: Schedule{Every: time.Minute}, Run: noop}))
	assert.Error(t, s.Register(Job{Name: "norun", Schedule: Schedule{Every: time.Minute}}))
	assert.Error(t, s.Register(Job{Name: "badsched", Run: noop}))
}

func TestSchedulerRunsIntervalJob(t *testing.T) {
	s := NewScheduler()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	var runs atomic.Int32
	require.NoError(t, s.Register(Job{
		Name:     "ticker",
		Schedule: Schedule{Every: 20 * time.Millisecond},
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start()

	require.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerRunsImmediateJobAtStart(t *testing.T) {
	s := NewScheduler()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	var runs atomic.Int32
	require.NoError(t, s.Register(Job{
		Name:      "boot-sweep",
		Schedule:  Schedule{Every: time.Hour},
		Immediate: true,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start()

	require.Eventually(t, func() bool {
		return runs.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	s := NewScheduler()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	var active atomic.Int32
	var overlapped atomic.Bool
	var runs atomic.Int32
	require.NoError(t, s.Register(Job{
		Name:     "slow",
		Schedule: Schedule{Every: 10 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if active.Add(1) > 1 {
				overlapped.Store(true)
			}
			defer active.Add(-1)
			runs.Add(1)
			time.Sleep(40 * time.Millisecond)
			return nil
		},
	}))

	s.Start()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RunNow("slow"))
	}

	require.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.False(t, overlapped.Load(), "a job must never overlap itself")
}

func TestSchedulerRunNowUnknownJob(t *testing.T) {
	s := NewScheduler()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	assert.Error(t, s.RunNow("ghost"))
}

func TestSchedulerStatusTracksOutcomes(t *testing.T) {
	s := NewScheduler()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	require.NoError(t, s.Register(Job{
		Name:      "healthy",
		Schedule:  Schedule{Every: time.Hour},
		Immediate: true,
		Run:       func(ctx context.Context) error { return nil },
	}))
	require.NoError(t, s.Register(Job{
		Name:      "broken",
		Schedule:  Schedule{Every: time.Hour},
		Immediate: true,
		Run:       func(ctx context.Context) error { return errors.New("disk gone") },
	}))

	s.Start()

	require.Eventually(t, func() bool {
		statuses := s.Status()
		return statuses[0].LastStatus == "ok" && statuses[1].LastStatus == "error"
	}, 2*time.Second, 10*time.Millisecond)

	statuses := s.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "healthy", statuses[0].Name)
	assert.Empty(t, statuses[0].LastError)
	assert.Zero(t, statuses[0].ConsecutiveErrors)
	require.NotNil(t, statuses[0].NextRunAt)
	require.NotNil(t, statuses[0].LastRunAt)

	assert.Equal(t, "broken", statuses[1].Name)
	assert.Equal(t, "disk gone", statuses[1].LastError)
	assert.GreaterOrEqual(t, statuses[1].ConsecutiveErrors, 1)
}

func TestSchedulerStopWaitsForRunningJob(t *testing.T) {
	s := NewScheduler()

	started := make(chan struct{})
	finished := make(chan struct{})
	require.NoError(t, s.Register(Job{
		Name:     "slow-stop",
		Schedule: Schedule{Every: time.Hour},
		Run: func(ctx context.Context) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			close(finished)
			return nil
		},
	}))

	s.Start()
	require.NoError(t, s.RunNow("slow-stop"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case <-finished:
	default:
		t.Fatal("stop returned before the running job finished")
	}

	assert.NoError(t, s.Stop(context.Background()), "stop must be idempotent")
	assert.Error(t, s.Register(Job{
		Name:     "late",
		Schedule: Schedule{Every: time.Hour},
		Run:      func(ctx context.Context) error { return nil },
	}))
}
