package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webtraffic/internal/reconcile"
	"webtraffic/internal/testsupport"
)

type fakeMaintainer struct {
	mu    sync.Mutex
	calls map[string]int

	reconcileErr error
	pruned       int64
}

func newFakeMaintainer() *fakeMaintainer {
	return &fakeMaintainer{calls: make(map[string]int)}
}

func (f *fakeMaintainer) record(name string) {
	f.mu.Lock()
	f.calls[name]++
	f.mu.Unlock()
}

func (f *fakeMaintainer) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeMaintainer) SweepHours(context.Context, int) error { f.record("hours"); return nil }
func (f *fakeMaintainer) SweepDays(context.Context) error       { f.record("days"); return nil }
func (f *fakeMaintainer) SweepWeeksAndMonths(context.Context) error {
	f.record("weeks_months")
	return nil
}

func (f *fakeMaintainer) Reconcile(context.Context) (reconcile.Report, error) {
	f.record("reconcile")
	return reconcile.Report{Failed: 1}, f.reconcileErr
}

func (f *fakeMaintainer) PruneMinutes(context.Context) (int64, error) {
	f.record("prune")
	return f.pruned, nil
}

func TestSchedulerRunsJobsOnStartAndTick(t *testing.T) {
	m := newFakeMaintainer()
	logger := testsupport.GetLogger()
	sweeps := NewAggregationSweepJob(m, logger)

	s := NewSchedulerWithJobs(logger,
		Job{Name: "hour_sweep", Interval: 10 * time.Millisecond, RunAtStart: true, Run: sweeps.RunHours},
		Job{Name: "day_sweep", Interval: time.Hour, RunAtStart: true, Run: sweeps.RunDays},
		Job{Name: "disabled", Interval: 0, Run: func(context.Context) error { t.Error("disabled job ran"); return nil }},
	)
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool { return m.count("hours") >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()
	assert.False(t, s.IsRunning())
	assert.Equal(t, 1, m.count("days"))

	after := m.count("hours")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, m.count("hours"), "no runs after Stop")
}

func TestExecuteJobSafelySkipsOverlappingRun(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	job := Job{Name: "slow", Interval: time.Hour, Run: func(context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}}
	s := NewSchedulerWithJobs(testsupport.GetLogger(), job)

	done := make(chan struct{})
	go func() {
		s.executeJobSafely(job)
		close(done)
	}()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	s.executeJobSafely(job)
	assert.Equal(t, int32(1), runs.Load())

	close(release)
	<-done
	s.executeJobSafely(Job{Name: "slow", Run: func(context.Context) error { runs.Add(1); return nil }})
	assert.Equal(t, int32(2), runs.Load())
}

func TestExecuteJobSafelyRecoversPanics(t *testing.T) {
	s := NewSchedulerWithJobs(testsupport.GetLogger())
	assert.NotPanics(t, func() {
		s.executeJobSafely(Job{Name: "boom", Run: func(context.Context) error { panic("boom") }})
	})
	assert.NotPanics(t, func() {
		s.executeJobSafely(Job{Name: "fails", Run: func(context.Context) error { return errors.New("nope") }})
	})
}

func TestNewSchedulerWiresMaintenanceJobs(t *testing.T) {
	m := newFakeMaintainer()
	m.reconcileErr = errors.New("db gone")
	m.pruned = 42
	cfg := testsupport.TestConfig(t)

	s := NewScheduler(m, cfg, testsupport.GetLogger())
	for _, name := range []string{"hour_sweep", "day_sweep", "week_month_sweep", "reconcile", "minute_cleanup"} {
		assert.True(t, s.RunNow(name), name)
	}
	assert.False(t, s.RunNow("geolite"))

	assert.Equal(t, 1, m.count("hours"))
	assert.Equal(t, 1, m.count("days"))
	assert.Equal(t, 1, m.count("weeks_months"))
	assert.Equal(t, 1, m.count("reconcile"))
	assert.Equal(t, 1, m.count("prune"))
}
