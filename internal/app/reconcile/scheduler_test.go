package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradesync/errs"
)

type recordingRunner struct {
	mu   sync.Mutex
	reqs []Request
	err  error
}

func (r *recordingRunner) Run(_ context.Context, req Request) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return Report{Candidates: 2, Updated: 1}, r.err
}

func TestSchedulerRejectsInvalidSchedule(t *testing.T) {
	_, err := NewScheduler(&recordingRunner{}, SchedulerOptions{Schedule: "not a schedule"})
	require.Error(t, err)
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
}

func TestSchedulerRunOnceUsesLookback(t *testing.T) {
	runner := &recordingRunner{}
	s, err := NewScheduler(runner, SchedulerOptions{
		Schedule: "@every 1h",
		Lookback: 48 * time.Hour,
		Limit:    25,
		Clock:    func() time.Time { return testNow },
	})
	require.NoError(t, err)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Updated)
	require.Len(t, runner.reqs, 1)
	require.Equal(t, testNow.Add(-48*time.Hour), runner.reqs[0].Since)
	require.Equal(t, 25, runner.reqs[0].Limit)

	last, lastErr, runs := s.Last()
	require.NoError(t, lastErr)
	require.Equal(t, 2, last.Candidates)
	require.Equal(t, 1, runs)
}

func TestSchedulerRecordsFailures(t *testing.T) {
	runner := &recordingRunner{err: errors.New("store down")}
	s, err := NewScheduler(runner, SchedulerOptions{Schedule: "*/5 * * * *"})
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	require.Error(t, err)
	_, lastErr, _ := s.Last()
	require.EqualError(t, lastErr, "store down")
}

func TestSchedulerStartStop(t *testing.T) {
	s, err := NewScheduler(&recordingRunner{}, SchedulerOptions{Schedule: "@every 1h"})
	require.NoError(t, err)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}
