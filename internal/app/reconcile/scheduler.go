package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/observability"
)

const defaultLookback = 7 * 24 * time.Hour

// Runner executes one reconciliation batch.
type Runner interface {
	Run(ctx context.Context, req Request) (Report, error)
}

// SchedulerOptions configures periodic reconciliation.
type SchedulerOptions struct {
	// Schedule is a standard five-field cron expression or a descriptor such as "@every 15m".
	Schedule string
	// Lookback bounds trade creation time for scheduled batches.
	Lookback time.Duration
	Limit    int
	Logger   observability.Logger
	Clock    func() time.Time
}

// Scheduler runs reconciliation on a cron schedule. Overlapping runs are skipped.
type Scheduler struct {
	runner   Runner
	cron     *cron.Cron
	lookback time.Duration
	limit    int
	logger   observability.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	last    Report
	lastErr error
	runs    int
}

// NewScheduler validates the schedule and registers the job.
func NewScheduler(runner Runner, opts SchedulerOptions) (*Scheduler, error) {
	if runner == nil {
		return nil, errs.New("reconcile", errs.CodeInvalid, errs.WithMessage("runner required"))
	}
	if opts.Lookback <= 0 {
		opts.Lookback = defaultLookback
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := observability.OrDefault(opts.Logger)
	s := &Scheduler{
		runner:   runner,
		lookback: opts.Lookback,
		limit:    opts.Limit,
		logger:   logger,
		now:      opts.Clock,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	cl := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := s.cron.AddFunc(opts.Schedule, func() { _, _ = s.RunOnce(s.ctx) }); err != nil {
		s.cancel()
		return nil, errs.New("reconcile", errs.CodeInvalid,
			errs.WithMessage("invalid reconciliation schedule"),
			errs.WithField("schedule", opts.Schedule),
			errs.WithCause(err))
	}
	return s, nil
}

// Start begins firing the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("reconciliation scheduler started", observability.F("lookback", s.lookback.String()))
}

// Stop cancels a running batch and waits for it to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs a batch over the lookback window and records the result.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	req := Request{Since: s.now().Add(-s.lookback), Limit: s.limit}
	report, err := s.runner.Run(ctx, req)
	if err != nil {
		s.logger.Error("scheduled reconciliation failed", observability.F("error", err))
	}
	s.mu.Lock()
	s.last, s.lastErr = report, err
	s.runs++
	s.mu.Unlock()
	return report, err
}

// Last returns the most recent batch result and how many batches have run.
func (s *Scheduler) Last() (Report, error, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastErr, s.runs
}

type cronLogger struct {
	logger observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, pairs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(pairs(keysAndValues), observability.F("error", err))...)
}

func pairs(kv []interface{}) []observability.Field {
	fields := make([]observability.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, observability.F(key, kv[i+1]))
	}
	return fields
}
