// Package reconcile backfills trades the streaming path missed from exchange income and
// position history.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/domain/exchange"
	"github.com/coachpo/tradesync/internal/domain/trade"
	"github.com/coachpo/tradesync/internal/domain/tradestore"
	"github.com/coachpo/tradesync/internal/observability"
	"github.com/coachpo/tradesync/lib/async"
)

// Outcome is the per-trade result of a reconciliation pass.
type Outcome string

const (
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeSkipped marks trades that could not be windowed; they are flagged instead.
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

const (
	defaultWindowPadding  = 15 * time.Minute
	defaultTrailingBuffer = time.Hour
	defaultChunkSpan      = 7 * 24 * time.Hour
	defaultChunkDelay     = 250 * time.Millisecond
	defaultBatchSize      = 200
	defaultAuditSize      = 500
	defaultRetries        = 3
)

// Default plausibility limits.
var (
	DefaultPnLTolerance  = decimal.RequireFromString("0.20")
	DefaultFeeRatioLimit = decimal.RequireFromString("5")
)

// Options configures a Service.
type Options struct {
	Store   tradestore.Store
	History exchange.HistoryClient
	// Locks must be shared with DatabaseSync.
	Locks   *async.KeyedMutex
	Matcher *Matcher
	Policy  trade.Policy

	WindowPadding  time.Duration
	TrailingBuffer time.Duration
	// ChunkSpan is the largest range sent in one history query.
	ChunkSpan time.Duration
	// ChunkDelay paces history queries. Negative disables pacing.
	ChunkDelay time.Duration

	PnLTolerance  decimal.Decimal
	FeeRatioLimit decimal.Decimal

	BatchSize       int
	AuditSize       int
	ConflictRetries uint

	Exchange string
	Logger   observability.Logger
	Clock    func() time.Time
}

// Request scopes one batch.
type Request struct {
	// Since and Until bound trade creation time. Zero leaves a side open.
	Since    time.Time
	Until    time.Time
	TradeIDs []string
	Limit    int
}

// TradeResult reports what a pass did to one trade.
type TradeResult struct {
	TradeID       string
	Symbol        string
	Outcome       Outcome
	Window        Span
	IncomeRecords int
	PositionID    string
	// Issues lists sync issues newly recorded by this pass.
	Issues []string
	Err    error
}

// Report summarises a batch.
type Report struct {
	StartedAt  time.Time
	FinishedAt time.Time
	Candidates int
	Updated    int
	Unchanged  int
	Skipped    int
	Failed     int
	Results    []TradeResult
}

func (r *Report) add(res TradeResult) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeUpdated:
		r.Updated++
	case OutcomeUnchanged:
		r.Unchanged++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
}

// Flagged counts trades that received new sync issues.
func (r Report) Flagged() int {
	n := 0
	for _, res := range r.Results {
		if len(res.Issues) > 0 {
			n++
		}
	}
	return n
}

// Service is the ReconciliationService.
type Service struct {
	store   tradestore.Store
	history exchange.HistoryClient
	locks   *async.KeyedMutex
	matcher *Matcher
	policy  trade.Policy
	checks  Checks

	padding   time.Duration
	trailing  time.Duration
	chunkSpan time.Duration
	limiter   *rate.Limiter
	batchSize int
	retries   uint
	exchange  string

	audit   *trade.AuditTrail
	logger  observability.Logger
	now     func() time.Time
	metrics *reconcileMetrics
}

// New constructs a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errs.New("reconcile", errs.CodeInvalid, errs.WithMessage("store required"))
	}
	if opts.History == nil {
		return nil, errs.New("reconcile", errs.CodeInvalid, errs.WithMessage("history client required"))
	}
	if opts.Locks == nil {
		opts.Locks = async.NewKeyedMutex()
	}
	if opts.Matcher == nil {
		opts.Matcher = NewMatcher()
	}
	if opts.Policy.AbsEpsilon.IsZero() && opts.Policy.RelEpsilon.IsZero() {
		opts.Policy = trade.DefaultPolicy()
	}
	if opts.WindowPadding <= 0 {
		opts.WindowPadding = defaultWindowPadding
	}
	if opts.TrailingBuffer < 0 {
		opts.TrailingBuffer = 0
	} else if opts.TrailingBuffer == 0 {
		opts.TrailingBuffer = defaultTrailingBuffer
	}
	if opts.ChunkSpan <= 0 {
		opts.ChunkSpan = defaultChunkSpan
	}
	if opts.ChunkDelay == 0 {
		opts.ChunkDelay = defaultChunkDelay
	}
	if !opts.PnLTolerance.IsPositive() {
		opts.PnLTolerance = DefaultPnLTolerance
	}
	if !opts.FeeRatioLimit.IsPositive() {
		opts.FeeRatioLimit = DefaultFeeRatioLimit
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.AuditSize <= 0 {
		opts.AuditSize = defaultAuditSize
	}
	if opts.ConflictRetries == 0 {
		opts.ConflictRetries = defaultRetries
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	limit := rate.Inf
	if opts.ChunkDelay > 0 {
		limit = rate.Every(opts.ChunkDelay)
	}
	return &Service{
		store:     opts.Store,
		history:   opts.History,
		locks:     opts.Locks,
		matcher:   opts.Matcher,
		policy:    opts.Policy,
		checks:    Checks{PnLTolerance: opts.PnLTolerance, FeeRatioLimit: opts.FeeRatioLimit},
		padding:   opts.WindowPadding,
		trailing:  opts.TrailingBuffer,
		chunkSpan: opts.ChunkSpan,
		limiter:   rate.NewLimiter(limit, 1),
		batchSize: opts.BatchSize,
		retries:   opts.ConflictRetries,
		exchange:  strings.ToLower(strings.TrimSpace(opts.Exchange)),
		audit:     trade.NewAuditTrail(opts.AuditSize),
		logger:    observability.OrDefault(opts.Logger),
		now:       opts.Clock,
		metrics:   newReconcileMetrics(),
	}, nil
}

// Matcher returns the consumed-record tracker.
func (s *Service) Matcher() *Matcher { return s.matcher }

// Audit returns recent per-trade sync events.
func (s *Service) Audit() []trade.SyncEvent { return s.audit.Events() }

// Run reconciles every candidate trade. A failing trade is reported and the batch continues;
// the returned error is set only when candidates cannot be listed or ctx ends.
func (s *Service) Run(ctx context.Context, req Request) (Report, error) {
	report := Report{StartedAt: s.now().UTC()}
	limit := req.Limit
	if limit <= 0 {
		limit = s.batchSize
	}
	candidates, err := s.store.ListBackfillCandidates(ctx, tradestore.BackfillQuery{
		Exchange: s.exchange,
		TradeIDs: req.TradeIDs,
		Since:    req.Since,
		Until:    req.Until,
		Limit:    limit,
	})
	if err != nil {
		s.metrics.recordRun(ctx, "error")
		return report, fmt.Errorf("list backfill candidates: %w", err)
	}
	report.Candidates = len(candidates)

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			report.FinishedAt = s.now().UTC()
			s.metrics.recordRun(ctx, "cancelled")
			return report, err
		}
		report.add(s.reconcileTrade(ctx, candidate))
	}
	report.FinishedAt = s.now().UTC()
	s.metrics.recordRun(ctx, "success")
	s.logger.Info("reconciliation finished",
		observability.F("candidates", report.Candidates),
		observability.F("updated", report.Updated),
		observability.F("unchanged", report.Unchanged),
		observability.F("skipped", report.Skipped),
		observability.F("failed", report.Failed),
		observability.F("flagged", report.Flagged()))
	return report, nil
}

type evidence struct {
	window   Span
	summary  Summary
	position *exchange.PositionRecord
	audit    *tradestore.IncomeAudit
}

func (e evidence) empty() bool {
	return e.summary.Empty() && e.position == nil
}

type change struct {
	next    trade.Trade
	changed bool
	issues  []string
	audit   *tradestore.IncomeAudit
}

func (c *change) flag(t *trade.Trade, tag string) {
	had := len(t.SyncIssues)
	if t.Flag(tag) {
		c.changed = true
		if len(t.SyncIssues) > had {
			c.issues = append(c.issues, tag)
		}
	}
}

func (s *Service) reconcileTrade(ctx context.Context, candidate trade.Trade) TradeResult {
	started := s.now()
	exch := s.exchangeOf(candidate.Exchange)
	res := TradeResult{TradeID: candidate.ID, Symbol: candidate.Symbol}
	ev := trade.NewSyncEvent("reconcile_trade", candidate.ID, started)
	ev.TradeID = candidate.ID
	defer func() {
		switch res.Outcome {
		case OutcomeUpdated:
			ev.Status = trade.EventApplied
		case OutcomeFailed:
			ev.Status = trade.EventFailed
			if res.Err != nil {
				ev.Detail = res.Err.Error()
			}
		default:
			ev.Status = trade.EventSkipped
			ev.Detail = string(res.Outcome)
		}
		s.audit.Record(ev)
		for _, tag := range res.Issues {
			s.metrics.recordFlag(ctx, exch, tag)
		}
		s.metrics.recordTrade(ctx, exch, res.Outcome, s.now().Sub(started))
	}()

	if candidate.NeverFilled() {
		res.Outcome = OutcomeUnchanged
		return res
	}
	if strings.TrimSpace(candidate.Symbol) == "" {
		return s.skip(ctx, res, trade.IssueMissingSymbol)
	}
	window, ok := LifecycleWindow(candidate, s.padding, s.trailing, s.now())
	if !ok {
		return s.skip(ctx, res, trade.IssueMissingTimestamps)
	}
	res.Window = window

	income, positions, err := s.fetch(ctx, candidate.Symbol, window)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		s.logger.Warn("reconciliation history fetch failed",
			observability.F("trade_id", candidate.ID),
			observability.F("symbol", candidate.Symbol),
			observability.F("error", err))
		return res
	}

	evd := evidence{window: window, summary: Summarize(s.matcher.Available(candidate.ID, income))}
	if rec, ok := s.matcher.Best(candidate, window, positions); ok {
		evd.position = &rec
		res.PositionID = rec.ID
	}
	res.IncomeRecords = len(evd.summary.Records)
	if !evd.empty() {
		audit, err := s.auditRecord(candidate, exch, evd)
		if err != nil {
			s.logger.Warn("encode reconciliation audit", observability.F("trade_id", candidate.ID), observability.F("error", err))
		} else {
			evd.audit = &audit
		}
	}

	unlock, err := s.locks.LockContext(ctx, candidate.ID)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	c, missing, err := s.commit(ctx, candidate.ID, func(current trade.Trade) change {
		return s.apply(current, evd)
	})
	unlock()
	switch {
	case err != nil:
		res.Outcome, res.Err = OutcomeFailed, err
		s.logger.Warn("reconciliation write failed",
			observability.F("trade_id", candidate.ID),
			observability.F("error", err))
		return res
	case missing:
		res.Outcome = OutcomeSkipped
		return res
	}

	s.matcher.Claim(candidate.ID, evd.position, evd.summary.Records)
	res.Issues = c.issues
	if c.changed {
		res.Outcome = OutcomeUpdated
	} else {
		res.Outcome = OutcomeUnchanged
	}
	if len(c.issues) > 0 {
		s.logger.Warn("trade flagged for manual verification",
			observability.F("trade_id", candidate.ID),
			observability.F("symbol", candidate.Symbol),
			observability.F("issues", strings.Join(c.issues, ",")))
	}
	return res
}

// skip flags a trade that cannot be windowed or queried.
func (s *Service) skip(ctx context.Context, res TradeResult, tag string) TradeResult {
	res.Outcome = OutcomeSkipped
	unlock, err := s.locks.LockContext(ctx, res.TradeID)
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	defer unlock()
	c, _, err := s.commit(ctx, res.TradeID, func(current trade.Trade) change {
		next := current.Clone()
		c := change{}
		c.flag(next, tag)
		c.next = *next
		return c
	})
	if err != nil {
		res.Outcome, res.Err = OutcomeFailed, err
		return res
	}
	res.Issues = c.issues
	return res
}

func (s *Service) exchangeOf(name string) string {
	if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
		return name
	}
	return s.exchange
}

// fetch walks the window in chunks no longer than the exchange maximum, pacing every query.
func (s *Service) fetch(ctx context.Context, symbol string, window Span) ([]exchange.IncomeRecord, []exchange.PositionRecord, error) {
	var income []exchange.IncomeRecord
	var positions []exchange.PositionRecord
	seenIncome := make(map[string]struct{})
	seenPositions := make(map[string]struct{})
	for _, chunk := range Chunk(window, s.chunkSpan) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
		records, err := s.history.IncomeHistory(ctx, symbol, chunk.Start, chunk.End)
		if err != nil {
			return nil, nil, fmt.Errorf("income history %s: %w", symbol, err)
		}
		for _, rec := range records {
			if rec.Symbol != "" && !strings.EqualFold(rec.Symbol, symbol) {
				continue
			}
			if rec.ID != "" {
				if _, dup := seenIncome[rec.ID]; dup {
					continue
				}
				seenIncome[rec.ID] = struct{}{}
			}
			income = append(income, rec)
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
		closed, err := s.history.PositionHistory(ctx, symbol, chunk.Start, chunk.End)
		if err != nil {
			return nil, nil, fmt.Errorf("position history %s: %w", symbol, err)
		}
		for _, rec := range closed {
			if rec.ID != "" {
				if _, dup := seenPositions[rec.ID]; dup {
					continue
				}
				seenPositions[rec.ID] = struct{}{}
			}
			positions = append(positions, rec)
		}
	}
	return income, positions, nil
}

type auditPayload struct {
	Income   []exchange.IncomeRecord  `json:"income,omitempty"`
	Position *exchange.PositionRecord `json:"position,omitempty"`
}

func (s *Service) auditRecord(t trade.Trade, exch string, evd evidence) (tradestore.IncomeAudit, error) {
	raw, err := json.Marshal(auditPayload{Income: evd.summary.Records, Position: evd.position})
	if err != nil {
		return tradestore.IncomeAudit{}, err
	}
	source := trade.SourceIncomeHistory
	if evd.summary.Empty() {
		source = trade.SourcePositionHistory
	}
	return tradestore.IncomeAudit{
		ID:          uuid.NewString(),
		TradeID:     t.ID,
		Exchange:    exch,
		Source:      source,
		WindowStart: evd.window.Start.UTC(),
		WindowEnd:   evd.window.End.UTC(),
		Records:     raw,
		CreatedAt:   s.now().UTC(),
	}, nil
}

// apply writes history evidence through the overwrite policy, position records first so income
// history, the higher ranked source, settles PnL.
func (s *Service) apply(current trade.Trade, evd evidence) change {
	next := current.Clone()
	c := change{}
	observe := func(field *trade.Tracked, v decimal.Decimal, source trade.Source) {
		updated, decision := s.policy.Apply(*field, trade.Observe(v, source))
		if decision.Changed() {
			*field = updated
			c.changed = true
		}
	}

	sum := evd.summary
	if pos := evd.position; pos != nil {
		if pos.EntryPrice.IsPositive() {
			observe(&next.EntryPrice, pos.EntryPrice, trade.SourcePositionHistory)
		}
		if pos.ExitPrice.IsPositive() {
			observe(&next.ExitPrice, pos.ExitPrice, trade.SourcePositionHistory)
		}
		if size := pos.Size.Abs(); size.IsPositive() {
			observe(&next.PositionSize, size, trade.SourcePositionHistory)
		}
		if sum.RealizedCount == 0 {
			observe(&next.PnLUSD, pos.RealizedPnL, trade.SourcePositionHistory)
		}
		if sum.CommissionCount == 0 && !pos.Commission.IsZero() {
			observe(&next.Commission, pos.Commission, trade.SourcePositionHistory)
		}
		if sum.Empty() {
			observe(&next.NetPnL, pos.RealizedPnL.Add(pos.Commission), trade.SourcePositionHistory)
		}
		if next.SupplyClosedAt(pos.ClosedAt) {
			c.changed = true
		}
	}
	if sum.RealizedCount > 0 {
		observe(&next.PnLUSD, sum.Realized, trade.SourceIncomeHistory)
	}
	if sum.CommissionCount > 0 {
		observe(&next.Commission, sum.Commission, trade.SourceIncomeHistory)
	}
	if !sum.Empty() {
		observe(&next.FundingFee, sum.Funding, trade.SourceIncomeHistory)
		observe(&next.NetPnL, sum.Net(), trade.SourceIncomeHistory)
		if next.SupplyClosedAt(sum.Last) {
			c.changed = true
		}
	}

	switch {
	case evd.empty() && next.NeverFilled():
	case evd.empty():
		c.flag(next, trade.IssueNoHistoryMatch)
	default:
		realized, commission, hasRealized := sum.Realized, sum.Commission, sum.RealizedCount > 0
		if pos := evd.position; pos != nil {
			if !hasRealized {
				realized, hasRealized = pos.RealizedPnL, true
			}
			if sum.CommissionCount == 0 {
				commission = pos.Commission
			}
		}
		for _, tag := range s.checks.Evaluate(*next, realized, commission, hasRealized) {
			c.flag(next, tag)
		}
	}

	if c.changed {
		c.audit = evd.audit
	}
	c.next = *next
	return c
}

// commit applies mutate to the locked row and appends the audit record in the same
// transaction. Version conflicts re-run mutate.
func (s *Service) commit(ctx context.Context, tradeID string, mutate func(trade.Trade) change) (change, bool, error) {
	type result struct {
		c       change
		missing bool
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         200 * time.Millisecond,
	}
	b.Reset()
	out, err := backoff.Retry(ctx, func() (result, error) {
		var res result
		err := s.store.WithTransaction(ctx, func(ctx context.Context, tx tradestore.Tx) error {
			current, ok, err := tx.GetTradeForUpdate(ctx, tradeID)
			if err != nil {
				return err
			}
			if !ok {
				res.missing = true
				return nil
			}
			res.c = mutate(current)
			if !res.c.changed {
				return nil
			}
			res.c.next.UpdatedAt = s.now().UTC()
			updated, err := tx.UpdateTrade(ctx, res.c.next)
			if err != nil {
				return err
			}
			res.c.next = updated
			if res.c.audit != nil {
				if err := tx.AppendIncomeAudit(ctx, *res.c.audit); err != nil {
					return fmt.Errorf("append income audit: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			if errs.CodeOf(err) == errs.CodeConflict {
				return res, err
			}
			return res, backoff.Permanent(err)
		}
		return res, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.retries))
	return out.c, out.missing, err
}
