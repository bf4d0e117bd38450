package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/domain/status"
	"github.com/coachpo/tradesync/internal/domain/trade"
	"github.com/coachpo/tradesync/internal/domain/tradestore"
)

// TradeStore persists trades and their reconciliation audit in PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

var _ tradestore.Store = (*TradeStore)(nil)

// NewTradeStore constructs a TradeStore backed by the provided pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const (
	tradeColumns = `
    id,
    exchange,
    symbol,
    COALESCE(exchange_order_id, ''),
    COALESCE(client_ref, ''),
    position_type,
    order_type,
    entry_price::text, entry_price_source, entry_price_verified,
    exit_price::text, exit_price_source, exit_price_verified,
    position_size::text, position_size_source, position_size_verified,
    pnl_usd::text, pnl_usd_source, pnl_usd_verified,
    net_pnl::text, net_pnl_source, net_pnl_verified,
    commission::text, commission_source, commission_verified,
    funding_fee::text, funding_fee_source, funding_fee_verified,
    order_status,
    position_status,
    created_at,
    closed_at,
    updated_at,
    sync_issues,
    manual_verification_needed,
    sync_error_count,
    COALESCE(stop_loss_order_id, ''),
    stop_loss_price::text,
    raw_response,
    unrealized_pnl::text,
    exit_fills::text,
    version`

	tradeInsertSQL = `
INSERT INTO trades (
    id, exchange, symbol, exchange_order_id, client_ref, position_type, order_type,
    entry_price, entry_price_source, entry_price_verified,
    exit_price, exit_price_source, exit_price_verified,
    position_size, position_size_source, position_size_verified,
    pnl_usd, pnl_usd_source, pnl_usd_verified,
    net_pnl, net_pnl_source, net_pnl_verified,
    commission, commission_source, commission_verified,
    funding_fee, funding_fee_source, funding_fee_verified,
    order_status, position_status, created_at, closed_at, updated_at,
    sync_issues, manual_verification_needed, sync_error_count,
    stop_loss_order_id, stop_loss_price, raw_response, unrealized_pnl, exit_fills, version
)
VALUES (
    @id, @exchange, @symbol, @exchange_order_id, @client_ref, @position_type, @order_type,
    @entry_price::numeric, @entry_price_source, @entry_price_verified,
    @exit_price::numeric, @exit_price_source, @exit_price_verified,
    @position_size::numeric, @position_size_source, @position_size_verified,
    @pnl_usd::numeric, @pnl_usd_source, @pnl_usd_verified,
    @net_pnl::numeric, @net_pnl_source, @net_pnl_verified,
    @commission::numeric, @commission_source, @commission_verified,
    @funding_fee::numeric, @funding_fee_source, @funding_fee_verified,
    @order_status, @position_status, @created_at, @closed_at, @updated_at,
    @sync_issues, @manual_verification_needed, @sync_error_count,
    @stop_loss_order_id, @stop_loss_price::numeric, @raw_response, @unrealized_pnl::numeric, @exit_fills::jsonb, 1
)
RETURNING ` + tradeColumns

	tradeUpdateSQL = `
UPDATE trades
SET symbol = @symbol,
    exchange_order_id = @exchange_order_id,
    client_ref = @client_ref,
    position_type = @position_type,
    order_type = @order_type,
    entry_price = @entry_price::numeric, entry_price_source = @entry_price_source, entry_price_verified = @entry_price_verified,
    exit_price = @exit_price::numeric, exit_price_source = @exit_price_source, exit_price_verified = @exit_price_verified,
    position_size = @position_size::numeric, position_size_source = @position_size_source, position_size_verified = @position_size_verified,
    pnl_usd = @pnl_usd::numeric, pnl_usd_source = @pnl_usd_source, pnl_usd_verified = @pnl_usd_verified,
    net_pnl = @net_pnl::numeric, net_pnl_source = @net_pnl_source, net_pnl_verified = @net_pnl_verified,
    commission = @commission::numeric, commission_source = @commission_source, commission_verified = @commission_verified,
    funding_fee = @funding_fee::numeric, funding_fee_source = @funding_fee_source, funding_fee_verified = @funding_fee_verified,
    order_status = @order_status,
    position_status = @position_status,
    closed_at = @closed_at,
    updated_at = @updated_at,
    sync_issues = @sync_issues,
    manual_verification_needed = @manual_verification_needed,
    sync_error_count = @sync_error_count,
    stop_loss_order_id = @stop_loss_order_id,
    stop_loss_price = @stop_loss_price::numeric,
    raw_response = @raw_response,
    unrealized_pnl = @unrealized_pnl::numeric,
    exit_fills = @exit_fills::jsonb,
    version = version + 1
WHERE id = @id AND version = @version
RETURNING ` + tradeColumns

	unrealizedUpdateSQL = `
UPDATE trades
SET unrealized_pnl = @pnl::numeric
WHERE lower(exchange) = lower(@exchange)
  AND upper(symbol) = upper(@symbol)
  AND position_status NOT IN ('CLOSED', 'CANCELLED', 'FAILED');
`

	linkOrderSQL = `
UPDATE trades
SET exchange_order_id = @order_id,
    version = version + 1
WHERE id = @id AND COALESCE(exchange_order_id, '') = '';
`

	auditInsertSQL = `
INSERT INTO trades_income_audit (id, trade_id, exchange, source, window_start, window_end, records, created_at)
VALUES (@id, @trade_id, @exchange, @source, @window_start, @window_end, @records::jsonb, @created_at);
`

	auditSelectSQL = `
SELECT id, trade_id, exchange, source, window_start, window_end, records, created_at
FROM trades_income_audit
WHERE trade_id = $1
ORDER BY created_at, id;
`

	// neverFilledFilter matches cancelled or failed trades without an exchange-confirmed size.
	neverFilledFilter = `position_status IN ('CANCELLED', 'FAILED') AND (position_size IS NULL
    OR position_size = 0
    OR position_size_source NOT IN ('websocket', 'order_response', 'position_history', 'income_history', 'manual'))`

	unsettledFilter = `net_pnl IS NULL
    OR NOT (pnl_usd_verified AND entry_price_verified AND exit_price_verified)
    OR pnl_usd_source NOT IN ('position_history', 'income_history', 'manual')`

	rawSearchLimit       = 50
	defaultBackfillLimit = 200
	maxBackfillLimit     = 5000
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type tradeTx struct {
	tx    pgx.Tx
	store *TradeStore
}

func (s *TradeStore) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("trade store: nil pool")
	}
	return s.pool, nil
}

// WithTransaction executes fn within a read-committed transaction.
func (s *TradeStore) WithTransaction(ctx context.Context, fn func(context.Context, tradestore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("trade store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return fmt.Errorf("trade store: begin tx: %w", err)
	}
	runErr := fn(ctx, &tradeTx{tx: tx, store: s})
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("trade store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("trade store: commit tx: %w", err)
	}
	return nil
}

func (s *TradeStore) getWith(ctx context.Context, q querier, id string, lock bool) (trade.Trade, bool, error) {
	query := "SELECT " + tradeColumns + " FROM trades WHERE id = $1"
	if lock {
		query += " FOR UPDATE"
	}
	t, err := scanTrade(q.QueryRow(ctx, query, strings.TrimSpace(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return trade.Trade{}, false, nil
	}
	if err != nil {
		return trade.Trade{}, false, fmt.Errorf("trade store: get trade: %w", err)
	}
	return t, true, nil
}

func (s *TradeStore) updateWith(ctx context.Context, q querier, t trade.Trade) (trade.Trade, error) {
	args, err := tradeArgs(t)
	if err != nil {
		return trade.Trade{}, err
	}
	args["version"] = t.Version
	updated, err := scanTrade(q.QueryRow(ctx, tradeUpdateSQL, args))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return trade.Trade{}, fmt.Errorf("trade store: update trade: %w", err)
	}
	var exists bool
	if err := q.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM trades WHERE id = $1)", t.ID).Scan(&exists); err != nil {
		return trade.Trade{}, fmt.Errorf("trade store: check trade: %w", err)
	}
	if !exists {
		return trade.Trade{}, errs.New("tradestore", errs.CodeNotFound,
			errs.WithMessage("trade not found"), errs.WithField("trade_id", t.ID))
	}
	return trade.Trade{}, errs.New("tradestore", errs.CodeConflict,
		errs.WithMessage("stale trade version"), errs.WithField("trade_id", t.ID))
}

func (s *TradeStore) updateUnrealizedWith(ctx context.Context, q querier, exchange, symbol string, pnl decimal.Decimal) (int64, error) {
	tag, err := q.Exec(ctx, unrealizedUpdateSQL, pgx.NamedArgs{
		"exchange": strings.TrimSpace(exchange),
		"symbol":   strings.TrimSpace(symbol),
		"pnl":      numericArg(decimal.NewNullDecimal(pnl)),
	})
	if err != nil {
		return 0, fmt.Errorf("trade store: update unrealized pnl: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *TradeStore) appendAuditWith(ctx context.Context, q querier, audit tradestore.IncomeAudit) error {
	records := []byte(audit.Records)
	if len(records) == 0 {
		records = []byte("[]")
	}
	created := audit.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	args := pgx.NamedArgs{
		"id":           audit.ID,
		"trade_id":     audit.TradeID,
		"exchange":     audit.Exchange,
		"source":       string(audit.Source),
		"window_start": audit.WindowStart,
		"window_end":   audit.WindowEnd,
		"records":      string(records),
		"created_at":   created,
	}
	if _, err := q.Exec(ctx, auditInsertSQL, args); err != nil {
		return fmt.Errorf("trade store: append income audit: %w", err)
	}
	return nil
}

// GetTradeForUpdate loads a trade without a row lock when called outside a transaction.
func (s *TradeStore) GetTradeForUpdate(ctx context.Context, id string) (trade.Trade, bool, error) {
	return s.GetTrade(ctx, id)
}

// UpdateTrade performs an optimistic update in its own implicit transaction.
func (s *TradeStore) UpdateTrade(ctx context.Context, t trade.Trade) (trade.Trade, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return trade.Trade{}, err
	}
	return s.updateWith(ctx, pool, t)
}

// UpdateUnrealized refreshes unrealized PnL on open trades for symbol.
func (s *TradeStore) UpdateUnrealized(ctx context.Context, exchange, symbol string, pnl decimal.Decimal, _ time.Time) (int64, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return 0, err
	}
	return s.updateUnrealizedWith(ctx, pool, exchange, symbol, pnl)
}

// AppendIncomeAudit stores one audit record.
func (s *TradeStore) AppendIncomeAudit(ctx context.Context, audit tradestore.IncomeAudit) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.appendAuditWith(ctx, pool, audit)
}

// InsertTrade creates a trade at version 1.
func (s *TradeStore) InsertTrade(ctx context.Context, t trade.Trade) (trade.Trade, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return trade.Trade{}, err
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	args, err := tradeArgs(t)
	if err != nil {
		return trade.Trade{}, err
	}
	stored, err := scanTrade(pool.QueryRow(ctx, tradeInsertSQL, args))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return trade.Trade{}, errs.New("tradestore", errs.CodeConflict,
				errs.WithMessage("trade exists"), errs.WithField("trade_id", t.ID), errs.WithCause(err))
		}
		return trade.Trade{}, fmt.Errorf("trade store: insert trade: %w", err)
	}
	return stored, nil
}

// GetTrade loads a trade by id.
func (s *TradeStore) GetTrade(ctx context.Context, id string) (trade.Trade, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return trade.Trade{}, false, err
	}
	return s.getWith(ctx, pool, id, false)
}

// FindByOrderID matches the main order id or the stop-loss reference.
func (s *TradeStore) FindByOrderID(ctx context.Context, exchange, orderID string) (trade.Trade, bool, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return trade.Trade{}, false, nil
	}
	pool, err := s.ensurePool()
	if err != nil {
		return trade.Trade{}, false, err
	}
	query := "SELECT " + tradeColumns + ` FROM trades
WHERE lower(exchange) = lower($1) AND (exchange_order_id = $2 OR stop_loss_order_id = $2)
ORDER BY created_at, id LIMIT 1`
	t, err := scanTrade(pool.QueryRow(ctx, query, exchange, orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return trade.Trade{}, false, nil
	}
	if err != nil {
		return trade.Trade{}, false, fmt.Errorf("trade store: find by order id: %w", err)
	}
	return t, true, nil
}

// SearchRawResponse narrows candidates with LIKE and confirms a whole-token match.
func (s *TradeStore) SearchRawResponse(ctx context.Context, exchange, orderID string, since time.Time) (trade.Trade, bool, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return trade.Trade{}, false, nil
	}
	pool, err := s.ensurePool()
	if err != nil {
		return trade.Trade{}, false, err
	}
	query := "SELECT " + tradeColumns + ` FROM trades
WHERE lower(exchange) = lower($1) AND created_at >= $2 AND raw_response LIKE '%' || $3 || '%'
ORDER BY created_at DESC, id DESC LIMIT $4`
	rows, err := pool.Query(ctx, query, exchange, since, orderID, rawSearchLimit)
	if err != nil {
		return trade.Trade{}, false, fmt.Errorf("trade store: search raw response: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return trade.Trade{}, false, fmt.Errorf("trade store: scan trade: %w", err)
		}
		if tradestore.MentionsOrderID(t.RawResponse, orderID) {
			return t, true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return trade.Trade{}, false, fmt.Errorf("trade store: iterate trades: %w", err)
	}
	return trade.Trade{}, false, nil
}

// LinkOrderID sets exchange_order_id on a trade that has none.
func (s *TradeStore) LinkOrderID(ctx context.Context, tradeID, orderID string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, linkOrderSQL, pgx.NamedArgs{"id": tradeID, "order_id": orderID})
	if err != nil {
		return fmt.Errorf("trade store: link order id: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM trades WHERE id = $1)", tradeID).Scan(&exists); err != nil {
		return fmt.Errorf("trade store: check trade: %w", err)
	}
	if !exists {
		return errs.New("tradestore", errs.CodeNotFound,
			errs.WithMessage("trade not found"), errs.WithField("trade_id", tradeID))
	}
	return nil
}

// ListBackfillCandidates returns terminal trades whose PnL, prices or fees are not yet settled
// from history, or the requested ids. Trades that never filled are skipped.
func (s *TradeStore) ListBackfillCandidates(ctx context.Context, query tradestore.BackfillQuery) ([]trade.Trade, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultBackfillLimit, maxBackfillLimit)

	builder := strings.Builder{}
	builder.WriteString("SELECT " + tradeColumns + " FROM trades WHERE 1=1")
	args := make([]any, 0, 5)
	argPos := 1

	if trimmed := strings.TrimSpace(query.Exchange); trimmed != "" {
		fmt.Fprintf(&builder, " AND lower(exchange) = lower($%d)", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if ids := normalizedIDs(query.TradeIDs); len(ids) > 0 {
		fmt.Fprintf(&builder, " AND id = ANY($%d)", argPos)
		args = append(args, ids)
		argPos++
	} else {
		builder.WriteString(" AND position_status IN ('CLOSED', 'CANCELLED', 'FAILED')")
		builder.WriteString(" AND NOT (" + neverFilledFilter + ")")
		builder.WriteString(" AND (" + unsettledFilter + ")")
		if !query.Since.IsZero() {
			fmt.Fprintf(&builder, " AND created_at >= $%d", argPos)
			args = append(args, query.Since)
			argPos++
		}
		if !query.Until.IsZero() {
			fmt.Fprintf(&builder, " AND created_at < $%d", argPos)
			args = append(args, query.Until)
			argPos++
		}
	}
	fmt.Fprintf(&builder, " ORDER BY created_at, id LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("trade store: list backfill candidates: %w", err)
	}
	defer rows.Close()

	var out []trade.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("trade store: scan trade: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: iterate trades: %w", err)
	}
	return out, nil
}

// ListIncomeAudit returns the audit trail of one trade, oldest first.
func (s *TradeStore) ListIncomeAudit(ctx context.Context, tradeID string) ([]tradestore.IncomeAudit, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, auditSelectSQL, tradeID)
	if err != nil {
		return nil, fmt.Errorf("trade store: list income audit: %w", err)
	}
	defer rows.Close()

	var out []tradestore.IncomeAudit
	for rows.Next() {
		var (
			audit   tradestore.IncomeAudit
			source  string
			records []byte
		)
		if err := rows.Scan(&audit.ID, &audit.TradeID, &audit.Exchange, &source,
			&audit.WindowStart, &audit.WindowEnd, &records, &audit.CreatedAt); err != nil {
			return nil, fmt.Errorf("trade store: scan income audit: %w", err)
		}
		audit.Source = trade.ParseSource(source)
		audit.Records = records
		out = append(out, audit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trade store: iterate income audit: %w", err)
	}
	return out, nil
}

// Close releases the pool.
func (s *TradeStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (t *tradeTx) GetTradeForUpdate(ctx context.Context, id string) (trade.Trade, bool, error) {
	return t.store.getWith(ctx, t.tx, id, true)
}

func (t *tradeTx) UpdateTrade(ctx context.Context, tr trade.Trade) (trade.Trade, error) {
	return t.store.updateWith(ctx, t.tx, tr)
}

func (t *tradeTx) UpdateUnrealized(ctx context.Context, exchange, symbol string, pnl decimal.Decimal, _ time.Time) (int64, error) {
	return t.store.updateUnrealizedWith(ctx, t.tx, exchange, symbol, pnl)
}

func (t *tradeTx) AppendIncomeAudit(ctx context.Context, audit tradestore.IncomeAudit) error {
	return t.store.appendAuditWith(ctx, t.tx, audit)
}

func tradeArgs(t trade.Trade) (pgx.NamedArgs, error) {
	issues := t.SyncIssues
	if issues == nil {
		issues = []string{}
	}
	exits := t.Exits
	if exits == nil {
		exits = []trade.ExitFill{}
	}
	encodedExits, err := json.Marshal(exits)
	if err != nil {
		return nil, fmt.Errorf("trade store: encode exit fills: %w", err)
	}
	args := pgx.NamedArgs{
		"id":                         t.ID,
		"exchange":                   strings.TrimSpace(t.Exchange),
		"symbol":                     strings.TrimSpace(t.Symbol),
		"exchange_order_id":          nullableString(t.ExchangeOrderID),
		"client_ref":                 nullableString(t.ClientRef),
		"position_type":              string(t.PositionType),
		"order_type":                 t.OrderType,
		"order_status":               string(t.OrderStatus),
		"position_status":            string(t.PositionStatus),
		"created_at":                 t.CreatedAt.UTC(),
		"closed_at":                  nullableTime(t.ClosedAt),
		"updated_at":                 t.UpdatedAt.UTC(),
		"sync_issues":                issues,
		"manual_verification_needed": t.ManualVerificationNeeded,
		"sync_error_count":           t.SyncErrorCount,
		"stop_loss_order_id":         nullableString(t.StopLossOrderID),
		"stop_loss_price":            numericArg(t.StopLossPrice),
		"raw_response":               t.RawResponse,
		"unrealized_pnl":             numericArg(t.UnrealizedPnL),
		"exit_fills":                 string(encodedExits),
	}
	for name, field := range trackedFields(&t) {
		args[name] = numericArg(field.Value)
		args[name+"_source"] = string(field.Source)
		args[name+"_verified"] = field.Verified
	}
	return args, nil
}

// trackedFields maps column prefixes to the trust-tracked fields of t.
func trackedFields(t *trade.Trade) map[string]*trade.Tracked {
	return map[string]*trade.Tracked{
		"entry_price":   &t.EntryPrice,
		"exit_price":    &t.ExitPrice,
		"position_size": &t.PositionSize,
		"pnl_usd":       &t.PnLUSD,
		"net_pnl":       &t.NetPnL,
		"commission":    &t.Commission,
		"funding_fee":   &t.FundingFee,
	}
}

type trackedScan struct {
	value    pgtype.Text
	source   string
	verified bool
}

func (s *trackedScan) into(field *trade.Tracked) error {
	value, err := decimalFromText(s.value)
	if err != nil {
		return err
	}
	*field = trade.Tracked{Value: value, Source: trade.ParseSource(s.source), Verified: s.verified}
	return nil
}

func scanTrade(row pgx.Row) (trade.Trade, error) {
	var (
		t                                       trade.Trade
		positionType, orderStatus, positionStat string
		closedAt                                pgtype.Timestamptz
		stopPrice, unrealized                   pgtype.Text
		exits                                   string
		tracked                                 [7]trackedScan
	)
	dest := []any{&t.ID, &t.Exchange, &t.Symbol, &t.ExchangeOrderID, &t.ClientRef, &positionType, &t.OrderType}
	for i := range tracked {
		dest = append(dest, &tracked[i].value, &tracked[i].source, &tracked[i].verified)
	}
	dest = append(dest,
		&orderStatus, &positionStat, &t.CreatedAt, &closedAt, &t.UpdatedAt,
		&t.SyncIssues, &t.ManualVerificationNeeded, &t.SyncErrorCount,
		&t.StopLossOrderID, &stopPrice, &t.RawResponse, &unrealized, &exits, &t.Version)
	if err := row.Scan(dest...); err != nil {
		return trade.Trade{}, err
	}

	fields := []*trade.Tracked{&t.EntryPrice, &t.ExitPrice, &t.PositionSize, &t.PnLUSD, &t.NetPnL, &t.Commission, &t.FundingFee}
	for i, field := range fields {
		if err := tracked[i].into(field); err != nil {
			return trade.Trade{}, err
		}
	}
	var err error
	if t.StopLossPrice, err = decimalFromText(stopPrice); err != nil {
		return trade.Trade{}, err
	}
	if t.UnrealizedPnL, err = decimalFromText(unrealized); err != nil {
		return trade.Trade{}, err
	}
	t.PositionType = trade.ParsePositionType(positionType)
	t.OrderStatus = status.OrderStatus(orderStatus)
	t.PositionStatus = status.PositionStatus(positionStat)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if closedAt.Valid {
		closed := closedAt.Time.UTC()
		t.ClosedAt = &closed
	}
	if len(t.SyncIssues) == 0 {
		t.SyncIssues = nil
	}
	if err := json.Unmarshal([]byte(exits), &t.Exits); err != nil {
		return trade.Trade{}, fmt.Errorf("decode exit fills: %w", err)
	}
	if len(t.Exits) == 0 {
		t.Exits = nil
	}
	return t, nil
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func nullableTime(ptr *time.Time) any {
	if ptr == nil {
		return nil
	}
	return ptr.UTC()
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

func normalizedIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
