// Package sqlite provides a single-file tradestore.Store for local runs and small deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/domain/status"
	"github.com/coachpo/tradesync/internal/domain/trade"
	"github.com/coachpo/tradesync/internal/domain/tradestore"
	"github.com/coachpo/tradesync/internal/observability"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
    id                         TEXT PRIMARY KEY,
    exchange                   TEXT NOT NULL,
    symbol                     TEXT NOT NULL DEFAULT '',
    exchange_order_id          TEXT NOT NULL DEFAULT '',
    client_ref                 TEXT NOT NULL DEFAULT '',
    position_type              TEXT NOT NULL,
    order_type                 TEXT NOT NULL DEFAULT '',
    entry_price TEXT, entry_price_source TEXT NOT NULL DEFAULT '', entry_price_verified INTEGER NOT NULL DEFAULT 0,
    exit_price TEXT, exit_price_source TEXT NOT NULL DEFAULT '', exit_price_verified INTEGER NOT NULL DEFAULT 0,
    position_size TEXT, position_size_source TEXT NOT NULL DEFAULT '', position_size_verified INTEGER NOT NULL DEFAULT 0,
    pnl_usd TEXT, pnl_usd_source TEXT NOT NULL DEFAULT '', pnl_usd_verified INTEGER NOT NULL DEFAULT 0,
    net_pnl TEXT, net_pnl_source TEXT NOT NULL DEFAULT '', net_pnl_verified INTEGER NOT NULL DEFAULT 0,
    commission TEXT, commission_source TEXT NOT NULL DEFAULT '', commission_verified INTEGER NOT NULL DEFAULT 0,
    funding_fee TEXT, funding_fee_source TEXT NOT NULL DEFAULT '', funding_fee_verified INTEGER NOT NULL DEFAULT 0,
    order_status               TEXT NOT NULL,
    position_status            TEXT NOT NULL,
    created_at                 INTEGER NOT NULL,
    closed_at                  INTEGER,
    updated_at                 INTEGER NOT NULL,
    sync_issues                TEXT NOT NULL DEFAULT '[]',
    manual_verification_needed INTEGER NOT NULL DEFAULT 0,
    sync_error_count           INTEGER NOT NULL DEFAULT 0,
    stop_loss_order_id         TEXT NOT NULL DEFAULT '',
    stop_loss_price            TEXT,
    raw_response               TEXT NOT NULL DEFAULT '',
    unrealized_pnl             TEXT,
    exit_fills                 TEXT NOT NULL DEFAULT '[]',
    version                    INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS trades_exchange_order_idx ON trades (exchange, exchange_order_id);
CREATE INDEX IF NOT EXISTS trades_exchange_stop_idx ON trades (exchange, stop_loss_order_id);
CREATE INDEX IF NOT EXISTS trades_created_at_idx ON trades (created_at);

CREATE TABLE IF NOT EXISTS trades_income_audit (
    id           TEXT PRIMARY KEY,
    trade_id     TEXT NOT NULL REFERENCES trades (id) ON DELETE CASCADE,
    exchange     TEXT NOT NULL,
    source       TEXT NOT NULL,
    window_start INTEGER NOT NULL,
    window_end   INTEGER NOT NULL,
    records      TEXT NOT NULL DEFAULT '[]',
    created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_income_audit_trade_idx ON trades_income_audit (trade_id, created_at);
`

const (
	tradeColumns = `id, exchange, symbol, exchange_order_id, client_ref, position_type, order_type,
    entry_price, entry_price_source, entry_price_verified,
    exit_price, exit_price_source, exit_price_verified,
    position_size, position_size_source, position_size_verified,
    pnl_usd, pnl_usd_source, pnl_usd_verified,
    net_pnl, net_pnl_source, net_pnl_verified,
    commission, commission_source, commission_verified,
    funding_fee, funding_fee_source, funding_fee_verified,
    order_status, position_status, created_at, closed_at, updated_at,
    sync_issues, manual_verification_needed, sync_error_count,
    stop_loss_order_id, stop_loss_price, raw_response, unrealized_pnl, exit_fills, version`

	openStatusFilter = "position_status NOT IN ('CLOSED', 'CANCELLED', 'FAILED')"

	// neverFilledFilter matches cancelled or failed trades without an exchange-confirmed size.
	neverFilledFilter = `position_status IN ('CANCELLED', 'FAILED') AND (position_size IS NULL
    OR CAST(position_size AS REAL) = 0
    OR position_size_source NOT IN ('websocket', 'order_response', 'position_history', 'income_history', 'manual'))`

	unsettledFilter = `net_pnl IS NULL
    OR NOT (pnl_usd_verified AND entry_price_verified AND exit_price_verified)
    OR pnl_usd_source NOT IN ('position_history', 'income_history', 'manual')`

	defaultBackfillLimit = 200
	maxBackfillLimit     = 5000
)

// Config holds configuration for the SQLite store.
type Config struct {
	// Path is the database file; ":memory:" keeps everything in process.
	Path   string
	Logger observability.Logger
}

// Store implements tradestore.Store on SQLite. It holds a single connection so writes are
// serialised by the driver.
type Store struct {
	db     *sql.DB
	logger observability.Logger
}

var _ tradestore.Store = (*Store)(nil)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates the database file if needed and ensures the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := observability.OrDefault(cfg.Logger)
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./data/tradesync.db"
	}
	var dsn string
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create data directory %q: %w", filepath.Dir(path), err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	} else {
		dsn = ":memory:?_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: ping %q: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite store: initialise schema: %w", err)
	}
	if err := addMissingColumns(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("sqlite trade store ready", observability.F("path", path))
	return &Store{db: db, logger: logger}, nil
}

// addedColumns lists columns introduced after the first schema, with their definitions.
var addedColumns = []struct{ name, definition string }{
	{"exit_fills", "TEXT NOT NULL DEFAULT '[]'"},
}

// addMissingColumns upgrades database files created before a column existed.
func addMissingColumns(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "SELECT name FROM pragma_table_info('trades')")
	if err != nil {
		return fmt.Errorf("sqlite store: inspect schema: %w", err)
	}
	present := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return fmt.Errorf("sqlite store: inspect schema: %w", err)
		}
		present[name] = struct{}{}
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("sqlite store: inspect schema: %w", err)
	}
	for _, col := range addedColumns {
		if _, ok := present[col.name]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, "ALTER TABLE trades ADD COLUMN "+col.name+" "+col.definition); err != nil {
			return fmt.Errorf("sqlite store: add column %s: %w", col.name, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTransaction runs fn in a transaction and commits when it returns nil.
func (s *Store) WithTransaction(ctx context.Context, fn func(context.Context, tradestore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("sqlite store: transaction callback required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite store: begin tx: %w", err)
	}
	if runErr := fn(ctx, &storeTx{q: tx}); runErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("sqlite store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite store: commit tx: %w", err)
	}
	return nil
}

type storeTx struct {
	q querier
}

func (t *storeTx) GetTradeForUpdate(ctx context.Context, id string) (trade.Trade, bool, error) {
	return getTrade(ctx, t.q, id)
}

func (t *storeTx) UpdateTrade(ctx context.Context, tr trade.Trade) (trade.Trade, error) {
	return updateTrade(ctx, t.q, tr)
}

func (t *storeTx) UpdateUnrealized(ctx context.Context, exchange, symbol string, pnl decimal.Decimal, _ time.Time) (int64, error) {
	return updateUnrealized(ctx, t.q, exchange, symbol, pnl)
}

func (t *storeTx) AppendIncomeAudit(ctx context.Context, audit tradestore.IncomeAudit) error {
	return appendAudit(ctx, t.q, audit)
}

// GetTradeForUpdate implements tradestore.Tx outside a transaction.
func (s *Store) GetTradeForUpdate(ctx context.Context, id string) (trade.Trade, bool, error) {
	return getTrade(ctx, s.db, id)
}

// UpdateTrade implements tradestore.Tx outside a transaction.
func (s *Store) UpdateTrade(ctx context.Context, t trade.Trade) (trade.Trade, error) {
	return updateTrade(ctx, s.db, t)
}

// UpdateUnrealized implements tradestore.Tx outside a transaction.
func (s *Store) UpdateUnrealized(ctx context.Context, exchange, symbol string, pnl decimal.Decimal, _ time.Time) (int64, error) {
	return updateUnrealized(ctx, s.db, exchange, symbol, pnl)
}

// AppendIncomeAudit implements tradestore.Tx outside a transaction.
func (s *Store) AppendIncomeAudit(ctx context.Context, audit tradestore.IncomeAudit) error {
	return appendAudit(ctx, s.db, audit)
}

// InsertTrade stores t with version 1.
func (s *Store) InsertTrade(ctx context.Context, t trade.Trade) (trade.Trade, error) {
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	t.Version = 1
	args, err := tradeArgs(t)
	if err != nil {
		return trade.Trade{}, err
	}
	args = append(args, t.Version)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	_, err = s.db.ExecContext(ctx, "INSERT INTO trades ("+tradeColumns+") VALUES ("+placeholders+")", args...)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return trade.Trade{}, errs.New("tradestore", errs.CodeConflict,
				errs.WithMessage("trade exists"), errs.WithField("trade_id", t.ID), errs.WithCause(err))
		}
		return trade.Trade{}, fmt.Errorf("sqlite store: insert trade: %w", err)
	}
	stored, _, err := getTrade(ctx, s.db, t.ID)
	return stored, err
}

// GetTrade loads a trade by id.
func (s *Store) GetTrade(ctx context.Context, id string) (trade.Trade, bool, error) {
	return getTrade(ctx, s.db, id)
}

// FindByOrderID matches the main order id or the stop-loss reference.
func (s *Store) FindByOrderID(ctx context.Context, exchange, orderID string) (trade.Trade, bool, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return trade.Trade{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, "SELECT "+tradeColumns+` FROM trades
WHERE lower(exchange) = lower(?) AND (exchange_order_id = ? OR stop_loss_order_id = ?)
ORDER BY created_at, id LIMIT 1`, exchange, orderID, orderID)
	return oneTrade(row, "find by order id")
}

// SearchRawResponse returns the newest trade since the cutoff whose raw response mentions
// orderID as a whole token.
func (s *Store) SearchRawResponse(ctx context.Context, exchange, orderID string, since time.Time) (trade.Trade, bool, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return trade.Trade{}, false, nil
	}
	rows, err := s.db.QueryContext(ctx, "SELECT "+tradeColumns+` FROM trades
WHERE lower(exchange) = lower(?) AND created_at >= ? AND instr(raw_response, ?) > 0
ORDER BY created_at DESC, id DESC`, exchange, since.UnixNano(), orderID)
	if err != nil {
		return trade.Trade{}, false, fmt.Errorf("sqlite store: search raw response: %w", err)
	}
	trades, err := collect(rows)
	if err != nil {
		return trade.Trade{}, false, err
	}
	for _, t := range trades {
		if tradestore.MentionsOrderID(t.RawResponse, orderID) {
			return t, true, nil
		}
	}
	return trade.Trade{}, false, nil
}

// LinkOrderID sets exchange_order_id on a trade that has none.
func (s *Store) LinkOrderID(ctx context.Context, tradeID, orderID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE trades SET exchange_order_id = ?, version = version + 1
WHERE id = ? AND exchange_order_id = ''`, strings.TrimSpace(orderID), tradeID)
	if err != nil {
		return fmt.Errorf("sqlite store: link order id: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, ok, err := getTrade(ctx, s.db, tradeID); err != nil {
		return err
	} else if !ok {
		return notFound(tradeID)
	}
	return nil
}

// ListBackfillCandidates returns terminal trades whose PnL, prices or fees are not yet settled
// from history, or the requested ids. Trades that never filled are skipped.
func (s *Store) ListBackfillCandidates(ctx context.Context, query tradestore.BackfillQuery) ([]trade.Trade, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultBackfillLimit
	}
	if limit > maxBackfillLimit {
		limit = maxBackfillLimit
	}

	builder := strings.Builder{}
	builder.WriteString("SELECT " + tradeColumns + " FROM trades WHERE 1=1")
	var args []any
	if trimmed := strings.TrimSpace(query.Exchange); trimmed != "" {
		builder.WriteString(" AND lower(exchange) = lower(?)")
		args = append(args, trimmed)
	}
	var ids []any
	for _, id := range query.TradeIDs {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	if len(ids) > 0 {
		builder.WriteString(" AND id IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + ")")
		args = append(args, ids...)
	} else {
		builder.WriteString(" AND NOT (" + openStatusFilter + ")")
		builder.WriteString(" AND NOT (" + neverFilledFilter + ")")
		builder.WriteString(" AND (" + unsettledFilter + ")")
		if !query.Since.IsZero() {
			builder.WriteString(" AND created_at >= ?")
			args = append(args, query.Since.UnixNano())
		}
		if !query.Until.IsZero() {
			builder.WriteString(" AND created_at < ?")
			args = append(args, query.Until.UnixNano())
		}
	}
	builder.WriteString(" ORDER BY created_at, id LIMIT ?")
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list backfill candidates: %w", err)
	}
	return collect(rows)
}

// ListIncomeAudit returns the audit trail of one trade, oldest first.
func (s *Store) ListIncomeAudit(ctx context.Context, tradeID string) ([]tradestore.IncomeAudit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, trade_id, exchange, source, window_start, window_end, records, created_at
FROM trades_income_audit WHERE trade_id = ? ORDER BY created_at, rowid`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: list income audit: %w", err)
	}
	defer rows.Close()

	var out []tradestore.IncomeAudit
	for rows.Next() {
		var (
			audit                     tradestore.IncomeAudit
			source, records           string
			windowStart, windowEnd, c int64
		)
		if err := rows.Scan(&audit.ID, &audit.TradeID, &audit.Exchange, &source,
			&windowStart, &windowEnd, &records, &c); err != nil {
			return nil, fmt.Errorf("sqlite store: scan income audit: %w", err)
		}
		audit.Source = trade.ParseSource(source)
		audit.WindowStart = fromNanos(windowStart)
		audit.WindowEnd = fromNanos(windowEnd)
		audit.CreatedAt = fromNanos(c)
		audit.Records = json.RawMessage(records)
		out = append(out, audit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: iterate income audit: %w", err)
	}
	return out, nil
}

func getTrade(ctx context.Context, q querier, id string) (trade.Trade, bool, error) {
	row := q.QueryRowContext(ctx, "SELECT "+tradeColumns+" FROM trades WHERE id = ?", strings.TrimSpace(id))
	return oneTrade(row, "get trade")
}

func updateTrade(ctx context.Context, q querier, t trade.Trade) (trade.Trade, error) {
	args, err := tradeArgs(t)
	if err != nil {
		return trade.Trade{}, err
	}
	columns := strings.Split(tradeColumns, ",")
	assignments := make([]string, 0, len(columns))
	// Skip id, exchange and created_at; version is bumped in SQL.
	var values []any
	for i, col := range columns {
		col = strings.TrimSpace(col)
		switch col {
		case "id", "exchange", "created_at", "version":
			continue
		}
		assignments = append(assignments, col+" = ?")
		values = append(values, args[i])
	}
	values = append(values, t.ID, t.Version)
	res, err := q.ExecContext(ctx, "UPDATE trades SET "+strings.Join(assignments, ", ")+
		", version = version + 1 WHERE id = ? AND version = ?", values...)
	if err != nil {
		return trade.Trade{}, fmt.Errorf("sqlite store: update trade: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, ok, err := getTrade(ctx, q, t.ID)
		if err != nil {
			return trade.Trade{}, err
		}
		if !ok {
			return trade.Trade{}, notFound(t.ID)
		}
		return trade.Trade{}, errs.New("tradestore", errs.CodeConflict,
			errs.WithMessage("stale trade version"), errs.WithField("trade_id", t.ID))
	}
	stored, _, err := getTrade(ctx, q, t.ID)
	return stored, err
}

func updateUnrealized(ctx context.Context, q querier, exchange, symbol string, pnl decimal.Decimal) (int64, error) {
	res, err := q.ExecContext(ctx, `UPDATE trades SET unrealized_pnl = ?
WHERE lower(exchange) = lower(?) AND upper(symbol) = upper(?) AND `+openStatusFilter,
		pnl.String(), strings.TrimSpace(exchange), strings.TrimSpace(symbol))
	if err != nil {
		return 0, fmt.Errorf("sqlite store: update unrealized pnl: %w", err)
	}
	return res.RowsAffected()
}

func appendAudit(ctx context.Context, q querier, audit tradestore.IncomeAudit) error {
	records := string(audit.Records)
	if records == "" {
		records = "[]"
	}
	created := audit.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `INSERT INTO trades_income_audit
(id, trade_id, exchange, source, window_start, window_end, records, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		audit.ID, audit.TradeID, audit.Exchange, string(audit.Source),
		audit.WindowStart.UnixNano(), audit.WindowEnd.UnixNano(), records, created.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite store: append income audit: %w", err)
	}
	return nil
}

// tradeArgs returns values in tradeColumns order, without version.
func tradeArgs(t trade.Trade) ([]any, error) {
	issues := t.SyncIssues
	if issues == nil {
		issues = []string{}
	}
	encodedIssues, err := json.Marshal(issues)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: encode sync issues: %w", err)
	}
	exits := t.Exits
	if exits == nil {
		exits = []trade.ExitFill{}
	}
	encodedExits, err := json.Marshal(exits)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: encode exit fills: %w", err)
	}
	args := []any{
		t.ID, strings.TrimSpace(t.Exchange), strings.TrimSpace(t.Symbol),
		strings.TrimSpace(t.ExchangeOrderID), strings.TrimSpace(t.ClientRef),
		string(t.PositionType), t.OrderType,
	}
	for _, field := range []trade.Tracked{t.EntryPrice, t.ExitPrice, t.PositionSize, t.PnLUSD, t.NetPnL, t.Commission, t.FundingFee} {
		args = append(args, decimalArg(field.Value), string(field.Source), field.Verified)
	}
	var closedAt any
	if t.ClosedAt != nil {
		closedAt = t.ClosedAt.UnixNano()
	}
	args = append(args,
		string(t.OrderStatus), string(t.PositionStatus),
		t.CreatedAt.UnixNano(), closedAt, t.UpdatedAt.UnixNano(),
		string(encodedIssues), t.ManualVerificationNeeded, t.SyncErrorCount,
		strings.TrimSpace(t.StopLossOrderID), decimalArg(t.StopLossPrice), t.RawResponse, decimalArg(t.UnrealizedPnL),
		string(encodedExits),
	)
	return args, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrade(row scanner) (trade.Trade, error) {
	var (
		t                                       trade.Trade
		positionType, orderStatus, positionStat string
		created, updated                        int64
		closed                                  sql.NullInt64
		issues, exits                           string
		stopPrice, unrealized                   sql.NullString
		values                                  [7]sql.NullString
		sources                                 [7]string
		verified                                [7]bool
	)
	dest := []any{&t.ID, &t.Exchange, &t.Symbol, &t.ExchangeOrderID, &t.ClientRef, &positionType, &t.OrderType}
	for i := range values {
		dest = append(dest, &values[i], &sources[i], &verified[i])
	}
	dest = append(dest, &orderStatus, &positionStat, &created, &closed, &updated,
		&issues, &t.ManualVerificationNeeded, &t.SyncErrorCount,
		&t.StopLossOrderID, &stopPrice, &t.RawResponse, &unrealized, &exits, &t.Version)
	if err := row.Scan(dest...); err != nil {
		return trade.Trade{}, err
	}

	fields := []*trade.Tracked{&t.EntryPrice, &t.ExitPrice, &t.PositionSize, &t.PnLUSD, &t.NetPnL, &t.Commission, &t.FundingFee}
	for i, field := range fields {
		value, err := parseDecimal(values[i])
		if err != nil {
			return trade.Trade{}, err
		}
		*field = trade.Tracked{Value: value, Source: trade.ParseSource(sources[i]), Verified: verified[i]}
	}
	var err error
	if t.StopLossPrice, err = parseDecimal(stopPrice); err != nil {
		return trade.Trade{}, err
	}
	if t.UnrealizedPnL, err = parseDecimal(unrealized); err != nil {
		return trade.Trade{}, err
	}
	if err := json.Unmarshal([]byte(issues), &t.SyncIssues); err != nil {
		return trade.Trade{}, fmt.Errorf("decode sync issues: %w", err)
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
	t.PositionType = trade.ParsePositionType(positionType)
	t.OrderStatus = status.OrderStatus(orderStatus)
	t.PositionStatus = status.PositionStatus(positionStat)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	if closed.Valid {
		at := fromNanos(closed.Int64)
		t.ClosedAt = &at
	}
	return t, nil
}

func oneTrade(row *sql.Row, op string) (trade.Trade, bool, error) {
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return trade.Trade{}, false, nil
	}
	if err != nil {
		return trade.Trade{}, false, fmt.Errorf("sqlite store: %s: %w", op, err)
	}
	return t, true, nil
}

func collect(rows *sql.Rows) ([]trade.Trade, error) {
	defer rows.Close()
	var out []trade.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: scan trade: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: iterate trades: %w", err)
	}
	return out, nil
}

func decimalArg(value decimal.NullDecimal) any {
	if !value.Valid {
		return nil
	}
	return value.Decimal.String()
}

func parseDecimal(value sql.NullString) (decimal.NullDecimal, error) {
	if !value.Valid || strings.TrimSpace(value.String) == "" {
		return decimal.NullDecimal{}, nil
	}
	parsed, err := decimal.NewFromString(strings.TrimSpace(value.String))
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse decimal %q: %w", value.String, err)
	}
	return decimal.NewNullDecimal(parsed), nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func notFound(id string) error {
	return errs.New("tradestore", errs.CodeNotFound, errs.WithMessage("trade not found"), errs.WithField("trade_id", id))
}
