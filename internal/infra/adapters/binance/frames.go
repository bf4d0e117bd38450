package binance

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/domain/exchange"
)

// Normalizer turns Binance stream payloads into the exchange-neutral shapes in package exchange.
type Normalizer struct {
	// Exchange is stamped on every normalised value. Defaults to "binance".
	Exchange string
}

func (n Normalizer) name() string {
	if strings.TrimSpace(n.Exchange) == "" {
		return exchangeName
	}
	return n.Exchange
}

// ExecutionReport decodes a futures ORDER_TRADE_UPDATE or a spot executionReport.
func (n Normalizer) ExecutionReport(eventType string, payload []byte) (exchange.ExecutionReport, error) {
	switch eventType {
	case "ORDER_TRADE_UPDATE":
		var event orderTradeUpdateEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return exchange.ExecutionReport{}, decodeError("order trade update", err)
		}
		return n.futuresReport(event), nil
	case "executionReport":
		var event executionReportEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return exchange.ExecutionReport{}, decodeError("execution report", err)
		}
		return n.spotReport(event), nil
	default:
		return exchange.ExecutionReport{}, errs.New(n.name(), errs.CodeInvalid,
			errs.WithMessage("unsupported execution event "+eventType))
	}
}

func (n Normalizer) futuresReport(event orderTradeUpdateEvent) exchange.ExecutionReport {
	o := event.Order
	return exchange.ExecutionReport{
		Exchange:        n.name(),
		Symbol:          strings.ToUpper(strings.TrimSpace(o.Symbol)),
		OrderID:         formatID(o.OrderID),
		ClientOrderID:   strings.TrimSpace(o.ClientOrderID),
		Status:          strings.ToUpper(strings.TrimSpace(o.OrderStatus)),
		ExecutionType:   strings.ToUpper(strings.TrimSpace(o.ExecutionType)),
		Side:            strings.ToUpper(strings.TrimSpace(o.Side)),
		PositionSide:    strings.ToUpper(strings.TrimSpace(o.PositionSide)),
		OrderType:       strings.ToUpper(strings.TrimSpace(o.OrderType)),
		OrigType:        strings.ToUpper(strings.TrimSpace(o.OriginalType)),
		Quantity:        decimalOrZero(o.OriginalQuantity),
		Price:           decimalOrZero(o.Price),
		StopPrice:       decimalOrZero(o.StopPrice),
		LastFilledQty:   decimalOrZero(o.LastFilledQty),
		CumulativeQty:   decimalOrZero(o.CumulativeQty),
		AvgPrice:        decimalOrZero(o.AveragePrice),
		LastPrice:       decimalOrZero(o.LastFilledPrice),
		RealizedPnL:     decimalOrZero(o.RealizedProfit),
		Commission:      decimalOrZero(o.Commission),
		CommissionAsset: strings.TrimSpace(o.CommissionAsset),
		ReduceOnly:      o.ReduceOnly,
		ClosePosition:   o.ClosePosition,
		CancelReason:    normaliseReason(string(o.ExpiryReason)),
		TradeID:         formatID(o.TradeID),
		EventTime:       event.EventTime.Time(),
		TransactionTime: event.TransactionTime.Time(),
	}
}

func (n Normalizer) spotReport(event executionReportEvent) exchange.ExecutionReport {
	commissionAsset := ""
	if event.CommissionAsset != nil {
		commissionAsset = strings.TrimSpace(*event.CommissionAsset)
	}
	avg := decimal.Zero
	if quote, ok := parseDecimal(event.CumulativeQuoteQty); ok {
		if filled, ok := parseDecimal(event.CumulativeQuantity); ok && !filled.IsZero() {
			avg = quote.Div(filled)
		}
	}
	return exchange.ExecutionReport{
		Exchange:        n.name(),
		Symbol:          strings.ToUpper(strings.TrimSpace(event.Symbol)),
		OrderID:         formatID(event.OrderID),
		ClientOrderID:   strings.TrimSpace(event.ClientOrderID),
		Status:          strings.ToUpper(strings.TrimSpace(event.OrderStatus)),
		ExecutionType:   strings.ToUpper(strings.TrimSpace(event.ExecutionType)),
		Side:            strings.ToUpper(strings.TrimSpace(event.Side)),
		OrderType:       strings.ToUpper(strings.TrimSpace(event.OrderType)),
		OrigType:        strings.ToUpper(strings.TrimSpace(event.OrderType)),
		Quantity:        decimalOrZero(event.OriginalQuantity),
		Price:           decimalOrZero(event.Price),
		StopPrice:       decimalOrZero(event.StopPrice),
		LastFilledQty:   decimalOrZero(event.LastExecutedQty),
		CumulativeQty:   decimalOrZero(event.CumulativeQuantity),
		AvgPrice:        avg,
		LastPrice:       decimalOrZero(event.LastExecutedPrice),
		Commission:      decimalOrZero(event.Commission),
		CommissionAsset: commissionAsset,
		CancelReason:    normaliseReason(event.OrderRejectReason),
		TradeID:         formatID(event.TradeID),
		EventTime:       event.EventTime.Time(),
		TransactionTime: event.TransactionTime.Time(),
	}
}

// AccountUpdate decodes a futures ACCOUNT_UPDATE.
func (n Normalizer) AccountUpdate(payload []byte) (exchange.AccountUpdate, error) {
	var event accountUpdateEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return exchange.AccountUpdate{}, decodeError("account update", err)
	}
	out := exchange.AccountUpdate{
		Exchange:  n.name(),
		Reason:    strings.TrimSpace(event.Account.Reason),
		EventTime: event.EventTime.Time(),
	}
	for _, b := range event.Account.Balances {
		asset := strings.ToUpper(strings.TrimSpace(b.Asset))
		if asset == "" {
			continue
		}
		out.Balances = append(out.Balances, exchange.Balance{
			Asset:         asset,
			WalletBalance: decimalOrZero(b.WalletBalance),
			Free:          decimalOrZero(b.CrossWalletBalance),
			Delta:         decimalOrZero(b.BalanceChange),
		})
	}
	for _, p := range event.Account.Positions {
		symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
		if symbol == "" {
			continue
		}
		out.Positions = append(out.Positions, exchange.PositionSnapshot{
			Symbol:        symbol,
			PositionSide:  strings.ToUpper(strings.TrimSpace(p.PositionSide)),
			Amount:        decimalOrZero(p.Amount),
			EntryPrice:    decimalOrZero(p.EntryPrice),
			UnrealizedPnL: decimalOrZero(p.UnrealizedPnL),
		})
	}
	return out, nil
}

// BalanceUpdate decodes a spot balanceUpdate delta or an outboundAccountPosition snapshot.
func (n Normalizer) BalanceUpdate(eventType string, payload []byte) (exchange.BalanceUpdate, error) {
	switch eventType {
	case "balanceUpdate":
		var event balanceDeltaEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return exchange.BalanceUpdate{}, decodeError("balance update", err)
		}
		out := exchange.BalanceUpdate{Exchange: n.name(), EventTime: event.EventTime.Time()}
		if asset := strings.ToUpper(strings.TrimSpace(event.Asset)); asset != "" {
			out.Balances = append(out.Balances, exchange.Balance{Asset: asset, Delta: decimalOrZero(event.Delta)})
		}
		return out, nil
	case "outboundAccountPosition":
		var event accountPositionEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return exchange.BalanceUpdate{}, decodeError("account position", err)
		}
		out := exchange.BalanceUpdate{Exchange: n.name(), EventTime: event.EventTime.Time()}
		for _, bal := range event.Balances {
			asset := strings.ToUpper(strings.TrimSpace(bal.Asset))
			if asset == "" {
				continue
			}
			free := decimalOrZero(bal.Free)
			locked := decimalOrZero(bal.Locked)
			out.Balances = append(out.Balances, exchange.Balance{
				Asset:         asset,
				Free:          free,
				Locked:        locked,
				WalletBalance: free.Add(locked),
			})
		}
		return out, nil
	default:
		return exchange.BalanceUpdate{}, errs.New(n.name(), errs.CodeInvalid,
			errs.WithMessage("unsupported balance event "+eventType))
	}
}

// ListenKeyExpired decodes a listenKeyExpired notice.
func (n Normalizer) ListenKeyExpired(payload []byte) (string, time.Time, error) {
	var event listenKeyExpiredEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return "", time.Time{}, decodeError("listen key expired", err)
	}
	return strings.TrimSpace(event.ListenKey), event.EventTime.Time(), nil
}

// PriceTick decodes trade, aggTrade, markPriceUpdate, bookTicker and 24hrTicker payloads.
func (n Normalizer) PriceTick(eventType, stream string, payload []byte) (exchange.PriceTick, error) {
	var msg marketMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return exchange.PriceTick{}, decodeError("market data", err)
	}
	tick := exchange.PriceTick{
		Exchange:  n.name(),
		Symbol:    strings.ToUpper(strings.TrimSpace(msg.Symbol)),
		Stream:    stream,
		EventTime: msg.EventTime.Time(),
	}
	switch eventType {
	case "trade", "aggTrade":
		tick.Price = decimalOrZero(string(msg.Price))
		tick.Quantity = decimalOrZero(string(msg.Quantity))
		if t := msg.TradeTime.Time(); !t.IsZero() {
			tick.EventTime = t
		}
	case "markPriceUpdate":
		tick.Price = decimalOrZero(string(msg.Price))
	case "bookTicker":
		tick.Bid = decimalOrZero(string(msg.BestBid))
		tick.Ask = decimalOrZero(string(msg.BestAsk))
		if !tick.Bid.IsZero() && !tick.Ask.IsZero() {
			tick.Price = tick.Bid.Add(tick.Ask).Div(decimal.NewFromInt(2))
		}
		if t := msg.TradeTime.Time(); !t.IsZero() && tick.EventTime.IsZero() {
			tick.EventTime = t
		}
	case "24hrTicker":
		tick.Price = decimalOrZero(string(msg.LastPrice))
		tick.Bid = decimalOrZero(string(msg.BestBid))
		tick.Ask = decimalOrZero(string(msg.BestAsk))
		tick.Quantity = decimalOrZero(string(msg.Volume))
	default:
		return exchange.PriceTick{}, errs.New(n.name(), errs.CodeInvalid,
			errs.WithMessage("unsupported market event "+eventType))
	}
	if tick.Symbol == "" {
		return tick, errs.New(n.name(), errs.CodeDataQuality, errs.WithMessage("market data without symbol"))
	}
	return tick, nil
}

// ErrorEvent decodes {"code","msg"} and {"error":{"code","msg"}} frames and classifies the code.
func (n Normalizer) ErrorEvent(payload []byte) (exchange.ErrorEvent, error) {
	var frame errorFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return exchange.ErrorEvent{}, decodeError("error frame", err)
	}
	code, msg := frame.Code, frame.Message
	if frame.Nested != nil {
		code, msg = frame.Nested.Code, frame.Nested.Message
	}
	_, class, _ := ClassifyCode(code, 0)
	return exchange.ErrorEvent{
		Exchange: n.name(),
		Code:     code,
		Message:  strings.TrimSpace(msg),
		Class:    class,
	}, nil
}

func decodeError(what string, err error) error {
	return errs.New(exchangeName, errs.CodeDataQuality,
		errs.WithMessage("decode "+what),
		errs.WithCause(err))
}

func formatID(id int64) string {
	if id <= 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// normaliseReason maps Binance "no reason" placeholders to empty.
func normaliseReason(reason string) string {
	trimmed := strings.ToUpper(strings.TrimSpace(reason))
	switch trimmed {
	case "", "0", "NONE":
		return ""
	default:
		return trimmed
	}
}

func parseDecimal(value string) (decimal.Decimal, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, false
	}
	dec, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, false
	}
	return dec, true
}

func decimalOrZero(value string) decimal.Decimal {
	dec, _ := parseDecimal(value)
	return dec
}

// millis tolerates numeric, quoted and float millisecond timestamps.
type millis int64

func (ts *millis) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 1 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		trimmed = bytes.TrimSpace(trimmed[1 : len(trimmed)-1])
	}
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*ts = 0
		return nil
	}
	if parsed, err := strconv.ParseInt(string(trimmed), 10, 64); err == nil {
		*ts = millis(parsed)
		return nil
	}
	if parsed, err := strconv.ParseFloat(string(trimmed), 64); err == nil {
		*ts = millis(int64(parsed))
		return nil
	}
	return fmt.Errorf("binance: invalid timestamp %q", string(data))
}

// Time converts to UTC, returning the zero time for unset values.
func (ts millis) Time() time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(ts)).UTC()
}

// looseString accepts a JSON string or number.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*s = ""
		return nil
	}
	if trimmed[0] == '"' {
		var v string
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	*s = looseString(trimmed)
	return nil
}

type orderTradeUpdateEvent struct {
	EventType       string       `json:"e"`
	EventTime       millis       `json:"E"`
	TransactionTime millis       `json:"T"`
	Order           futuresOrder `json:"o"`
}

type futuresOrder struct {
	Symbol           string      `json:"s"`
	ClientOrderID    string      `json:"c"`
	Side             string      `json:"S"`
	OrderType        string      `json:"o"`
	TimeInForce      string      `json:"f"`
	OriginalQuantity string      `json:"q"`
	Price            string      `json:"p"`
	AveragePrice     string      `json:"ap"`
	StopPrice        string      `json:"sp"`
	ExecutionType    string      `json:"x"`
	OrderStatus      string      `json:"X"`
	OrderID          int64       `json:"i"`
	LastFilledQty    string      `json:"l"`
	CumulativeQty    string      `json:"z"`
	LastFilledPrice  string      `json:"L"`
	CommissionAsset  string      `json:"N"`
	Commission       string      `json:"n"`
	TradeTime        millis      `json:"T"`
	TradeID          int64       `json:"t"`
	ReduceOnly       bool        `json:"R"`
	OriginalType     string      `json:"ot"`
	PositionSide     string      `json:"ps"`
	ClosePosition    bool        `json:"cp"`
	RealizedProfit   string      `json:"rp"`
	ActivationPrice  string      `json:"AP"`
	ExpiryReason     looseString `json:"er"`
}

type executionReportEvent struct {
	EventType          string  `json:"e"`
	EventTime          millis  `json:"E"`
	Symbol             string  `json:"s"`
	ClientOrderID      string  `json:"c"`
	Side               string  `json:"S"`
	OrderType          string  `json:"o"`
	TimeInForce        string  `json:"f"`
	OriginalQuantity   string  `json:"q"`
	Price              string  `json:"p"`
	StopPrice          string  `json:"P"`
	ExecutionType      string  `json:"x"`
	OrderStatus        string  `json:"X"`
	OrderRejectReason  string  `json:"r"`
	OrderID            int64   `json:"i"`
	LastExecutedQty    string  `json:"l"`
	CumulativeQuantity string  `json:"z"`
	LastExecutedPrice  string  `json:"L"`
	Commission         string  `json:"n"`
	CommissionAsset    *string `json:"N"`
	TransactionTime    millis  `json:"T"`
	TradeID            int64   `json:"t"`
	CumulativeQuoteQty string  `json:"Z"`

	// Declared so case-insensitive matching cannot fold them into the fields above.
	OrigClientOrderID string `json:"C"`
	IcebergQuantity   string `json:"F"`
	OrderCreated      millis `json:"O"`
	QuoteOrderQty     string `json:"Q"`
	Ignore            int64  `json:"I"`
}

type accountUpdateEvent struct {
	EventType       string `json:"e"`
	EventTime       millis `json:"E"`
	TransactionTime millis `json:"T"`
	Account         struct {
		Reason    string                  `json:"m"`
		Balances  []accountUpdateBalance  `json:"B"`
		Positions []accountUpdatePosition `json:"P"`
	} `json:"a"`
}

type accountUpdateBalance struct {
	Asset              string `json:"a"`
	WalletBalance      string `json:"wb"`
	CrossWalletBalance string `json:"cw"`
	BalanceChange      string `json:"bc"`
}

type accountUpdatePosition struct {
	Symbol        string `json:"s"`
	Amount        string `json:"pa"`
	EntryPrice    string `json:"ep"`
	UnrealizedPnL string `json:"up"`
	PositionSide  string `json:"ps"`
}

type accountPositionEvent struct {
	EventType string                   `json:"e"`
	EventTime millis                   `json:"E"`
	Balances  []accountPositionBalance `json:"B"`
}

type accountPositionBalance struct {
	Asset  string `json:"a"`
	Free   string `json:"f"`
	Locked string `json:"l"`
}

type balanceDeltaEvent struct {
	EventType string `json:"e"`
	EventTime millis `json:"E"`
	Asset     string `json:"a"`
	Delta     string `json:"d"`
}

type listenKeyExpiredEvent struct {
	EventType string `json:"e"`
	EventTime millis `json:"E"`
	ListenKey string `json:"listenKey"`
}

// marketMessage covers the fields used from every supported market stream. Keys that differ
// only by case from a used key are declared so they never fold into it.
type marketMessage struct {
	EventType   string      `json:"e"`
	EventTime   millis      `json:"E"`
	Symbol      string      `json:"s"`
	Price       looseString `json:"p"`
	PriceUpper  looseString `json:"P"`
	Quantity    looseString `json:"q"`
	QtyUpper    looseString `json:"Q"`
	TradeID     looseString `json:"t"`
	TradeTime   millis      `json:"T"`
	LastPrice   looseString `json:"c"`
	CloseTime   looseString `json:"C"`
	BestBid     looseString `json:"b"`
	BestBidQty  looseString `json:"B"`
	BestAsk     looseString `json:"a"`
	BestAskQty  looseString `json:"A"`
	Volume      looseString `json:"v"`
	VolumeUpper looseString `json:"V"`
}

type errorFrame struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Nested  *struct {
		Code    int    `json:"code"`
		Message string `json:"msg"`
	} `json:"error"`
}
