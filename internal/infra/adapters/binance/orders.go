package binance

import (
	"context"
	"strings"

	"github.com/adshao/go-binance/v2/futures"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradesync/errs"
	"github.com/coachpo/tradesync/internal/domain/exchange"
)

// PositionSize returns the signed net position on symbol across position sides.
func (c *Client) PositionSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	risks, err := call(c, "position risk", func() ([]*futures.PositionRisk, error) {
		return c.futures.NewGetPositionRiskService().Symbol(symbol).Do(ctx, c.recvWindow())
	})
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, risk := range risks {
		if risk == nil || !strings.EqualFold(risk.Symbol, symbol) {
			continue
		}
		total = total.Add(decimalOrZero(risk.PositionAmt))
	}
	return total, nil
}

// PlaceStopOrder submits a STOP_MARKET order triggered by mark price.
func (c *Client) PlaceStopOrder(ctx context.Context, req exchange.StopOrderRequest) (exchange.StopOrderResult, error) {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	side := strings.ToUpper(strings.TrimSpace(req.Side))
	if symbol == "" || (side != "BUY" && side != "SELL") || !req.StopPrice.IsPositive() {
		return exchange.StopOrderResult{}, errs.New(c.cfg.Name, errs.CodeInvalid,
			errs.WithMessage("stop order requires symbol, side and positive stop price"),
			errs.WithField("symbol", symbol))
	}
	if !req.ClosePosition && !req.Quantity.IsPositive() {
		return exchange.StopOrderResult{}, errs.New(c.cfg.Name, errs.CodeInvalid,
			errs.WithMessage("stop order requires quantity unless it closes the position"),
			errs.WithField("symbol", symbol))
	}

	resp, err := call(c, "place stop order", func() (*futures.CreateOrderResponse, error) {
		svc := c.futures.NewCreateOrderService().
			Symbol(symbol).
			Side(futures.SideType(side)).
			Type(futures.OrderTypeStopMarket).
			StopPrice(req.StopPrice.String()).
			WorkingType(futures.WorkingTypeMarkPrice)
		if ps := strings.ToUpper(strings.TrimSpace(req.PositionSide)); ps != "" {
			svc = svc.PositionSide(futures.PositionSideType(ps))
		}
		if req.ClosePosition {
			svc = svc.ClosePosition(true)
		} else {
			svc = svc.Quantity(req.Quantity.String())
			if req.ReduceOnly {
				svc = svc.ReduceOnly(true)
			}
		}
		if id := strings.TrimSpace(req.ClientOrderID); id != "" {
			svc = svc.NewClientOrderID(id)
		}
		return svc.Do(ctx, c.recvWindow())
	})
	if err != nil {
		return exchange.StopOrderResult{}, err
	}
	raw, _ := json.Marshal(resp)
	return exchange.StopOrderResult{
		OrderID:       formatID(resp.OrderID),
		ClientOrderID: resp.ClientOrderID,
		Status:        string(resp.Status),
		RawResponse:   string(raw),
	}, nil
}
