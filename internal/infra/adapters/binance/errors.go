package binance

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/adshao/go-binance/v2/common"

	"github.com/coachpo/tradesync/errs"
)

const exchangeName = "binance"

// Binance API error codes with dedicated handling.
const (
	codeUnknown          = -1000
	codeDisconnected     = -1001
	codeTooManyRequests  = -1003
	codeUnexpectedResp   = -1006
	codeTimeout          = -1007
	codeInvalidTimestamp = -1021
	codeInvalidSignature = -1022
	codeBadSymbol        = -1121
	codeInvalidListenKey = -1125
	codeNoSuchOrder      = -2013
	codeBadAPIKeyFormat  = -2014
	codeRejectedAPIKey   = -2015
	codeMarginShort      = -2019
)

// ClassifyCode maps a Binance error code and HTTP status to an error code, class and canonical
// category.
func ClassifyCode(code int, httpStatus int) (errs.Code, errs.Class, errs.CanonicalCode) {
	switch code {
	case codeTooManyRequests:
		return errs.CodeRateLimited, errs.ClassTransient, errs.CanonicalRateLimited
	case codeUnknown, codeDisconnected, codeUnexpectedResp, codeTimeout:
		return errs.CodeUnavailable, errs.ClassTransient, errs.CanonicalUnknown
	case codeInvalidTimestamp:
		return errs.CodeExchange, errs.ClassTransient, errs.CanonicalUnknown
	case codeInvalidSignature, codeBadAPIKeyFormat, codeRejectedAPIKey:
		return errs.CodeAuth, errs.ClassFatal, errs.CanonicalInvalidCredentials
	case codeInvalidListenKey:
		return errs.CodeAuth, errs.ClassTransient, errs.CanonicalSessionExpired
	case codeNoSuchOrder:
		return errs.CodeNotFound, errs.ClassUnknown, errs.CanonicalOrderNotFound
	case codeBadSymbol:
		return errs.CodeInvalid, errs.ClassDataQuality, errs.CanonicalInvalidSymbol
	case codeMarginShort:
		return errs.CodeInvalid, errs.ClassDataQuality, errs.CanonicalInsufficientBalance
	}
	switch {
	case httpStatus == http.StatusTooManyRequests || httpStatus == http.StatusTeapot:
		return errs.CodeRateLimited, errs.ClassTransient, errs.CanonicalRateLimited
	case httpStatus == http.StatusUnauthorized || httpStatus == http.StatusForbidden:
		return errs.CodeAuth, errs.ClassFatal, errs.CanonicalInvalidCredentials
	case httpStatus >= http.StatusInternalServerError:
		return errs.CodeUnavailable, errs.ClassTransient, errs.CanonicalUnknown
	case code <= -4000 && code > -5000, code <= -1100 && code > -1200:
		return errs.CodeInvalid, errs.ClassDataQuality, errs.CanonicalUnknown
	default:
		return errs.CodeExchange, errs.ClassTransient, errs.CanonicalUnknown
	}
}

// apiError builds the envelope for a Binance error response.
func apiError(code int, msg string, httpStatus int, opts ...errs.Option) *errs.E {
	c, class, canonical := ClassifyCode(code, httpStatus)
	base := []errs.Option{
		errs.WithClass(class),
		errs.WithCanonicalCode(canonical),
		errs.WithRawCode(strconv.Itoa(code)),
		errs.WithRawMessage(strings.TrimSpace(msg)),
	}
	if httpStatus > 0 {
		base = append(base, errs.WithHTTP(httpStatus))
	}
	return errs.New(exchangeName, c, append(base, opts...)...)
}

// mapError converts go-binance and transport errors into classified envelopes.
func mapError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var envelope *errs.E
	if errors.As(err, &envelope) {
		return err
	}
	var api *common.APIError
	if errors.As(err, &api) {
		return apiError(int(api.Code), api.Message, 0,
			errs.WithField("operation", operation),
			errs.WithCause(err))
	}
	return errs.New(exchangeName, errs.CodeNetwork,
		errs.WithMessage(operation),
		errs.WithCause(err))
}
