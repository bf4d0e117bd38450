package binance

import (
	"errors"
	"net/http"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradesync/errs"
)

func TestClassifyCode(t *testing.T) {
	cases := []struct {
		code   int
		status int
		want   errs.Code
		class  errs.Class
	}{
		{codeTooManyRequests, 0, errs.CodeRateLimited, errs.ClassTransient},
		{codeRejectedAPIKey, 0, errs.CodeAuth, errs.ClassFatal},
		{codeInvalidListenKey, 0, errs.CodeAuth, errs.ClassTransient},
		{codeNoSuchOrder, 0, errs.CodeNotFound, errs.ClassUnknown},
		{-4003, 0, errs.CodeInvalid, errs.ClassDataQuality},
		{0, http.StatusTeapot, errs.CodeRateLimited, errs.ClassTransient},
		{0, http.StatusBadGateway, errs.CodeUnavailable, errs.ClassTransient},
		{-9999, 0, errs.CodeExchange, errs.ClassTransient},
	}
	for _, tc := range cases {
		code, class, _ := ClassifyCode(tc.code, tc.status)
		require.Equal(t, tc.want, code, "code %d status %d", tc.code, tc.status)
		require.Equal(t, tc.class, class, "code %d status %d", tc.code, tc.status)
	}
}

func TestMapError(t *testing.T) {
	require.NoError(t, mapError("noop", nil))

	err := mapError("place stop order", &common.APIError{Code: -2019, Message: "Margin is insufficient."})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
	var envelope *errs.E
	require.ErrorAs(t, err, &envelope)
	require.Equal(t, "-2019", envelope.RawCode)

	err = mapError("income history", errors.New("connection reset by peer"))
	require.Equal(t, errs.CodeNetwork, errs.CodeOf(err))
	require.True(t, errs.IsTransient(err))

	already := errs.New("binance", errs.CodeAuth)
	require.Same(t, already, mapError("x", already))
}
