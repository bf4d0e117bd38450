package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesCanonicalAndMetadata(t *testing.T) {
	err := New(
		"binance",
		CodeInvalid,
		WithHTTP(400),
		WithMessage("invalid order payload"),
		WithRawCode("-2013"),
		WithRawMessage("order does not exist"),
		WithCanonicalCode(CanonicalOrderNotFound),
		WithField("symbol", "BTCUSDT"),
		WithField("endpoint", "/fapi/v1/order"),
		WithRemediation("verify order id before retrying"),
		WithCause(errors.New("binance http 400")),
	)

	out := err.Error()
	if !strings.Contains(out, "exchange=binance") {
		t.Fatalf("expected exchange marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=invalid_request") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "class=data_quality") {
		t.Fatalf("expected derived class in error string: %s", out)
	}
	if !strings.Contains(out, "canonical=order_not_found") {
		t.Fatalf("expected canonical classification in error string: %s", out)
	}
	expectedMeta := "meta=endpoint=\"/fapi/v1/order\",symbol=\"BTCUSDT\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"binance http 400\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithCanonicalCodeEmptyDefaultsToUnknown(t *testing.T) {
	err := New("binance", CodeInvalid, WithCanonicalCode("   "))
	if err.Canonical != CanonicalUnknown {
		t.Fatalf("expected canonical code to default to unknown, got %q", err.Canonical)
	}
	if strings.Contains(err.Error(), "canonical=") {
		t.Fatalf("canonical marker should be omitted when code is unknown: %s", err.Error())
	}
}

func TestDefaultClassByCode(t *testing.T) {
	cases := map[Code]Class{
		CodeRateLimited: ClassTransient,
		CodeNetwork:     ClassTransient,
		CodeUnavailable: ClassTransient,
		CodeAuth:        ClassFatal,
		CodeInvalid:     ClassDataQuality,
		CodeNotFound:    ClassUnknown,
	}
	for code, want := range cases {
		if got := New("binance", code).Class; got != want {
			t.Fatalf("code %s: expected class %q, got %q", code, want, got)
		}
	}
}

func TestClassOfWalksWrappedChain(t *testing.T) {
	inner := New("binance", CodeAuth, WithMessage("api key revoked"))
	wrapped := fmt.Errorf("listen key: %w", inner)
	if !IsFatal(wrapped) {
		t.Fatalf("expected wrapped auth error to be fatal")
	}
	if IsTransient(wrapped) {
		t.Fatalf("fatal error must not be transient")
	}

	outer := New("", CodeNotFound, WithCause(New("binance", CodeNetwork)))
	if got := ClassOf(outer); got != ClassTransient {
		t.Fatalf("expected class from nested envelope, got %q", got)
	}
	if ClassOf(errors.New("plain")) != ClassUnknown {
		t.Fatalf("plain errors carry no class")
	}
	if CodeOf(wrapped) != CodeAuth {
		t.Fatalf("expected code auth, got %q", CodeOf(wrapped))
	}
}

func TestWithClassOverridesDefault(t *testing.T) {
	err := New("binance", CodeExchange, WithClass(ClassFatal))
	if !IsFatal(err) {
		t.Fatalf("expected explicit class to win")
	}
}
