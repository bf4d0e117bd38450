package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericArg converts an optional decimal into a pgtype.Numeric; NULL when unset.
func numericArg(value decimal.NullDecimal) pgtype.Numeric {
	var out pgtype.Numeric
	if !value.Valid {
		return out
	}
	_ = out.Scan(value.Decimal.String())
	return out
}

// decimalFromText parses a numeric column selected with ::text.
func decimalFromText(value pgtype.Text) (decimal.NullDecimal, error) {
	if !value.Valid {
		return decimal.NullDecimal{}, nil
	}
	trimmed := strings.TrimSpace(value.String)
	if trimmed == "" {
		return decimal.NullDecimal{}, nil
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parse numeric %q: %w", trimmed, err)
	}
	return decimal.NewNullDecimal(parsed), nil
}
