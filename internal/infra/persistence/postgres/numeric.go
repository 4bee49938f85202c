package postgres

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// numericText renders a decimal for a $n::numeric placeholder.
func numericText(value decimal.Decimal) string {
	return value.String()
}

// parseNumeric reads a NUMERIC column selected as ::text.
func parseNumeric(column, value string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	out, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s %q: %w", column, trimmed, err)
	}
	return out, nil
}
