package payment

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/text/currency"

	"gozon/fulfillment/internal/apperr"
)

var errNoAmount = errors.New("callback payload carries no amount")

// Paths holding an amount in minor units.
var minorUnitPaths = []string{"amount_cents", "amount_minor", "total_fee", "data.amount_cents"}

// Paths holding an amount in major units as a decimal number or string.
var majorUnitPaths = []string{"amount.total", "amount.value", "data.amount.total", "total_amount"}

// ExtractAmount reads the paid amount from a provider payload in minor units.
// Providers encode it differently: a flat integer "amount" in minor units, a
// decimal string "amount", a nested {"amount":{"total":"12.34"}}, or one of
// the explicit minor-unit fields.
func ExtractAmount(payload []byte, currencyCode string) (int64, error) {
	if !gjson.ValidBytes(payload) {
		return 0, apperr.Validation("payload", "callback payload is not valid JSON")
	}
	scale, err := minorScale(currencyCode)
	if err != nil {
		return 0, err
	}

	for _, path := range minorUnitPaths {
		if v := gjson.GetBytes(payload, path); v.Exists() {
			return parseMinor(v)
		}
	}
	for _, path := range majorUnitPaths {
		if v := gjson.GetBytes(payload, path); v.Exists() && v.Type != gjson.JSON {
			return parseMajor(v, scale)
		}
	}

	v := gjson.GetBytes(payload, "amount")
	switch v.Type {
	case gjson.Number:
		return parseMinor(v)
	case gjson.String:
		return parseMajor(v, scale)
	}
	return 0, apperr.Validation("payload", "%v", errNoAmount)
}

// FormatMajor renders minor units as a decimal string, e.g. 1234 USD -> "12.34".
func FormatMajor(amount int64, currencyCode string) string {
	scale, err := minorScale(currencyCode)
	if err != nil {
		scale = 2
	}
	return decimal.New(amount, -int32(scale)).StringFixed(int32(scale))
}

func minorScale(code string) (int, error) {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return 0, apperr.Validation("currency", "%q is not an ISO 4217 code", code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return scale, nil
}

func parseMinor(v gjson.Result) (int64, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return 0, apperr.Validation("amount", "invalid amount %q", v.String())
	}
	if !d.IsInteger() {
		return 0, apperr.Validation("amount", "minor-unit amount %q is fractional", v.String())
	}
	return toMinor(d, v.String())
}

func parseMajor(v gjson.Result, scale int) (int64, error) {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return 0, apperr.Validation("amount", "invalid amount %q", v.String())
	}
	minor := d.Shift(int32(scale))
	if !minor.IsInteger() {
		return 0, apperr.Validation("amount", "amount %s has more than %d decimals", v.String(), scale)
	}
	return toMinor(minor, v.String())
}

// toMinor converts an integral decimal, refusing values IntPart would wrap.
func toMinor(d decimal.Decimal, raw string) (int64, error) {
	if !d.IsPositive() {
		return 0, apperr.Validation("amount", "amount %q must be positive", raw)
	}
	if !d.BigInt().IsInt64() {
		return 0, apperr.Validation("amount", "amount %q is out of range", raw)
	}
	return d.IntPart(), nil
}
