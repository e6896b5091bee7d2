// Package occ parses and builds OCC-style option symbols such as
// AAPL260116C00200000: underlying ticker, YYMMDD expiration, C/P flag, and
// an 8-digit strike in thousandths of a dollar.
package occ

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OptionType is the contract right encoded in an OCC symbol.
type OptionType string

const (
	// Call is the right to buy the underlying.
	Call OptionType = "C"
	// Put is the right to sell the underlying.
	Put OptionType = "P"
)

// Valid returns true if the OptionType is one of the defined constants.
func (t OptionType) Valid() bool {
	return t == Call || t == Put
}

// Contract is a decoded OCC option symbol.
type Contract struct {
	// Underlying is the root symbol exactly as encoded, including any
	// weekly "W" suffix. Use DisplayUnderlying for presentation.
	Underlying string
	Expiration time.Time
	Type       OptionType
	Strike     decimal.Decimal
}

var symbolRe = regexp.MustCompile(`^([A-Z]+)(\d{2})(\d{2})(\d{2})([CP])(\d+)$`)

var thousand = decimal.NewFromInt(1000)

// Decode parses an OCC-style option symbol. It returns false for anything
// that does not match the layout; upstream broker data is messy and a
// non-OCC symbol simply means "not an encoded option", never an error.
//
// The two-digit year is taken as 2000-based with no century disambiguation,
// matching how brokers emit these symbols today.
func Decode(symbol string) (Contract, bool) {
	m := symbolRe.FindStringSubmatch(symbol)
	if m == nil {
		return Contract{}, false
	}

	year, _ := strconv.Atoi(m[2])
	month, _ := strconv.Atoi(m[3])
	day, _ := strconv.Atoi(m[4])

	// time.Date normalizes out-of-range components (Feb 30 becomes Mar 2),
	// so an impossible encoded date is detected by the round-trip mismatch.
	exp := time.Date(2000+year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if exp.Year() != 2000+year || exp.Month() != time.Month(month) || exp.Day() != day {
		return Contract{}, false
	}

	raw, err := strconv.ParseInt(m[6], 10, 64)
	if err != nil {
		return Contract{}, false
	}

	return Contract{
		Underlying: m[1],
		Expiration: exp,
		Type:       OptionType(m[5]),
		Strike:     decimal.New(raw, -3), // thousandths of a dollar
	}, true
}

// Encode builds an OCC-style symbol from its parts. The strike is rounded to
// the nearest thousandth of a dollar and zero-padded to 8 digits.
//
// Encode never re-appends a weekly suffix: encoding the decoded parts of
// "SPXW..." yields "SPX..." when the caller passed the display underlying.
// Round-trip equality holds only for underlyings without a weekly suffix.
func Encode(underlying string, expiration time.Time, typ OptionType, strike decimal.Decimal) string {
	strikeInt := strike.Mul(thousand).Round(0).IntPart()
	return fmt.Sprintf("%s%s%s%08d",
		strings.ToUpper(underlying),
		expiration.Format("060102"),
		typ,
		strikeInt,
	)
}

// DisplayUnderlying strips a trailing weekly "W" from an OCC underlying for
// presentation. "SPXW" displays as "SPX"; the stored symbol is unchanged.
func DisplayUnderlying(underlying string) string {
	if len(underlying) > 1 && strings.HasSuffix(underlying, "W") {
		return underlying[:len(underlying)-1]
	}
	return underlying
}
