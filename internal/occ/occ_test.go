package occ

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name       string
		symbol     string
		wantOK     bool
		underlying string
		expiration string
		typ        OptionType
		strike     string
	}{
		{
			name:       "standard call",
			symbol:     "AAPL260116C00200000",
			wantOK:     true,
			underlying: "AAPL",
			expiration: "2026-01-16",
			typ:        Call,
			strike:     "200",
		},
		{
			name:       "weekly SPX put",
			symbol:     "SPXW260107P06920000",
			wantOK:     true,
			underlying: "SPXW",
			expiration: "2026-01-07",
			typ:        Put,
			strike:     "6920",
		},
		{
			name:       "fractional strike",
			symbol:     "F250620C00005500",
			wantOK:     true,
			underlying: "F",
			expiration: "2025-06-20",
			typ:        Call,
			strike:     "5.5",
		},
		{name: "plain equity ticker", symbol: "AAPL", wantOK: false},
		{name: "lowercase underlying", symbol: "aapl260116C00200000", wantOK: false},
		{name: "missing type flag", symbol: "AAPL26011600200000", wantOK: false},
		{name: "month out of range", symbol: "AAPL261316C00200000", wantOK: false},
		{name: "day out of range", symbol: "AAPL260132C00200000", wantOK: false},
		{name: "impossible calendar date", symbol: "AAPL260230C00200000", wantOK: false},
		{name: "day zero", symbol: "AAPL260100C00200000", wantOK: false},
		{name: "empty", symbol: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := Decode(tt.symbol)
			if ok != tt.wantOK {
				t.Fatalf("Decode(%q) ok = %v, want %v", tt.symbol, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if c.Underlying != tt.underlying {
				t.Errorf("underlying = %q, want %q", c.Underlying, tt.underlying)
			}
			if got := c.Expiration.Format("2006-01-02"); got != tt.expiration {
				t.Errorf("expiration = %s, want %s", got, tt.expiration)
			}
			if c.Type != tt.typ {
				t.Errorf("type = %q, want %q", c.Type, tt.typ)
			}
			if want, _ := decimal.NewFromString(tt.strike); !c.Strike.Equal(want) {
				t.Errorf("strike = %s, want %s", c.Strike, tt.strike)
			}
		})
	}
}

func TestEncode(t *testing.T) {
	exp := time.Date(2026, time.January, 16, 0, 0, 0, 0, time.UTC)
	got := Encode("AAPL", exp, Call, decimal.NewFromInt(200))
	if got != "AAPL260116C00200000" {
		t.Errorf("Encode = %q, want AAPL260116C00200000", got)
	}

	// Strike rounds to the nearest thousandth before padding.
	got = Encode("F", time.Date(2025, time.June, 20, 0, 0, 0, 0, time.UTC), Call, decimal.RequireFromString("5.5"))
	if got != "F250620C00005500" {
		t.Errorf("Encode fractional = %q, want F250620C00005500", got)
	}
}

// Round-trip equality is guaranteed only for underlyings without a weekly
// suffix; Encode never re-appends a stripped W.
func TestRoundTrip(t *testing.T) {
	symbols := []string{
		"AAPL260116C00200000",
		"SPX260107P06920000",
		"TSLA250321P00180500",
		"F250620C00005500",
	}
	for _, sym := range symbols {
		c, ok := Decode(sym)
		if !ok {
			t.Fatalf("Decode(%q) failed", sym)
		}
		if got := Encode(c.Underlying, c.Expiration, c.Type, c.Strike); got != sym {
			t.Errorf("Encode(Decode(%q)) = %q", sym, got)
		}
	}
}

func TestWeeklySuffixAsymmetry(t *testing.T) {
	c, ok := Decode("SPXW260107P06920000")
	if !ok {
		t.Fatal("Decode failed")
	}

	// Decoding preserves the raw underlying; stripping is display-only.
	if c.Underlying != "SPXW" {
		t.Errorf("Underlying = %q, want SPXW", c.Underlying)
	}
	if got := DisplayUnderlying(c.Underlying); got != "SPX" {
		t.Errorf("DisplayUnderlying = %q, want SPX", got)
	}

	// Encoding the display underlying does not re-append the W: the
	// round trip lands on the non-weekly symbol.
	got := Encode(DisplayUnderlying(c.Underlying), c.Expiration, c.Type, c.Strike)
	if got != "SPX260107P06920000" {
		t.Errorf("Encode = %q, want SPX260107P06920000", got)
	}
}

func TestDisplayUnderlying(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SPXW", "SPX"},
		{"SPX", "SPX"},
		{"AAPL", "AAPL"},
		{"W", "W"}, // single letter is a real ticker, not a suffix
	}
	for _, tt := range tests {
		if got := DisplayUnderlying(tt.in); got != tt.want {
			t.Errorf("DisplayUnderlying(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
