// Package pair provides normalized asset pair identifiers.
package pair

import (
	"fmt"
	"strings"
)

// Pair is a normalized asset pair identifier: base and quote symbols,
// uppercase, with separators removed. Equality on the normalized form is
// case and separator insensitive.
type Pair struct {
	Base  string
	Quote string
}

var separators = []string{"/", "-", "_", ":", " "}

// Quote currencies recognized when parsing an unseparated symbol such as
// "BTCUSDT". Longest match wins.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "TUSD", "USD", "EUR", "GBP", "JPY", "BTC", "ETH", "BNB"}

// Parse normalizes a raw symbol into a Pair. Accepts separated forms
// ("btc/usdt", "BTC-USDT") and unseparated forms ("BTCUSDT").
func Parse(raw string) (Pair, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return Pair{}, fmt.Errorf("empty symbol")
	}

	for _, sep := range separators {
		if i := strings.Index(s, sep); i > 0 {
			base := s[:i]
			quote := strings.TrimSpace(s[i+len(sep):])
			if base == "" || quote == "" {
				return Pair{}, fmt.Errorf("malformed symbol %q", raw)
			}
			return Pair{Base: base, Quote: quote}, nil
		}
	}

	// No separator: split on a known quote suffix, longest first.
	for _, q := range knownQuotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return Pair{Base: s[:len(s)-len(q)], Quote: q}, nil
		}
	}

	return Pair{}, fmt.Errorf("cannot infer quote currency from %q", raw)
}

// MustParse is Parse that panics on error; for literals in tests and config defaults.
func MustParse(raw string) Pair {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// Symbol returns the canonical unseparated form, e.g. "BTCUSDT".
func (p Pair) Symbol() string {
	return p.Base + p.Quote
}

// String implements fmt.Stringer.
func (p Pair) String() string {
	return p.Symbol()
}

// Equal reports whether two raw symbols identify the same pair.
func Equal(a, b string) bool {
	pa, errA := Parse(a)
	pb, errB := Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return pa == pb
}
