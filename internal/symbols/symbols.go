// Package symbols maps exchange-specific product symbols to canonical ids.
// Everything downstream of the adapters sees canonical ids only.
package symbols

import (
	"strings"
)

// Kraken uses legacy X/Z-prefixed pair names on some endpoints
// (XXBTZUSD) and slash pairs (BTC/USD) on WS v2.
var krakenAliases = map[string]string{
	"XXBTZUSD": "BTC-USD",
	"XBTUSD":   "BTC-USD",
	"XETHZUSD": "ETH-USD",
	"XLTCZUSD": "LTC-USD",
	"XBCHZUSD": "BCH-USD",
}

// Canonical converts an exchange-specific symbol to the canonical
// BASE-QUOTE product id, e.g. "BTC/USD" and "BTC-USD" both map to "BTC-USD".
func Canonical(exchange, symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))

	if strings.EqualFold(exchange, "kraken") {
		if canon, ok := krakenAliases[s]; ok {
			return canon
		}
	}

	s = strings.ReplaceAll(s, "/", "-")
	if strings.Contains(s, "-") {
		return s
	}

	// No separator: split on a known quote currency suffix.
	for _, quote := range []string{"USDT", "USDC", "USD", "EUR", "GBP"} {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return s[:len(s)-len(quote)] + "-" + quote
		}
	}
	return s
}

// Compact strips separators from a symbol, the form used to match products
// against the high-volume set (BTC/USD -> BTCUSD).
func Compact(symbol string) string {
	r := strings.NewReplacer("/", "", "-", "", ".", "", "\\", "")
	return strings.ToUpper(r.Replace(symbol))
}
