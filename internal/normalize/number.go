// Package normalize converts heterogeneous upstream payloads into
// canonical book records. Pure functions only; no I/O, no shared state.
package normalize

import (
	"math"
	"strconv"
	"strings"
)

// Suffix multipliers used by the upstream for abbreviated counters.
const (
	wanMultiplier  = 10_000
	qianMultiplier = 1_000
	yiMultiplier   = 100_000_000
)

// ParseNumber converts an upstream counter string into an integer.
// Recognized grammar: optional thousands separators, then
// digits[.digits], then an optional unit suffix (万, 千, 亿).
// Decimal forms round half away from zero ("1.2万" -> 12000).
// Anything outside the grammar resolves to def; ParseNumber never
// fails.
func ParseNumber(raw string, def int64) int64 {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def
	}
	s = strings.ReplaceAll(s, ",", "")

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "万"):
		multiplier = wanMultiplier
		s = strings.TrimSuffix(s, "万")
	case strings.HasSuffix(s, "千"):
		multiplier = qianMultiplier
		s = strings.TrimSuffix(s, "千")
	case strings.HasSuffix(s, "亿"):
		multiplier = yiMultiplier
		s = strings.TrimSuffix(s, "亿")
	}

	if multiplier == 1 {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		// Plain decimals ("12.0") appear occasionally; round them.
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return int64(math.Round(f))
		}
		return def
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return def
	}
	return int64(math.Round(f * float64(multiplier)))
}

// numberFromValue handles the fact that upstream counters arrive as
// JSON numbers or as unit-suffixed strings, depending on endpoint
// vintage.
func numberFromValue(v any, def int64) int64 {
	switch n := v.(type) {
	case float64:
		return int64(math.Round(n))
	case string:
		return ParseNumber(n, def)
	case nil:
		return def
	default:
		return def
	}
}
