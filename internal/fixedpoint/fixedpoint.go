// Package fixedpoint converts the human-entered decimal strings found in
// configuration (whole base-token units, e.g. "0.05") into 18-decimal
// fixed-point 256-bit integers suitable for on-chain comparison.
package fixedpoint

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

const decimals = 18

// ParseTokenAmount parses a decimal string such as "1.5" or "0.0003" into its
// wei-equivalent representation (18 decimal places), erroring on malformed
// input, a leading minus sign, or more fractional digits than the fixed-point scale
// supports.
func ParseTokenAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("fixedpoint: empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("fixedpoint: negative amount %q not allowed", s)
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if !hasFrac {
		frac = ""
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("fixedpoint: %q has more than %d fractional digits", s, decimals)
	}
	frac = frac + strings.Repeat("0", decimals-len(frac))

	combined := whole + frac
	combined = strings.TrimLeft(combined, "0")
	if combined == "" {
		combined = "0"
	}

	out, err := uint256.FromDecimal(combined)
	if err != nil {
		return nil, fmt.Errorf("fixedpoint: parsing %q: %w", s, err)
	}
	return out, nil
}
