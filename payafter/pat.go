package payafter

import "github.com/holiman/uint256"

// WhenValid is the time at which this PAT's reward curve first pays out.
func (p *Pat) WhenValid() uint64 { return p.Fees.WhenValid() }

// WhenExpires is the time of this PAT's kill-fee entry, if any.
func (p *Pat) WhenExpires() uint64 { return p.Fees.WhenExpires() }

// WhenIsFeeAtLeast delegates to the underlying reward curve.
func (p *Pat) WhenIsFeeAtLeast(target *uint256.Int) (uint64, bool) {
	return p.Fees.WhenIsFeeAtLeast(target)
}
