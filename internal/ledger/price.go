package ledger

import "time"

// PricePolicy chooses the unit price a member pays for an article at a point
// in time. The business rule for tiered pricing lives outside this package;
// the recorder takes any implementation.
type PricePolicy interface {
	SelectPrice(member Member, article Article, at time.Time) (Price, bool)
}

// PricePolicyFunc adapts a plain function to PricePolicy.
type PricePolicyFunc func(member Member, article Article, at time.Time) (Price, bool)

// SelectPrice calls f.
func (f PricePolicyFunc) SelectPrice(member Member, article Article, at time.Time) (Price, bool) {
	return f(member, article, at)
}

// CurrentPricePolicy is the default policy.
//
// Candidates are the prices valid on the day of the sale whose Tier is either
// empty or equal to the member's Tier. A tier-specific price beats a general
// one; among prices of equal specificity the cheapest wins. If still tied, the
// earlier entry in the price list wins so the result is deterministic.
type CurrentPricePolicy struct{}

// SelectPrice implements PricePolicy.
func (CurrentPricePolicy) SelectPrice(member Member, article Article, at time.Time) (Price, bool) {
	var (
		best     Price
		bestRank = -1
	)
	for _, p := range article.Prices {
		if !p.ValidOn(at) {
			continue
		}
		rank := 0
		switch {
		case p.Tier == "":
		case p.Tier == member.Tier:
			rank = 1
		default:
			continue
		}
		if rank > bestRank || (rank == bestRank && p.UnitPrice.LessThan(best.UnitPrice)) {
			best, bestRank = p, rank
		}
	}
	return best, bestRank >= 0
}
