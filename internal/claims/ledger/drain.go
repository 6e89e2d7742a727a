// Package ledger converts elapsed upkeep time into consumption of a
// claim's resources. Nothing here touches storage or the world.
package ledger

import "claimcraft.ai/internal/claims/model"

type Consumed struct {
	ItemSeconds  int64
	Currency     model.Money
	GraceSeconds int64
	// Unpaid is the upkeep no source could cover.
	Unpaid int64
	// Forfeited is the part of Currency that was too small to buy a whole
	// second when the snapshot ran dry. It is included in Currency.
	Forfeited model.Money
}

// Drain charges elapsed seconds against s: item buffer first, then
// currency at price per second, then the grace allowance.
//
// Currency pays whole seconds only; a residue smaller than one second's
// price stays in the balance until upkeep goes unpaid, at which point the
// snapshot is zeroed. This keeps Drain additive over any split of elapsed.
func Drain(s model.Snapshot, elapsed int64, price model.Money) (model.Snapshot, Consumed) {
	var c Consumed
	if elapsed <= 0 {
		return s, c
	}
	remaining := elapsed

	if s.ItemSeconds > 0 {
		used := min64(s.ItemSeconds, remaining)
		s.ItemSeconds -= used
		c.ItemSeconds = used
		remaining -= used
	}

	if remaining > 0 && s.Currency > 0 && price > 0 {
		affordable := int64(s.Currency / price)
		secs := min64(affordable, remaining)
		cost := model.Money(secs) * price
		s.Currency -= cost
		c.Currency = cost
		remaining -= secs
	}

	if remaining > 0 && s.GraceSeconds > 0 {
		used := min64(s.GraceSeconds, remaining)
		s.GraceSeconds -= used
		c.GraceSeconds = used
		remaining -= used
	}

	if remaining > 0 {
		// Nothing left can pay a whole second; the residue goes with it.
		if s.Currency > 0 {
			c.Currency += s.Currency
			c.Forfeited = s.Currency
		}
		s = model.Snapshot{}
		c.Unpaid = remaining
	}
	if s.ItemSeconds < 0 {
		s.ItemSeconds = 0
	}
	if s.GraceSeconds < 0 {
		s.GraceSeconds = 0
	}
	if s.Currency < 0 {
		s.Currency = 0
	}
	return s, c
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
