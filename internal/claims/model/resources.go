package model

import (
	"fmt"
	"math"
)

// Money is an amount of currency in micro-credits.
type Money int64

const microPerCredit = 1_000_000

func FromCredits(c float64) Money {
	return Money(math.Round(c * microPerCredit))
}

func (m Money) Credits() float64 { return float64(m) / microPerCredit }

func (m Money) String() string { return fmt.Sprintf("%.2f", m.Credits()) }

// PricePerSecondFromHourly converts an hourly price to a per-second price,
// rounding once to whole micro-credits.
func PricePerSecondFromHourly(perHour float64) Money {
	p := Money(math.Round(perHour * microPerCredit / 3600))
	if p < 1 {
		p = 1
	}
	return p
}

// Snapshot is the upkeep reservoir of a claim or region.
type Snapshot struct {
	ItemSeconds  int64
	Currency     Money
	GraceSeconds int64
}

// Plus adds o to s field by field.
func (s Snapshot) Plus(o Snapshot) Snapshot {
	s.ItemSeconds += o.ItemSeconds
	s.Currency += o.Currency
	s.GraceSeconds += o.GraceSeconds
	return s
}

func (s Snapshot) Exhausted() bool {
	return s.ItemSeconds <= 0 && s.Currency <= 0 && s.GraceSeconds <= 0
}

// RemainingSeconds is the upkeep time the snapshot still covers at price.
func (s Snapshot) RemainingSeconds(price Money) int64 {
	total := max64(s.ItemSeconds, 0) + max64(s.GraceSeconds, 0)
	if price > 0 && s.Currency > 0 {
		total += int64(s.Currency / price)
	}
	return total
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
