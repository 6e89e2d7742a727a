// Package economy is the currency side of upkeep: where refunds go and
// where resource-cell deposits come from.
package economy

import (
	"sync"

	"claimcraft.ai/internal/claims/model"
)

// Backend is a player wallet service. Deposit and Withdraw report whether
// the transfer happened.
type Backend interface {
	Balance(player model.PlayerID) model.Money
	Deposit(player model.PlayerID, amount model.Money) bool
	Withdraw(player model.PlayerID, amount model.Money) bool
	HasEnough(player model.PlayerID, amount model.Money) bool
}

// Bank is an in-memory Backend.
type Bank struct {
	mu       sync.Mutex
	balances map[model.PlayerID]model.Money
	opening  model.Money
}

// NewBank returns a bank that opens every new account with opening.
func NewBank(opening model.Money) *Bank {
	return &Bank{balances: map[model.PlayerID]model.Money{}, opening: opening}
}

func (b *Bank) account(p model.PlayerID) model.Money {
	bal, ok := b.balances[p]
	if !ok {
		bal = b.opening
		b.balances[p] = bal
	}
	return bal
}

func (b *Bank) Balance(p model.PlayerID) model.Money {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.account(p)
}

func (b *Bank) Deposit(p model.PlayerID, amount model.Money) bool {
	if amount < 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[p] = b.account(p) + amount
	return true
}

func (b *Bank) Withdraw(p model.PlayerID, amount model.Money) bool {
	if amount < 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bal := b.account(p)
	if bal < amount {
		return false
	}
	b.balances[p] = bal - amount
	return true
}

func (b *Bank) HasEnough(p model.PlayerID, amount model.Money) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.account(p) >= amount
}
