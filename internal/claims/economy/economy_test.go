package economy

import (
	"sync"
	"testing"

	"github.com/google/uuid"

	"claimcraft.ai/internal/claims/model"
)

func TestBank(t *testing.T) {
	b := NewBank(model.FromCredits(10))
	p := uuid.New()
	if b.Balance(p) != model.FromCredits(10) {
		t.Fatalf("opening balance %v", b.Balance(p))
	}
	if b.Withdraw(p, model.FromCredits(11)) {
		t.Fatalf("overdraft allowed")
	}
	if !b.Withdraw(p, model.FromCredits(4)) || b.Balance(p) != model.FromCredits(6) {
		t.Fatalf("withdraw: %v", b.Balance(p))
	}
	if !b.Deposit(p, model.FromCredits(1.5)) || b.Balance(p) != model.FromCredits(7.5) {
		t.Fatalf("deposit: %v", b.Balance(p))
	}
	if b.Deposit(p, -1) || b.Withdraw(p, -1) {
		t.Fatalf("negative amounts must be refused")
	}
	if !b.HasEnough(p, model.FromCredits(7.5)) || b.HasEnough(p, model.FromCredits(7.6)) {
		t.Fatalf("has enough")
	}
}

func TestBankConcurrentWithdrawNeverOverdraws(t *testing.T) {
	b := NewBank(100)
	p := uuid.New()
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if b.Withdraw(p, 3) {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if ok != 33 || b.Balance(p) != 1 {
		t.Fatalf("withdrawals=%d balance=%d", ok, b.Balance(p))
	}
}
