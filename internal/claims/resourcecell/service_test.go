package resourcecell_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"

	"claimcraft.ai/internal/claims/claimstest"
	"claimcraft.ai/internal/claims/economy"
	"claimcraft.ai/internal/claims/ledger"
	"claimcraft.ai/internal/claims/merge"
	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/registry"
	"claimcraft.ai/internal/claims/resourcecell"
	"claimcraft.ai/internal/world"
)

type env struct {
	mem        *claimstest.Memory
	store      *registry.Store
	eng        *merge.Engine
	bank       *economy.Bank
	loop       *world.Loop
	containers *world.Containers
	svc        *resourcecell.Service
}

func newEnv(t *testing.T) env {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	mem := claimstest.NewMemory()
	store := registry.New(mem, registry.Config{Timeout: time.Second, Logger: quiet})
	if err := store.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	loop := world.NewLoop(8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = loop.Run(ctx) }()

	bank := economy.NewBank(model.FromCredits(100))
	containers := world.NewContainers()
	return env{
		mem:        mem,
		store:      store,
		eng:        merge.New(store, merge.Config{InitialGrace: 600, Economy: bank, Logger: quiet}),
		bank:       bank,
		loop:       loop,
		containers: containers,
		svc: resourcecell.New(store, bank, loop, containers, resourcecell.Config{
			GridSize:       16,
			PricePerSecond: model.FromCredits(1),
			Items:          ledger.ItemTable{"COAL": 60},
			Logger:         quiet,
		}),
	}
}

func (e env) put(t *testing.T, loc model.Location, item string, n int) {
	t.Helper()
	if err := e.loop.Do(context.Background(), func() { e.containers.Put(loc, item, n) }); err != nil {
		t.Fatalf("put: %v", err)
	}
}

func TestCreateRequiresOwnedRegionAndContainer(t *testing.T) {
	e := newEnv(t)
	owner, other := uuid.New(), uuid.New()
	ctx := context.Background()
	res, err := e.eng.Claim(ctx, merge.ClaimRequest{Owner: owner, Cell: model.CellKey{World: "world", X: 0, Z: 0}})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	loc := model.Location{World: "world", X: 5, Y: 64, Z: 7}

	if _, err := e.svc.Create(ctx, owner, loc); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("missing container: %v", err)
	}
	e.put(t, loc, "COAL", 2)
	if _, err := e.svc.Create(ctx, other, loc); !errors.Is(err, model.ErrNotOwner) {
		t.Fatalf("stranger: %v", err)
	}
	rc, err := e.svc.Create(ctx, owner, loc)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rc.RegionID != res.Region.ID || rc.ClaimID != res.Claim.ID {
		t.Fatalf("cell %+v", rc)
	}
	if got, ok := e.store.CellAt(loc); !ok || got.RegionID != res.Region.ID {
		t.Fatalf("cache: %+v %v", got, ok)
	}

	e.put(t, model.Location{World: "world", X: 6, Y: 64, Z: 7}, "COAL", 1)
	if _, err := e.svc.Create(ctx, owner, model.Location{World: "world", X: 6, Y: 64, Z: 7}); !errors.Is(err, model.ErrResourceCellExists) {
		t.Fatalf("second cell: %v", err)
	}

	st, err := e.svc.Status(ctx, res.Region.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.HasCell || st.ContainerSeconds != 120 || st.RemainingSeconds != 720 {
		t.Fatalf("status %+v", st)
	}

	if err := e.svc.Remove(ctx, owner, res.Region.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := e.store.ResourceCell(res.Region.ID); ok {
		t.Fatalf("cell still cached")
	}
}

func TestCurrencyMovesBetweenWalletAndRegion(t *testing.T) {
	e := newEnv(t)
	owner := uuid.New()
	ctx := context.Background()
	first, _ := e.eng.Claim(ctx, merge.ClaimRequest{Owner: owner, Cell: model.CellKey{World: "world", X: 0, Z: 0}})
	if _, err := e.eng.Claim(ctx, merge.ClaimRequest{Owner: owner, Cell: model.CellKey{World: "world", X: 1, Z: 0}}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	rid := first.Region.ID

	if err := e.svc.DepositCurrency(ctx, owner, rid, model.FromCredits(30)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if e.bank.Balance(owner) != model.FromCredits(70) {
		t.Fatalf("wallet %v", e.bank.Balance(owner))
	}
	for _, cl := range e.store.RegionClaims(rid) {
		if cl.Resources.Currency != model.FromCredits(30) {
			t.Fatalf("claim %d not mirrored: %+v", cl.ID, cl.Resources)
		}
	}
	if err := e.svc.WithdrawCurrency(ctx, owner, rid, model.FromCredits(31)); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("over-withdraw: %v", err)
	}
	if err := e.svc.WithdrawCurrency(ctx, owner, rid, model.FromCredits(10)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if e.bank.Balance(owner) != model.FromCredits(80) {
		t.Fatalf("wallet %v", e.bank.Balance(owner))
	}
	if r, _ := e.store.Region(rid); r.Resources.Currency != model.FromCredits(20) {
		t.Fatalf("region %+v", r.Resources)
	}
	if bad := e.store.CheckInvariants(); len(bad) > 0 {
		t.Fatalf("invariants: %v", bad)
	}
}

func TestDepositRefundsWalletOnRepositoryFailure(t *testing.T) {
	e := newEnv(t)
	owner := uuid.New()
	ctx := context.Background()
	first, _ := e.eng.Claim(ctx, merge.ClaimRequest{Owner: owner, Cell: model.CellKey{World: "world", X: 0, Z: 0}})

	e.mem.FailOnce("UpdateRegion", claimstest.ErrInjected)
	err := e.svc.DepositCurrency(ctx, owner, first.Region.ID, model.FromCredits(5))
	if !errors.Is(err, model.ErrRepository) {
		t.Fatalf("expected repository failure, got %v", err)
	}
	if e.bank.Balance(owner) != model.FromCredits(100) {
		t.Fatalf("wallet not refunded: %v", e.bank.Balance(owner))
	}
	if err := e.svc.DepositCurrency(ctx, owner, first.Region.ID, model.FromCredits(500)); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestUnclaimRefundsDepositedCurrency(t *testing.T) {
	e := newEnv(t)
	owner := uuid.New()
	ctx := context.Background()
	res, err := e.eng.Claim(ctx, merge.ClaimRequest{Owner: owner, Cell: model.CellKey{World: "world", X: 0, Z: 0}})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := e.svc.DepositCurrency(ctx, owner, res.Region.ID, model.FromCredits(60)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := e.bank.Balance(owner); got != model.FromCredits(40) {
		t.Fatalf("balance after deposit %s", got)
	}

	out, err := e.eng.Unclaim(ctx, owner, res.Claim.Cell)
	if err != nil {
		t.Fatalf("unclaim: %v", err)
	}
	if !out.RegionDeleted || out.Refund != model.FromCredits(60) {
		t.Fatalf("unclaim result %+v", out)
	}
	if got := e.bank.Balance(owner); got != model.FromCredits(100) {
		t.Fatalf("balance after unclaim %s, want 100.00", got)
	}
}
