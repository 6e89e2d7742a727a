package upkeep_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"claimcraft.ai/internal/claims/claimstest"
	"claimcraft.ai/internal/claims/economy"
	"claimcraft.ai/internal/claims/ledger"
	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/registry"
	"claimcraft.ai/internal/claims/upkeep"
	"claimcraft.ai/internal/protocol"
	"claimcraft.ai/internal/world"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	upkeep []upkeep.LogEntry
	audit  []model.AuditEntry
}

func (r *recorder) WriteUpkeep(e upkeep.LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upkeep = append(r.upkeep, e)
	return nil
}

func (r *recorder) WriteAudit(e model.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audit = append(r.audit, e)
	return nil
}

type env struct {
	mem        *claimstest.Memory
	store      *registry.Store
	bank       *economy.Bank
	loop       *world.Loop
	containers *world.Containers
	notes      *claimstest.Notifier
	rec        *recorder
	sched      *upkeep.Scheduler
}

func newEnv(t *testing.T, cfg upkeep.Config, seed func(mem *claimstest.Memory)) env {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	mem := claimstest.NewMemory()
	if seed != nil {
		seed(mem)
	}
	store := registry.New(mem, registry.Config{Timeout: time.Second, Logger: quiet})
	if err := store.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	loop := world.NewLoop(8)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = loop.Run(ctx) }()

	rec := &recorder{}
	if cfg.Period == 0 {
		cfg.Period = time.Minute
	}
	if cfg.PricePerSecond == 0 {
		cfg.PricePerSecond = model.FromCredits(1)
	}
	if cfg.Items == nil {
		cfg.Items = ledger.ItemTable{"COAL": 60}
	}
	cfg.Logger = quiet
	cfg.Audit = rec
	cfg.UpkeepLog = rec

	e := env{
		mem:        mem,
		store:      store,
		bank:       economy.NewBank(0),
		loop:       loop,
		containers: world.NewContainers(),
		notes:      &claimstest.Notifier{},
		rec:        rec,
	}
	e.sched = upkeep.New(store, e.bank, loop, e.containers, e.notes, cfg)
	return e
}

func (e env) onLoop(t *testing.T, fn func()) {
	t.Helper()
	if err := e.loop.Do(context.Background(), fn); err != nil {
		t.Fatalf("loop: %v", err)
	}
}

func (e env) consistent(t *testing.T) {
	t.Helper()
	if bad := e.store.CheckInvariants(); len(bad) > 0 {
		t.Fatalf("invariants: %v", bad)
	}
}

var cellLoc = model.Location{World: "world", X: 5, Y: 64, Z: 5}

// region seeds a region with one claim per cell, all carrying res.
func region(mem *claimstest.Memory, id int64, owner model.PlayerID, res model.Snapshot, withCell bool, cells ...model.CellKey) {
	r := model.Region{ID: id, Owner: owner, World: "world", Name: model.DefaultRegionName(id), Resources: res, CreatedAt: t0}
	var claims []model.Claim
	for i, k := range cells {
		claims = append(claims, model.Claim{
			ID:        id*10 + int64(i) + 1,
			Owner:     owner,
			Cell:      k,
			RegionID:  id,
			Name:      model.DefaultClaimName(k),
			Resources: res,
			ClaimedAt: t0,
		})
	}
	var rcs []model.ResourceCell
	if withCell {
		rcs = append(rcs, model.ResourceCell{
			RegionID:       id,
			ClaimID:        claims[0].ID,
			Location:       cellLoc,
			PricePerSecond: model.FromCredits(1),
			CreatedAt:      t0,
		})
	}
	mem.Seed([]model.Region{r}, claims, rcs)
}

func cell(x, z int) model.CellKey { return model.CellKey{World: "world", X: x, Z: z} }

func TestExhaustedRegionIsDissolved(t *testing.T) {
	owner := uuid.New()
	e := newEnv(t, upkeep.Config{Period: 5 * time.Minute}, func(mem *claimstest.Memory) {
		region(mem, 1, owner, model.Snapshot{ItemSeconds: 120, Currency: model.FromCredits(10.5)}, true, cell(0, 0), cell(1, 0))
	})
	e.onLoop(t, func() { e.containers.Put(cellLoc, "DIRT", 5) })

	rep := e.sched.RunOnce(context.Background(), t0.Add(300*time.Second))
	if len(rep.Dissolved) != 1 || rep.Dissolved[0] != 1 {
		t.Fatalf("report %+v", rep)
	}
	if e.mem.ClaimCount() != 0 || e.mem.RegionCount() != 0 {
		t.Fatalf("repository still holds claims=%d regions=%d", e.mem.ClaimCount(), e.mem.RegionCount())
	}
	if _, ok := e.store.Region(1); ok {
		t.Fatalf("region still cached")
	}
	if _, ok := e.store.ResourceCell(1); ok {
		t.Fatalf("cell still cached")
	}
	if _, found, _ := e.store.Peek(cell(0, 0)); found {
		t.Fatalf("claim still cached")
	}
	// 120s of items and 10s of currency paid; the half credit could not buy
	// a second and goes back to the owner.
	if got := e.bank.Balance(owner); got != model.FromCredits(0.5) {
		t.Fatalf("refund %v", got)
	}

	sent := e.notes.Sent()
	if len(sent) != 1 || sent[0].Msg.Kind != protocol.NotifyDissolved || sent[0].Msg.Refund != "0.50" || len(sent[0].Msg.ClaimIDs) != 2 {
		t.Fatalf("notifications %+v", sent)
	}

	var ground []world.GroundStack
	var left int
	e.onLoop(t, func() { ground, left = e.containers.Ground(), e.containers.Len() })
	if left != 0 || len(ground) != 1 || ground[0].Item != "DIRT" || ground[0].Count != 5 {
		t.Fatalf("container not released: left=%d ground=%+v", left, ground)
	}

	var logged bool
	for _, le := range e.rec.upkeep {
		if le.RegionID == 1 && le.Outcome == upkeep.OutcomeDissolved {
			logged = true
			if le.ItemsUsed != 120 || le.Unpaid != 170 {
				t.Fatalf("log entry %+v", le)
			}
		}
	}
	if !logged {
		t.Fatalf("no dissolution record: %+v", e.rec.upkeep)
	}
	if len(e.rec.audit) != 1 || e.rec.audit[0].Action != "DISSOLVE" {
		t.Fatalf("audit %+v", e.rec.audit)
	}
	e.consistent(t)
}

func TestTopUpFromContainer(t *testing.T) {
	owner := uuid.New()
	e := newEnv(t, upkeep.Config{MinBuffer: 60}, func(mem *claimstest.Memory) {
		region(mem, 1, owner, model.Snapshot{GraceSeconds: 1000}, true, cell(0, 0), cell(0, 1))
	})
	e.onLoop(t, func() { e.containers.Put(cellLoc, "COAL", 3) })

	rep := e.sched.RunOnce(context.Background(), t0.Add(time.Minute))
	if len(rep.Charged) != 1 {
		t.Fatalf("report %+v", rep)
	}
	// 60s to pay plus 60s of buffer: two coal.
	want := model.Snapshot{ItemSeconds: 60, GraceSeconds: 1000}
	if r, _ := e.store.Region(1); r.Resources != want {
		t.Fatalf("region %+v", r.Resources)
	}
	for _, cl := range e.store.RegionClaims(1) {
		if cl.Resources != want {
			t.Fatalf("claim %d not mirrored: %+v", cl.ID, cl.Resources)
		}
	}
	if r, _ := e.mem.Region(1); r.Resources != want {
		t.Fatalf("repository %+v", r.Resources)
	}
	var coal int
	e.onLoop(t, func() {
		inv, _ := e.containers.Inventory(cellLoc)
		coal = inv["COAL"]
	})
	if coal != 1 {
		t.Fatalf("coal left %d", coal)
	}
	e.consistent(t)
}

func TestFailedPersistReturnsItemsAndRetries(t *testing.T) {
	owner := uuid.New()
	e := newEnv(t, upkeep.Config{MinBuffer: 60}, func(mem *claimstest.Memory) {
		region(mem, 1, owner, model.Snapshot{GraceSeconds: 1000}, true, cell(0, 0))
	})
	e.onLoop(t, func() { e.containers.Put(cellLoc, "COAL", 3) })
	e.mem.FailOnce("UpdateRegion", claimstest.ErrInjected)

	rep := e.sched.RunOnce(context.Background(), t0.Add(time.Minute))
	if len(rep.Failed) != 1 || len(rep.Charged) != 0 {
		t.Fatalf("report %+v", rep)
	}
	coal := func() int {
		var n int
		e.onLoop(t, func() {
			inv, _ := e.containers.Inventory(cellLoc)
			n = inv["COAL"]
		})
		return n
	}
	if got := coal(); got != 3 {
		t.Fatalf("items not returned: %d", got)
	}
	if r, _ := e.store.Region(1); r.Resources.GraceSeconds != 1000 || r.Resources.ItemSeconds != 0 {
		t.Fatalf("cache changed: %+v", r.Resources)
	}

	// The next cycle charges both minutes.
	rep = e.sched.RunOnce(context.Background(), t0.Add(2*time.Minute))
	if len(rep.Charged) != 1 {
		t.Fatalf("retry report %+v", rep)
	}
	if r, _ := e.store.Region(1); r.Resources != (model.Snapshot{ItemSeconds: 60, GraceSeconds: 1000}) {
		t.Fatalf("after retry %+v", r.Resources)
	}
	if got := coal(); got != 0 {
		t.Fatalf("coal left %d", got)
	}
	e.consistent(t)
}

func TestMissingContainerDropsCell(t *testing.T) {
	owner := uuid.New()
	e := newEnv(t, upkeep.Config{MinBuffer: 60}, func(mem *claimstest.Memory) {
		region(mem, 1, owner, model.Snapshot{GraceSeconds: 600}, true, cell(0, 0), cell(1, 0))
	})

	rep := e.sched.RunOnce(context.Background(), t0.Add(time.Minute))
	if len(rep.CellsRemoved) != 1 {
		t.Fatalf("report %+v", rep)
	}
	if _, ok := e.store.ResourceCell(1); ok {
		t.Fatalf("cell still cached")
	}
	if kinds := e.notes.Kinds(owner); len(kinds) != 1 || kinds[0] != protocol.NotifyCellRemoved {
		t.Fatalf("notifications %v", kinds)
	}
	// Without its cell the region pays from grace in the same cycle.
	if r, _ := e.store.Region(1); r.Resources.GraceSeconds != 540 {
		t.Fatalf("region %+v", r.Resources)
	}
	for _, cl := range e.store.RegionClaims(1) {
		if cl.Resources.GraceSeconds != 540 {
			t.Fatalf("claim %d %+v", cl.ID, cl.Resources)
		}
	}
	e.consistent(t)
}

func TestClaimsWithoutCellDissolveIndividually(t *testing.T) {
	lone, other := uuid.New(), uuid.New()
	e := newEnv(t, upkeep.Config{}, func(mem *claimstest.Memory) {
		mem.Seed(nil, []model.Claim{{
			ID: 50, Owner: lone, Cell: cell(9, 9), Name: "lone",
			Resources: model.Snapshot{GraceSeconds: 30}, ClaimedAt: t0,
		}}, nil)
		region(mem, 2, other, model.Snapshot{GraceSeconds: 100}, false, cell(0, 0), cell(0, 1))
	})
	ctx := context.Background()

	rep := e.sched.RunOnce(ctx, t0.Add(time.Minute))
	if len(rep.DissolvedClaims) != 1 || rep.DissolvedClaims[0] != 50 || len(rep.Dissolved) != 0 {
		t.Fatalf("first report %+v", rep)
	}
	if kinds := e.notes.Kinds(lone); len(kinds) != 1 || kinds[0] != protocol.NotifyDissolved {
		t.Fatalf("lone owner notifications %v", kinds)
	}
	if len(e.notes.Kinds(other)) != 0 {
		t.Fatalf("region owner notified early")
	}
	for _, cl := range e.store.RegionClaims(2) {
		if cl.Resources.GraceSeconds != 40 {
			t.Fatalf("claim %d %+v", cl.ID, cl.Resources)
		}
	}
	e.consistent(t)

	rep = e.sched.RunOnce(ctx, t0.Add(2*time.Minute))
	if len(rep.DissolvedClaims) != 2 || len(rep.Dissolved) != 1 || rep.Dissolved[0] != 2 {
		t.Fatalf("second report %+v", rep)
	}
	if e.mem.ClaimCount() != 0 || e.mem.RegionCount() != 0 {
		t.Fatalf("repository claims=%d regions=%d", e.mem.ClaimCount(), e.mem.RegionCount())
	}
	if got, _ := e.store.ClaimsOf(ctx, other); len(got) != 0 {
		t.Fatalf("owner still lists %v", got)
	}
	e.consistent(t)
}

func TestLowUpkeepWarnsOnce(t *testing.T) {
	owner := uuid.New()
	e := newEnv(t, upkeep.Config{LowUpkeepWarning: 2000}, func(mem *claimstest.Memory) {
		region(mem, 1, owner, model.Snapshot{GraceSeconds: 1000}, true, cell(0, 0))
	})
	e.onLoop(t, func() { e.containers.Place(cellLoc) })

	e.sched.RunOnce(context.Background(), t0.Add(time.Minute))
	e.sched.RunOnce(context.Background(), t0.Add(2*time.Minute))
	sent := e.notes.Sent()
	if len(sent) != 1 || sent[0].Msg.Kind != protocol.NotifyLowUpkeep || sent[0].Msg.RemainingSec != 940 {
		t.Fatalf("notifications %+v", sent)
	}
}

func TestCycleSkippedWhileCacheUnloaded(t *testing.T) {
	owner := uuid.New()
	e := newEnv(t, upkeep.Config{}, func(mem *claimstest.Memory) {
		region(mem, 1, owner, model.Snapshot{GraceSeconds: 1000}, true, cell(0, 0))
	})
	e.onLoop(t, func() { e.containers.Place(cellLoc) })
	ctx := context.Background()

	e.store.Invalidate()
	if rep := e.sched.RunOnce(ctx, t0.Add(time.Minute)); !rep.Skipped {
		t.Fatalf("expected skipped cycle: %+v", rep)
	}
	if r, _ := e.mem.Region(1); r.Resources.GraceSeconds != 1000 {
		t.Fatalf("charged while unloaded: %+v", r.Resources)
	}
	if err := e.store.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	// The skipped minute is charged once the cache is back.
	e.sched.RunOnce(ctx, t0.Add(2*time.Minute))
	if r, _ := e.mem.Region(1); r.Resources.GraceSeconds != 880 {
		t.Fatalf("after reload: %+v", r.Resources)
	}
}

func TestCellPlacedMidPeriodPaysSinceLooseCharge(t *testing.T) {
	owner := uuid.New()
	e := newEnv(t, upkeep.Config{}, func(mem *claimstest.Memory) {
		region(mem, 1, owner, model.Snapshot{GraceSeconds: 1000}, false, cell(0, 0))
	})
	ctx := context.Background()

	e.sched.RunOnce(ctx, t0.Add(time.Minute))
	if r, _ := e.mem.Region(1); r.Resources.GraceSeconds != 940 {
		t.Fatalf("loose charge: %+v", r.Resources)
	}

	rc := model.ResourceCell{
		RegionID:       1,
		ClaimID:        11,
		Location:       cellLoc,
		PricePerSecond: model.FromCredits(1),
		CreatedAt:      t0.Add(90 * time.Second),
	}
	_, err := e.store.Apply(ctx, func(ctx context.Context, tx registry.Repository) (registry.Change, error) {
		if err := tx.CreateResourceCell(ctx, rc); err != nil {
			return registry.Change{}, err
		}
		return registry.Change{PutCells: []model.ResourceCell{rc}}, nil
	})
	if err != nil {
		t.Fatalf("place cell: %v", err)
	}
	e.onLoop(t, func() { e.containers.Place(cellLoc) })

	// The half minute before the cell appeared is charged too.
	rep := e.sched.RunOnce(ctx, t0.Add(2*time.Minute))
	if len(rep.Charged) != 1 || rep.Charged[0] != 1 {
		t.Fatalf("report %+v", rep)
	}
	if r, _ := e.mem.Region(1); r.Resources.GraceSeconds != 880 {
		t.Fatalf("after cell placed: %+v", r.Resources)
	}
	e.consistent(t)
}

func TestOwnerDissolvesRegion(t *testing.T) {
	owner, stranger := uuid.New(), uuid.New()
	e := newEnv(t, upkeep.Config{}, func(mem *claimstest.Memory) {
		region(mem, 1, owner, model.Snapshot{ItemSeconds: 30, Currency: model.FromCredits(60), GraceSeconds: 100}, true, cell(0, 0), cell(1, 0))
	})
	e.onLoop(t, func() { e.containers.Put(cellLoc, "COAL", 3) })
	ctx := context.Background()

	if _, err := e.sched.Dissolve(ctx, stranger, model.RegionScope(1)); !errors.Is(err, model.ErrNotOwner) {
		t.Fatalf("stranger dissolve: %v", err)
	}
	if _, err := e.sched.Dissolve(ctx, owner, model.RegionScope(9)); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("missing region: %v", err)
	}

	out, err := e.sched.Dissolve(ctx, owner, model.ClaimScope(12))
	if err != nil {
		t.Fatalf("dissolve: %v", err)
	}
	if out.RegionID != 1 || len(out.ClaimIDs) != 2 || out.Refund != model.FromCredits(60) {
		t.Fatalf("dissolution %+v", out)
	}
	if got := e.bank.Balance(owner); got != model.FromCredits(60) {
		t.Fatalf("balance %s, want 60.00", got)
	}
	if e.mem.ClaimCount() != 0 || e.mem.RegionCount() != 0 {
		t.Fatalf("repository claims=%d regions=%d", e.mem.ClaimCount(), e.mem.RegionCount())
	}
	if _, ok := e.store.ResourceCell(1); ok {
		t.Fatalf("cell still cached")
	}

	var ground []world.GroundStack
	var left int
	e.onLoop(t, func() { ground, left = e.containers.Ground(), e.containers.Len() })
	if left != 0 || len(ground) != 1 || ground[0].Item != "COAL" || ground[0].Count != 3 {
		t.Fatalf("container not released: left=%d ground=%+v", left, ground)
	}
	sent := e.notes.Sent()
	if len(sent) != 1 || sent[0].Msg.Kind != protocol.NotifyDissolved || sent[0].Msg.Refund != "60.00" {
		t.Fatalf("notifications %+v", sent)
	}
	if len(e.rec.audit) != 1 || e.rec.audit[0].Reason != "dissolved by owner" || e.rec.audit[0].Actor != owner.String() {
		t.Fatalf("audit %+v", e.rec.audit)
	}

	// Nothing is left for the next cycle to charge.
	if rep := e.sched.RunOnce(ctx, t0.Add(time.Minute)); len(rep.Charged) != 0 || len(rep.Dissolved) != 0 {
		t.Fatalf("cycle after dissolve %+v", rep)
	}
	e.consistent(t)
}

func TestOwnerDissolvesLoneClaim(t *testing.T) {
	owner := uuid.New()
	e := newEnv(t, upkeep.Config{}, func(mem *claimstest.Memory) {
		mem.Seed(nil, []model.Claim{{
			ID: 50, Owner: owner, Cell: cell(9, 9), Name: "lone",
			Resources: model.Snapshot{Currency: model.FromCredits(7), GraceSeconds: 30}, ClaimedAt: t0,
		}}, nil)
	})
	ctx := context.Background()

	out, err := e.sched.Dissolve(ctx, owner, model.ClaimScope(50))
	if err != nil {
		t.Fatalf("dissolve: %v", err)
	}
	if out.RegionID != 0 || len(out.ClaimIDs) != 1 || out.ClaimIDs[0] != 50 || out.Refund != model.FromCredits(7) {
		t.Fatalf("dissolution %+v", out)
	}
	if got := e.bank.Balance(owner); got != model.FromCredits(7) {
		t.Fatalf("balance %s", got)
	}
	if _, found, _ := e.store.Peek(cell(9, 9)); found {
		t.Fatalf("claim still cached")
	}
	if _, err := e.sched.Dissolve(ctx, owner, model.ClaimScope(50)); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second dissolve: %v", err)
	}
	e.consistent(t)
}

func TestRunReportsEachCycle(t *testing.T) {
	cycles := make(chan upkeep.Report, 8)
	e := newEnv(t, upkeep.Config{
		Period: 10 * time.Millisecond,
		OnCycle: func(now time.Time, rep upkeep.Report) {
			select {
			case cycles <- rep:
			default:
			}
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.sched.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case rep := <-cycles:
			if rep.Skipped || len(rep.Charged) != 0 {
				t.Fatalf("cycle %d on empty store: %+v", i, rep)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("cycle %d never ran", i)
		}
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
