// Package upkeep charges regions for their continued existence and
// dissolves the ones that run dry.
//
// A cycle has two passes. Regions with a resource cell are handled one at
// a time: the item buffer is topped up from the backing container on the
// world loop when it would fall below the minimum, the ledger drain runs
// here, and the new snapshot is written to the region and every claim in
// one atomic mutation. Claims without a cell are then drained in bulk by
// the repository and dissolved individually when exhausted.
package upkeep

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"claimcraft.ai/internal/claims/economy"
	"claimcraft.ai/internal/claims/ledger"
	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/registry"
	"claimcraft.ai/internal/protocol"
	"claimcraft.ai/internal/world"
)

// Executor runs fn on the goroutine that owns world state.
type Executor interface {
	Do(ctx context.Context, fn func()) error
}

// Notifier delivers a message to a player if they are connected.
type Notifier interface {
	Notify(player model.PlayerID, msg protocol.NotifyMsg)
}

// CycleLogger is implemented in internal/persistence/log.
type CycleLogger interface {
	WriteUpkeep(entry LogEntry) error
}

// Log outcomes.
const (
	OutcomePaid        = "PAID"
	OutcomeDissolved   = "DISSOLVED"
	OutcomeFailed      = "FAILED"
	OutcomeCellMissing = "CELL_MISSING"
	OutcomeDrained     = "DRAINED"
)

// LogEntry is one upkeep record. Region entries carry RegionID; the bulk
// pass over claims without a cell is logged with RegionID 0.
type LogEntry struct {
	TimeMS    int64  `json:"time_ms"`
	RegionID  int64  `json:"region_id,omitempty"`
	ClaimID   int64  `json:"claim_id,omitempty"`
	Owner     string `json:"owner,omitempty"`
	Elapsed   int64  `json:"elapsed_sec"`
	ToppedUp  int64  `json:"topped_up_sec,omitempty"`
	ItemsUsed int64  `json:"items_used_sec,omitempty"`
	Currency  int64  `json:"currency_used_micro,omitempty"`
	GraceUsed int64  `json:"grace_used_sec,omitempty"`
	Unpaid    int64  `json:"unpaid_sec,omitempty"`
	Remaining int64  `json:"remaining_sec"`
	Claims    int    `json:"claims,omitempty"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
}

type Config struct {
	// Period between cycles when driven by Run.
	Period time.Duration
	// PricePerSecond applies to claims without a resource cell and to cells
	// that carry no price of their own.
	PricePerSecond model.Money
	// MinBuffer is the item buffer, in seconds, a top-up restores.
	MinBuffer int64
	Items     ledger.ItemTable
	// LowUpkeepWarning sends LOW_UPKEEP once when a region's remaining time
	// drops below this many seconds. Zero disables it.
	LowUpkeepWarning int64

	Now       func() time.Time
	Logger    *log.Logger
	Audit     model.AuditLogger
	UpkeepLog CycleLogger
	// OnCycle, if set, receives the report of every cycle Run performs.
	OnCycle func(now time.Time, rep Report)
}

// Report summarizes one cycle.
type Report struct {
	Charged         []int64 `json:"charged"`
	Dissolved       []int64 `json:"dissolved"`
	DissolvedClaims []int64 `json:"dissolved_claims"`
	Failed          []int64 `json:"failed"`
	FailedClaims    []int64 `json:"failed_claims"`
	CellsRemoved    []int64 `json:"cells_removed"`
	Skipped         bool    `json:"skipped,omitempty"`
}

type Scheduler struct {
	store      *registry.Store
	economy    economy.Backend
	loop       Executor
	containers *world.Containers
	notify     Notifier
	cfg        Config
	log        *log.Logger

	mu        sync.Mutex
	epoch     time.Time
	last      map[int64]time.Time
	lastLoose time.Time
	stock     map[int64]int64 // container seconds seen at the last top-up
	warned    map[int64]bool
}

type nopNotifier struct{}

func (nopNotifier) Notify(model.PlayerID, protocol.NotifyMsg) {}

func New(store *registry.Store, econ economy.Backend, loop Executor, containers *world.Containers, notify Notifier, cfg Config) *Scheduler {
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}
	if cfg.MinBuffer < 0 {
		cfg.MinBuffer = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Scheduler{
		store:      store,
		economy:    econ,
		loop:       loop,
		containers: containers,
		notify:     notify,
		cfg:        cfg,
		log:        cfg.Logger,
		last:       map[int64]time.Time{},
		stock:      map[int64]int64{},
		warned:     map[int64]bool{},
	}
}

// Run drives RunOnce every Period until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := s.cfg.Now()
			rep := s.RunOnce(ctx, now)
			if s.cfg.OnCycle != nil {
				s.cfg.OnCycle(now, rep)
			}
			if len(rep.Dissolved) > 0 || len(rep.DissolvedClaims) > 0 || len(rep.Failed) > 0 {
				s.log.Printf("cycle: charged=%d dissolved=%d dissolved_claims=%d failed=%d",
					len(rep.Charged), len(rep.Dissolved), len(rep.DissolvedClaims), len(rep.Failed))
			}
		}
	}
}

// RunOnce performs one upkeep cycle as of now. Cycles never overlap. A
// region's drain is not interrupted once started; ctx is checked between
// regions.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rep Report
	if s.epoch.IsZero() {
		s.epoch = now.Add(-s.cfg.Period)
		s.lastLoose = s.epoch
	}
	if !s.store.Loaded() {
		s.log.Printf("cycle skipped: territory cache not loaded")
		rep.Skipped = true
		return rep
	}

	cells := s.store.ResourceCells()
	seen := make(map[int64]bool, len(cells))
	for _, rc := range cells {
		if ctx.Err() != nil {
			return rep
		}
		seen[rc.RegionID] = true
		s.chargeRegion(context.WithoutCancel(ctx), rc, now, &rep)
	}
	for id := range s.last {
		if !seen[id] {
			s.forget(id)
		}
	}
	if ctx.Err() != nil {
		return rep
	}
	s.chargeLoose(context.WithoutCancel(ctx), now, &rep)
	return rep
}

func (s *Scheduler) forget(regionID int64) {
	delete(s.last, regionID)
	delete(s.stock, regionID)
	delete(s.warned, regionID)
}

// window returns the whole seconds between from and now.
func window(from, now time.Time) int64 {
	if !now.After(from) {
		return 0
	}
	return int64(now.Sub(from) / time.Second)
}

// regionFrom opens the charge window of a region. A region charged here for
// the first time picks up where the last loose pass left it, but never
// before the region existed.
func (s *Scheduler) regionFrom(r model.Region) time.Time {
	if t, ok := s.last[r.ID]; ok {
		return t
	}
	from := s.lastLoose
	if r.CreatedAt.After(from) {
		from = r.CreatedAt
	}
	return from
}

func (s *Scheduler) price(rc model.ResourceCell) model.Money {
	if rc.PricePerSecond > 0 {
		return rc.PricePerSecond
	}
	return s.cfg.PricePerSecond
}

type topUp struct {
	missing bool
	gained  int64
	taken   map[string]int
	left    int64
}

// pull converts container items into seconds on the world loop. It waits
// for the loop: a job abandoned by a timeout could still take items.
func (s *Scheduler) pull(ctx context.Context, loc model.Location, need int64) (topUp, error) {
	var t topUp
	err := s.loop.Do(ctx, func() {
		inv, ok := s.containers.Inventory(loc)
		if !ok {
			t.missing = true
			return
		}
		before := make(map[string]int, len(inv))
		for k, v := range inv {
			before[k] = v
		}
		t.gained = ledger.TopUp(inv, s.cfg.Items, need)
		t.taken = diff(before, inv)
		t.left = ledger.Value(inv, s.cfg.Items)
	})
	return t, err
}

func diff(before, after map[string]int) map[string]int {
	out := map[string]int{}
	for item, n := range before {
		if d := n - after[item]; d > 0 {
			out[item] = d
		}
	}
	return out
}

func (s *Scheduler) putBack(ctx context.Context, loc model.Location, taken map[string]int) {
	if len(taken) == 0 {
		return
	}
	err := s.loop.Do(ctx, func() {
		for item, n := range taken {
			s.containers.Put(loc, item, n)
		}
	})
	if err != nil {
		s.log.Printf("return items to %s failed: %v", loc, err)
	}
}

func (s *Scheduler) chargeRegion(ctx context.Context, rc model.ResourceCell, now time.Time, rep *Report) {
	r, ok := s.store.Region(rc.RegionID)
	if !ok {
		return
	}
	from := s.regionFrom(r)
	if _, ok := s.last[r.ID]; !ok {
		s.last[r.ID] = from
	}
	elapsed := window(from, now)
	if elapsed <= 0 {
		return
	}
	price := s.price(rc)
	entry := LogEntry{TimeMS: now.UnixMilli(), RegionID: r.ID, Owner: r.Owner.String(), Elapsed: elapsed, Claims: len(r.Claims)}

	var t topUp
	if need := ledger.TopUpNeed(r.Resources.ItemSeconds, elapsed, s.cfg.MinBuffer); need > 0 {
		var err error
		t, err = s.pull(ctx, rc.Location, need)
		if err != nil {
			s.log.Printf("region %d: container hop failed: %v", r.ID, err)
			rep.Failed = append(rep.Failed, r.ID)
			entry.Outcome, entry.Error = OutcomeFailed, err.Error()
			s.writeLog(entry)
			return
		}
		if t.missing {
			s.dropCell(ctx, r, rc, now, rep)
			entry.Outcome = OutcomeCellMissing
			s.writeLog(entry)
			return
		}
		s.stock[r.ID] = t.left
	}
	entry.ToppedUp = t.gained

	var (
		after    model.Snapshot
		used     ledger.Consumed
		doomed   []int64
		finalReg model.Region
	)
	_, err := s.store.Apply(ctx, func(ctx context.Context, tx registry.Repository) (registry.Change, error) {
		fresh, found, err := tx.FindRegionByID(ctx, r.ID)
		if err != nil {
			return registry.Change{}, model.RepoErr("find region", err)
		}
		if !found {
			return registry.Change{}, fmt.Errorf("region %d: %w", r.ID, model.ErrNotFound)
		}
		claims, err := registry.ClaimsInRegion(ctx, tx, fresh)
		if err != nil {
			return registry.Change{}, err
		}
		fresh.Resources.ItemSeconds += t.gained
		after, used = ledger.Drain(fresh.Resources, elapsed, price)
		fresh.Resources = after
		finalReg = fresh
		if !after.Exhausted() {
			return registry.WriteRegionSnapshot(ctx, tx, fresh, claims)
		}
		return dissolveRegion(ctx, tx, fresh, claims, &doomed)
	})
	if err != nil {
		s.putBack(ctx, rc.Location, t.taken)
		if errors.Is(err, model.ErrNotFound) {
			s.forget(r.ID)
			return
		}
		s.log.Printf("region %d: upkeep not persisted, retrying next cycle: %v", r.ID, err)
		rep.Failed = append(rep.Failed, r.ID)
		entry.Outcome, entry.Error = OutcomeFailed, err.Error()
		s.writeLog(entry)
		return
	}

	s.last[r.ID] = from.Add(time.Duration(elapsed) * time.Second)
	entry.ItemsUsed = used.ItemSeconds
	entry.Currency = int64(used.Currency)
	entry.GraceUsed = used.GraceSeconds
	entry.Unpaid = used.Unpaid
	entry.Remaining = after.RemainingSeconds(price)

	if after.Exhausted() {
		entry.Outcome = OutcomeDissolved
		s.writeLog(entry)
		s.afterDissolve(ctx, finalReg, rc, doomed, used.Forfeited, now, "upkeep", "exhausted")
		rep.Dissolved = append(rep.Dissolved, r.ID)
		return
	}
	entry.Outcome = OutcomePaid
	s.writeLog(entry)
	rep.Charged = append(rep.Charged, r.ID)
	s.checkLow(finalReg, entry.Remaining+s.stock[r.ID], now)
}

// dissolveRegion deletes the cell, every claim and the region itself.
func dissolveRegion(ctx context.Context, tx registry.Repository, r model.Region, claims []model.Claim, doomed *[]int64) (registry.Change, error) {
	var ch registry.Change
	if err := tx.DeleteResourceCell(ctx, r.ID); err != nil {
		return ch, model.RepoErr("delete resource cell", err)
	}
	ch.DeleteCells = append(ch.DeleteCells, r.ID)
	for _, cl := range claims {
		if err := tx.DeleteClaim(ctx, cl.ID); err != nil {
			return ch, model.RepoErr("delete claim", err)
		}
		ch.DeleteClaims = append(ch.DeleteClaims, cl.ID)
		*doomed = append(*doomed, cl.ID)
	}
	if err := tx.DeleteRegion(ctx, r.ID); err != nil {
		return ch, model.RepoErr("delete region", err)
	}
	ch.DeleteRegions = append(ch.DeleteRegions, r.ID)
	ch.InvalidateOwners = append(ch.InvalidateOwners, r.Owner)
	return ch, nil
}

// afterDissolve settles a deleted region: refund, container release when rc
// is set, notification and audit. It returns the refund actually paid.
func (s *Scheduler) afterDissolve(ctx context.Context, r model.Region, rc model.ResourceCell, claims []int64, refund model.Money, now time.Time, actor, reason string) model.Money {
	s.forget(r.ID)
	refund = s.refund(r.Owner, refund, fmt.Sprintf("region %d", r.ID))
	var dropped []world.Stack
	if rc.RegionID != 0 {
		if err := s.loop.Do(ctx, func() { dropped = s.containers.Release(rc.Location) }); err != nil {
			s.log.Printf("region %d: releasing container at %s failed: %v", r.ID, rc.Location, err)
		}
	}
	s.log.Printf("region %d of %s dissolved: claims=%d refund=%s dropped=%d", r.ID, r.Owner, len(claims), refund, len(dropped))

	msg := s.message(protocol.NotifyDissolved, r.Owner, now)
	msg.RegionID = r.ID
	msg.ClaimIDs = claims
	msg.World = r.World
	if refund > 0 {
		msg.Refund = refund.String()
	}
	s.notify.Notify(r.Owner, msg)
	s.audit(model.AuditEntry{
		TimeMS:   now.UnixMilli(),
		Actor:    actor,
		Action:   "DISSOLVE",
		World:    r.World,
		X:        rc.Location.X,
		Z:        rc.Location.Z,
		RegionID: r.ID,
		Reason:   reason,
	})
	return refund
}

// dropCell removes a cell whose container no longer exists. The region
// keeps paying from currency and grace as a region without a cell.
func (s *Scheduler) dropCell(ctx context.Context, r model.Region, rc model.ResourceCell, now time.Time, rep *Report) {
	_, err := s.store.Apply(ctx, func(ctx context.Context, tx registry.Repository) (registry.Change, error) {
		if err := tx.DeleteResourceCell(ctx, rc.RegionID); err != nil {
			return registry.Change{}, model.RepoErr("delete resource cell", err)
		}
		return registry.Change{DeleteCells: []int64{rc.RegionID}}, nil
	})
	if err != nil {
		s.log.Printf("region %d: removing cell without container failed: %v", r.ID, err)
		rep.Failed = append(rep.Failed, r.ID)
		return
	}
	s.forget(r.ID)
	rep.CellsRemoved = append(rep.CellsRemoved, r.ID)
	msg := s.message(protocol.NotifyCellRemoved, r.Owner, now)
	msg.RegionID = r.ID
	msg.World = rc.Location.World
	s.notify.Notify(r.Owner, msg)
	s.audit(model.AuditEntry{
		TimeMS:   now.UnixMilli(),
		Actor:    "upkeep",
		Action:   "CELL_REMOVE",
		World:    rc.Location.World,
		X:        rc.Location.X,
		Z:        rc.Location.Z,
		RegionID: r.ID,
		Reason:   "container missing",
	})
}

func (s *Scheduler) checkLow(r model.Region, remaining int64, now time.Time) {
	if s.cfg.LowUpkeepWarning <= 0 {
		return
	}
	if remaining >= s.cfg.LowUpkeepWarning {
		delete(s.warned, r.ID)
		return
	}
	if s.warned[r.ID] {
		return
	}
	s.warned[r.ID] = true
	msg := s.message(protocol.NotifyLowUpkeep, r.Owner, now)
	msg.RegionID = r.ID
	msg.World = r.World
	msg.RemainingSec = remaining
	s.notify.Notify(r.Owner, msg)
}

// chargeLoose drains every claim and region that has no resource cell,
// then dissolves the exhausted claims one by one.
func (s *Scheduler) chargeLoose(ctx context.Context, now time.Time, rep *Report) {
	elapsed := window(s.lastLoose, now)
	if elapsed <= 0 {
		return
	}
	price := s.cfg.PricePerSecond
	entry := LogEntry{TimeMS: now.UnixMilli(), Elapsed: elapsed}

	var drained []model.Claim
	_, err := s.store.Apply(ctx, func(ctx context.Context, tx registry.Repository) (registry.Change, error) {
		var err error
		drained, err = tx.DrainRegionsWithoutResourceCell(ctx, elapsed, price)
		if err != nil {
			return registry.Change{}, model.RepoErr("drain without cell", err)
		}
		ch := registry.Change{PutClaims: drained}
		seen := map[int64]bool{}
		for _, cl := range drained {
			if cl.RegionID == 0 || seen[cl.RegionID] {
				continue
			}
			seen[cl.RegionID] = true
			r, found, err := tx.FindRegionByID(ctx, cl.RegionID)
			if err != nil {
				return registry.Change{}, model.RepoErr("find region", err)
			}
			if found {
				ch.PutRegions = append(ch.PutRegions, r)
			}
		}
		return ch, nil
	})
	if err != nil {
		s.log.Printf("drain of claims without cell failed, retrying next cycle: %v", err)
		entry.Outcome, entry.Error = OutcomeFailed, err.Error()
		s.writeLog(entry)
		return
	}
	s.lastLoose = s.lastLoose.Add(time.Duration(elapsed) * time.Second)
	entry.Outcome = OutcomeDrained
	entry.Claims = len(drained)
	s.writeLog(entry)

	sort.Slice(drained, func(i, j int) bool { return drained[i].ID < drained[j].ID })
	for _, cl := range drained {
		if cl.Resources.Exhausted() {
			s.dissolveClaim(ctx, cl.ID, now, rep)
		}
	}
}

func (s *Scheduler) dissolveClaim(ctx context.Context, id int64, now time.Time, rep *Report) {
	var (
		gone          model.Claim
		regionDeleted bool
	)
	_, err := s.store.Apply(ctx, func(ctx context.Context, tx registry.Repository) (registry.Change, error) {
		cl, found, err := tx.FindClaimByID(ctx, id)
		if err != nil {
			return registry.Change{}, model.RepoErr("find claim", err)
		}
		if !found || !cl.Resources.Exhausted() {
			return registry.Change{}, nil
		}
		if err := tx.DeleteClaim(ctx, cl.ID); err != nil {
			return registry.Change{}, model.RepoErr("delete claim", err)
		}
		gone = cl
		ch := registry.Change{DeleteClaims: []int64{cl.ID}, InvalidateOwners: []model.PlayerID{cl.Owner}}
		if cl.RegionID == 0 {
			return ch, nil
		}
		r, found, err := tx.FindRegionByID(ctx, cl.RegionID)
		if err != nil {
			return registry.Change{}, model.RepoErr("find region", err)
		}
		if !found {
			return ch, nil
		}
		rest, err := registry.ClaimsInRegion(ctx, tx, r)
		if err != nil {
			return registry.Change{}, err
		}
		if len(rest) == 0 {
			if err := tx.DeleteRegion(ctx, r.ID); err != nil {
				return registry.Change{}, model.RepoErr("delete region", err)
			}
			ch.DeleteRegions = append(ch.DeleteRegions, r.ID)
			regionDeleted = true
		}
		return ch, nil
	})
	if err != nil {
		s.log.Printf("claim %d: dissolution failed, retrying next cycle: %v", id, err)
		rep.FailedClaims = append(rep.FailedClaims, id)
		return
	}
	if gone.ID == 0 {
		return
	}
	rep.DissolvedClaims = append(rep.DissolvedClaims, gone.ID)
	if regionDeleted {
		rep.Dissolved = append(rep.Dissolved, gone.RegionID)
	}
	s.writeLog(LogEntry{TimeMS: now.UnixMilli(), RegionID: gone.RegionID, ClaimID: gone.ID, Owner: gone.Owner.String(), Outcome: OutcomeDissolved})

	msg := s.message(protocol.NotifyDissolved, gone.Owner, now)
	msg.ClaimIDs = []int64{gone.ID}
	msg.World = gone.Cell.World
	if regionDeleted {
		msg.RegionID = gone.RegionID
	}
	s.notify.Notify(gone.Owner, msg)
	s.audit(model.AuditEntry{
		TimeMS:   now.UnixMilli(),
		Actor:    "upkeep",
		Action:   "DISSOLVE",
		World:    gone.Cell.World,
		X:        gone.Cell.X,
		Z:        gone.Cell.Z,
		ClaimID:  gone.ID,
		RegionID: gone.RegionID,
		Reason:   "exhausted",
	})
}

func (s *Scheduler) message(kind string, owner model.PlayerID, now time.Time) protocol.NotifyMsg {
	return protocol.NotifyMsg{
		Type:            protocol.TypeNotify,
		ProtocolVersion: protocol.Version,
		Kind:            kind,
		PlayerID:        owner.String(),
		ServerTimeMS:    now.UnixMilli(),
	}
}

func (s *Scheduler) writeLog(e LogEntry) {
	if s.cfg.UpkeepLog == nil {
		return
	}
	if err := s.cfg.UpkeepLog.WriteUpkeep(e); err != nil {
		s.log.Printf("upkeep log: %v", err)
	}
}

func (s *Scheduler) audit(e model.AuditEntry) {
	if s.cfg.Audit == nil {
		return
	}
	if err := s.cfg.Audit.WriteAudit(e); err != nil {
		s.log.Printf("audit %s: %v", e.Action, err)
	}
}
