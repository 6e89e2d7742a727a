// Package claimstest provides in-memory fakes for testing the claims
// packages: a Repository with failure injection and a recording notifier.
package claimstest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"claimcraft.ai/internal/claims/ledger"
	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/registry"
)

var ErrInjected = errors.New("injected failure")

type memKey = registry.MemberKey

type memData struct {
	claims     map[int64]model.Claim
	regions    map[int64]model.Region
	members    map[memKey]model.Member
	bans       map[memKey]model.BanEntry
	cells      map[int64]model.ResourceCell
	nextClaim  int64
	nextRegion int64
}

func (d *memData) clone() *memData {
	out := &memData{
		claims:     make(map[int64]model.Claim, len(d.claims)),
		regions:    make(map[int64]model.Region, len(d.regions)),
		members:    make(map[memKey]model.Member, len(d.members)),
		bans:       make(map[memKey]model.BanEntry, len(d.bans)),
		cells:      make(map[int64]model.ResourceCell, len(d.cells)),
		nextClaim:  d.nextClaim,
		nextRegion: d.nextRegion,
	}
	for k, v := range d.claims {
		out.claims[k] = v.Clone()
	}
	for k, v := range d.regions {
		out.regions[k] = v.Clone()
	}
	for k, v := range d.members {
		out.members[k] = v
	}
	for k, v := range d.bans {
		out.bans[k] = v
	}
	for k, v := range d.cells {
		out.cells[k] = v
	}
	return out
}

// Memory is a registry.Repository kept in maps. Atomic serializes
// transactions and restores a snapshot when the body fails.
type Memory struct {
	txMu sync.Mutex

	mu    sync.Mutex
	d     *memData
	fail  map[string]error
	once  map[string]error
	hooks map[string]func(ctx context.Context) error
	calls map[string]int
}

func NewMemory() *Memory {
	return &Memory{
		d: &memData{
			claims:  map[int64]model.Claim{},
			regions: map[int64]model.Region{},
			members: map[memKey]model.Member{},
			bans:    map[memKey]model.BanEntry{},
			cells:   map[int64]model.ResourceCell{},
		},
		fail:  map[string]error{},
		once:  map[string]error{},
		hooks: map[string]func(ctx context.Context) error{},
		calls: map[string]int{},
	}
}

// Fail makes every call to op return err until cleared with Fail(op, nil).
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.fail, op)
		return
	}
	m.fail[op] = err
}

// FailOnce makes the next call to op return err.
func (m *Memory) FailOnce(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.once[op] = err
}

// OnCall installs fn to run before op executes, outside the internal lock.
// A non-nil result fails the call.
func (m *Memory) OnCall(op string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn == nil {
		delete(m.hooks, op)
		return
	}
	m.hooks[op] = fn
}

func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// enter records the call and runs injected behaviour. On success the
// internal lock is held and must be released by the caller.
func (m *Memory) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	hook := m.hooks[op]
	m.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if err, ok := m.once[op]; ok {
		delete(m.once, op)
		m.mu.Unlock()
		return err
	}
	if err := m.fail[op]; err != nil {
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) CreateClaim(ctx context.Context, c model.Claim) (model.Claim, error) {
	if err := m.enter(ctx, "CreateClaim"); err != nil {
		return model.Claim{}, err
	}
	defer m.mu.Unlock()
	for _, existing := range m.d.claims {
		if existing.Cell == c.Cell {
			return model.Claim{}, model.ErrAlreadyClaimed
		}
	}
	m.d.nextClaim++
	c.ID = m.d.nextClaim
	m.d.claims[c.ID] = c.Clone()
	return c.Clone(), nil
}

func (m *Memory) UpdateClaim(ctx context.Context, c model.Claim) error {
	if err := m.enter(ctx, "UpdateClaim"); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.d.claims[c.ID]; !ok {
		return model.ErrNotFound
	}
	m.d.claims[c.ID] = c.Clone()
	return nil
}

func (m *Memory) DeleteClaim(ctx context.Context, id int64) error {
	if err := m.enter(ctx, "DeleteClaim"); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.d.claims[id]; !ok {
		return model.ErrNotFound
	}
	delete(m.d.claims, id)
	m.dropScope(model.ClaimScope(id))
	return nil
}

func (m *Memory) dropScope(scope model.Scope) {
	for k := range m.d.members {
		if k.Scope == scope {
			delete(m.d.members, k)
		}
	}
	for k := range m.d.bans {
		if k.Scope == scope {
			delete(m.d.bans, k)
		}
	}
}

func (m *Memory) FindClaimAt(ctx context.Context, k model.CellKey) (model.Claim, bool, error) {
	if err := m.enter(ctx, "FindClaimAt"); err != nil {
		return model.Claim{}, false, err
	}
	defer m.mu.Unlock()
	for _, c := range m.d.claims {
		if c.Cell == k {
			return c.Clone(), true, nil
		}
	}
	return model.Claim{}, false, nil
}

func (m *Memory) FindClaimByID(ctx context.Context, id int64) (model.Claim, bool, error) {
	if err := m.enter(ctx, "FindClaimByID"); err != nil {
		return model.Claim{}, false, err
	}
	defer m.mu.Unlock()
	c, ok := m.d.claims[id]
	return c.Clone(), ok, nil
}

func (m *Memory) ClaimsByOwner(ctx context.Context, owner model.PlayerID) ([]model.Claim, error) {
	if err := m.enter(ctx, "ClaimsByOwner"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []model.Claim
	for _, c := range m.d.claims {
		if c.Owner == owner {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AllClaims(ctx context.Context) ([]model.Claim, error) {
	if err := m.enter(ctx, "AllClaims"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]model.Claim, 0, len(m.d.claims))
	for _, c := range m.d.claims {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateRegion(ctx context.Context, r model.Region) (model.Region, error) {
	if err := m.enter(ctx, "CreateRegion"); err != nil {
		return model.Region{}, err
	}
	defer m.mu.Unlock()
	m.d.nextRegion++
	r.ID = m.d.nextRegion
	r.Claims = nil
	m.d.regions[r.ID] = r.Clone()
	return r.Clone(), nil
}

func (m *Memory) UpdateRegion(ctx context.Context, r model.Region) error {
	if err := m.enter(ctx, "UpdateRegion"); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.d.regions[r.ID]; !ok {
		return model.ErrNotFound
	}
	r.Claims = nil
	m.d.regions[r.ID] = r.Clone()
	return nil
}

func (m *Memory) UpdateRegionOwner(ctx context.Context, id int64, owner model.PlayerID) error {
	if err := m.enter(ctx, "UpdateRegionOwner"); err != nil {
		return err
	}
	defer m.mu.Unlock()
	r, ok := m.d.regions[id]
	if !ok {
		return model.ErrNotFound
	}
	r.Owner = owner
	m.d.regions[id] = r
	return nil
}

func (m *Memory) FindRegionByID(ctx context.Context, id int64) (model.Region, bool, error) {
	if err := m.enter(ctx, "FindRegionByID"); err != nil {
		return model.Region{}, false, err
	}
	defer m.mu.Unlock()
	r, ok := m.d.regions[id]
	return r.Clone(), ok, nil
}

func (m *Memory) DeleteRegion(ctx context.Context, id int64) error {
	if err := m.enter(ctx, "DeleteRegion"); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.d.regions[id]; !ok {
		return model.ErrNotFound
	}
	delete(m.d.regions, id)
	delete(m.d.cells, id)
	m.dropScope(model.RegionScope(id))
	return nil
}

func (m *Memory) AllRegions(ctx context.Context) ([]model.Region, error) {
	if err := m.enter(ctx, "AllRegions"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]model.Region, 0, len(m.d.regions))
	for _, r := range m.d.regions {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) AddMember(ctx context.Context, mem model.Member) error {
	if err := m.enter(ctx, "AddMember"); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.d.members[memKey{Scope: mem.Scope, Player: mem.Player}] = mem
	return nil
}

func (m *Memory) RemoveMember(ctx context.Context, scope model.Scope, player model.PlayerID) error {
	if err := m.enter(ctx, "RemoveMember"); err != nil {
		return err
	}
	defer m.mu.Unlock()
	delete(m.d.members, memKey{Scope: scope, Player: player})
	return nil
}

func (m *Memory) AllMembers(ctx context.Context) ([]model.Member, error) {
	if err := m.enter(ctx, "AllMembers"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]model.Member, 0, len(m.d.members))
	for _, mem := range m.d.members {
		out = append(out, mem)
	}
	return out, nil
}

func (m *Memory) Ban(ctx context.Context, b model.BanEntry) error {
	if err := m.enter(ctx, "Ban"); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.d.bans[memKey{Scope: b.Scope, Player: b.Player}] = b
	return nil
}

func (m *Memory) Unban(ctx context.Context, scope model.Scope, player model.PlayerID) error {
	if err := m.enter(ctx, "Unban"); err != nil {
		return err
	}
	defer m.mu.Unlock()
	delete(m.d.bans, memKey{Scope: scope, Player: player})
	return nil
}

func (m *Memory) IsBanned(ctx context.Context, scope model.Scope, player model.PlayerID) (bool, error) {
	if err := m.enter(ctx, "IsBanned"); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	_, ok := m.d.bans[memKey{Scope: scope, Player: player}]
	return ok, nil
}

func (m *Memory) AllBannedPlayers(ctx context.Context) ([]model.BanEntry, error) {
	if err := m.enter(ctx, "AllBannedPlayers"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]model.BanEntry, 0, len(m.d.bans))
	for _, b := range m.d.bans {
		out = append(out, b)
	}
	return out, nil
}

func (m *Memory) CreateResourceCell(ctx context.Context, rc model.ResourceCell) error {
	if err := m.enter(ctx, "CreateResourceCell"); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if _, ok := m.d.regions[rc.RegionID]; !ok {
		return model.ErrNotFound
	}
	if _, ok := m.d.cells[rc.RegionID]; ok {
		return model.ErrAlreadyClaimed
	}
	m.d.cells[rc.RegionID] = rc
	return nil
}

func (m *Memory) ResourceCell(ctx context.Context, regionID int64) (model.ResourceCell, bool, error) {
	if err := m.enter(ctx, "ResourceCell"); err != nil {
		return model.ResourceCell{}, false, err
	}
	defer m.mu.Unlock()
	rc, ok := m.d.cells[regionID]
	return rc, ok, nil
}

func (m *Memory) AllResourceCells(ctx context.Context) ([]model.ResourceCell, error) {
	if err := m.enter(ctx, "AllResourceCells"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make([]model.ResourceCell, 0, len(m.d.cells))
	for _, rc := range m.d.cells {
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })
	return out, nil
}

func (m *Memory) AllResourceCellLocations(ctx context.Context) (map[int64]model.Location, error) {
	if err := m.enter(ctx, "AllResourceCellLocations"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	out := make(map[int64]model.Location, len(m.d.cells))
	for id, rc := range m.d.cells {
		out[id] = rc.Location
	}
	return out, nil
}

func (m *Memory) DeleteResourceCell(ctx context.Context, regionID int64) error {
	if err := m.enter(ctx, "DeleteResourceCell"); err != nil {
		return err
	}
	defer m.mu.Unlock()
	delete(m.d.cells, regionID)
	return nil
}

func (m *Memory) DrainRegionsWithoutResourceCell(ctx context.Context, elapsed int64, price model.Money) ([]model.Claim, error) {
	if err := m.enter(ctx, "DrainRegionsWithoutResourceCell"); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	var out []model.Claim
	for id, c := range m.d.claims {
		if c.RegionID != 0 {
			if _, ok := m.d.cells[c.RegionID]; ok {
				continue
			}
		}
		c.Resources, _ = ledger.Drain(c.Resources, elapsed, price)
		m.d.claims[id] = c
		out = append(out, c.Clone())
	}
	for id, r := range m.d.regions {
		if _, ok := m.d.cells[id]; ok {
			continue
		}
		r.Resources, _ = ledger.Drain(r.Resources, elapsed, price)
		m.d.regions[id] = r
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Atomic runs fn against m itself. If fn fails, every write made since the
// start of the call is undone.
func (m *Memory) Atomic(ctx context.Context, fn func(ctx context.Context, tx registry.Repository) error) error {
	if err := m.enter(ctx, "Atomic"); err != nil {
		return err
	}
	m.mu.Unlock()

	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	saved := m.d.clone()
	m.mu.Unlock()

	if err := fn(ctx, m); err != nil {
		m.mu.Lock()
		m.d = saved
		m.mu.Unlock()
		return err
	}
	return nil
}

// Seed stores claims, regions and cells directly, keeping the ids given.
func (m *Memory) Seed(regions []model.Region, claims []model.Claim, cells []model.ResourceCell) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range regions {
		r.Claims = nil
		m.d.regions[r.ID] = r.Clone()
		if r.ID > m.d.nextRegion {
			m.d.nextRegion = r.ID
		}
	}
	for _, c := range claims {
		m.d.claims[c.ID] = c.Clone()
		if c.ID > m.d.nextClaim {
			m.d.nextClaim = c.ID
		}
	}
	for _, rc := range cells {
		m.d.cells[rc.RegionID] = rc
	}
}

// Claim returns the stored claim with id, bypassing failure injection.
func (m *Memory) Claim(id int64) (model.Claim, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.d.claims[id]
	return c.Clone(), ok
}

func (m *Memory) Region(id int64) (model.Region, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.d.regions[id]
	return r.Clone(), ok
}

func (m *Memory) ClaimCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.d.claims)
}

func (m *Memory) RegionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.d.regions)
}

var _ registry.Repository = (*Memory)(nil)
