package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"claimcraft.ai/internal/claims/model"
)

const defaultTimeout = 5 * time.Second

// Mutation performs repository writes on tx and reports the cache edits
// they imply. It runs inside Repository.Atomic; returning an error discards
// every write it made.
type Mutation func(ctx context.Context, tx Repository) (Change, error)

type Config struct {
	// Timeout bounds every repository call the store makes on behalf of a
	// single operation.
	Timeout time.Duration
	Logger  *log.Logger
}

// Store is the in-memory claim registry in front of a Repository.
//
// Readers never wait on repository I/O while holding the lock. Writers go
// through Apply, which touches the cache only after the repository has
// confirmed the write.
type Store struct {
	repo    Repository
	timeout time.Duration
	log     *log.Logger

	mu     sync.RWMutex
	c      *cache
	loaded bool
	gen    uint64

	reloading bool
	pending   []Change

	reloadMu sync.Mutex
	reloads  singleflight.Group
}

func New(repo Repository, cfg Config) *Store {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Store{repo: repo, timeout: cfg.Timeout, log: cfg.Logger, c: newCache()}
}

func (s *Store) Repository() Repository { return s.repo }

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Lookup resolves the claim covering k. A miss on a fully loaded cache is
// authoritative; otherwise the repository is consulted and the answer is
// cached unless a mutation or reload happened meanwhile.
func (s *Store) Lookup(ctx context.Context, k model.CellKey) (model.Claim, bool, error) {
	s.mu.RLock()
	if id, ok := s.c.byCell[k]; ok {
		cl := s.c.claims[id].Clone()
		s.mu.RUnlock()
		return cl, true, nil
	}
	loaded, gen := s.loaded, s.gen
	s.mu.RUnlock()
	if loaded {
		return model.Claim{}, false, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cl, found, err := s.repo.FindClaimAt(ctx, k)
	if err != nil {
		return model.Claim{}, false, model.RepoErr("find claim", err)
	}
	if !found {
		return model.Claim{}, false, nil
	}
	regions, err := s.missingRegions(ctx, []model.Claim{cl})
	if err != nil {
		return model.Claim{}, false, err
	}
	s.mu.Lock()
	if s.gen == gen {
		s.populate(regions, cl)
	}
	s.mu.Unlock()
	return cl.Clone(), true, nil
}

// missingRegions fetches the regions referenced by claims that the cache
// does not hold yet, so populated claims never dangle.
func (s *Store) missingRegions(ctx context.Context, claims []model.Claim) (map[int64]*model.Region, error) {
	s.mu.RLock()
	var want []int64
	for _, cl := range claims {
		if cl.RegionID == 0 {
			continue
		}
		if _, ok := s.c.regions[cl.RegionID]; !ok {
			want = append(want, cl.RegionID)
		}
	}
	s.mu.RUnlock()

	out := map[int64]*model.Region{}
	for _, id := range want {
		if _, done := out[id]; done {
			continue
		}
		r, ok, err := s.repo.FindRegionByID(ctx, id)
		if err != nil {
			return nil, model.RepoErr("find region", err)
		}
		if ok {
			out[id] = &r
		} else {
			out[id] = nil
		}
	}
	return out, nil
}

// populate caches claims fetched by a read. Claims whose region vanished
// are left out. Callers hold s.mu.
func (s *Store) populate(regions map[int64]*model.Region, claims ...model.Claim) {
	for _, cl := range claims {
		if cl.RegionID != 0 {
			if _, ok := s.c.regions[cl.RegionID]; !ok {
				r := regions[cl.RegionID]
				if r == nil {
					continue
				}
				s.c.putRegion(*r)
			}
		}
		s.c.putClaim(cl)
	}
}

// Peek answers from the cache alone. loaded reports whether a miss can be
// trusted as "unclaimed".
func (s *Store) Peek(k model.CellKey) (cl model.Claim, found, loaded bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.c.byCell[k]; ok {
		return s.c.claims[id].Clone(), true, s.loaded
	}
	return model.Claim{}, false, s.loaded
}

func (s *Store) ClaimByID(id int64) (model.Claim, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cl, ok := s.c.claims[id]
	return cl.Clone(), ok
}

func (s *Store) Region(id int64) (model.Region, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.c.regionView(id)
}

// RegionClaims returns the claims of a region ordered by id.
func (s *Store) RegionClaims(id int64) []model.Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.c.regionClaims[id]
	out := make([]model.Claim, 0, len(set))
	for cid := range set {
		out = append(out, s.c.claims[cid].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Regions() []model.Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Region, 0, len(s.c.regions))
	for id := range s.c.regions {
		r, _ := s.c.regionView(id)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Claims returns every cached claim ordered by id.
func (s *Store) Claims() []model.Claim {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Claim, 0, len(s.c.claims))
	for _, cl := range s.c.claims {
		out = append(out, cl.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Members(scope model.Scope) []model.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.c.members[scope]
	out := make([]model.Member, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Player.String() < out[j].Player.String() })
	return out
}

func (s *Store) Member(scope model.Scope, player model.PlayerID) (model.Member, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.c.members[scope][player]
	return m, ok
}

func (s *Store) IsBanned(scope model.Scope, player model.PlayerID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.c.bans[scope][player]
	return ok
}

func (s *Store) Bans(scope model.Scope) []model.BanEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.c.bans[scope]
	out := make([]model.BanEntry, 0, len(set))
	for _, b := range set {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Player.String() < out[j].Player.String() })
	return out
}

func (s *Store) ResourceCell(regionID int64) (model.ResourceCell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rc, ok := s.c.cells[regionID]
	return rc, ok
}

func (s *Store) ResourceCells() []model.ResourceCell {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.ResourceCell, 0, len(s.c.cells))
	for _, rc := range s.c.cells {
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RegionID < out[j].RegionID })
	return out
}

func (s *Store) CellAt(loc model.Location) (model.ResourceCell, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.c.cellsByLoc[loc]
	if !ok {
		return model.ResourceCell{}, false
	}
	return s.c.cells[id], true
}

// ClaimsOf lists an owner's claims ordered by id. The list is cached until
// a mutation touches the owner.
func (s *Store) ClaimsOf(ctx context.Context, owner model.PlayerID) ([]model.Claim, error) {
	s.mu.RLock()
	if ids, ok := s.c.owners[owner]; ok {
		out := make([]model.Claim, 0, len(ids))
		for _, id := range ids {
			out = append(out, s.c.claims[id].Clone())
		}
		s.mu.RUnlock()
		return out, nil
	}
	gen := s.gen
	s.mu.RUnlock()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	claims, err := s.repo.ClaimsByOwner(ctx, owner)
	if err != nil {
		return nil, model.RepoErr("claims by owner", err)
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].ID < claims[j].ID })

	regions, err := s.missingRegions(ctx, claims)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.gen == gen {
		s.populate(regions, claims...)
		ids := make([]int64, 0, len(claims))
		complete := true
		for _, cl := range claims {
			if _, ok := s.c.claims[cl.ID]; !ok {
				complete = false
				break
			}
			ids = append(ids, cl.ID)
		}
		if complete {
			s.c.owners[owner] = ids
		}
	}
	s.mu.Unlock()

	out := make([]model.Claim, 0, len(claims))
	for _, cl := range claims {
		out = append(out, cl.Clone())
	}
	return out, nil
}

// Apply runs m atomically against the repository and, once the writes are
// confirmed, folds the resulting Change into the cache. On any failure the
// cache is left untouched.
func (s *Store) Apply(ctx context.Context, m Mutation) (Change, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var ch Change
	err := s.repo.Atomic(ctx, func(ctx context.Context, tx Repository) error {
		var err error
		ch, err = m(ctx, tx)
		return err
	})
	if err != nil {
		return Change{}, classify(err)
	}
	s.commit(ch)
	return ch, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrNotOwner),
		errors.Is(err, model.ErrAlreadyClaimed),
		errors.Is(err, model.ErrResourceCellAttached),
		errors.Is(err, model.ErrNotAdjacent),
		errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrInvalidTarget),
		errors.Is(err, model.ErrResourceCellExists),
		errors.Is(err, model.ErrRepository),
		model.IsRegionConflict(err):
		return err
	}
	return model.RepoErr("apply", err)
}

func (s *Store) commit(ch Change) {
	if ch.Empty() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	applyChange(s.c, ch)
	if s.reloading {
		s.pending = append(s.pending, ch)
	}
	s.gen++
}

func applyChange(c *cache, ch Change) {
	for _, id := range ch.DeleteCells {
		c.deleteCell(id)
	}
	for _, k := range ch.DeleteBans {
		c.deleteBan(k)
	}
	for _, k := range ch.DeleteMembers {
		c.deleteMember(k)
	}
	for _, id := range ch.DeleteClaims {
		c.deleteClaim(id)
	}
	for _, id := range ch.DeleteRegions {
		c.deleteRegion(id)
	}

	for _, r := range ch.PutRegions {
		c.putRegion(r)
	}
	for _, cl := range ch.PutClaims {
		c.putClaim(cl)
		delete(c.owners, cl.Owner)
	}
	for _, m := range ch.PutMembers {
		c.putMember(m)
	}
	for _, b := range ch.PutBans {
		c.putBan(b)
	}
	for _, rc := range ch.PutCells {
		c.putCell(rc)
	}
	for _, owner := range ch.InvalidateOwners {
		delete(c.owners, owner)
	}
}

// Reload rebuilds the whole cache from the repository and swaps it in at
// once. Concurrent callers share one rebuild. On failure the previous cache
// stays live.
func (s *Store) Reload(ctx context.Context) error {
	ch := s.reloads.DoChan("reload", func() (interface{}, error) {
		s.reloadMu.Lock()
		defer s.reloadMu.Unlock()
		return nil, s.reload(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReloadAsync starts a reload and returns a channel that receives its
// result.
func (s *Store) ReloadAsync(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Reload(ctx) }()
	return done
}

// reload builds a shadow cache without holding the lock. Changes committed
// while it runs are recorded and replayed onto the shadow before the swap,
// so a reload never resurrects or drops a concurrent write.
func (s *Store) reload(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	s.reloading = true
	s.pending = nil
	s.mu.Unlock()

	shadow, err := s.build(ctx)

	s.mu.Lock()
	pending := s.pending
	s.reloading = false
	s.pending = nil
	if err != nil {
		s.mu.Unlock()
		s.log.Printf("reload failed, keeping previous cache: %v", err)
		return err
	}
	for _, ch := range pending {
		applyChange(shadow, ch)
	}
	shadow.rebuildOwners()
	s.c = shadow
	s.loaded = true
	s.gen++
	s.mu.Unlock()
	s.log.Printf("reload: claims=%d regions=%d cells=%d in %s",
		len(shadow.claims), len(shadow.regions), len(shadow.cells), time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *Store) build(ctx context.Context) (*cache, error) {
	shadow := newCache()

	rctx, cancel := s.withTimeout(ctx)
	regions, err := s.repo.AllRegions(rctx)
	cancel()
	if err != nil {
		return nil, model.RepoErr("all regions", err)
	}
	for _, r := range regions {
		shadow.putRegion(r)
	}

	rctx, cancel = s.withTimeout(ctx)
	claims, err := s.repo.AllClaims(rctx)
	cancel()
	if err != nil {
		return nil, model.RepoErr("all claims", err)
	}
	for _, cl := range claims {
		if cl.RegionID != 0 {
			if _, ok := shadow.regions[cl.RegionID]; !ok {
				// Region created after AllRegions ran.
				rctx, cancel := s.withTimeout(ctx)
				r, found, err := s.repo.FindRegionByID(rctx, cl.RegionID)
				cancel()
				if err != nil {
					return nil, model.RepoErr("find region", err)
				}
				if !found {
					s.log.Printf("reload: claim %d references missing region %d", cl.ID, cl.RegionID)
					continue
				}
				shadow.putRegion(r)
			}
		}
		shadow.putClaim(cl)
	}

	rctx, cancel = s.withTimeout(ctx)
	members, err := s.repo.AllMembers(rctx)
	cancel()
	if err != nil {
		return nil, model.RepoErr("all members", err)
	}
	for _, m := range members {
		shadow.putMember(m)
	}

	rctx, cancel = s.withTimeout(ctx)
	bans, err := s.repo.AllBannedPlayers(rctx)
	cancel()
	if err != nil {
		return nil, model.RepoErr("all bans", err)
	}
	for _, b := range bans {
		shadow.putBan(b)
	}

	rctx, cancel = s.withTimeout(ctx)
	cells, err := s.repo.AllResourceCells(rctx)
	cancel()
	if err != nil {
		return nil, model.RepoErr("all resource cells", err)
	}
	for _, rc := range cells {
		shadow.putCell(rc)
	}

	return shadow, nil
}

// Invalidate drops the whole cache and marks it not loaded. Reads fall
// through to the repository until the next Reload.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.c = newCache()
	s.loaded = false
	s.gen++
	s.mu.Unlock()
}

func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

type Stats struct {
	Loaded       bool   `json:"loaded"`
	Generation   uint64 `json:"generation"`
	Claims       int    `json:"claims"`
	Regions      int    `json:"regions"`
	Members      int    `json:"members"`
	Bans         int    `json:"bans"`
	Cells        int    `json:"resource_cells"`
	CachedOwners int    `json:"cached_owners"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Loaded:       s.loaded,
		Generation:   s.gen,
		Claims:       len(s.c.claims),
		Regions:      len(s.c.regions),
		Cells:        len(s.c.cells),
		CachedOwners: len(s.c.owners),
	}
	for _, set := range s.c.members {
		st.Members += len(set)
	}
	for _, set := range s.c.bans {
		st.Bans += len(set)
	}
	return st
}

// CheckInvariants reports every inconsistency in the cache: dangling
// region references, index mismatches, stale owner lists and claims of one
// region whose shared state has diverged.
func (s *Store) CheckInvariants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.c
	var out []string

	for k, id := range c.byCell {
		cl, ok := c.claims[id]
		if !ok || cl.Cell != k {
			out = append(out, fmt.Sprintf("cell %s maps to missing or moved claim %d", k, id))
		}
	}
	for id, cl := range c.claims {
		if c.byCell[cl.Cell] != id {
			out = append(out, fmt.Sprintf("claim %d not indexed at %s", id, cl.Cell))
		}
		if cl.RegionID == 0 {
			continue
		}
		if _, ok := c.regions[cl.RegionID]; !ok {
			out = append(out, fmt.Sprintf("claim %d references missing region %d", id, cl.RegionID))
		}
		if _, ok := c.regionClaims[cl.RegionID][id]; !ok {
			out = append(out, fmt.Sprintf("claim %d missing from region %d index", id, cl.RegionID))
		}
	}
	for rid, set := range c.regionClaims {
		var first *model.Claim
		for cid := range set {
			cl, ok := c.claims[cid]
			if !ok || cl.RegionID != rid {
				out = append(out, fmt.Sprintf("region %d lists foreign claim %d", rid, cid))
				continue
			}
			if first == nil {
				f := cl
				first = &f
				continue
			}
			if cl.Mirror(*first) != cl {
				out = append(out, fmt.Sprintf("region %d claims %d and %d diverge", rid, first.ID, cid))
			}
		}
	}
	for owner, ids := range c.owners {
		for _, id := range ids {
			cl, ok := c.claims[id]
			if !ok || cl.Owner != owner {
				out = append(out, fmt.Sprintf("owner %s list has stale claim %d", owner, id))
			}
		}
	}
	for id, cl := range c.claims {
		if ids, ok := c.owners[cl.Owner]; ok && !containsID(ids, id) {
			out = append(out, fmt.Sprintf("owner %s list misses claim %d", cl.Owner, id))
		}
	}
	for rid, rc := range c.cells {
		if c.cellsByLoc[rc.Location] != rid {
			out = append(out, fmt.Sprintf("resource cell of region %d not indexed at %s", rid, rc.Location))
		}
	}
	sort.Strings(out)
	return out
}
