// Package merge grows and shrinks regions one cell at a time. A new claim
// joins the single region of its owner that it touches; touching two such
// regions is a conflict the player must resolve.
package merge

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"claimcraft.ai/internal/claims/economy"
	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/registry"
)

type Config struct {
	// InitialGrace is the grace allowance, in seconds, of a new region.
	InitialGrace   int64
	DefaultToggles model.Toggles
	DefaultVisitor model.Capability
	DefaultMember  model.Capability
	// Economy receives the currency left in a released claim or region.
	// Without it such releases are refused.
	Economy economy.Backend

	Now    func() time.Time
	Logger *log.Logger
	Audit  model.AuditLogger
}

type Engine struct {
	store *registry.Store
	cfg   Config
	log   *log.Logger
}

func New(store *registry.Store, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Engine{store: store, cfg: cfg, log: cfg.Logger}
}

type ClaimRequest struct {
	Owner model.PlayerID
	Cell  model.CellKey
	Name  string
}

type ClaimResult struct {
	Claim  model.Claim
	Region model.Region
	// NewRegion is set when the claim founded its region.
	NewRegion bool
	// Absorbed lists orphan claims moved into the new region.
	Absorbed []int64
}

type UnclaimResult struct {
	Claim         model.Claim
	RegionDeleted bool
	// Refund is the deposited currency paid back to the owner.
	Refund model.Money
	// Fragmented reports that the cells left in the region no longer form
	// one connected group. The region is kept whole.
	Fragmented bool
}

// neighborhood is what the four cells around a target tell us.
type neighborhood struct {
	regions  map[int64]model.Region
	template map[int64]model.Claim // one member claim per adjacent region
	orphans  []model.Claim
}

func (e *Engine) scan(ctx context.Context, tx registry.Repository, owner model.PlayerID, k model.CellKey) (neighborhood, error) {
	nb := neighborhood{regions: map[int64]model.Region{}, template: map[int64]model.Claim{}}
	for _, n := range k.Neighbors() {
		cl, found, err := tx.FindClaimAt(ctx, n)
		if err != nil {
			return nb, model.RepoErr("find claim", err)
		}
		if !found || cl.Owner != owner {
			continue
		}
		if cl.RegionID == 0 {
			nb.orphans = append(nb.orphans, cl)
			continue
		}
		if _, seen := nb.regions[cl.RegionID]; seen {
			continue
		}
		r, found, err := tx.FindRegionByID(ctx, cl.RegionID)
		if err != nil {
			return nb, model.RepoErr("find region", err)
		}
		if !found {
			e.log.Printf("claim %d references missing region %d, treating as orphan", cl.ID, cl.RegionID)
			cl.RegionID = 0
			nb.orphans = append(nb.orphans, cl)
			continue
		}
		if r.Owner != owner {
			continue
		}
		nb.regions[r.ID] = r
		nb.template[r.ID] = cl
	}
	sort.Slice(nb.orphans, func(i, j int) bool { return nb.orphans[i].ID < nb.orphans[j].ID })
	return nb, nil
}

func (nb neighborhood) regionIDs() []int64 {
	ids := make([]int64, 0, len(nb.regions))
	for id := range nb.regions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (e *Engine) ensureFree(ctx context.Context, tx registry.Repository, k model.CellKey) error {
	_, found, err := tx.FindClaimAt(ctx, k)
	if err != nil {
		return model.RepoErr("find claim", err)
	}
	if found {
		return model.ErrAlreadyClaimed
	}
	return nil
}

func (e *Engine) newClaim(req ClaimRequest, now time.Time) model.Claim {
	name := req.Name
	if name == "" {
		name = model.DefaultClaimName(req.Cell)
	}
	return model.Claim{
		Owner:     req.Owner,
		Cell:      req.Cell,
		Name:      name,
		Toggles:   e.cfg.DefaultToggles,
		Visitor:   e.cfg.DefaultVisitor,
		Member:    e.cfg.DefaultMember,
		Resources: model.Snapshot{GraceSeconds: e.cfg.InitialGrace},
		ClaimedAt: now,
	}
}

// Claim takes a free cell for req.Owner and places it in a region.
func (e *Engine) Claim(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	var res ClaimResult
	_, err := e.store.Apply(ctx, func(ctx context.Context, tx registry.Repository) (registry.Change, error) {
		res = ClaimResult{}
		if err := e.ensureFree(ctx, tx, req.Cell); err != nil {
			return registry.Change{}, err
		}
		nb, err := e.scan(ctx, tx, req.Owner, req.Cell)
		if err != nil {
			return registry.Change{}, err
		}
		if len(nb.regions) > 1 {
			return registry.Change{}, &model.RegionConflictError{RegionIDs: nb.regionIDs()}
		}
		if len(nb.regions) == 1 {
			id := nb.regionIDs()[0]
			return e.join(ctx, tx, req, nb.regions[id], nb.template[id], &res)
		}
		return e.found(ctx, tx, req, nb.orphans, &res)
	})
	if err != nil {
		return ClaimResult{}, err
	}
	e.audit(req.Owner, "CLAIM", res.Claim, "")
	return res, nil
}

// ClaimInto claims a free cell directly into regionID, the way a player
// resolves a conflict reported by Claim.
func (e *Engine) ClaimInto(ctx context.Context, req ClaimRequest, regionID int64) (ClaimResult, error) {
	var res ClaimResult
	_, err := e.store.Apply(ctx, func(ctx context.Context, tx registry.Repository) (registry.Change, error) {
		res = ClaimResult{}
		if err := e.ensureFree(ctx, tx, req.Cell); err != nil {
			return registry.Change{}, err
		}
		r, found, err := tx.FindRegionByID(ctx, regionID)
		if err != nil {
			return registry.Change{}, model.RepoErr("find region", err)
		}
		if !found {
			return registry.Change{}, fmt.Errorf("region %d: %w", regionID, model.ErrNotFound)
		}
		if r.Owner != req.Owner {
			return registry.Change{}, fmt.Errorf("region %d: %w", regionID, model.ErrNotOwner)
		}
		nb, err := e.scan(ctx, tx, req.Owner, req.Cell)
		if err != nil {
			return registry.Change{}, err
		}
		tmpl, ok := nb.template[regionID]
		if !ok {
			return registry.Change{}, fmt.Errorf("region %d at %s: %w", regionID, req.Cell, model.ErrNotAdjacent)
		}
		return e.join(ctx, tx, req, r, tmpl, &res)
	})
	if err != nil {
		return ClaimResult{}, err
	}
	e.audit(req.Owner, "CLAIM", res.Claim, fmt.Sprintf("into region %d", regionID))
	return res, nil
}

func (e *Engine) join(ctx context.Context, tx registry.Repository, req ClaimRequest, r model.Region, tmpl model.Claim, res *ClaimResult) (registry.Change, error) {
	cl := e.newClaim(req, e.cfg.Now()).Mirror(tmpl)
	cl.Resources = r.Resources
	cl.RegionID = r.ID
	created, err := tx.CreateClaim(ctx, cl)
	if err != nil {
		return registry.Change{}, model.RepoErr("create claim", err)
	}
	res.Claim = created
	res.Region = r
	return registry.Change{PutRegions: []model.Region{r}, PutClaims: []model.Claim{created}}, nil
}

// found creates a region around the new claim. Adjacent orphans join it:
// the region takes the settings of the oldest of them and the pooled
// reservoirs of all of them.
func (e *Engine) found(ctx context.Context, tx registry.Repository, req ClaimRequest, orphans []model.Claim, res *ClaimResult) (registry.Change, error) {
	now := e.cfg.Now()
	cl := e.newClaim(req, now)
	if len(orphans) > 0 {
		cl = cl.Mirror(orphans[0])
		var pooled model.Snapshot
		for _, o := range orphans {
			pooled = pooled.Plus(o.Resources)
		}
		cl.Resources = pooled
	}
	r, err := tx.CreateRegion(ctx, model.Region{
		Owner:     req.Owner,
		World:     req.Cell.World,
		Locked:    cl.Locked,
		Resources: cl.Resources,
		CreatedAt: now,
	})
	if err != nil {
		return registry.Change{}, model.RepoErr("create region", err)
	}
	r.Name = model.DefaultRegionName(r.ID)
	if err := tx.UpdateRegion(ctx, r); err != nil {
		return registry.Change{}, model.RepoErr("update region", err)
	}

	cl.RegionID = r.ID
	created, err := tx.CreateClaim(ctx, cl)
	if err != nil {
		return registry.Change{}, model.RepoErr("create claim", err)
	}
	ch := registry.Change{PutRegions: []model.Region{r}, PutClaims: []model.Claim{created}}
	for _, o := range orphans {
		o = o.Mirror(created)
		o.RegionID = r.ID
		if err := tx.UpdateClaim(ctx, o); err != nil {
			return registry.Change{}, model.RepoErr("update claim", err)
		}
		ch.PutClaims = append(ch.PutClaims, o)
		res.Absorbed = append(res.Absorbed, o.ID)
	}
	res.Claim = created
	res.Region = r
	res.NewRegion = true
	return ch, nil
}

// Unclaim releases the claim at k. The region goes with its last claim, and
// currency deposited in whatever disappears is refunded to the owner.
func (e *Engine) Unclaim(ctx context.Context, owner model.PlayerID, k model.CellKey) (UnclaimResult, error) {
	var res UnclaimResult
	_, err := e.store.Apply(ctx, func(ctx context.Context, tx registry.Repository) (registry.Change, error) {
		res = UnclaimResult{}
		cl, found, err := tx.FindClaimAt(ctx, k)
		if err != nil {
			return registry.Change{}, model.RepoErr("find claim", err)
		}
		if !found {
			return registry.Change{}, fmt.Errorf("unclaim %s: %w", k, model.ErrNotFound)
		}
		if cl.Owner != owner {
			return registry.Change{}, fmt.Errorf("unclaim %s: %w", k, model.ErrNotOwner)
		}
		res.Claim = cl

		var rest []model.Claim
		if cl.RegionID != 0 {
			rc, hasCell, err := tx.ResourceCell(ctx, cl.RegionID)
			if err != nil {
				return registry.Change{}, model.RepoErr("resource cell", err)
			}
			rest, err = regionClaims(ctx, tx, cl)
			if err != nil {
				return registry.Change{}, err
			}
			if hasCell && (rc.ClaimID == cl.ID || len(rest) == 0) {
				return registry.Change{}, fmt.Errorf("unclaim %s: %w", k, model.ErrResourceCellAttached)
			}
		}

		switch {
		case cl.RegionID == 0:
			res.Refund = cl.Resources.Currency
		case len(rest) == 0:
			r, found, err := tx.FindRegionByID(ctx, cl.RegionID)
			if err != nil {
				return registry.Change{}, model.RepoErr("find region", err)
			}
			if found {
				res.Refund = r.Resources.Currency
			}
		}
		if res.Refund < 0 {
			res.Refund = 0
		}
		if res.Refund > 0 && e.cfg.Economy == nil {
			return registry.Change{}, fmt.Errorf("unclaim %s: %s deposited and nowhere to refund it: %w", k, res.Refund, model.ErrInvalidTarget)
		}

		if err := tx.DeleteClaim(ctx, cl.ID); err != nil {
			return registry.Change{}, model.RepoErr("delete claim", err)
		}
		ch := registry.Change{DeleteClaims: []int64{cl.ID}}
		if cl.RegionID != 0 && len(rest) == 0 {
			if err := tx.DeleteRegion(ctx, cl.RegionID); err != nil {
				return registry.Change{}, model.RepoErr("delete region", err)
			}
			ch.DeleteRegions = []int64{cl.RegionID}
			res.RegionDeleted = true
		}
		if len(rest) > 1 {
			cells := make([]model.CellKey, 0, len(rest))
			for _, o := range rest {
				cells = append(cells, o.Cell)
			}
			res.Fragmented = !Connected(cells)
		}
		return ch, nil
	})
	if err != nil {
		return UnclaimResult{}, err
	}
	if res.Fragmented {
		e.log.Printf("region %d split into disconnected parts after unclaiming %s", res.Claim.RegionID, k)
	}
	reason := ""
	if res.Refund > 0 {
		if e.cfg.Economy.Deposit(owner, res.Refund) {
			reason = "refund " + res.Refund.String()
		} else {
			e.log.Printf("unclaim %s: refund of %s to %s failed", k, res.Refund, owner)
			res.Refund = 0
		}
	}
	e.audit(owner, "UNCLAIM", res.Claim, reason)
	return res, nil
}

// regionClaims returns the other claims of cl's region.
func regionClaims(ctx context.Context, tx registry.Repository, cl model.Claim) ([]model.Claim, error) {
	all, err := registry.ClaimsInRegion(ctx, tx, model.Region{ID: cl.RegionID, Owner: cl.Owner})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, o := range all {
		if o.ID != cl.ID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (e *Engine) audit(actor model.PlayerID, action string, cl model.Claim, reason string) {
	if e.cfg.Audit == nil {
		return
	}
	err := e.cfg.Audit.WriteAudit(model.AuditEntry{
		TimeMS:   e.cfg.Now().UnixMilli(),
		Actor:    actor.String(),
		Action:   action,
		World:    cl.Cell.World,
		X:        cl.Cell.X,
		Z:        cl.Cell.Z,
		ClaimID:  cl.ID,
		RegionID: cl.RegionID,
		Reason:   reason,
	})
	if err != nil {
		e.log.Printf("audit %s: %v", action, err)
	}
}
