package upkeep

import (
	"context"
	"fmt"

	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/registry"
	"claimcraft.ai/internal/protocol"
)

// Dissolution describes what an owner gave up.
type Dissolution struct {
	RegionID int64       `json:"region_id,omitempty"`
	ClaimIDs []int64     `json:"claim_ids"`
	Refund   model.Money `json:"refund_micro"`
}

// Dissolve deletes, at the owner's request, the whole region a scope
// belongs to, or the claim itself when it has no region. Currency left in
// the reservoir is refunded in full and the resource cell's container is
// emptied onto the ground as on exhaustion. It waits for a running cycle to
// finish.
func (s *Scheduler) Dissolve(ctx context.Context, actor model.PlayerID, scope model.Scope) (Dissolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.Now()

	var (
		out    Dissolution
		region model.Region
		rc     model.ResourceCell
		lone   model.Claim
	)
	_, err := s.store.Apply(ctx, func(ctx context.Context, tx registry.Repository) (registry.Change, error) {
		out, region, rc, lone = Dissolution{}, model.Region{}, model.ResourceCell{}, model.Claim{}
		regionID := scope.ID
		switch scope.Kind {
		case model.ScopeRegion:
		case model.ScopeClaim:
			cl, found, err := tx.FindClaimByID(ctx, scope.ID)
			if err != nil {
				return registry.Change{}, model.RepoErr("find claim", err)
			}
			if !found {
				return registry.Change{}, fmt.Errorf("dissolve %s: %w", scope, model.ErrNotFound)
			}
			if cl.Owner != actor {
				return registry.Change{}, fmt.Errorf("dissolve %s: %w", scope, model.ErrNotOwner)
			}
			if cl.RegionID == 0 {
				return s.dissolveLone(ctx, tx, cl, &lone, &out)
			}
			regionID = cl.RegionID
		default:
			return registry.Change{}, fmt.Errorf("dissolve %s: %w", scope, model.ErrInvalidTarget)
		}

		r, found, err := tx.FindRegionByID(ctx, regionID)
		if err != nil {
			return registry.Change{}, model.RepoErr("find region", err)
		}
		if !found {
			return registry.Change{}, fmt.Errorf("dissolve %s: %w", scope, model.ErrNotFound)
		}
		if r.Owner != actor {
			return registry.Change{}, fmt.Errorf("dissolve %s: %w", scope, model.ErrNotOwner)
		}
		claims, err := registry.ClaimsInRegion(ctx, tx, r)
		if err != nil {
			return registry.Change{}, err
		}
		cell, hasCell, err := tx.ResourceCell(ctx, r.ID)
		if err != nil {
			return registry.Change{}, model.RepoErr("resource cell", err)
		}
		if hasCell {
			rc = cell
		}
		region = r
		out.RegionID = r.ID
		out.Refund = max(r.Resources.Currency, 0)
		return dissolveRegion(ctx, tx, r, claims, &out.ClaimIDs)
	})
	if err != nil {
		return Dissolution{}, err
	}

	if lone.ID != 0 {
		out.Refund = s.refund(lone.Owner, out.Refund, fmt.Sprintf("claim %d", lone.ID))
		s.writeLog(LogEntry{TimeMS: now.UnixMilli(), ClaimID: lone.ID, Owner: lone.Owner.String(), Outcome: OutcomeDissolved})
		msg := s.message(protocol.NotifyDissolved, lone.Owner, now)
		msg.ClaimIDs = out.ClaimIDs
		msg.World = lone.Cell.World
		if out.Refund > 0 {
			msg.Refund = out.Refund.String()
		}
		s.notify.Notify(lone.Owner, msg)
		s.audit(model.AuditEntry{
			TimeMS:  now.UnixMilli(),
			Actor:   actor.String(),
			Action:  "DISSOLVE",
			World:   lone.Cell.World,
			X:       lone.Cell.X,
			Z:       lone.Cell.Z,
			ClaimID: lone.ID,
			Reason:  "dissolved by owner",
		})
		return out, nil
	}

	s.writeLog(LogEntry{TimeMS: now.UnixMilli(), RegionID: region.ID, Owner: region.Owner.String(), Claims: len(out.ClaimIDs), Outcome: OutcomeDissolved})
	out.Refund = s.afterDissolve(ctx, region, rc, out.ClaimIDs, out.Refund, now, actor.String(), "dissolved by owner")
	return out, nil
}

func (s *Scheduler) dissolveLone(ctx context.Context, tx registry.Repository, cl model.Claim, lone *model.Claim, out *Dissolution) (registry.Change, error) {
	if err := tx.DeleteClaim(ctx, cl.ID); err != nil {
		return registry.Change{}, model.RepoErr("delete claim", err)
	}
	*lone = cl
	out.ClaimIDs = []int64{cl.ID}
	out.Refund = max(cl.Resources.Currency, 0)
	return registry.Change{DeleteClaims: []int64{cl.ID}, InvalidateOwners: []model.PlayerID{cl.Owner}}, nil
}

// refund pays amount back to owner and returns what actually arrived.
func (s *Scheduler) refund(owner model.PlayerID, amount model.Money, what string) model.Money {
	if amount <= 0 {
		return 0
	}
	if s.economy == nil || !s.economy.Deposit(owner, amount) {
		s.log.Printf("%s: refund of %s to %s failed", what, amount, owner)
		return 0
	}
	return amount
}
