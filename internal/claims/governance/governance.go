// Package governance implements the owner commands that change a claim or
// region after it exists: names, homes, rules, permissions, membership and
// ownership. Region-wide state is written to every claim of the region.
package governance

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/registry"
)

type Config struct {
	// InviteTTL is how long an invitation can be accepted. Default 5m.
	InviteTTL time.Duration

	Now    func() time.Time
	Logger *log.Logger
	Audit  model.AuditLogger
}

type Service struct {
	store *registry.Store
	cfg   Config
	log   *log.Logger

	mu      sync.Mutex
	invites map[model.PlayerID]Invite // by invitee
}

func New(store *registry.Store, cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = 5 * time.Minute
	}
	return &Service{store: store, cfg: cfg, log: cfg.Logger, invites: map[model.PlayerID]Invite{}}
}

// target is a scope resolved against the repository. For a claim inside a
// region, region and claims describe the whole region.
type target struct {
	scope  model.Scope
	claim  *model.Claim
	region *model.Region
	claims []model.Claim
}

func (t target) owner() model.PlayerID {
	if t.region != nil {
		return t.region.Owner
	}
	return t.claim.Owner
}

func resolve(ctx context.Context, tx registry.Repository, actor model.PlayerID, scope model.Scope) (target, error) {
	t := target{scope: scope}
	switch scope.Kind {
	case model.ScopeClaim:
		cl, found, err := tx.FindClaimByID(ctx, scope.ID)
		if err != nil {
			return t, model.RepoErr("find claim", err)
		}
		if !found {
			return t, fmt.Errorf("%s: %w", scope, model.ErrNotFound)
		}
		t.claim = &cl
		if cl.RegionID == 0 {
			t.claims = []model.Claim{cl}
			break
		}
		r, found, err := tx.FindRegionByID(ctx, cl.RegionID)
		if err != nil {
			return t, model.RepoErr("find region", err)
		}
		if found {
			t.region = &r
		} else {
			t.claims = []model.Claim{cl}
		}
	case model.ScopeRegion:
		r, found, err := tx.FindRegionByID(ctx, scope.ID)
		if err != nil {
			return t, model.RepoErr("find region", err)
		}
		if !found {
			return t, fmt.Errorf("%s: %w", scope, model.ErrNotFound)
		}
		t.region = &r
	default:
		return t, fmt.Errorf("%s: %w", scope, model.ErrInvalidTarget)
	}

	if t.region != nil {
		claims, err := registry.ClaimsInRegion(ctx, tx, *t.region)
		if err != nil {
			return t, err
		}
		t.claims = claims
	}
	if t.owner() != actor {
		return t, fmt.Errorf("%s: %w", scope, model.ErrNotOwner)
	}
	return t, nil
}

// writeShared applies edit to the first claim of t and mirrors the result
// onto the rest of the region.
func writeShared(ctx context.Context, tx registry.Repository, t target, edit func(c *model.Claim)) (registry.Change, error) {
	var ch registry.Change
	if len(t.claims) == 0 {
		if t.region == nil {
			return ch, nil
		}
		// Empty region: only the region row carries state.
		r := *t.region
		shadow := model.Claim{Locked: r.Locked, Resources: r.Resources}
		edit(&shadow)
		r.Locked = shadow.Locked
		if err := tx.UpdateRegion(ctx, r); err != nil {
			return ch, model.RepoErr("update region", err)
		}
		ch.PutRegions = append(ch.PutRegions, r)
		return ch, nil
	}

	head := t.claims[0]
	if t.region != nil {
		head.Resources = t.region.Resources
	}
	edit(&head)
	for _, cl := range t.claims {
		cl = cl.Mirror(head)
		if err := tx.UpdateClaim(ctx, cl); err != nil {
			return ch, model.RepoErr("update claim", err)
		}
		ch.PutClaims = append(ch.PutClaims, cl)
	}
	if t.region != nil {
		r := *t.region
		r.Locked = head.Locked
		if err := tx.UpdateRegion(ctx, r); err != nil {
			return ch, model.RepoErr("update region", err)
		}
		ch.PutRegions = append(ch.PutRegions, r)
	}
	return ch, nil
}

func (s *Service) apply(ctx context.Context, actor model.PlayerID, scope model.Scope, action string, fn func(ctx context.Context, tx registry.Repository, t target) (registry.Change, error)) error {
	_, err := s.store.Apply(ctx, func(ctx context.Context, tx registry.Repository) (registry.Change, error) {
		t, err := resolve(ctx, tx, actor, scope)
		if err != nil {
			return registry.Change{}, err
		}
		return fn(ctx, tx, t)
	})
	if err != nil {
		return err
	}
	s.audit(actor, action, scope)
	return nil
}

// Rename names a claim or, for a region scope, the region.
func (s *Service) Rename(ctx context.Context, actor model.PlayerID, scope model.Scope, name string) error {
	return s.apply(ctx, actor, scope, "RENAME", func(ctx context.Context, tx registry.Repository, t target) (registry.Change, error) {
		if scope.Kind == model.ScopeRegion {
			r := *t.region
			r.Name = name
			if err := tx.UpdateRegion(ctx, r); err != nil {
				return registry.Change{}, model.RepoErr("update region", err)
			}
			return registry.Change{PutRegions: []model.Region{r}}, nil
		}
		cl := *t.claim
		cl.Name = name
		if err := tx.UpdateClaim(ctx, cl); err != nil {
			return registry.Change{}, model.RepoErr("update claim", err)
		}
		return registry.Change{PutClaims: []model.Claim{cl}}, nil
	})
}

// SetHome sets a claim's home or a region's default home. nil clears it.
func (s *Service) SetHome(ctx context.Context, actor model.PlayerID, scope model.Scope, home *model.Home) error {
	return s.apply(ctx, actor, scope, "SET_HOME", func(ctx context.Context, tx registry.Repository, t target) (registry.Change, error) {
		var h *model.Home
		if home != nil {
			cp := *home
			h = &cp
		}
		if scope.Kind == model.ScopeRegion {
			r := *t.region
			r.DefaultHome = h
			if err := tx.UpdateRegion(ctx, r); err != nil {
				return registry.Change{}, model.RepoErr("update region", err)
			}
			return registry.Change{PutRegions: []model.Region{r}}, nil
		}
		cl := *t.claim
		cl.Home = h
		if err := tx.UpdateClaim(ctx, cl); err != nil {
			return registry.Change{}, model.RepoErr("update claim", err)
		}
		return registry.Change{PutClaims: []model.Claim{cl}}, nil
	})
}

func (s *Service) SetLocked(ctx context.Context, actor model.PlayerID, scope model.Scope, locked bool) error {
	return s.apply(ctx, actor, scope, "SET_LOCKED", func(ctx context.Context, tx registry.Repository, t target) (registry.Change, error) {
		return writeShared(ctx, tx, t, func(c *model.Claim) { c.Locked = locked })
	})
}

// UpdateToggles rewrites the rule toggles with edit.
func (s *Service) UpdateToggles(ctx context.Context, actor model.PlayerID, scope model.Scope, edit func(*model.Toggles)) error {
	return s.apply(ctx, actor, scope, "SET_TOGGLES", func(ctx context.Context, tx registry.Repository, t target) (registry.Change, error) {
		return writeShared(ctx, tx, t, func(c *model.Claim) { edit(&c.Toggles) })
	})
}

func (s *Service) SetPermissions(ctx context.Context, actor model.PlayerID, scope model.Scope, visitor, member model.Capability) error {
	visitor &= model.AllCapabilities
	member &= model.AllCapabilities
	return s.apply(ctx, actor, scope, "SET_PERMISSIONS", func(ctx context.Context, tx registry.Repository, t target) (registry.Change, error) {
		return writeShared(ctx, tx, t, func(c *model.Claim) {
			c.Visitor = visitor
			c.Member = member
		})
	})
}

// AddMember grants player a role in scope. The owner role cannot be granted.
func (s *Service) AddMember(ctx context.Context, actor model.PlayerID, scope model.Scope, player model.PlayerID, role model.Role) error {
	if role == model.RoleOwner {
		return fmt.Errorf("grant owner role: %w", model.ErrInvalidTarget)
	}
	return s.apply(ctx, actor, scope, "ADD_MEMBER", func(ctx context.Context, tx registry.Repository, t target) (registry.Change, error) {
		if player == t.owner() {
			return registry.Change{}, fmt.Errorf("add owner as member: %w", model.ErrInvalidTarget)
		}
		m := model.Member{Scope: scope, Player: player, Role: role, JoinedAt: s.cfg.Now()}
		if err := tx.AddMember(ctx, m); err != nil {
			return registry.Change{}, model.RepoErr("add member", err)
		}
		return registry.Change{PutMembers: []model.Member{m}}, nil
	})
}

func (s *Service) RemoveMember(ctx context.Context, actor model.PlayerID, scope model.Scope, player model.PlayerID) error {
	return s.apply(ctx, actor, scope, "REMOVE_MEMBER", func(ctx context.Context, tx registry.Repository, t target) (registry.Change, error) {
		if err := tx.RemoveMember(ctx, scope, player); err != nil {
			return registry.Change{}, model.RepoErr("remove member", err)
		}
		return registry.Change{DeleteMembers: []registry.MemberKey{{Scope: scope, Player: player}}}, nil
	})
}

// Ban denies player everything in scope and drops any membership there.
func (s *Service) Ban(ctx context.Context, actor model.PlayerID, scope model.Scope, player model.PlayerID) error {
	return s.apply(ctx, actor, scope, "BAN", func(ctx context.Context, tx registry.Repository, t target) (registry.Change, error) {
		if player == t.owner() {
			return registry.Change{}, fmt.Errorf("ban owner: %w", model.ErrInvalidTarget)
		}
		key := registry.MemberKey{Scope: scope, Player: player}
		if err := tx.RemoveMember(ctx, scope, player); err != nil {
			return registry.Change{}, model.RepoErr("remove member", err)
		}
		b := model.BanEntry{Scope: scope, Player: player, BannedAt: s.cfg.Now()}
		if err := tx.Ban(ctx, b); err != nil {
			return registry.Change{}, model.RepoErr("ban", err)
		}
		return registry.Change{DeleteMembers: []registry.MemberKey{key}, PutBans: []model.BanEntry{b}}, nil
	})
}

func (s *Service) Unban(ctx context.Context, actor model.PlayerID, scope model.Scope, player model.PlayerID) error {
	return s.apply(ctx, actor, scope, "UNBAN", func(ctx context.Context, tx registry.Repository, t target) (registry.Change, error) {
		if err := tx.Unban(ctx, scope, player); err != nil {
			return registry.Change{}, model.RepoErr("unban", err)
		}
		return registry.Change{DeleteBans: []registry.MemberKey{{Scope: scope, Player: player}}}, nil
	})
}

// TransferRegion hands a region, or a claim with everything in its region,
// to newOwner. A membership the new owner held there is dropped.
func (s *Service) TransferRegion(ctx context.Context, actor model.PlayerID, scope model.Scope, newOwner model.PlayerID) error {
	if actor == newOwner {
		return fmt.Errorf("transfer to self: %w", model.ErrInvalidTarget)
	}
	return s.apply(ctx, actor, scope, "TRANSFER", func(ctx context.Context, tx registry.Repository, t target) (registry.Change, error) {
		ch := registry.Change{InvalidateOwners: []model.PlayerID{actor, newOwner}}
		scopes := make([]model.Scope, 0, len(t.claims)+1)
		if t.region != nil {
			if err := tx.UpdateRegionOwner(ctx, t.region.ID, newOwner); err != nil {
				return registry.Change{}, model.RepoErr("update region owner", err)
			}
			r := *t.region
			r.Owner = newOwner
			ch.PutRegions = append(ch.PutRegions, r)
			scopes = append(scopes, model.RegionScope(r.ID))
		}
		for _, cl := range t.claims {
			cl.Owner = newOwner
			if err := tx.UpdateClaim(ctx, cl); err != nil {
				return registry.Change{}, model.RepoErr("update claim", err)
			}
			ch.PutClaims = append(ch.PutClaims, cl)
			scopes = append(scopes, model.ClaimScope(cl.ID))
		}
		for _, sc := range scopes {
			if err := tx.RemoveMember(ctx, sc, newOwner); err != nil {
				return registry.Change{}, model.RepoErr("remove member", err)
			}
			if err := tx.Unban(ctx, sc, newOwner); err != nil {
				return registry.Change{}, model.RepoErr("unban", err)
			}
			key := registry.MemberKey{Scope: sc, Player: newOwner}
			ch.DeleteMembers = append(ch.DeleteMembers, key)
			ch.DeleteBans = append(ch.DeleteBans, key)
		}
		return ch, nil
	})
}

func (s *Service) audit(actor model.PlayerID, action string, scope model.Scope) {
	if s.cfg.Audit == nil {
		return
	}
	e := model.AuditEntry{TimeMS: s.cfg.Now().UnixMilli(), Actor: actor.String(), Action: action}
	if scope.Kind == model.ScopeRegion {
		e.RegionID = scope.ID
	} else {
		e.ClaimID = scope.ID
	}
	if err := s.cfg.Audit.WriteAudit(e); err != nil {
		s.log.Printf("audit %s: %v", action, err)
	}
}
