package governance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/registry"
)

// Invite is a pending offer of membership. A player holds at most one; a
// newer invitation replaces it.
type Invite struct {
	Scope     model.Scope
	Inviter   model.PlayerID
	ExpiresAt time.Time
}

// Invite offers player membership of scope. Owners, members and banned
// players cannot be invited.
func (s *Service) Invite(ctx context.Context, actor model.PlayerID, scope model.Scope, player model.PlayerID) (Invite, error) {
	if player == actor {
		return Invite{}, fmt.Errorf("invite self: %w", model.ErrInvalidTarget)
	}
	err := s.apply(ctx, actor, scope, "INVITE", func(ctx context.Context, tx registry.Repository, t target) (registry.Change, error) {
		if player == t.owner() {
			return registry.Change{}, fmt.Errorf("invite owner: %w", model.ErrInvalidTarget)
		}
		if _, ok := s.store.Member(scope, player); ok {
			return registry.Change{}, fmt.Errorf("invite %s: already a member: %w", player, model.ErrInvalidTarget)
		}
		banned, err := tx.IsBanned(ctx, scope, player)
		if err != nil {
			return registry.Change{}, model.RepoErr("is banned", err)
		}
		if banned {
			return registry.Change{}, fmt.Errorf("invite %s: banned: %w", player, model.ErrInvalidTarget)
		}
		return registry.Change{}, nil
	})
	if err != nil {
		return Invite{}, err
	}
	inv := Invite{Scope: scope, Inviter: actor, ExpiresAt: s.cfg.Now().Add(s.cfg.InviteTTL)}
	s.mu.Lock()
	s.invites[player] = inv
	s.mu.Unlock()
	return inv, nil
}

// PendingInvite returns player's invitation if it has not expired.
func (s *Service) PendingInvite(player model.PlayerID) (Invite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingLocked(player)
}

func (s *Service) pendingLocked(player model.PlayerID) (Invite, bool) {
	inv, ok := s.invites[player]
	if !ok {
		return Invite{}, false
	}
	if !s.cfg.Now().Before(inv.ExpiresAt) {
		delete(s.invites, player)
		return Invite{}, false
	}
	return inv, true
}

// Accept turns player's pending invitation into a membership. The
// invitation lapses if the inviter no longer owns the scope or the player
// was banned in the meantime.
func (s *Service) Accept(ctx context.Context, player model.PlayerID) (model.Member, error) {
	s.mu.Lock()
	inv, ok := s.pendingLocked(player)
	s.mu.Unlock()
	if !ok {
		return model.Member{}, fmt.Errorf("accept: no pending invite: %w", model.ErrNotFound)
	}

	m := model.Member{Scope: inv.Scope, Player: player, Role: model.RoleMember, JoinedAt: s.cfg.Now()}
	_, err := s.store.Apply(ctx, func(ctx context.Context, tx registry.Repository) (registry.Change, error) {
		if _, err := resolve(ctx, tx, inv.Inviter, inv.Scope); err != nil {
			return registry.Change{}, err
		}
		banned, err := tx.IsBanned(ctx, inv.Scope, player)
		if err != nil {
			return registry.Change{}, model.RepoErr("is banned", err)
		}
		if banned {
			return registry.Change{}, fmt.Errorf("accept %s: banned: %w", inv.Scope, model.ErrInvalidTarget)
		}
		if err := tx.AddMember(ctx, m); err != nil {
			return registry.Change{}, model.RepoErr("add member", err)
		}
		return registry.Change{PutMembers: []model.Member{m}}, nil
	})
	if err != nil && errors.Is(err, model.ErrRepository) {
		return model.Member{}, err
	}
	s.mu.Lock()
	if cur, ok := s.invites[player]; ok && cur.Scope == inv.Scope && cur.ExpiresAt.Equal(inv.ExpiresAt) {
		delete(s.invites, player)
	}
	s.mu.Unlock()
	if err != nil {
		return model.Member{}, err
	}
	s.audit(player, "ACCEPT", inv.Scope)
	return m, nil
}

// Leave drops the actor's own membership of scope.
func (s *Service) Leave(ctx context.Context, actor model.PlayerID, scope model.Scope) error {
	_, err := s.store.Apply(ctx, func(ctx context.Context, tx registry.Repository) (registry.Change, error) {
		if _, ok := s.store.Member(scope, actor); !ok {
			return registry.Change{}, fmt.Errorf("leave %s: not a member: %w", scope, model.ErrNotFound)
		}
		if err := tx.RemoveMember(ctx, scope, actor); err != nil {
			return registry.Change{}, model.RepoErr("remove member", err)
		}
		return registry.Change{DeleteMembers: []registry.MemberKey{{Scope: scope, Player: actor}}}, nil
	})
	if err != nil {
		return err
	}
	s.audit(actor, "LEAVE", scope)
	return nil
}
