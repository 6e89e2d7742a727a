package governance_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/google/uuid"

	"claimcraft.ai/internal/claims/claimstest"
	"claimcraft.ai/internal/claims/governance"
	"claimcraft.ai/internal/claims/merge"
	"claimcraft.ai/internal/claims/model"
	"claimcraft.ai/internal/claims/registry"
)

type env struct {
	mem   *claimstest.Memory
	store *registry.Store
	eng   *merge.Engine
	gov   *governance.Service
}

func newEnv(t *testing.T) env {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	mem := claimstest.NewMemory()
	store := registry.New(mem, registry.Config{Timeout: time.Second, Logger: quiet})
	if err := store.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return env{
		mem:   mem,
		store: store,
		eng:   merge.New(store, merge.Config{InitialGrace: 600, DefaultToggles: model.DefaultToggles(), DefaultMember: model.AllCapabilities, Logger: quiet}),
		gov:   governance.New(store, governance.Config{Logger: quiet}),
	}
}

func (e env) region(t *testing.T, owner model.PlayerID, cells ...[2]int) merge.ClaimResult {
	t.Helper()
	var first merge.ClaimResult
	for i, c := range cells {
		res, err := e.eng.Claim(context.Background(), merge.ClaimRequest{Owner: owner, Cell: model.CellKey{World: "world", X: c[0], Z: c[1]}})
		if err != nil {
			t.Fatalf("claim %v: %v", c, err)
		}
		if i == 0 {
			first = res
		}
	}
	return first
}

func (e env) consistent(t *testing.T) {
	t.Helper()
	if bad := e.store.CheckInvariants(); len(bad) > 0 {
		t.Fatalf("invariants: %v", bad)
	}
}

func TestSharedStateIsMirroredAcrossRegion(t *testing.T) {
	e := newEnv(t)
	owner := uuid.New()
	first := e.region(t, owner, [2]int{0, 0}, [2]int{1, 0}, [2]int{2, 0})
	ctx := context.Background()

	// Editing through one claim changes every claim of the region.
	if err := e.gov.UpdateToggles(ctx, owner, model.ClaimScope(first.Claim.ID), func(tg *model.Toggles) { tg.PvP = true }); err != nil {
		t.Fatalf("toggles: %v", err)
	}
	if err := e.gov.SetPermissions(ctx, owner, model.RegionScope(first.Region.ID), model.CapUseDoors|model.CapInteract, model.CapBreak); err != nil {
		t.Fatalf("permissions: %v", err)
	}
	if err := e.gov.SetLocked(ctx, owner, model.RegionScope(first.Region.ID), true); err != nil {
		t.Fatalf("locked: %v", err)
	}
	claims := e.store.RegionClaims(first.Region.ID)
	if len(claims) != 3 {
		t.Fatalf("claims: %v", claims)
	}
	for _, cl := range claims {
		if !cl.Toggles.PvP || cl.Visitor != model.CapUseDoors|model.CapInteract || cl.Member != model.CapBreak || !cl.Locked {
			t.Fatalf("claim %d not mirrored: %+v", cl.ID, cl)
		}
	}
	if r, _ := e.store.Region(first.Region.ID); !r.Locked {
		t.Fatalf("region lock not stored")
	}
	e.consistent(t)
}

func TestOwnerChecks(t *testing.T) {
	e := newEnv(t)
	owner, stranger := uuid.New(), uuid.New()
	first := e.region(t, owner, [2]int{0, 0})
	ctx := context.Background()

	err := e.gov.Rename(ctx, stranger, model.ClaimScope(first.Claim.ID), "mine now")
	if !errors.Is(err, model.ErrNotOwner) {
		t.Fatalf("expected not owner, got %v", err)
	}
	if err := e.gov.Rename(ctx, owner, model.ClaimScope(999), "x"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := e.gov.Rename(ctx, owner, model.RegionScope(first.Region.ID), "Keep"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if r, _ := e.store.Region(first.Region.ID); r.Name != "Keep" {
		t.Fatalf("name %q", r.Name)
	}
}

func TestMembershipAndBans(t *testing.T) {
	e := newEnv(t)
	owner, friend := uuid.New(), uuid.New()
	first := e.region(t, owner, [2]int{0, 0})
	scope := model.RegionScope(first.Region.ID)
	ctx := context.Background()

	if err := e.gov.AddMember(ctx, owner, scope, friend, model.RoleTrusted); err != nil {
		t.Fatalf("add: %v", err)
	}
	if m, ok := e.store.Member(scope, friend); !ok || m.Role != model.RoleTrusted {
		t.Fatalf("member: %+v %v", m, ok)
	}
	if err := e.gov.AddMember(ctx, owner, scope, owner, model.RoleMember); !errors.Is(err, model.ErrInvalidTarget) {
		t.Fatalf("owner as member: %v", err)
	}

	if err := e.gov.Ban(ctx, owner, scope, friend); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if _, ok := e.store.Member(scope, friend); ok {
		t.Fatalf("ban must drop membership")
	}
	if !e.store.IsBanned(scope, friend) {
		t.Fatalf("ban not cached")
	}
	if err := e.gov.Unban(ctx, owner, scope, friend); err != nil {
		t.Fatalf("unban: %v", err)
	}
	if e.store.IsBanned(scope, friend) {
		t.Fatalf("unban not cached")
	}
	if err := e.gov.Ban(ctx, owner, scope, owner); !errors.Is(err, model.ErrInvalidTarget) {
		t.Fatalf("self ban: %v", err)
	}
}

func TestTransferRegion(t *testing.T) {
	e := newEnv(t)
	from, to := uuid.New(), uuid.New()
	first := e.region(t, from, [2]int{0, 0}, [2]int{0, 1})
	ctx := context.Background()

	if err := e.gov.AddMember(ctx, from, model.RegionScope(first.Region.ID), to, model.RoleMember); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Warm the owner caches so invalidation is exercised.
	if got, _ := e.store.ClaimsOf(ctx, from); len(got) != 2 {
		t.Fatalf("claims of from: %v", got)
	}
	if got, _ := e.store.ClaimsOf(ctx, to); len(got) != 0 {
		t.Fatalf("claims of to: %v", got)
	}

	if err := e.gov.TransferRegion(ctx, from, model.ClaimScope(first.Claim.ID), to); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got, _ := e.store.ClaimsOf(ctx, from); len(got) != 0 {
		t.Fatalf("old owner still lists %v", got)
	}
	if got, _ := e.store.ClaimsOf(ctx, to); len(got) != 2 {
		t.Fatalf("new owner lists %v", got)
	}
	if r, _ := e.store.Region(first.Region.ID); r.Owner != to {
		t.Fatalf("region owner %v", r.Owner)
	}
	if _, ok := e.store.Member(model.RegionScope(first.Region.ID), to); ok {
		t.Fatalf("new owner must not stay a member")
	}
	e.consistent(t)
}

func TestFailedWriteKeepsCache(t *testing.T) {
	e := newEnv(t)
	owner := uuid.New()
	first := e.region(t, owner, [2]int{0, 0}, [2]int{1, 0})
	e.mem.Fail("UpdateRegion", claimstest.ErrInjected)

	err := e.gov.SetLocked(context.Background(), owner, model.RegionScope(first.Region.ID), true)
	if !errors.Is(err, model.ErrRepository) {
		t.Fatalf("expected repository failure, got %v", err)
	}
	for _, cl := range e.store.RegionClaims(first.Region.ID) {
		if cl.Locked {
			t.Fatalf("cache changed after failure: %+v", cl)
		}
	}
	if cl, _ := e.mem.Claim(first.Claim.ID); cl.Locked {
		t.Fatalf("repository not rolled back")
	}
	e.consistent(t)
}

func TestMemberLeaves(t *testing.T) {
	e := newEnv(t)
	owner, friend, stranger := uuid.New(), uuid.New(), uuid.New()
	first := e.region(t, owner, [2]int{0, 0})
	scope := model.RegionScope(first.Region.ID)
	ctx := context.Background()

	if err := e.gov.AddMember(ctx, owner, scope, friend, model.RoleMember); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := e.gov.Leave(ctx, stranger, scope); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("stranger leave: %v", err)
	}
	if err := e.gov.Leave(ctx, owner, scope); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("owner leave: %v", err)
	}
	if err := e.gov.Leave(ctx, friend, scope); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, ok := e.store.Member(scope, friend); ok {
		t.Fatalf("membership still cached")
	}
	if err := e.gov.Leave(ctx, friend, scope); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("second leave: %v", err)
	}
	e.consistent(t)
}

func TestInviteAndAccept(t *testing.T) {
	quiet := log.New(io.Discard, "", 0)
	e := newEnv(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	gov := governance.New(e.store, governance.Config{Now: func() time.Time { return now }, Logger: quiet})
	owner, friend, other := uuid.New(), uuid.New(), uuid.New()
	first := e.region(t, owner, [2]int{0, 0})
	scope := model.RegionScope(first.Region.ID)
	ctx := context.Background()

	if _, err := gov.Accept(ctx, friend); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("accept without invite: %v", err)
	}
	if _, err := gov.Invite(ctx, other, scope, friend); !errors.Is(err, model.ErrNotOwner) {
		t.Fatalf("invite by non-owner: %v", err)
	}
	if _, err := gov.Invite(ctx, owner, scope, owner); !errors.Is(err, model.ErrInvalidTarget) {
		t.Fatalf("invite self: %v", err)
	}

	inv, err := gov.Invite(ctx, owner, scope, friend)
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if inv.Scope != scope || inv.Inviter != owner || !inv.ExpiresAt.Equal(now.Add(5*time.Minute)) {
		t.Fatalf("invite %+v", inv)
	}
	if _, ok := e.store.Member(scope, friend); ok {
		t.Fatalf("invite must not grant membership")
	}
	m, err := gov.Accept(ctx, friend)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got, ok := e.store.Member(scope, friend); !ok || got.Role != model.RoleMember || m.Role != model.RoleMember {
		t.Fatalf("member %+v ok=%v", got, ok)
	}
	if _, ok := gov.PendingInvite(friend); ok {
		t.Fatalf("accepted invite still pending")
	}
	if _, err := gov.Invite(ctx, owner, scope, friend); !errors.Is(err, model.ErrInvalidTarget) {
		t.Fatalf("invite existing member: %v", err)
	}

	if _, err := gov.Invite(ctx, owner, scope, other); err != nil {
		t.Fatalf("invite: %v", err)
	}
	now = now.Add(5 * time.Minute)
	if _, err := gov.Accept(ctx, other); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("accept expired invite: %v", err)
	}
	if _, ok := e.store.Member(scope, other); ok {
		t.Fatalf("expired invite granted membership")
	}
	e.consistent(t)
}

func TestInviteLapsesOnBan(t *testing.T) {
	e := newEnv(t)
	owner, friend := uuid.New(), uuid.New()
	first := e.region(t, owner, [2]int{0, 0})
	scope := model.RegionScope(first.Region.ID)
	ctx := context.Background()

	if _, err := e.gov.Invite(ctx, owner, scope, friend); err != nil {
		t.Fatalf("invite: %v", err)
	}
	if err := e.gov.Ban(ctx, owner, scope, friend); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if _, err := e.gov.Accept(ctx, friend); !errors.Is(err, model.ErrInvalidTarget) {
		t.Fatalf("accept after ban: %v", err)
	}
	if _, ok := e.gov.PendingInvite(friend); ok {
		t.Fatalf("lapsed invite still pending")
	}
	if _, err := e.gov.Invite(ctx, owner, scope, friend); !errors.Is(err, model.ErrInvalidTarget) {
		t.Fatalf("invite banned player: %v", err)
	}
}
