package registry

import (
	"context"

	"claimcraft.ai/internal/claims/model"
)

// Repository is the persistent store behind the registry. Implementations
// must be safe for concurrent use; errors other than model.ErrNotFound and
// model.ErrAlreadyClaimed are treated as transient I/O failures.
type Repository interface {
	CreateClaim(ctx context.Context, c model.Claim) (model.Claim, error)
	UpdateClaim(ctx context.Context, c model.Claim) error
	DeleteClaim(ctx context.Context, id int64) error
	FindClaimAt(ctx context.Context, k model.CellKey) (model.Claim, bool, error)
	FindClaimByID(ctx context.Context, id int64) (model.Claim, bool, error)
	ClaimsByOwner(ctx context.Context, owner model.PlayerID) ([]model.Claim, error)
	AllClaims(ctx context.Context) ([]model.Claim, error)

	CreateRegion(ctx context.Context, r model.Region) (model.Region, error)
	UpdateRegion(ctx context.Context, r model.Region) error
	UpdateRegionOwner(ctx context.Context, id int64, owner model.PlayerID) error
	FindRegionByID(ctx context.Context, id int64) (model.Region, bool, error)
	DeleteRegion(ctx context.Context, id int64) error
	AllRegions(ctx context.Context) ([]model.Region, error)

	AddMember(ctx context.Context, m model.Member) error
	RemoveMember(ctx context.Context, scope model.Scope, player model.PlayerID) error
	AllMembers(ctx context.Context) ([]model.Member, error)

	Ban(ctx context.Context, b model.BanEntry) error
	Unban(ctx context.Context, scope model.Scope, player model.PlayerID) error
	IsBanned(ctx context.Context, scope model.Scope, player model.PlayerID) (bool, error)
	AllBannedPlayers(ctx context.Context) ([]model.BanEntry, error)

	CreateResourceCell(ctx context.Context, c model.ResourceCell) error
	ResourceCell(ctx context.Context, regionID int64) (model.ResourceCell, bool, error)
	AllResourceCells(ctx context.Context) ([]model.ResourceCell, error)
	AllResourceCellLocations(ctx context.Context) (map[int64]model.Location, error)
	DeleteResourceCell(ctx context.Context, regionID int64) error

	// DrainRegionsWithoutResourceCell charges elapsed seconds to every claim
	// whose region has no resource cell and returns the updated claims.
	DrainRegionsWithoutResourceCell(ctx context.Context, elapsed int64, price model.Money) ([]model.Claim, error)

	// Atomic runs fn so that either every write it makes is kept or none is.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Repository) error) error
}
