package registry

import (
	"context"
	"sort"

	"claimcraft.ai/internal/claims/model"
)

// ClaimsInRegion lists the claims of region r, ordered by id, as seen by tx.
func ClaimsInRegion(ctx context.Context, tx Repository, r model.Region) ([]model.Claim, error) {
	owned, err := tx.ClaimsByOwner(ctx, r.Owner)
	if err != nil {
		return nil, model.RepoErr("claims by owner", err)
	}
	var out []model.Claim
	for _, cl := range owned {
		if cl.RegionID == r.ID {
			out = append(out, cl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// WriteRegionSnapshot stores r and copies its resource snapshot onto every
// claim in claims.
func WriteRegionSnapshot(ctx context.Context, tx Repository, r model.Region, claims []model.Claim) (Change, error) {
	var ch Change
	if err := tx.UpdateRegion(ctx, r); err != nil {
		return ch, model.RepoErr("update region", err)
	}
	ch.PutRegions = append(ch.PutRegions, r)
	for _, cl := range claims {
		cl.Resources = r.Resources
		if err := tx.UpdateClaim(ctx, cl); err != nil {
			return ch, model.RepoErr("update claim", err)
		}
		ch.PutClaims = append(ch.PutClaims, cl)
	}
	return ch, nil
}
