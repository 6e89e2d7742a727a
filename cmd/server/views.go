package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"claimcraft.ai/internal/claims/model"
)

type resourcesView struct {
	ItemSeconds      int64  `json:"item_seconds"`
	Currency         string `json:"currency"`
	GraceSeconds     int64  `json:"grace_seconds"`
	RemainingSeconds int64  `json:"remaining_seconds"`
}

type claimView struct {
	ID          int64           `json:"id"`
	Owner       string          `json:"owner"`
	World       string          `json:"world"`
	X           int             `json:"x"`
	Z           int             `json:"z"`
	RegionID    int64           `json:"region_id,omitempty"`
	Name        string          `json:"name"`
	Locked      bool            `json:"locked"`
	Toggles     map[string]bool `json:"toggles"`
	Visitor     string          `json:"visitor"`
	Member      string          `json:"member"`
	Resources   resourcesView   `json:"resources"`
	ClaimedAtMS int64           `json:"claimed_at_ms"`
}

type regionView struct {
	ID        int64         `json:"id"`
	Owner     string        `json:"owner"`
	World     string        `json:"world"`
	Name      string        `json:"name"`
	Locked    bool          `json:"locked"`
	Claims    []int64       `json:"claims"`
	Resources resourcesView `json:"resources"`
}

func viewResources(s model.Snapshot, price model.Money) resourcesView {
	return resourcesView{
		ItemSeconds:      s.ItemSeconds,
		Currency:         s.Currency.String(),
		GraceSeconds:     s.GraceSeconds,
		RemainingSeconds: s.RemainingSeconds(price),
	}
}

func viewClaim(c model.Claim, price model.Money) claimView {
	return claimView{
		ID:          c.ID,
		Owner:       c.Owner.String(),
		World:       c.Cell.World,
		X:           c.Cell.X,
		Z:           c.Cell.Z,
		RegionID:    c.RegionID,
		Name:        c.Name,
		Locked:      c.Locked,
		Toggles:     toggleMap(c.Toggles),
		Visitor:     c.Visitor.String(),
		Member:      c.Member.String(),
		Resources:   viewResources(c.Resources, price),
		ClaimedAtMS: c.ClaimedAt.UnixMilli(),
	}
}

func viewRegion(r model.Region, price model.Money) regionView {
	return regionView{
		ID:        r.ID,
		Owner:     r.Owner.String(),
		World:     r.World,
		Name:      r.Name,
		Locked:    r.Locked,
		Claims:    append([]int64{}, r.Claims...),
		Resources: viewResources(r.Resources, price),
	}
}

var toggleNames = []string{
	"pvp", "mob_spawning", "fire_spread", "explosions", "leaf_decay", "entity_drop",
	"fluid_flow", "external_fluid_inflow", "mob_griefing", "tnt", "hopper_interaction",
}

func toggleField(t *model.Toggles, name string) *bool {
	switch name {
	case "pvp":
		return &t.PvP
	case "mob_spawning":
		return &t.MobSpawning
	case "fire_spread":
		return &t.FireSpread
	case "explosions":
		return &t.Explosions
	case "leaf_decay":
		return &t.LeafDecay
	case "entity_drop":
		return &t.EntityDrop
	case "fluid_flow":
		return &t.FluidFlow
	case "external_fluid_inflow":
		return &t.ExternalFluidInflow
	case "mob_griefing":
		return &t.MobGriefing
	case "tnt":
		return &t.TNT
	case "hopper_interaction":
		return &t.HopperInteraction
	}
	return nil
}

func toggleMap(t model.Toggles) map[string]bool {
	out := make(map[string]bool, len(toggleNames))
	for _, n := range toggleNames {
		out[n] = *toggleField(&t, n)
	}
	return out
}

var errBadScope = errors.New("expected claim:<id> or region:<id>")

func parseScope(s string) (model.Scope, error) {
	kind, rawID, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return model.Scope{}, errBadScope
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return model.Scope{}, errBadScope
	}
	switch strings.ToLower(kind) {
	case "claim":
		return model.ClaimScope(id), nil
	case "region":
		return model.RegionScope(id), nil
	}
	return model.Scope{}, errBadScope
}

func parseCapabilities(names []string) (model.Capability, error) {
	var c model.Capability
	for _, n := range names {
		bit, ok := model.ParseCapability(n)
		if !ok {
			return 0, fmt.Errorf("unknown permission %q", n)
		}
		c |= bit
	}
	return c, nil
}
