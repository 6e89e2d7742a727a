package registry

import (
	"sort"

	"claimcraft.ai/internal/claims/model"
)

// cache is one generation of the registry's in-memory index. A cache is
// either live (mutated only under Store.mu) or a shadow being built by a
// reload (owned by that reload until swapped in).
type cache struct {
	claims       map[int64]model.Claim
	byCell       map[model.CellKey]int64
	regions      map[int64]model.Region
	regionClaims map[int64]map[int64]struct{}
	members      map[model.Scope]map[model.PlayerID]model.Member
	bans         map[model.Scope]map[model.PlayerID]model.BanEntry
	cells        map[int64]model.ResourceCell
	cellsByLoc   map[model.Location]int64
	owners       map[model.PlayerID][]int64
}

func newCache() *cache {
	return &cache{
		claims:       map[int64]model.Claim{},
		byCell:       map[model.CellKey]int64{},
		regions:      map[int64]model.Region{},
		regionClaims: map[int64]map[int64]struct{}{},
		members:      map[model.Scope]map[model.PlayerID]model.Member{},
		bans:         map[model.Scope]map[model.PlayerID]model.BanEntry{},
		cells:        map[int64]model.ResourceCell{},
		cellsByLoc:   map[model.Location]int64{},
		owners:       map[model.PlayerID][]int64{},
	}
}

func (c *cache) putClaim(cl model.Claim) {
	cl = cl.Clone()
	if old, ok := c.claims[cl.ID]; ok {
		if old.Cell != cl.Cell {
			if c.byCell[old.Cell] == cl.ID {
				delete(c.byCell, old.Cell)
			}
		}
		if old.RegionID != cl.RegionID && old.RegionID != 0 {
			c.unlinkRegion(old.RegionID, cl.ID)
		}
		if old.Owner != cl.Owner {
			delete(c.owners, old.Owner)
		}
	}
	c.claims[cl.ID] = cl
	c.byCell[cl.Cell] = cl.ID
	if cl.RegionID != 0 {
		set := c.regionClaims[cl.RegionID]
		if set == nil {
			set = map[int64]struct{}{}
			c.regionClaims[cl.RegionID] = set
		}
		set[cl.ID] = struct{}{}
	}
	if ids, ok := c.owners[cl.Owner]; ok && !containsID(ids, cl.ID) {
		// A cached owner list that misses this claim is stale.
		delete(c.owners, cl.Owner)
	}
}

func (c *cache) deleteClaim(id int64) {
	cl, ok := c.claims[id]
	if !ok {
		return
	}
	delete(c.claims, id)
	if c.byCell[cl.Cell] == id {
		delete(c.byCell, cl.Cell)
	}
	if cl.RegionID != 0 {
		c.unlinkRegion(cl.RegionID, id)
	}
	scope := model.ClaimScope(id)
	delete(c.members, scope)
	delete(c.bans, scope)
	delete(c.owners, cl.Owner)
}

func (c *cache) unlinkRegion(regionID, claimID int64) {
	set := c.regionClaims[regionID]
	if set == nil {
		return
	}
	delete(set, claimID)
	if len(set) == 0 {
		delete(c.regionClaims, regionID)
	}
}

func (c *cache) putRegion(r model.Region) {
	r = r.Clone()
	r.Claims = nil
	c.regions[r.ID] = r
}

func (c *cache) deleteRegion(id int64) {
	delete(c.regions, id)
	scope := model.RegionScope(id)
	delete(c.members, scope)
	delete(c.bans, scope)
	c.deleteCell(id)
}

func (c *cache) regionView(id int64) (model.Region, bool) {
	r, ok := c.regions[id]
	if !ok {
		return model.Region{}, false
	}
	r = r.Clone()
	set := c.regionClaims[id]
	r.Claims = make([]int64, 0, len(set))
	for cid := range set {
		r.Claims = append(r.Claims, cid)
	}
	sort.Slice(r.Claims, func(i, j int) bool { return r.Claims[i] < r.Claims[j] })
	return r, true
}

func (c *cache) putMember(m model.Member) {
	set := c.members[m.Scope]
	if set == nil {
		set = map[model.PlayerID]model.Member{}
		c.members[m.Scope] = set
	}
	set[m.Player] = m
}

func (c *cache) deleteMember(k MemberKey) {
	if set := c.members[k.Scope]; set != nil {
		delete(set, k.Player)
		if len(set) == 0 {
			delete(c.members, k.Scope)
		}
	}
}

func (c *cache) putBan(b model.BanEntry) {
	set := c.bans[b.Scope]
	if set == nil {
		set = map[model.PlayerID]model.BanEntry{}
		c.bans[b.Scope] = set
	}
	set[b.Player] = b
}

func (c *cache) deleteBan(k MemberKey) {
	if set := c.bans[k.Scope]; set != nil {
		delete(set, k.Player)
		if len(set) == 0 {
			delete(c.bans, k.Scope)
		}
	}
}

func (c *cache) putCell(rc model.ResourceCell) {
	if old, ok := c.cells[rc.RegionID]; ok && old.Location != rc.Location {
		delete(c.cellsByLoc, old.Location)
	}
	c.cells[rc.RegionID] = rc
	c.cellsByLoc[rc.Location] = rc.RegionID
}

func (c *cache) deleteCell(regionID int64) {
	if old, ok := c.cells[regionID]; ok {
		if c.cellsByLoc[old.Location] == regionID {
			delete(c.cellsByLoc, old.Location)
		}
		delete(c.cells, regionID)
	}
}

// rebuildOwners derives every owner list from the claim set.
func (c *cache) rebuildOwners() {
	c.owners = map[model.PlayerID][]int64{}
	for id, cl := range c.claims {
		c.owners[cl.Owner] = append(c.owners[cl.Owner], id)
	}
	for owner := range c.owners {
		sortIDs(c.owners[owner])
	}
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
