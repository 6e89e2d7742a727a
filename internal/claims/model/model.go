package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PlayerID identifies a player across worlds.
type PlayerID = uuid.UUID

func ParsePlayerID(s string) (PlayerID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("player id %q: %w", s, err)
	}
	return id, nil
}

// CellKey is one cell of the claim grid.
type CellKey struct {
	World string
	X     int
	Z     int
}

func (k CellKey) String() string { return fmt.Sprintf("%s:%d:%d", k.World, k.X, k.Z) }

// Neighbors returns the four edge-adjacent cells (+x, -x, +z, -z).
func (k CellKey) Neighbors() [4]CellKey {
	return [4]CellKey{
		{World: k.World, X: k.X + 1, Z: k.Z},
		{World: k.World, X: k.X - 1, Z: k.Z},
		{World: k.World, X: k.X, Z: k.Z + 1},
		{World: k.World, X: k.X, Z: k.Z - 1},
	}
}

func (k CellKey) Adjacent(o CellKey) bool {
	if k.World != o.World {
		return false
	}
	dx := k.X - o.X
	if dx < 0 {
		dx = -dx
	}
	dz := k.Z - o.Z
	if dz < 0 {
		dz = -dz
	}
	return dx+dz == 1
}

// Location is a block position.
type Location struct {
	World string
	X     int
	Y     int
	Z     int
}

func (l Location) String() string { return fmt.Sprintf("%s:%d:%d:%d", l.World, l.X, l.Y, l.Z) }

// Cell maps a block position onto the claim grid. gridSize <= 0 means 16.
func (l Location) Cell(gridSize int) CellKey {
	if gridSize <= 0 {
		gridSize = 16
	}
	return CellKey{World: l.World, X: floorDiv(l.X, gridSize), Z: floorDiv(l.Z, gridSize)}
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

type Home struct {
	World  string
	X      float64
	Y      float64
	Z      float64
	Yaw    float32
	Pitch  float32
	Public bool
}

// Toggles are the per-claim world rules. Claims in a region share one set.
type Toggles struct {
	PvP                 bool
	MobSpawning         bool
	FireSpread          bool
	Explosions          bool
	LeafDecay           bool
	EntityDrop          bool
	FluidFlow           bool
	ExternalFluidInflow bool
	MobGriefing         bool
	TNT                 bool
	HopperInteraction   bool
}

func DefaultToggles() Toggles {
	return Toggles{
		PvP:                 false,
		MobSpawning:         true,
		FireSpread:          false,
		Explosions:          false,
		LeafDecay:           true,
		EntityDrop:          true,
		FluidFlow:           true,
		ExternalFluidInflow: true,
		MobGriefing:         false,
		TNT:                 false,
		HopperInteraction:   false,
	}
}

type Claim struct {
	ID        int64
	Owner     PlayerID
	Cell      CellKey
	RegionID  int64 // 0 = none
	Name      string
	Home      *Home
	Locked    bool
	Toggles   Toggles
	Visitor   Capability
	Member    Capability
	Resources Snapshot
	ClaimedAt time.Time
}

func DefaultClaimName(k CellKey) string { return fmt.Sprintf("Cell %d,%d", k.X, k.Z) }

// Clone returns a copy that shares no pointers with c.
func (c Claim) Clone() Claim {
	if c.Home != nil {
		h := *c.Home
		c.Home = &h
	}
	return c
}

// Mirror copies the region-wide state of src onto c.
func (c Claim) Mirror(src Claim) Claim {
	c.Resources = src.Resources
	c.Toggles = src.Toggles
	c.Visitor = src.Visitor
	c.Member = src.Member
	c.Locked = src.Locked
	return c
}

type Region struct {
	ID          int64
	Owner       PlayerID
	World       string
	Name        string
	DefaultHome *Home
	Locked      bool
	Resources   Snapshot
	CreatedAt   time.Time

	// Claims is derived by the store from claim region ids; repositories
	// neither read nor write it.
	Claims []int64
}

func DefaultRegionName(id int64) string { return fmt.Sprintf("Region #%d", id) }

func (r Region) Clone() Region {
	if r.DefaultHome != nil {
		h := *r.DefaultHome
		r.DefaultHome = &h
	}
	if r.Claims != nil {
		r.Claims = append([]int64(nil), r.Claims...)
	}
	return r
}

func (r Region) HasClaim(id int64) bool {
	i := sort.Search(len(r.Claims), func(i int) bool { return r.Claims[i] >= id })
	return i < len(r.Claims) && r.Claims[i] == id
}

type Role int

const (
	RoleOwner Role = iota
	RoleTrusted
	RoleMember
	RoleVisitor
)

func RoleFromID(id int) Role {
	switch Role(id) {
	case RoleOwner, RoleTrusted, RoleMember, RoleVisitor:
		return Role(id)
	default:
		return RoleVisitor
	}
}

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "OWNER"
	case RoleTrusted:
		return "TRUSTED"
	case RoleMember:
		return "MEMBER"
	default:
		return "VISITOR"
	}
}

func ParseRole(s string) (Role, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OWNER":
		return RoleOwner, true
	case "TRUSTED":
		return RoleTrusted, true
	case "MEMBER":
		return RoleMember, true
	case "VISITOR":
		return RoleVisitor, true
	}
	return RoleVisitor, false
}

type ScopeKind int

const (
	ScopeClaim ScopeKind = iota + 1
	ScopeRegion
)

// Scope names the claim or region a membership or ban applies to.
type Scope struct {
	Kind ScopeKind
	ID   int64
}

func ClaimScope(id int64) Scope  { return Scope{Kind: ScopeClaim, ID: id} }
func RegionScope(id int64) Scope { return Scope{Kind: ScopeRegion, ID: id} }

func (s Scope) String() string {
	if s.Kind == ScopeRegion {
		return fmt.Sprintf("region:%d", s.ID)
	}
	return fmt.Sprintf("claim:%d", s.ID)
}

type Member struct {
	Scope    Scope
	Player   PlayerID
	Role     Role
	JoinedAt time.Time
}

type BanEntry struct {
	Scope    Scope
	Player   PlayerID
	BannedAt time.Time
}

// ResourceCell binds a region to the container that feeds its upkeep.
type ResourceCell struct {
	RegionID       int64
	ClaimID        int64 // claim the container stands in
	Location       Location
	PricePerSecond Money
	CreatedAt      time.Time
}
