package model

import (
	"errors"
	"testing"
)

func TestLocationCell(t *testing.T) {
	cases := []struct {
		loc  Location
		want CellKey
	}{
		{Location{World: "w", X: 0, Z: 0}, CellKey{World: "w", X: 0, Z: 0}},
		{Location{World: "w", X: 15, Z: 31}, CellKey{World: "w", X: 0, Z: 1}},
		{Location{World: "w", X: -1, Z: -16}, CellKey{World: "w", X: -1, Z: -1}},
		{Location{World: "w", X: -17, Z: 16}, CellKey{World: "w", X: -2, Z: 1}},
	}
	for _, tc := range cases {
		if got := tc.loc.Cell(16); got != tc.want {
			t.Fatalf("%v: got %v want %v", tc.loc, got, tc.want)
		}
	}
}

func TestCellNeighborsAreAdjacent(t *testing.T) {
	k := CellKey{World: "w", X: 3, Z: -2}
	for _, n := range k.Neighbors() {
		if !k.Adjacent(n) {
			t.Fatalf("expected %v adjacent to %v", n, k)
		}
	}
	if k.Adjacent(CellKey{World: "w", X: 4, Z: -1}) {
		t.Fatalf("diagonal must not be adjacent")
	}
	if k.Adjacent(CellKey{World: "nether", X: 4, Z: -2}) {
		t.Fatalf("other world must not be adjacent")
	}
}

func TestRoleFromIDUnknownIsVisitor(t *testing.T) {
	if RoleFromID(1) != RoleTrusted {
		t.Fatalf("expected trusted")
	}
	if RoleFromID(42) != RoleVisitor {
		t.Fatalf("expected visitor for unknown id")
	}
}

func TestParseCapability(t *testing.T) {
	if c, ok := ParseCapability("build"); !ok || c != CapPlace {
		t.Fatalf("build alias: %v %v", c, ok)
	}
	if c, ok := ParseCapability("Redstone"); !ok || c != CapUseRedstone {
		t.Fatalf("redstone: %v %v", c, ok)
	}
	if _, ok := ParseCapability("fly"); ok {
		t.Fatalf("fly is not a capability")
	}
	if AllCapabilities != 127 {
		t.Fatalf("all capabilities = %d", AllCapabilities)
	}
}

func TestRepoErrWrapsOnce(t *testing.T) {
	base := errors.New("disk full")
	err := RepoErr("update claim", base)
	if !errors.Is(err, ErrRepository) || !errors.Is(err, base) {
		t.Fatalf("expected wrapped repository error, got %v", err)
	}
	if again := RepoErr("outer", err); again != err {
		t.Fatalf("expected no double wrap")
	}
	if RepoErr("find", ErrNotFound) != ErrNotFound {
		t.Fatalf("not found must pass through")
	}
}

func TestPricePerSecondFromHourly(t *testing.T) {
	if got := PricePerSecondFromHourly(3600); got != FromCredits(1) {
		t.Fatalf("3600/h = %v", got)
	}
	if got := PricePerSecondFromHourly(100); got != 27778 {
		t.Fatalf("100/h = %d micro", got)
	}
}
