package merge

import (
	"sort"

	"claimcraft.ai/internal/claims/model"
)

// Components splits cells into edge-connected groups. Groups and the cells
// inside them are ordered by (World, X, Z) of their first cell.
func Components(cells []model.CellKey) [][]model.CellKey {
	set := make(map[model.CellKey]bool, len(cells))
	for _, c := range cells {
		set[c] = true
	}
	ordered := append([]model.CellKey(nil), cells...)
	sort.Slice(ordered, func(i, j int) bool { return cellLess(ordered[i], ordered[j]) })

	seen := make(map[model.CellKey]bool, len(cells))
	var out [][]model.CellKey
	for _, start := range ordered {
		if seen[start] {
			continue
		}
		var group []model.CellKey
		queue := []model.CellKey{start}
		seen[start] = true
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			group = append(group, cur)
			for _, n := range cur.Neighbors() {
				if set[n] && !seen[n] {
					seen[n] = true
					queue = append(queue, n)
				}
			}
		}
		sort.Slice(group, func(i, j int) bool { return cellLess(group[i], group[j]) })
		out = append(out, group)
	}
	return out
}

// Connected reports whether cells form at most one edge-connected group.
func Connected(cells []model.CellKey) bool {
	return len(Components(cells)) <= 1
}

func cellLess(a, b model.CellKey) bool {
	if a.World != b.World {
		return a.World < b.World
	}
	if a.X != b.X {
		return a.X < b.X
	}
	return a.Z < b.Z
}
