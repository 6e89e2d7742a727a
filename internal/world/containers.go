package world

import (
	"sort"

	"claimcraft.ai/internal/claims/model"
)

// Stack is a count of one item.
type Stack struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

// GroundStack is an item stack dropped into the world.
type GroundStack struct {
	Location model.Location `json:"location"`
	Stack
}

// Containers holds block inventories by location. Not safe for concurrent
// use: call only from the Loop.
type Containers struct {
	inv    map[model.Location]map[string]int
	ground []GroundStack
}

func NewContainers() *Containers {
	return &Containers{inv: map[model.Location]map[string]int{}}
}

// Place creates an empty container at loc if none exists.
func (c *Containers) Place(loc model.Location) {
	if _, ok := c.inv[loc]; !ok {
		c.inv[loc] = map[string]int{}
	}
}

// Inventory returns the live item counts at loc. Edits to the map change
// the container.
func (c *Containers) Inventory(loc model.Location) (map[string]int, bool) {
	inv, ok := c.inv[loc]
	return inv, ok
}

// Put adds n of item to the container at loc, placing one if needed.
func (c *Containers) Put(loc model.Location, item string, n int) {
	if n <= 0 || item == "" {
		return
	}
	c.Place(loc)
	c.inv[loc][item] += n
}

// Release empties the container at loc onto the ground and removes it.
// It returns the dropped stacks ordered by item.
func (c *Containers) Release(loc model.Location) []Stack {
	inv, ok := c.inv[loc]
	if !ok {
		return nil
	}
	delete(c.inv, loc)
	out := make([]Stack, 0, len(inv))
	for item, n := range inv {
		if n > 0 {
			out = append(out, Stack{Item: item, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Item < out[j].Item })
	for _, s := range out {
		c.ground = append(c.ground, GroundStack{Location: loc, Stack: s})
	}
	return out
}

// Ground returns every stack dropped so far.
func (c *Containers) Ground() []GroundStack {
	return append([]GroundStack(nil), c.ground...)
}

func (c *Containers) Len() int { return len(c.inv) }
