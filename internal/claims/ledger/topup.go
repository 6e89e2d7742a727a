package ledger

import "sort"

// ItemTable maps an item id to the upkeep seconds one unit is worth.
type ItemTable map[string]int64

// TopUpNeed returns how many seconds must be pulled from the container so
// that, after paying elapsed, the buffer is back at minBuffer.
func TopUpNeed(itemSeconds, elapsed, minBuffer int64) int64 {
	if minBuffer < 0 {
		minBuffer = 0
	}
	after := itemSeconds - elapsed
	if after >= minBuffer {
		return 0
	}
	return minBuffer - after
}

type valuedItem struct {
	item  string
	value int64
}

// TopUp removes items from inv worth at least need seconds, lowest value
// per unit first, and returns the seconds obtained. Whole stacks are taken
// while they fit; the last stack is split, rounding the unit count up, so
// the result can exceed need by less than one unit's value.
func TopUp(inv map[string]int, table ItemTable, need int64) int64 {
	if need <= 0 || len(inv) == 0 || len(table) == 0 {
		return 0
	}
	items := make([]valuedItem, 0, len(inv))
	for item, n := range inv {
		v := table[item]
		if n <= 0 || v <= 0 {
			continue
		}
		items = append(items, valuedItem{item: item, value: v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].value != items[j].value {
			return items[i].value < items[j].value
		}
		return items[i].item < items[j].item
	})

	var got int64
	for _, it := range items {
		if need <= 0 {
			break
		}
		n := int64(inv[it.item])
		stack := n * it.value
		if stack <= need {
			delete(inv, it.item)
			got += stack
			need -= stack
			continue
		}
		units := (need + it.value - 1) / it.value
		left := n - units
		if left > 0 {
			inv[it.item] = int(left)
		} else {
			delete(inv, it.item)
		}
		got += units * it.value
		need = 0
	}
	return got
}

// Value is the upkeep seconds held by inv.
func Value(inv map[string]int, table ItemTable) int64 {
	var total int64
	for item, n := range inv {
		if n > 0 {
			total += int64(n) * table[item]
		}
	}
	return total
}
