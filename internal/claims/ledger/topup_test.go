package ledger

import "testing"

func TestTopUpNeed(t *testing.T) {
	cases := []struct {
		items, elapsed, min, want int64
	}{
		{items: 200, elapsed: 60, min: 60, want: 0},
		{items: 100, elapsed: 60, min: 60, want: 20},
		{items: 0, elapsed: 60, min: 60, want: 120},
		{items: 0, elapsed: 60, min: -5, want: 60},
	}
	for _, tc := range cases {
		if got := TopUpNeed(tc.items, tc.elapsed, tc.min); got != tc.want {
			t.Fatalf("TopUpNeed(%d,%d,%d)=%d want %d", tc.items, tc.elapsed, tc.min, got, tc.want)
		}
	}
}

func TestTopUpCheapestFirst(t *testing.T) {
	table := ItemTable{"COAL": 60, "IRON_INGOT": 300, "DIAMOND": 3600}
	inv := map[string]int{"COAL": 2, "IRON_INGOT": 5, "DIAMOND": 1, "DIRT": 64}

	got := TopUp(inv, table, 400)
	// 2 coal (120) then ceil(280/300)=1 iron (300).
	if got != 420 {
		t.Fatalf("got %d", got)
	}
	if _, ok := inv["COAL"]; ok {
		t.Fatalf("coal should be used up: %#v", inv)
	}
	if inv["IRON_INGOT"] != 4 || inv["DIAMOND"] != 1 || inv["DIRT"] != 64 {
		t.Fatalf("unexpected inventory %#v", inv)
	}
}

func TestTopUpEmptyOrUnvalued(t *testing.T) {
	table := ItemTable{"COAL": 60}
	if got := TopUp(map[string]int{"DIRT": 5}, table, 100); got != 0 {
		t.Fatalf("got %d", got)
	}
	if got := TopUp(map[string]int{"COAL": 1}, table, 0); got != 0 {
		t.Fatalf("got %d", got)
	}
	inv := map[string]int{"COAL": 1}
	if got := TopUp(inv, table, 1000); got != 60 || len(inv) != 0 {
		t.Fatalf("got %d inv %#v", got, inv)
	}
}

func TestValue(t *testing.T) {
	table := ItemTable{"COAL": 60, "IRON_INGOT": 300}
	if got := Value(map[string]int{"COAL": 3, "IRON_INGOT": 1, "DIRT": 9}, table); got != 480 {
		t.Fatalf("got %d", got)
	}
}
