package ledger

import (
	"math/rand"
	"testing"

	"claimcraft.ai/internal/claims/model"
)

func TestDrainPriorityAndExhaustion(t *testing.T) {
	price := model.FromCredits(1)
	s := model.Snapshot{ItemSeconds: 120, Currency: model.FromCredits(10)}
	got, c := Drain(s, 300, price)
	if !got.Exhausted() {
		t.Fatalf("expected exhausted, got %+v", got)
	}
	if got != (model.Snapshot{}) {
		t.Fatalf("expected zero snapshot, got %+v", got)
	}
	if c.ItemSeconds != 120 || c.Currency != model.FromCredits(10) || c.GraceSeconds != 0 || c.Unpaid != 170 {
		t.Fatalf("unexpected consumption: %+v", c)
	}
}

func TestDrainOrder(t *testing.T) {
	price := model.FromCredits(2)
	s := model.Snapshot{ItemSeconds: 10, Currency: model.FromCredits(20), GraceSeconds: 100}

	got, c := Drain(s, 5, price)
	if got.ItemSeconds != 5 || got.Currency != s.Currency || got.GraceSeconds != 100 {
		t.Fatalf("items must pay first: %+v", got)
	}
	if c.ItemSeconds != 5 {
		t.Fatalf("consumed %+v", c)
	}

	got, c = Drain(s, 15, price)
	if got.ItemSeconds != 0 || got.Currency != model.FromCredits(10) || got.GraceSeconds != 100 {
		t.Fatalf("currency must pay second: %+v", got)
	}
	if c.Currency != model.FromCredits(10) {
		t.Fatalf("consumed %+v", c)
	}

	got, _ = Drain(s, 40, price)
	if got.ItemSeconds != 0 || got.Currency != 0 || got.GraceSeconds != 80 {
		t.Fatalf("grace must pay last: %+v", got)
	}
	if got.Exhausted() {
		t.Fatalf("grace left, must not be exhausted")
	}
}

func TestDrainKeepsSubSecondResidueUntilUnpaid(t *testing.T) {
	price := model.Money(1000)
	s := model.Snapshot{Currency: 2500, GraceSeconds: 3}

	got, _ := Drain(s, 4, price)
	if got.Currency != 500 || got.GraceSeconds != 1 {
		t.Fatalf("unexpected %+v", got)
	}
	if got.Exhausted() {
		t.Fatalf("positive remainder must not be exhausted")
	}
	got, c := Drain(got, 2, price)
	if !got.Exhausted() || c.Unpaid != 1 || c.Currency != 500 || c.Forfeited != 500 {
		t.Fatalf("expected residue spent on exhaustion: %+v %+v", got, c)
	}
}

func TestDrainZeroElapsedIsIdentity(t *testing.T) {
	s := model.Snapshot{ItemSeconds: 3, Currency: 7, GraceSeconds: 1}
	if got, c := Drain(s, 0, 5); got != s || c != (Consumed{}) {
		t.Fatalf("expected identity, got %+v %+v", got, c)
	}
}

func TestDrainIsAdditive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		s := model.Snapshot{
			ItemSeconds:  rng.Int63n(500),
			Currency:     model.Money(rng.Int63n(50_000_000)),
			GraceSeconds: rng.Int63n(700),
		}
		price := model.Money(1 + rng.Int63n(2_000_000))
		t1 := rng.Int63n(1000)
		t2 := rng.Int63n(1000)

		whole, _ := Drain(s, t1+t2, price)
		a, _ := Drain(s, t1, price)
		split, _ := Drain(a, t2, price)
		if whole != split {
			t.Fatalf("case %d: s=%+v price=%d t1=%d t2=%d whole=%+v split=%+v", i, s, price, t1, t2, whole, split)
		}
	}
}

func TestDrainManySmallChunksMatchesOneBig(t *testing.T) {
	price := model.PricePerSecondFromHourly(100)
	s := model.Snapshot{ItemSeconds: 61, Currency: model.FromCredits(3.3), GraceSeconds: 600}
	step := s
	for i := 0; i < 900; i++ {
		step, _ = Drain(step, 1, price)
	}
	whole, _ := Drain(s, 900, price)
	if step != whole {
		t.Fatalf("chunked=%+v whole=%+v", step, whole)
	}
}

func TestExhaustedOnlyWhenAllZero(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 1000; i++ {
		s := model.Snapshot{
			ItemSeconds:  rng.Int63n(50),
			Currency:     model.Money(rng.Int63n(5000)),
			GraceSeconds: rng.Int63n(50),
		}
		got, _ := Drain(s, rng.Int63n(200), model.Money(1+rng.Int63n(900)))
		positive := got.ItemSeconds > 0 || got.Currency > 0 || got.GraceSeconds > 0
		if positive == got.Exhausted() {
			t.Fatalf("exhausted=%v for %+v", got.Exhausted(), got)
		}
	}
}
