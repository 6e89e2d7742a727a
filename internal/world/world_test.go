package world

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"claimcraft.ai/internal/claims/model"
)

func TestLoopRunsJobsInOrderOnOneGoroutine(t *testing.T) {
	l := NewLoop(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	var (
		mu  sync.Mutex
		got []int
		wg  sync.WaitGroup
	)
	c := NewContainers()
	loc := model.Location{World: "w", X: 1, Y: 2, Z: 3}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := l.Do(ctx, func() {
				c.Put(loc, "COAL", 1)
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
			})
			if err != nil {
				t.Errorf("do: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if len(got) != 20 {
		t.Fatalf("ran %d jobs", len(got))
	}
	var n int
	_ = l.Do(ctx, func() {
		inv, _ := c.Inventory(loc)
		n = inv["COAL"]
	})
	if n != 20 {
		t.Fatalf("coal=%d", n)
	}
}

func TestDoAfterStop(t *testing.T) {
	l := NewLoop(1)
	done := make(chan struct{})
	go func() {
		_ = l.Run(context.Background())
		close(done)
	}()
	l.Stop()
	<-done
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Do(ctx, func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("got %v", err)
	}
}

func TestContainersRelease(t *testing.T) {
	c := NewContainers()
	loc := model.Location{World: "w", X: 0, Y: 64, Z: 0}
	c.Put(loc, "IRON_INGOT", 3)
	c.Put(loc, "COAL", 2)
	c.Put(loc, "COAL", 0)

	dropped := c.Release(loc)
	if len(dropped) != 2 || dropped[0] != (Stack{Item: "COAL", Count: 2}) || dropped[1] != (Stack{Item: "IRON_INGOT", Count: 3}) {
		t.Fatalf("dropped %+v", dropped)
	}
	if _, ok := c.Inventory(loc); ok {
		t.Fatalf("container must be gone")
	}
	if len(c.Ground()) != 2 {
		t.Fatalf("ground %+v", c.Ground())
	}
	if c.Release(loc) != nil {
		t.Fatalf("second release must be empty")
	}
}
