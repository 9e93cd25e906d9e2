package ttlcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/hestia-labs/hestia-backend/internal/pkg/clock"
)

func TestGetExpiresWithoutSweep(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	c := New[string](clk, 5*time.Minute, 10)

	c.Set("a", "hello")
	if v, ok := c.Get("a"); !ok || v != "hello" {
		t.Fatalf("expected hit, got ok=%v v=%q", ok, v)
	}

	clk.Advance(6 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected expiry after ttl")
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	c := New[int](clk, 1*time.Minute, 10)

	c.Set("old", 1)
	clk.Advance(50 * time.Second)
	c.Set("fresh", 2)
	clk.Advance(30 * time.Second)

	if removed := c.Sweep(); removed != 1 {
		t.Fatalf("unexpected sweep count: got=%d want=1", removed)
	}
	if _, ok := c.Get("old"); ok {
		t.Fatalf("old entry should be gone")
	}
	if v, ok := c.Get("fresh"); !ok || v != 2 {
		t.Fatalf("fresh entry should survive, got ok=%v v=%d", ok, v)
	}
}

func TestBoundedEviction(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	c := New[int](clk, 0, 3)

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
		clk.Advance(time.Second)
	}
	c.Set("k3", 3)

	if c.Len() != 3 {
		t.Fatalf("unexpected size: got=%d want=3", c.Len())
	}
	if _, ok := c.Get("k0"); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
	if _, ok := c.Get("k3"); !ok {
		t.Fatalf("newest entry should be present")
	}
}

func TestOverwriteDoesNotEvict(t *testing.T) {
	clk := clock.NewFake(time.Unix(1000, 0))
	c := New[int](clk, 0, 2)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 3)

	if c.Len() != 2 {
		t.Fatalf("unexpected size: got=%d want=2", c.Len())
	}
	if v, _ := c.Get("a"); v != 3 {
		t.Fatalf("overwrite lost: got=%d want=3", v)
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatalf("b should not have been evicted by overwrite")
	}
}
