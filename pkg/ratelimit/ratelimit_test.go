package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBurstThenDenied(t *testing.T) {
	g := NewGuard(1, 5)

	for i := 0; i < 5; i++ {
		d := g.Check("guild/1", 1)
		assert.True(t, d.Allowed, "request %d within burst should pass", i)
	}

	d := g.Check("guild/1", 1)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestTenantsIndependent(t *testing.T) {
	g := NewGuard(1, 2)

	// Exhaust the first tenant's bucket.
	assert.True(t, g.Check("guild/1", 1).Allowed)
	assert.True(t, g.Check("guild/1", 1).Allowed)
	assert.False(t, g.Check("guild/1", 1).Allowed)

	// A different tenant is unaffected.
	assert.True(t, g.Check("guild/2", 1).Allowed)
	assert.True(t, g.Check("user/1", 1).Allowed)
}

func TestWeightOverBurstNeverPasses(t *testing.T) {
	g := NewGuard(10, 3)
	d := g.Check("guild/1", 4)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// The failed reservation must not have drained the bucket.
	assert.True(t, g.Check("guild/1", 3).Allowed)
}

func TestDenialDoesNotConsume(t *testing.T) {
	g := NewGuard(1000, 1)

	assert.True(t, g.Check("guild/1", 1).Allowed)
	assert.False(t, g.Check("guild/1", 1).Allowed)

	// At 1000/s the single-token bucket refills within a few ms; denials
	// in between must not push the refill time further out.
	time.Sleep(5 * time.Millisecond)
	assert.True(t, g.Check("guild/1", 1).Allowed)
}

func TestPrune(t *testing.T) {
	g := NewGuard(1, 1)
	g.Check("guild/1", 1)
	g.Check("guild/2", 1)
	assert.Equal(t, 2, g.Len())

	removed := g.Prune(0)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, g.Len())

	// Pruned tenants come back with a fresh bucket.
	assert.True(t, g.Check("guild/1", 1).Allowed)
}
