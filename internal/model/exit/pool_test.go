package exit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRankReturnsConfiguredEndpoints(t *testing.T) {
	a := &Endpoint{URL: "http://a", Weight: 1}
	b := &Endpoint{URL: "http://b", Weight: 1}
	p := NewPool([]*Endpoint{a, b}, time.Second)

	order := p.Rank(2)
	require.Len(t, order, 2)
	assert.NotEqual(t, order[0].URL, order[1].URL)
	for _, ep := range order {
		assert.Contains(t, []string{"http://a", "http://b"}, ep.URL)
	}
}

func TestRankDeprioritizesCooldown(t *testing.T) {
	a := &Endpoint{URL: "http://a", Weight: 1}
	b := &Endpoint{URL: "http://b", Weight: 1}
	p := NewPool([]*Endpoint{a, b}, time.Minute)

	p.Record(a, true, 10*time.Millisecond)

	// With a cooling down, b must be picked first every time.
	for i := 0; i < 20; i++ {
		order := p.Rank(2)
		require.Len(t, order, 2)
		assert.Equal(t, "http://b", order[0].URL)
	}
}

func TestRankFallsBackWhenAllCoolingDown(t *testing.T) {
	a := &Endpoint{URL: "http://a", Weight: 1}
	b := &Endpoint{URL: "http://b", Weight: 1}
	p := NewPool([]*Endpoint{a, b}, time.Minute)

	p.Record(a, false, 0)
	p.Record(b, false, 0)

	order := p.Rank(2)
	require.Len(t, order, 2)
}

func TestRankLRUTieBreak(t *testing.T) {
	now := time.Now()
	a := &Endpoint{URL: "http://a", Weight: 1, lastUsed: now.Add(-time.Minute)}
	b := &Endpoint{URL: "http://b", Weight: 1, lastUsed: now.Add(-3 * time.Minute)}
	c := &Endpoint{URL: "http://c", Weight: 1, lastUsed: now.Add(-2 * time.Minute)}
	p := NewPool([]*Endpoint{a, b, c}, time.Second)

	order := p.Rank(3)
	require.Len(t, order, 3)

	// Whichever endpoint the weighted draw picked first, the remaining two
	// must be ordered least recently used first.
	assert.True(t, order[1].lastUsedAt().Before(order[2].lastUsedAt()),
		"retry order should prefer the less recently used endpoint")
}

func TestRankHigherWeightRanksFirst(t *testing.T) {
	heavy := &Endpoint{URL: "http://heavy", Weight: 10}
	light := &Endpoint{URL: "http://light", Weight: 0.01}
	p := NewPool([]*Endpoint{heavy, light}, time.Second)

	// The weighted draw is random; count over many trials.
	heavyFirst := 0
	for i := 0; i < 200; i++ {
		if p.Rank(1)[0].URL == "http://heavy" {
			heavyFirst++
		}
	}
	assert.Greater(t, heavyFirst, 150, "heavily weighted endpoint should dominate selection")
}

func TestRecordCounters(t *testing.T) {
	a := &Endpoint{URL: "http://a", Weight: 1}
	p := NewPool([]*Endpoint{a}, time.Second)

	p.Record(a, true, 20*time.Millisecond)
	p.Record(a, true, 40*time.Millisecond)
	p.Record(a, false, 0)

	stats := p.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(2), stats[0].Successes)
	assert.Equal(t, uint64(1), stats[0].Failures)
	assert.Equal(t, 30*time.Millisecond, stats[0].AvgLatency)
	assert.True(t, stats[0].InCooldown)
}

func TestRankBudgetBoundsResult(t *testing.T) {
	a := &Endpoint{URL: "http://a", Weight: 1}
	b := &Endpoint{URL: "http://b", Weight: 1}
	c := &Endpoint{URL: "http://c", Weight: 1}
	p := NewPool([]*Endpoint{a, b, c}, time.Second)

	assert.Len(t, p.Rank(1), 1)
	assert.Len(t, p.Rank(2), 2)
	assert.Len(t, p.Rank(5), 3)
	assert.Nil(t, p.Rank(0))
}
