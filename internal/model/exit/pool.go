package exit

import (
	"errors"
	"sync"
	"time"

	"github.com/emirpasic/gods/queues/priorityqueue"

	"github.com/darknode-net/darknode/pkg/utils"
)

// ErrPoolExhausted is returned when every selected upstream in a request's
// retry budget has failed.
var ErrPoolExhausted = errors.New("upstream pool exhausted")

// Endpoint is one upstream RPC provider and its health counters.
type Endpoint struct {
	URL    string
	Weight float64

	mu           sync.Mutex
	lastUsed     time.Time
	cooldownTill time.Time
	successes    uint64
	failures     uint64
	totalLatency time.Duration
}

// EndpointStats is a read-only health snapshot of one upstream.
type EndpointStats struct {
	URL        string
	Successes  uint64
	Failures   uint64
	AvgLatency time.Duration
	InCooldown bool
}

// Pool selects upstream endpoints with a weighted-rotation policy: the first
// choice is a weighted random pick among endpoints not in cooldown, and the
// retry order ranks the rest by effective weight with a least-recently-used
// tie-break. Recently failed endpoints are deprioritized, never removed.
type Pool struct {
	endpoints []*Endpoint
	cooldown  time.Duration
}

func NewPool(endpoints []*Endpoint, cooldown time.Duration) *Pool {
	return &Pool{endpoints: endpoints, cooldown: cooldown}
}

// effectiveWeight discounts an endpoint while its cooldown is running.
func (e *Endpoint) effectiveWeight(now time.Time) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.Weight
	if w <= 0 {
		w = 1
	}
	if now.Before(e.cooldownTill) {
		w *= 0.25
	}
	return w
}

func (e *Endpoint) lastUsedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUsed
}

type ranked struct {
	ep    *Endpoint
	score float64
}

// Rank returns up to n endpoints in the order a request should try them.
func (p *Pool) Rank(n int) []*Endpoint {
	if len(p.endpoints) == 0 || n <= 0 {
		return nil
	}
	now := time.Now()

	first := p.pickWeighted(now)

	pq := priorityqueue.NewWith(func(a, b interface{}) int {
		ra, rb := a.(ranked), b.(ranked)
		if ra.score != rb.score {
			if ra.score > rb.score {
				return -1
			}
			return 1
		}
		// Equal weight: least recently used first.
		if ra.ep.lastUsedAt().Before(rb.ep.lastUsedAt()) {
			return -1
		}
		return 1
	})
	for _, ep := range p.endpoints {
		if ep == first {
			continue
		}
		pq.Enqueue(ranked{ep: ep, score: ep.effectiveWeight(now)})
	}

	order := make([]*Endpoint, 0, n)
	order = append(order, first)
	for len(order) < n {
		v, ok := pq.Dequeue()
		if !ok {
			break
		}
		order = append(order, v.(ranked).ep)
	}
	return order
}

// pickWeighted draws one endpoint at random, weighted by effective weight,
// from the endpoints not in cooldown. If every endpoint is cooling down the
// draw falls back to the full pool.
func (p *Pool) pickWeighted(now time.Time) *Endpoint {
	candidates := utils.Filter(p.endpoints, func(e *Endpoint) bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return !now.Before(e.cooldownTill)
	})
	if len(candidates) == 0 {
		candidates = p.endpoints
	}

	total := 0.0
	for _, e := range candidates {
		total += e.effectiveWeight(now)
	}
	target := utils.Float64() * total
	for _, e := range candidates {
		target -= e.effectiveWeight(now)
		if target <= 0 {
			return e
		}
	}
	return candidates[len(candidates)-1]
}

// Record updates an endpoint's counters after an upstream call. Every use
// starts the rotation cooldown; a failure keeps it running too, which is what
// deprioritizes a flapping endpoint on the next pick.
func (p *Pool) Record(ep *Endpoint, success bool, latency time.Duration) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.lastUsed = time.Now()
	ep.cooldownTill = ep.lastUsed.Add(p.cooldown)
	if success {
		ep.successes++
		ep.totalLatency += latency
	} else {
		ep.failures++
	}
}

// Snapshot reports per-endpoint health for operators.
func (p *Pool) Snapshot() []EndpointStats {
	now := time.Now()
	stats := make([]EndpointStats, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		e.mu.Lock()
		s := EndpointStats{
			URL:        e.URL,
			Successes:  e.successes,
			Failures:   e.failures,
			InCooldown: now.Before(e.cooldownTill),
		}
		if e.successes > 0 {
			s.AvgLatency = e.totalLatency / time.Duration(e.successes)
		}
		e.mu.Unlock()
		stats = append(stats, s)
	}
	return stats
}
