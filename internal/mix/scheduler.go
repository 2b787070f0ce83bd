// Package mix implements the mixing and padding scheduler that decouples
// envelope arrival time from forwarding time. Envelopes submitted during an
// epoch are collected into a batch, padded to a minimum size with dummy
// traffic, and released in a permuted order at the tick boundary, so release
// order carries no observable correlation to submission order while every
// real envelope is still released within one epoch.
package mix

import (
	"context"
	"errors"
	"time"

	"github.com/darknode-net/darknode/internal/metrics"
	"github.com/darknode-net/darknode/internal/onion"
	"github.com/darknode-net/darknode/pkg/utils"
)

// ErrStopped is returned when the scheduler has shut down.
var ErrStopped = errors.New("mix scheduler stopped")

// Config holds the mixing policy parameters. They are operator configuration,
// not protocol constants.
type Config struct {
	// Epoch is the tick length.
	Epoch time.Duration
	// MinBatch is the minimum number of envelopes released per tick; short
	// batches are padded with dummies.
	MinBatch int
	// DummySize is the body size of padding envelopes.
	DummySize int
	// SendDummy transmits a padding envelope to the downstream peer. The
	// receiving hop rejects it as unknown-circuit traffic.
	SendDummy func(onion.Envelope)
}

type release struct {
	pos int
	err error
}

type submission struct {
	ctx      context.Context
	released chan release
}

// Scheduler is the dedicated mixing task. Entry and routing nodes submit
// envelopes and block until their release slot; the scheduler owns batching,
// padding and permutation.
type Scheduler struct {
	cfg         Config
	submissions chan *submission
	done        chan struct{}
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.Epoch <= 0 {
		cfg.Epoch = 500 * time.Millisecond
	}
	if cfg.MinBatch < 1 {
		cfg.MinBatch = 1
	}
	return &Scheduler{
		cfg:         cfg,
		submissions: make(chan *submission, 1024),
		done:        make(chan struct{}),
	}
}

// Start runs the scheduler loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Submit hands an envelope slot to the scheduler and blocks until the tick
// releases it. The return value is the slot's position within the permuted
// batch. If ctx is done before release, the slot is rejected and replaced by
// a dummy so the batch shape does not leak the cancellation.
func (s *Scheduler) Submit(ctx context.Context) (int, error) {
	sub := &submission{ctx: ctx, released: make(chan release, 1)}

	select {
	case s.submissions <- sub:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, ErrStopped
	}

	select {
	case rel := <-sub.released:
		return rel.pos, rel.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, ErrStopped
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Epoch)
	defer ticker.Stop()

	var pending []*submission
	for {
		select {
		case <-ctx.Done():
			for _, sub := range pending {
				sub.released <- release{err: ErrStopped}
			}
			return
		case sub := <-s.submissions:
			pending = append(pending, sub)
		case <-ticker.C:
			s.releaseBatch(pending)
			pending = nil
		}
	}
}

// releaseBatch flushes one mix batch: pad to the minimum size, permute, and
// release every slot. A batch only exists if at least one envelope arrived
// during the epoch.
func (s *Scheduler) releaseBatch(pending []*submission) {
	if len(pending) == 0 {
		return
	}

	slots := len(pending)
	if slots < s.cfg.MinBatch {
		slots = s.cfg.MinBatch
	}

	perm := make([]int, slots)
	for i := range perm {
		perm[i] = i
	}
	utils.Shuffle(perm)

	dummies := 0
	for pos, idx := range perm {
		if idx >= len(pending) {
			s.sendDummy()
			dummies++
			continue
		}

		sub := pending[idx]
		if sub.ctx != nil && sub.ctx.Err() != nil {
			// Rejected slot: keep the batch shape by emitting a dummy
			// in its place.
			sub.released <- release{err: sub.ctx.Err()}
			s.sendDummy()
			dummies++
			continue
		}
		sub.released <- release{pos: pos}
	}

	metrics.Observe(metrics.MIX_BATCH_SIZE, float64(slots))
	if dummies > 0 {
		metrics.Add(metrics.MIX_DUMMY_COUNT, float64(dummies))
	}
}

func (s *Scheduler) sendDummy() {
	if s.cfg.SendDummy == nil {
		return
	}
	go s.cfg.SendDummy(onion.NewDummy(s.cfg.DummySize))
}
