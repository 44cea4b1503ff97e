// Package cognition runs the background maintenance cycles: observation,
// decay/consolidation, pattern mining, and knowledge synthesis. The cycles
// are independent infinite loops sharing the memory store; none of them
// blocks the synchronous decision or memory API.
package cognition

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/crewline/opsmind/memory"
)

// Config holds cycle intervals and retry bounds.
type Config struct {
	ObserveEvery    time.Duration `yaml:"observe_every"`
	MaintainEvery   time.Duration `yaml:"maintain_every"`
	MineEvery       time.Duration `yaml:"mine_every"`
	SynthesizeEvery time.Duration `yaml:"synthesize_every"`

	// MiningWindow is the trailing window pattern mining aggregates over.
	MiningWindow time.Duration `yaml:"mining_window"`

	// SynthesisTopK caps evidence retrieved per objective.
	SynthesisTopK int `yaml:"synthesis_top_k"`

	// ProgressStep scales each synthesis advance before confidence
	// weighting.
	ProgressStep float64 `yaml:"progress_step"`

	// BackoffBase and BackoffMax bound the retry delay after a failed
	// cycle iteration.
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// DefaultConfig returns the stock intervals.
func DefaultConfig() Config {
	return Config{
		ObserveEvery:    30 * time.Second,
		MaintainEvery:   time.Hour,
		MineEvery:       10 * time.Minute,
		SynthesizeEvery: 15 * time.Minute,
		MiningWindow:    24 * time.Hour,
		SynthesisTopK:   8,
		ProgressStep:    0.25,
		BackoffBase:     5 * time.Second,
		BackoffMax:      5 * time.Minute,
	}
}

// Scheduler supervises the four cycles as one group.
type Scheduler struct {
	store *memory.Store
	cfg   Config
}

// New creates a Scheduler over a memory store.
func New(store *memory.Store, cfg Config) *Scheduler {
	if cfg.ObserveEvery == 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{store: store, cfg: cfg}
}

// Run starts all cycles and blocks until ctx is cancelled. Cycles are
// cancelled together and always finish their current iteration; a failed
// iteration is retried after backoff, never allowed to kill the process.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.loop(ctx, "observe", s.cfg.ObserveEvery, s.observe) })
	g.Go(func() error { return s.loop(ctx, "maintain", s.cfg.MaintainEvery, s.maintain) })
	g.Go(func() error { return s.loop(ctx, "mine", s.cfg.MineEvery, s.mine) })
	g.Go(func() error { return s.loop(ctx, "synthesize", s.cfg.SynthesizeEvery, s.synthesize) })

	log.Printf("[COGNITION] scheduler started")
	err := g.Wait()
	log.Printf("[COGNITION] scheduler stopped")
	return err
}

// loop drives one cycle forever: run, sleep, repeat; on failure sleep an
// exponentially growing backoff instead of the interval.
func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	backoff := s.cfg.BackoffBase

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err := fn(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[COGNITION] %s cycle failed, retrying in %s: %v", name, backoff, err)
			timer.Reset(backoff)
			backoff *= 2
			if backoff > s.cfg.BackoffMax {
				backoff = s.cfg.BackoffMax
			}
			continue
		}

		backoff = s.cfg.BackoffBase
		timer.Reset(interval)
	}
}
