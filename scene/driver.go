package scene

import (
	"context"
	"errors"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// PairRegistrar registers one fragment pair. *Registrar implements it.
type PairRegistrar interface {
	RegisterPair(ctx context.Context, fragments []Fragment, key PairKey) (MatchingResult, error)
}

// FragmentChecker is implemented by registrars that can verify every fragment
// loads before matching starts
type FragmentChecker interface {
	CheckFragments(fragments []Fragment) error
}

// Observer is notified of every completed pair. It may be called from
// several goroutines at once.
type Observer func(MatchingResult)

// Driver dispatches every fragment pair to the registrar, sequentially or
// across a bounded worker pool
type Driver struct {
	registrar PairRegistrar
	parallel  bool
	workers   int
	observers []Observer
}

// NewDriver creates a matching driver using the config's threading options
func NewDriver(config *Config, registrar PairRegistrar) *Driver {
	return &Driver{
		registrar: registrar,
		parallel:  config.Parallel(),
		workers:   config.Workers(),
	}
}

// Observe adds a callback for completed pairs
func (d *Driver) Observe(o Observer) {
	d.observers = append(d.observers, o)
}

// Match registers all n(n-1)/2 pairs. results[i] belongs to PairKeys(n)[i].
// Pair failures are recorded in their slot; the returned error is set only
// for fatal conditions, which stop outstanding work.
func (d *Driver) Match(ctx context.Context, fragments []Fragment) ([]MatchingResult, error) {
	keys := PairKeys(len(fragments))
	results := make([]MatchingResult, len(keys))
	if len(keys) == 0 {
		return results, nil
	}

	if !d.parallel || d.workers == 1 {
		log.Printf("[MATCH] Registering %d pairs sequentially", len(keys))
		for i, key := range keys {
			if err := d.run(ctx, fragments, key, &results[i]); err != nil {
				return nil, err
			}
		}
		return results, nil
	}

	log.Printf("[MATCH] Registering %d pairs on %d workers", len(keys), d.workers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	for i, key := range keys {
		slot := &results[i]
		key := key
		g.Go(func() error {
			return d.run(gctx, fragments, key, slot)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (d *Driver) run(ctx context.Context, fragments []Fragment, key PairKey, slot *MatchingResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	result, err := d.registrar.RegisterPair(ctx, fragments, key)
	if err != nil {
		return err
	}
	*slot = result

	switch {
	case result.Success():
		log.Printf("[MATCH] %v %s registered (overlap %.3f, %s)", key, key.Kind(), result.Edge.Overlap, result.Elapsed.Round(time.Millisecond))
	case key.Adjacent():
		log.Printf("[ODOMETRY] WARN %v odometry pair failed: %v", key, result.Err)
	case errors.Is(result.Err, ErrAlignmentNotFound):
		log.Printf("[LOOP] %v no reasonable solution, skipping pair", key)
	default:
		log.Printf("[LOOP] %v rejected: %v", key, result.Err)
	}

	for _, o := range d.observers {
		o(result)
	}
	return nil
}
