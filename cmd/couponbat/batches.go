package main

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/patrickspencer/couponbat/internal/grab"
)

// drainMargin is added to the attempt timeout when waiting for a batch at
// shutdown, covering the history write after the attempt ends.
const drainMargin = 30 * time.Second

// batchRunner starts grab batches over all active accounts and tracks the
// ones it launches in the background.
type batchRunner struct {
	engine *grab.Engine
	log    *zap.SugaredLogger
	wg     sync.WaitGroup
}

func (b *batchRunner) run(trigger string) {
	results, err := b.engine.Run(context.Background(), nil, trigger)
	switch {
	case errors.Is(err, grab.ErrEmptyBatch):
		b.log.Infow("no active accounts to grab", "trigger", trigger)
	case errors.Is(err, grab.ErrBusy):
		b.log.Warnw("skipping batch, another batch is running", "trigger", trigger)
	case errors.Is(err, grab.ErrClosed):
		b.log.Infow("skipping batch, shutting down", "trigger", trigger)
	case err != nil:
		b.log.Errorw("grab batch failed", "trigger", trigger, "error", err)
	default:
		b.log.Debugw("grab batch returned", "trigger", trigger, "accounts", len(results))
	}
}

// start runs a batch in the background. Call it before drain.
func (b *batchRunner) start(trigger string) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(trigger)
	}()
}

// drain stops new batches and waits up to limit for the running attempt and
// any background batch to return.
func (b *batchRunner) drain(limit time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()
	if err := b.engine.Drain(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for background batches")
	}
}
