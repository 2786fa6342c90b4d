package ingestion

import (
	"context"
	"errors"
	"log"
	"sync/atomic"

	"dex-kline-engine/internal/kline"
)

// Runner pumps a trade source into the aggregation service.
type Runner struct {
	source  TradeSource
	service *kline.Service
	logger  *log.Logger

	// Read concurrently via Stats while Run increments.
	ingested  atomic.Int64
	malformed atomic.Int64
}

// RunnerOptions contains configuration for creating a Runner.
type RunnerOptions struct {
	Source  TradeSource
	Service *kline.Service
	Logger  *log.Logger
}

// NewRunner creates a new ingestion runner.
func NewRunner(opts RunnerOptions) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Runner{
		source:  opts.Source,
		service: opts.Service,
		logger:  logger,
	}
}

// Run consumes the source until the context is cancelled or the stream ends.
// Malformed trades are logged and counted, never fatal.
func (r *Runner) Run(ctx context.Context) error {
	events, err := r.source.Subscribe(ctx)
	if err != nil {
		return err
	}
	r.logger.Println("Subscribed to trade feed")

	for {
		select {
		case <-ctx.Done():
			r.logger.Printf("Ingestion runner stopping (ingested=%d malformed=%d)", r.ingested.Load(), r.malformed.Load())
			return ctx.Err()

		case event, ok := <-events:
			if !ok {
				r.logger.Printf("Trade feed closed (ingested=%d malformed=%d)", r.ingested.Load(), r.malformed.Load())
				return errors.New("trade feed closed")
			}

			if err := r.service.Ingest(ctx, event); err != nil {
				if errors.Is(err, kline.ErrMalformedTrade) {
					r.malformed.Add(1)
					r.logger.Printf("WARN: rejected trade: %v", err)
					continue
				}
				return err
			}
			r.ingested.Add(1)
		}
	}
}

// Stats reports how many trades the runner has processed. Safe to call
// while Run is active.
func (r *Runner) Stats() (ingested, malformed int64) {
	return r.ingested.Load(), r.malformed.Load()
}
