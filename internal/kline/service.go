package kline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	"dex-kline-engine/internal/domain"
	"dex-kline-engine/internal/observability"
	"dex-kline-engine/internal/storage"
)

// ErrMalformedTrade is returned by Ingest when a trade's price, size or
// timestamp cannot be parsed. The upstream source decides whether to retry.
var ErrMalformedTrade = errors.New("malformed trade event")

// Service owns the full set of live bar builders across all pairs and
// resolutions, routes trades to them, closes buckets at period boundaries
// and persists the closed bars. Construct one instance at process start and
// inject it wherever bars are needed; there is no package-level singleton.
type Service struct {
	bars        storage.BarStore
	resolutions []domain.Resolution

	tickInterval  time.Duration
	sweepInterval time.Duration
	retryBackoff  time.Duration
	logger        *log.Logger
	now           func() time.Time

	// mu guards live and lastClosed. Persistence writes never run under it.
	mu         sync.Mutex
	live       map[bucketKey]*BarBuilder
	lastClosed map[seriesKey]int64 // highest finalized periodStart per series

	sched *scheduler
}

// Options configures a Service.
type Options struct {
	// Bars is the system of record for closed bars. Required.
	Bars storage.BarStore

	// Resolutions to aggregate simultaneously. Default: domain.AllResolutions.
	Resolutions []domain.Resolution

	// TickInterval is how often due closure timers are processed. Default: 250ms.
	TickInterval time.Duration

	// SweepInterval is how often the backstop sweep force-closes buckets
	// whose timer was lost. Default: 60s.
	SweepInterval time.Duration

	// RetryBackoff is the delay before the single persistence retry. Default: 500ms.
	RetryBackoff time.Duration

	Logger *log.Logger

	// Now overrides the clock, for tests and replay.
	Now func() time.Time
}

// NewService creates an aggregation service.
func NewService(opts Options) *Service {
	resolutions := opts.Resolutions
	if len(resolutions) == 0 {
		resolutions = domain.AllResolutions
	}

	tickInterval := opts.TickInterval
	if tickInterval == 0 {
		tickInterval = 250 * time.Millisecond
	}

	sweepInterval := opts.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = 60 * time.Second
	}

	retryBackoff := opts.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 500 * time.Millisecond
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Service{
		bars:          opts.Bars,
		resolutions:   resolutions,
		tickInterval:  tickInterval,
		sweepInterval: sweepInterval,
		retryBackoff:  retryBackoff,
		logger:        logger,
		now:           now,
		live:          make(map[bucketKey]*BarBuilder),
		lastClosed:    make(map[seriesKey]int64),
		sched:         newScheduler(),
	}
}

// Ingest routes one trade into the live bucket of every configured
// resolution. Malformed input is rejected synchronously with
// ErrMalformedTrade and mutates no state. Late trades are dropped
// per-resolution with a warning; other resolutions of the same trade are
// processed independently. Ingest never performs persistence writes.
func (s *Service) Ingest(ctx context.Context, trade *domain.TradeEvent) error {
	price, size, err := parseTrade(trade)
	if err != nil {
		observability.RecordMalformedTrade()
		return err
	}

	for _, res := range s.resolutions {
		s.ingestResolution(ctx, trade, res, price, size)
	}

	observability.RecordTradeIngested()
	return nil
}

// parseTrade validates a trade and parses its decimal fields.
func parseTrade(trade *domain.TradeEvent) (price, size float64, err error) {
	if trade == nil {
		return 0, 0, fmt.Errorf("%w: nil trade", ErrMalformedTrade)
	}
	if trade.Network == "" {
		return 0, 0, fmt.Errorf("%w: empty network", ErrMalformedTrade)
	}
	if verr := domain.ValidatePairAddress(trade.Network, trade.PairAddress); verr != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformedTrade, verr)
	}
	if trade.Timestamp <= 0 {
		return 0, 0, fmt.Errorf("%w: timestamp %d", ErrMalformedTrade, trade.Timestamp)
	}

	price, err = strconv.ParseFloat(trade.Price, 64)
	if err != nil || math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return 0, 0, fmt.Errorf("%w: price %q", ErrMalformedTrade, trade.Price)
	}

	size, err = strconv.ParseFloat(trade.Size, 64)
	if err != nil || math.IsNaN(size) || math.IsInf(size, 0) || size < 0 {
		return 0, 0, fmt.Errorf("%w: size %q", ErrMalformedTrade, trade.Size)
	}

	return price, size, nil
}

// ingestResolution applies one trade at one resolution, creating the bucket
// and scheduling its closure timer when needed.
func (s *Service) ingestResolution(ctx context.Context, trade *domain.TradeEvent, res domain.Resolution, price, size float64) {
	periodStart := res.PeriodStart(trade.Timestamp)
	key := bucketKey{
		network:     trade.Network,
		pairAddress: trade.PairAddress,
		resolution:  res,
		periodStart: periodStart,
	}

	s.mu.Lock()
	builder, ok := s.live[key]
	if !ok {
		if s.isLateLocked(key) {
			s.mu.Unlock()
			s.logger.Printf("WARN: dropping late trade for %s/%s %s period=%d",
				trade.Network, trade.PairAddress, res, periodStart)
			observability.RecordLateTradeDropped(string(res))
			return
		}

		// Continuity seeding queries persistence, so release the lock first.
		s.mu.Unlock()
		prevClose := s.lookupPrevClose(ctx, key)
		s.mu.Lock()

		// Re-check under the lock: a concurrent ingest may have created the
		// bucket, or the sweep may have closed this period meanwhile.
		builder, ok = s.live[key]
		if !ok {
			if s.isLateLocked(key) {
				s.mu.Unlock()
				s.logger.Printf("WARN: dropping late trade for %s/%s %s period=%d",
					trade.Network, trade.PairAddress, res, periodStart)
				observability.RecordLateTradeDropped(string(res))
				return
			}
			builder = NewBarBuilder(key.network, key.pairAddress, key.resolution, key.periodStart, prevClose)
			s.live[key] = builder
			s.scheduleCloseLocked(key)
			observability.RecordBarOpened(string(res))
			observability.UpdateLiveBuckets(len(s.live))
		}
	}

	builder.Apply(price, size)
	s.mu.Unlock()
}

// isLateLocked reports whether a period was already finalized for its series.
func (s *Service) isLateLocked(key bucketKey) bool {
	last, ok := s.lastClosed[key.series()]
	return ok && key.periodStart <= last
}

// scheduleCloseLocked schedules the bucket's one-shot closure timer at the
// period end. A timer already past due is clamped to now so it fires on the
// next scheduler tick instead of being dropped.
func (s *Service) scheduleCloseLocked(key bucketKey) {
	fireAt := key.periodStart + key.resolution.PeriodMs()
	if nowMs := s.now().UnixMilli(); fireAt < nowMs {
		fireAt = nowMs
	}
	s.sched.schedule(key, fireAt)
}

// lookupPrevClose returns the prior period's close when the latest closed bar
// immediately precedes this bucket. No synthetic continuity is invented when
// the prior period is missing.
func (s *Service) lookupPrevClose(ctx context.Context, key bucketKey) *float64 {
	prev, err := s.bars.GetLatestClosed(ctx, key.network, key.pairAddress, key.resolution)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Printf("WARN: continuity lookup for %s/%s %s failed: %v",
				key.network, key.pairAddress, key.resolution, err)
		}
		return nil
	}

	if prev.PeriodStart != key.periodStart-key.resolution.PeriodMs() {
		return nil
	}

	close := prev.Close
	return &close
}

// LiveBars returns snapshots of all in-progress bars, optionally filtered by
// exact network and pair address. Empty filters match everything.
func (s *Service) LiveBars(network, pairAddress string) []*domain.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bars []*domain.Bar
	for key, builder := range s.live {
		if network != "" && key.network != network {
			continue
		}
		if pairAddress != "" && key.pairAddress != pairAddress {
			continue
		}
		bars = append(bars, builder.Snapshot())
	}
	return bars
}

// LiveBucketCount returns the number of open buckets.
func (s *Service) LiveBucketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Run processes closure timers and runs the backstop sweep until the context
// is cancelled, then flushes all remaining live buckets.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Printf("Aggregation service started (resolutions: %v, tick: %v, sweep: %v)",
		s.resolutions, s.tickInterval, s.sweepInterval)

	tick := time.NewTicker(s.tickInterval)
	defer tick.Stop()

	sweep := time.NewTicker(s.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown context is already cancelled; flush with a fresh one.
			s.Flush(context.Background())
			s.logger.Println("Aggregation service stopped")
			return ctx.Err()

		case <-tick.C:
			s.ProcessDue(ctx)

		case <-sweep.C:
			s.Sweep(ctx)
		}
	}
}

// ProcessDue finalizes every bucket whose closure timer has fired. Exposed so
// replay drivers and tests can pump the engine with a virtual clock.
func (s *Service) ProcessDue(ctx context.Context) {
	for _, key := range s.sched.popDue(s.now().UnixMilli()) {
		s.finalizeAndPersist(ctx, key)
	}
}

// Sweep force-closes any live bucket whose period end has already passed.
// It is a correctness backstop for lost timers, not the primary closure path;
// both paths produce identical bars for identical input.
func (s *Service) Sweep(ctx context.Context) {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	var due []bucketKey
	for key, builder := range s.live {
		if builder.PeriodEnd() <= nowMs {
			due = append(due, key)
		}
	}
	s.mu.Unlock()

	for _, key := range due {
		if s.finalizeAndPersist(ctx, key) {
			observability.RecordSweepForceClose()
		}
	}
}

// Flush force-closes and persists every live bucket regardless of period end.
// Called on shutdown.
func (s *Service) Flush(ctx context.Context) {
	s.mu.Lock()
	keys := make([]bucketKey, 0, len(s.live))
	for key := range s.live {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.finalizeAndPersist(ctx, key)
	}

	if len(keys) > 0 {
		s.logger.Printf("Flushed %d live buckets", len(keys))
	}
}

// finalizeAndPersist closes one bucket and upserts the result. The builder is
// removed from the live map before the write is issued, so a slow write never
// blocks ingestion of the next period. Returns false if the bucket was
// already finalized by a racing timer/sweep.
func (s *Service) finalizeAndPersist(ctx context.Context, key bucketKey) bool {
	s.mu.Lock()
	builder, ok := s.live[key]
	if !ok || builder.Closed() {
		// Timer and sweep raced; the first finalizer won.
		s.mu.Unlock()
		return false
	}

	bar := builder.Close()
	delete(s.live, key)
	series := key.series()
	if key.periodStart > s.lastClosed[series] {
		s.lastClosed[series] = key.periodStart
	}
	s.sched.cancel(key)
	observability.UpdateLiveBuckets(len(s.live))
	s.mu.Unlock()

	s.persistClosedBar(ctx, bar)
	return true
}

// persistClosedBar upserts a closed bar with one retry after a fixed backoff.
// A second failure drops the bar: bounded memory is favored over a durable
// retry queue, and the loss is surfaced through logs and metrics.
func (s *Service) persistClosedBar(ctx context.Context, bar *domain.Bar) {
	err := s.bars.Upsert(ctx, bar)
	if err == nil {
		observability.RecordBarClosed(string(bar.Resolution))
		return
	}

	s.logger.Printf("WARN: persist bar %s/%s %s period=%d failed, retrying: %v",
		bar.Network, bar.PairAddress, bar.Resolution, bar.PeriodStart, err)
	observability.RecordPersistRetry()

	select {
	case <-time.After(s.retryBackoff):
	case <-ctx.Done():
	}

	if err := s.bars.Upsert(ctx, bar); err != nil {
		s.logger.Printf("ERROR: bar %s/%s %s period=%d lost after retry: %v",
			bar.Network, bar.PairAddress, bar.Resolution, bar.PeriodStart, err)
		observability.RecordBarLost(string(bar.Resolution))
		return
	}

	observability.RecordBarClosed(string(bar.Resolution))
}
