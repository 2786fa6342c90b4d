package kline

import (
	"dex-kline-engine/internal/domain"
)

// BarBuilder accumulates OHLCV state for a single
// (network, pair, resolution, period) bucket. It is created on the first
// trade routed into the period and is closed exactly once when the period
// boundary passes. Callers must serialize access; the aggregation service
// holds its lock around every builder mutation.
type BarBuilder struct {
	bar      domain.Bar
	seeded   bool // open was taken from the prior period's close
	hasTrade bool
	closed   bool
}

// NewBarBuilder creates a builder for one bucket. If prevClose is non-nil the
// prior period's close seeds this bar's open (continuity); otherwise the first
// applied trade sets the open.
func NewBarBuilder(network, pairAddress string, resolution domain.Resolution, periodStart int64, prevClose *float64) *BarBuilder {
	b := &BarBuilder{
		bar: domain.Bar{
			Network:     network,
			PairAddress: pairAddress,
			Resolution:  resolution,
			PeriodStart: periodStart,
		},
	}
	if prevClose != nil {
		b.bar.Open = *prevClose
		b.seeded = true
	}
	return b
}

// Apply folds one trade into the bar. The caller guarantees the trade's
// computed period equals this builder's period and that each trade is
// applied exactly once; applying twice double-counts volume.
func (b *BarBuilder) Apply(price, size float64) {
	if b.closed {
		return
	}

	if !b.hasTrade {
		if b.seeded {
			// Seeded open participates in the range, so a first trade below
			// the prior close still leaves high at the open.
			b.bar.High = maxFloat(b.bar.Open, price)
			b.bar.Low = minFloat(b.bar.Open, price)
		} else {
			b.bar.Open = price
			b.bar.High = price
			b.bar.Low = price
		}
		b.hasTrade = true
	} else {
		b.bar.High = maxFloat(b.bar.High, price)
		b.bar.Low = minFloat(b.bar.Low, price)
	}

	b.bar.Close = price
	b.bar.Volume += size
	b.bar.TradeCount++
}

// Snapshot returns the current OHLCV state with IsComplete=false.
// Safe to call at any time for live-chart serving.
func (b *BarBuilder) Snapshot() *domain.Bar {
	bar := b.bar
	bar.IsComplete = false
	return &bar
}

// Close finalizes the builder and returns the immutable closed bar.
// The first call wins; subsequent calls return the same closed snapshot.
func (b *BarBuilder) Close() *domain.Bar {
	if !b.closed {
		b.closed = true
		b.bar.IsComplete = true
	}
	bar := b.bar
	return &bar
}

// Closed reports whether the builder has been finalized.
func (b *BarBuilder) Closed() bool {
	return b.closed
}

// PeriodStart returns the bucket's period start in milliseconds.
func (b *BarBuilder) PeriodStart() int64 {
	return b.bar.PeriodStart
}

// PeriodEnd returns the bucket's exclusive period end in milliseconds.
func (b *BarBuilder) PeriodEnd() int64 {
	return b.bar.PeriodEnd()
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
