package domain

// Bar is one OHLCV bucket for a fixed time period.
// Identity is (Network, PairAddress, Resolution, PeriodStart).
// Corresponds to the bars tables in PostgreSQL and ClickHouse.
type Bar struct {
	Network     string
	PairAddress string
	Resolution  Resolution
	PeriodStart int64 // period start, Unix timestamp in milliseconds

	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64 // cumulative sum of trade sizes within the period
	TradeCount int

	// IsComplete is false while the bar is still accumulating in memory
	// and true once the period boundary has passed and the bar was persisted.
	IsComplete bool
}

// PeriodEnd returns the exclusive end of the bar's period in milliseconds.
func (b *Bar) PeriodEnd() int64 {
	return b.PeriodStart + b.Resolution.PeriodMs()
}
