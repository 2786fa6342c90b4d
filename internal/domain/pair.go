package domain

// Pair is a tracked market whose trades are aggregated into bars.
// Corresponds to the pairs table in PostgreSQL.
type Pair struct {
	Network     string
	Address     string
	BaseSymbol  string
	QuoteSymbol string
	CreatedAt   int64 // record creation timestamp (ms)
}
