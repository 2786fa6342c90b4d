package domain

// TradeEvent is a single normalized trade received from an upstream feed.
// Price and Size arrive as decimal strings exactly as the feed produced them;
// they are parsed and validated at the ingest boundary.
type TradeEvent struct {
	Network     string // chain/network identifier, e.g. "bsc", "solana"
	PairAddress string // market identifier (pool/pair contract address)
	Price       string // execution price, decimal string
	Size        string // trade quantity used as volume contribution, decimal string
	Timestamp   int64  // Unix timestamp in milliseconds
}
