package kline

import (
	"testing"

	"dex-kline-engine/internal/domain"
)

func TestBarBuilder_AccumulatesOHLCV(t *testing.T) {
	b := NewBarBuilder("bsc", "0xpair", domain.Resolution30s, 0, nil)

	b.Apply(10, 1)
	b.Apply(12, 2)
	b.Apply(9, 0.5)
	b.Apply(11, 1.5)

	bar := b.Snapshot()
	if bar.Open != 10 {
		t.Errorf("Open = %f, want 10", bar.Open)
	}
	if bar.High != 12 {
		t.Errorf("High = %f, want 12", bar.High)
	}
	if bar.Low != 9 {
		t.Errorf("Low = %f, want 9", bar.Low)
	}
	if bar.Close != 11 {
		t.Errorf("Close = %f, want 11", bar.Close)
	}
	if bar.Volume != 5 {
		t.Errorf("Volume = %f, want 5", bar.Volume)
	}
	if bar.TradeCount != 4 {
		t.Errorf("TradeCount = %d, want 4", bar.TradeCount)
	}
	if bar.IsComplete {
		t.Error("Snapshot must report IsComplete=false")
	}
}

func TestBarBuilder_SeededOpenParticipatesInRange(t *testing.T) {
	prevClose := 12.0
	b := NewBarBuilder("bsc", "0xpair", domain.Resolution30s, 30_000, &prevClose)

	b.Apply(9, 1)

	bar := b.Snapshot()
	if bar.Open != 12 {
		t.Errorf("Open = %f, want seeded 12", bar.Open)
	}
	if bar.High != 12 {
		t.Errorf("High = %f, want 12 (seeded open)", bar.High)
	}
	if bar.Low != 9 {
		t.Errorf("Low = %f, want 9", bar.Low)
	}
	if bar.Close != 9 {
		t.Errorf("Close = %f, want 9", bar.Close)
	}
}

func TestBarBuilder_SeededOpenFirstTradeAbove(t *testing.T) {
	prevClose := 5.0
	b := NewBarBuilder("bsc", "0xpair", domain.Resolution1m, 60_000, &prevClose)

	b.Apply(7, 1)

	bar := b.Snapshot()
	if bar.Open != 5 {
		t.Errorf("Open = %f, want 5 (continuity)", bar.Open)
	}
	if bar.Low != 5 {
		t.Errorf("Low = %f, want 5", bar.Low)
	}
	if bar.High != 7 {
		t.Errorf("High = %f, want 7", bar.High)
	}
}

func TestBarBuilder_Invariants(t *testing.T) {
	b := NewBarBuilder("bsc", "0xpair", domain.Resolution30s, 0, nil)

	prices := []float64{10, 3, 25, 17, 8}
	lastVolume := 0.0
	for _, p := range prices {
		b.Apply(p, 1)

		bar := b.Snapshot()
		if bar.Low > bar.Open || bar.Low > bar.Close || bar.Low > bar.High {
			t.Fatalf("Low invariant violated: %+v", bar)
		}
		if bar.High < bar.Open || bar.High < bar.Close || bar.High < bar.Low {
			t.Fatalf("High invariant violated: %+v", bar)
		}
		if bar.Volume < lastVolume {
			t.Fatalf("Volume decreased: %f -> %f", lastVolume, bar.Volume)
		}
		lastVolume = bar.Volume
	}
}

func TestBarBuilder_CloseIsTerminal(t *testing.T) {
	b := NewBarBuilder("bsc", "0xpair", domain.Resolution30s, 0, nil)
	b.Apply(10, 1)

	closed := b.Close()
	if !closed.IsComplete {
		t.Error("Closed bar must report IsComplete=true")
	}
	if !b.Closed() {
		t.Error("Builder must report Closed after Close")
	}

	// A late Apply after closure must not mutate the bar.
	b.Apply(99, 100)
	again := b.Close()
	if again.Close != 10 || again.Volume != 1 || again.TradeCount != 1 {
		t.Errorf("Closed bar mutated: %+v", again)
	}
}

func TestBarBuilder_SnapshotIsCopy(t *testing.T) {
	b := NewBarBuilder("bsc", "0xpair", domain.Resolution30s, 0, nil)
	b.Apply(10, 1)

	snap := b.Snapshot()
	snap.High = 999

	if got := b.Snapshot().High; got != 10 {
		t.Errorf("Snapshot aliased builder state: High = %f", got)
	}
}
