package ingestion

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"dex-kline-engine/internal/domain"
	"dex-kline-engine/internal/ingestion/stub"
	"dex-kline-engine/internal/kline"
	"dex-kline-engine/internal/storage/memory"
)

func TestRunner_IngestsStreamUntilClosed(t *testing.T) {
	trades := []*domain.TradeEvent{
		{Network: "bsc", PairAddress: "0x00112233445566778899aabbccddeeff00112233", Price: "10", Size: "1", Timestamp: 60_000},
		{Network: "bsc", PairAddress: "0x00112233445566778899aabbccddeeff00112233", Price: "11", Size: "2", Timestamp: 61_000},
	}

	svc := kline.NewService(kline.Options{
		Bars:        memory.NewBarStore(),
		Resolutions: []domain.Resolution{domain.Resolution30s},
		Logger:      log.New(io.Discard, "", 0),
		Now:         func() time.Time { return time.UnixMilli(60_000) },
	})

	runner := NewRunner(RunnerOptions{
		Source:  stub.NewTradeSource(trades),
		Service: svc,
		Logger:  log.New(io.Discard, "", 0),
	})

	err := runner.Run(context.Background())
	if err == nil || err.Error() != "trade feed closed" {
		t.Fatalf("Run() = %v, want feed-closed error after drain", err)
	}

	live := svc.LiveBars("bsc", "")
	if len(live) != 1 {
		t.Fatalf("Expected 1 live bar, got %d", len(live))
	}
	if live[0].TradeCount != 2 || live[0].Close != 11 {
		t.Errorf("Live bar mismatch: %+v", live[0])
	}

	ingested, malformed := runner.Stats()
	if ingested != 2 || malformed != 0 {
		t.Errorf("Stats = (%d, %d), want (2, 0)", ingested, malformed)
	}
}

func TestRunner_CountsMalformedWithoutStopping(t *testing.T) {
	trades := []*domain.TradeEvent{
		{Network: "bsc", PairAddress: "0x00112233445566778899aabbccddeeff00112233", Price: "bogus", Size: "1", Timestamp: 60_000},
		{Network: "bsc", PairAddress: "0x00112233445566778899aabbccddeeff00112233", Price: "10", Size: "1", Timestamp: 60_000},
	}

	svc := kline.NewService(kline.Options{
		Bars:        memory.NewBarStore(),
		Resolutions: []domain.Resolution{domain.Resolution30s},
		Logger:      log.New(io.Discard, "", 0),
		Now:         func() time.Time { return time.UnixMilli(60_000) },
	})

	runner := NewRunner(RunnerOptions{
		Source:  stub.NewTradeSource(trades),
		Service: svc,
		Logger:  log.New(io.Discard, "", 0),
	})

	_ = runner.Run(context.Background())

	ingested, malformed := runner.Stats()
	if ingested != 1 || malformed != 1 {
		t.Errorf("Stats = (%d, %d), want (1, 1)", ingested, malformed)
	}
}

func TestRunner_StatsSafeDuringRun(t *testing.T) {
	// Stats is polled by the status endpoint while Run is ingesting; the
	// counters must be readable concurrently (run with -race).
	trades := make([]*domain.TradeEvent, 200)
	for i := range trades {
		trades[i] = &domain.TradeEvent{
			Network:     "bsc",
			PairAddress: "0x00112233445566778899aabbccddeeff00112233",
			Price:       "10",
			Size:        "1",
			Timestamp:   60_000 + int64(i),
		}
	}

	svc := kline.NewService(kline.Options{
		Bars:        memory.NewBarStore(),
		Resolutions: []domain.Resolution{domain.Resolution30s},
		Logger:      log.New(io.Discard, "", 0),
		Now:         func() time.Time { return time.UnixMilli(60_000) },
	})

	runner := NewRunner(RunnerOptions{
		Source:  stub.NewTradeSource(trades),
		Service: svc,
		Logger:  log.New(io.Discard, "", 0),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			ingested, malformed := runner.Stats()
			if ingested == int64(len(trades)) && malformed == 0 {
				return
			}
		}
	}()

	_ = runner.Run(context.Background())
	<-done

	ingested, malformed := runner.Stats()
	if ingested != int64(len(trades)) || malformed != 0 {
		t.Errorf("Stats = (%d, %d), want (%d, 0)", ingested, malformed, len(trades))
	}
}

func TestRunner_StopsOnContextCancel(t *testing.T) {
	// A source that never produces keeps the runner blocked until cancel.
	src := stub.NewTradeSource(nil)

	svc := kline.NewService(kline.Options{
		Bars:   memory.NewBarStore(),
		Logger: log.New(io.Discard, "", 0),
	})

	runner := NewRunner(RunnerOptions{
		Source:  src,
		Service: svc,
		Logger:  log.New(io.Discard, "", 0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runner.Run(ctx)
	if err != context.Canceled && err != nil && err.Error() != "trade feed closed" {
		t.Fatalf("Run() = %v, want context.Canceled or feed-closed", err)
	}
}
