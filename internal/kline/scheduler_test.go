package kline

import (
	"testing"

	"dex-kline-engine/internal/domain"
)

func schedKey(periodStart int64) bucketKey {
	return bucketKey{
		network:     "bsc",
		pairAddress: "0xpair",
		resolution:  domain.Resolution30s,
		periodStart: periodStart,
	}
}

func TestScheduler_PopDueReturnsOnlyElapsed(t *testing.T) {
	s := newScheduler()
	s.schedule(schedKey(0), 30_000)
	s.schedule(schedKey(30_000), 60_000)

	if due := s.popDue(29_999); len(due) != 0 {
		t.Fatalf("Nothing should be due at 29999, got %v", due)
	}

	due := s.popDue(30_000)
	if len(due) != 1 || due[0].periodStart != 0 {
		t.Fatalf("Expected only period 0 due at 30000, got %v", due)
	}

	due = s.popDue(100_000)
	if len(due) != 1 || due[0].periodStart != 30_000 {
		t.Fatalf("Expected period 30000 due at 100000, got %v", due)
	}
}

func TestScheduler_PopDueOrdersByFireTime(t *testing.T) {
	s := newScheduler()
	s.schedule(schedKey(60_000), 90_000)
	s.schedule(schedKey(0), 30_000)
	s.schedule(schedKey(30_000), 60_000)

	due := s.popDue(90_000)
	if len(due) != 3 {
		t.Fatalf("Expected 3 due, got %d", len(due))
	}
	for i, want := range []int64{0, 30_000, 60_000} {
		if due[i].periodStart != want {
			t.Errorf("due[%d].periodStart = %d, want %d", i, due[i].periodStart, want)
		}
	}
}

func TestScheduler_CancelDropsEntry(t *testing.T) {
	s := newScheduler()
	s.schedule(schedKey(0), 30_000)
	s.cancel(schedKey(0))

	if due := s.popDue(100_000); len(due) != 0 {
		t.Errorf("Cancelled entry still fired: %v", due)
	}
	if n := s.pendingCount(); n != 0 {
		t.Errorf("pendingCount = %d, want 0", n)
	}
}

func TestScheduler_DuplicateScheduleIsNoop(t *testing.T) {
	s := newScheduler()
	s.schedule(schedKey(0), 30_000)
	s.schedule(schedKey(0), 45_000)

	due := s.popDue(100_000)
	if len(due) != 1 {
		t.Errorf("Expected single fire for duplicate schedule, got %d", len(due))
	}
}
