package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAllow_ConsumesAvailableTokens(t *testing.T) {
	tb := NewTokenBucket(10, 10)
	if !tb.Allow(5) {
		t.Fatal("expected first 5-token draw to succeed")
	}
	if !tb.Allow(5) {
		t.Fatal("expected second 5-token draw to succeed")
	}
	if tb.Allow(1) {
		t.Fatal("expected bucket to be exhausted")
	}
}

func TestWait_UnblocksAfterRefill(t *testing.T) {
	tb := NewTokenBucket(1000, 1) // fast refill for a short test
	tb.Allow(1)                   // drain the single token

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := tb.Wait(ctx, 1); err != nil {
		t.Fatalf("Wait() should succeed once tokens refill, got %v", err)
	}
}

func TestWait_RespectsContextCancellation(t *testing.T) {
	tb := NewTokenBucket(0, 1) // never refills
	tb.Allow(1)                // drain the single token

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := tb.Wait(ctx, 1)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestNewGovernor_CapacityIsTwiceRate(t *testing.T) {
	g := NewGovernor(100, 50)
	if !g.Upload.Allow(200) {
		t.Error("upload bucket should burst to 2x its rate")
	}
	if !g.Download.Allow(100) {
		t.Error("download bucket should burst to 2x its rate")
	}
}
