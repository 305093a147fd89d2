package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/market"
)

func TestNextBoundary4H(t *testing.T) {
	now := time.Date(2025, 6, 1, 5, 30, 0, 0, time.UTC)
	got := NextBoundary(now, market.Timeframe4H, 0)
	want := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextBoundaryWithDelay(t *testing.T) {
	now := time.Date(2025, 6, 1, 5, 30, 0, 0, time.UTC)
	got := NextBoundary(now, market.Timeframe4H, 30*time.Second)
	want := time.Date(2025, 6, 1, 8, 0, 30, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextBoundaryExactlyOnBoundary(t *testing.T) {
	// Sitting exactly on a boundary schedules the next one, never now.
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	got := NextBoundary(now, market.Timeframe4H, 0)
	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextBoundaryInsideDelayWindow(t *testing.T) {
	// 08:00:10 with a 30s delay still belongs to the 08:00 cycle start.
	now := time.Date(2025, 6, 1, 8, 0, 10, 0, time.UTC)
	got := NextBoundary(now, market.Timeframe4H, 30*time.Second)
	want := time.Date(2025, 6, 1, 8, 0, 30, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextBoundaryExactlyAtDelayedStart(t *testing.T) {
	// 08:00:30 with a 30s delay has already reached its cycle start, so the
	// next fire is strictly after: 12:00:30.
	now := time.Date(2025, 6, 1, 8, 0, 30, 0, time.UTC)
	got := NextBoundary(now, market.Timeframe4H, 30*time.Second)
	want := time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextBoundary1D(t *testing.T) {
	now := time.Date(2025, 6, 1, 5, 30, 0, 0, time.UTC)
	got := NextBoundary(now, market.Timeframe1D, time.Minute)
	want := time.Date(2025, 6, 2, 0, 1, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestRunOnStartFiresImmediately(t *testing.T) {
	s := New(Config{Timeframe: market.Timeframe4H, RunOnStart: true}, market.RealClock{}, zerolog.Nop())

	var ran atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx, func(context.Context) {
			ran.Add(1)
			cancel()
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}
	if ran.Load() != 1 {
		t.Fatalf("expected exactly one startup cycle, got %d", ran.Load())
	}
}

func TestRunStopsWhileWaiting(t *testing.T) {
	s := New(Config{Timeframe: market.Timeframe4H}, market.RealClock{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context) {
			t.Error("cycle must not fire")
		})
	}()
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not return after cancel")
	}
}

func TestCycleContextSurvivesSchedulerCancel(t *testing.T) {
	// The in-flight cycle's context is detached from the run context so a
	// shutdown lets the ladder finish.
	s := New(Config{Timeframe: market.Timeframe4H, RunOnStart: true, CycleTimeout: time.Minute}, market.RealClock{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	var sawLiveCtx atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx, func(cycleCtx context.Context) {
			cancel()
			sawLiveCtx.Store(cycleCtx.Err() == nil)
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if !sawLiveCtx.Load() {
		t.Fatal("cycle context was canceled by scheduler shutdown")
	}
}
