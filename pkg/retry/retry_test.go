// Copyright 2024-2026 Aiku AI

package retry

import (
	"context"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	b := Backoff{Min: 2 * time.Second, Max: 60 * time.Second}
	want := []time.Duration{2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w*time.Second {
			t.Errorf("Delay(%d): got %s, want %s", i+1, got, w*time.Second)
		}
	}
	if got := b.Delay(0); got != 2*time.Second {
		t.Errorf("Delay(0): got %s, want 2s", got)
	}
	if got := b.Delay(500); got != 60*time.Second {
		t.Errorf("Delay(500): got %s, want 60s", got)
	}
}

func TestBackoffJitter(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rnd  float64
		want time.Duration
	}{
		{0, 1 * time.Second},
		{0.5, 2 * time.Second},
		{0.999, 2998 * time.Millisecond},
	}
	for _, tt := range tests {
		b := Backoff{Min: 2 * time.Second, Max: time.Minute, Jitter: true, Rand: func() float64 { return tt.rnd }}
		got := b.Delay(1).Round(time.Millisecond)
		if got != tt.want {
			t.Errorf("jitter %v: got %s, want %s", tt.rnd, got, tt.want)
		}
	}

	b := Backoff{Min: 2 * time.Second, Max: time.Minute, Jitter: true}
	for range 100 {
		d := b.Delay(3)
		if d < 4*time.Second || d >= 12*time.Second {
			t.Fatalf("jittered delay %s out of [4s, 12s)", d)
		}
	}
}

func TestSleepCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := Sleep(ctx, time.Hour); err != context.Canceled {
		t.Errorf("Sleep: got %v, want context.Canceled", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly")
	}
	if err := Sleep(context.Background(), 0); err != nil {
		t.Errorf("Sleep(0): got %v", err)
	}
}
