package utils

import (
	"testing"
	"time"
)

func TestStableJitter(t *testing.T) {
	a := StableJitter("tracker_a", 10*time.Second)
	b := StableJitter("tracker_a", 10*time.Second)
	if a != b {
		t.Fatalf("expected stable jitter, got %s and %s", a, b)
	}
	if a < 0 || a >= 10*time.Second {
		t.Fatalf("jitter out of range: %s", a)
	}
	if StableJitter("x", 0) != 0 {
		t.Fatalf("expected zero jitter for zero max")
	}
}
