package id

import "testing"

func TestNewIsUniqueAndOrdered(t *testing.T) {
	prev := New()
	seen := map[int64]bool{prev: true}
	for i := 0; i < 1000; i++ {
		next := New()
		if seen[next] {
			t.Fatalf("duplicate id %d", next)
		}
		if next <= prev {
			t.Fatalf("ids not increasing: %d after %d", next, prev)
		}
		seen[next] = true
		prev = next
	}
}
