package store

import (
	"fmt"
	"testing"

	"github.com/dj-oyu/maskguard/detection-server/pkg/types"
)

func det(i int) types.Detection {
	return types.Detection{ID: fmt.Sprintf("d%d", i), Confidence: 0.9}
}

func TestRingNewestFirst(t *testing.T) {
	r := NewRing(10)
	for i := 0; i < 3; i++ {
		r.Append(det(i))
	}
	got := r.Recent(50)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"d2", "d1", "d0"} {
		if got[i].ID != want {
			t.Fatalf("got[%d] = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestRingEvictsOldest(t *testing.T) {
	const k = 5
	r := NewRing(k)
	for i := 0; i < k+3; i++ {
		r.Append(det(i))
	}
	got := r.Recent(k)
	if len(got) != k {
		t.Fatalf("len = %d, want %d", len(got), k)
	}
	for i := 0; i < k; i++ {
		want := fmt.Sprintf("d%d", k+2-i)
		if got[i].ID != want {
			t.Fatalf("got[%d] = %s, want %s", i, got[i].ID, want)
		}
	}
	if r.Len() != k || r.Total() != k+3 {
		t.Fatalf("len=%d total=%d", r.Len(), r.Total())
	}
}

func TestRingLimit(t *testing.T) {
	r := NewRing(DefaultCapacity)
	for i := 0; i < 80; i++ {
		r.Append(det(i))
	}
	if got := r.Recent(50); len(got) != 50 || got[0].ID != "d79" {
		t.Fatalf("Recent(50) len=%d first=%s", len(got), got[0].ID)
	}
	if got := r.Recent(0); len(got) != 80 {
		t.Fatalf("Recent(0) len = %d, want all", len(got))
	}
}

func TestRingClear(t *testing.T) {
	r := NewRing(3)
	r.Append(det(1), det(2))
	r.Clear()
	if r.Len() != 0 || len(r.Recent(10)) != 0 {
		t.Fatalf("ring not empty after clear")
	}
}
