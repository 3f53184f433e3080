package tracestore

import (
	"testing"

	"github.com/RicherTunes/ai-proxy-sub011/internal/core"
)

func TestStore_PutThenGetByID(t *testing.T) {
	s, err := New(10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := &core.Request{RequestID: "r1", StatusCode: 200}
	s.Put(req)

	got, ok := s.Get("r1")
	if !ok {
		t.Fatal("expected trace r1 to be present")
	}
	if got.RequestID != "r1" {
		t.Fatalf("RequestID = %q, want r1", got.RequestID)
	}
}

func TestStore_GetMissingReturnsFalse(t *testing.T) {
	s, err := New(10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := s.Get("nope"); ok {
		t.Fatal("expected missing trace to report false")
	}
}

func TestStore_RecentIsOldestFirstAndBoundedByCapacity(t *testing.T) {
	s, err := New(2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s.Put(&core.Request{RequestID: "r1"})
	s.Put(&core.Request{RequestID: "r2"})
	s.Put(&core.Request{RequestID: "r3"})

	recent := s.Recent()
	if len(recent) != 2 {
		t.Fatalf("len(Recent()) = %d, want 2 (capacity-bounded)", len(recent))
	}
	if recent[0].RequestID != "r2" || recent[1].RequestID != "r3" {
		t.Fatalf("Recent() = %+v, want [r2 r3] oldest-first", recent)
	}
}

func TestStore_DefaultsCapacityWhenNonPositive(t *testing.T) {
	if _, err := New(0); err != nil {
		t.Fatalf("New(0) should fall back to a default capacity, got error: %v", err)
	}
	if _, err := New(-5); err != nil {
		t.Fatalf("New(-5) should fall back to a default capacity, got error: %v", err)
	}
}
