package pairs

import (
	"fmt"
	"testing"
	"time"

	"github.com/arbflow/arbflow/pkg/domain"
)

func TestTracker_EvictionHysteresis(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(0, 0))
	tr := New(8, time.Hour, clock, nil)

	for i := 0; i < 8; i++ {
		tr.TrackPair(fmt.Sprintf("pair-%d", i), "ethereum", "uniswap")
		clock.Advance(time.Millisecond)
	}
	if tr.Len() != 8 {
		t.Fatalf("expected 8 entries, got %d", tr.Len())
	}

	// Push over capacity; eviction should drop to 75% (6), keeping the
	// freshest insert.
	tr.TrackPair("pair-new", "arbitrum", "sushiswap")
	if tr.Len() > 8*3/4+1 {
		t.Errorf("expected at most %d entries after eviction, got %d", 8*3/4+1, tr.Len())
	}
	if !tr.Has("pair-new") {
		t.Error("freshest insert must survive eviction")
	}
	if tr.Has("pair-0") {
		t.Error("oldest entry should be evicted first")
	}
}

func TestTracker_SingleSlotKeepsTriggeringInsert(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(0, 0))
	tr := New(1, time.Hour, clock, nil)

	tr.TrackPair("first", "ethereum", "uniswap")
	clock.Advance(time.Millisecond)
	tr.TrackPair("second", "base", "aerodrome")

	if tr.Has("first") {
		t.Error("oldest entry must give way")
	}
	if !tr.Has("second") {
		t.Error("the insert that triggered eviction must survive")
	}
	if tr.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", tr.Len())
	}
}

func TestTracker_CleanupTTL(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(0, 0))
	tr := New(100, time.Minute, clock, nil)

	tr.TrackPair("old", "ethereum", "uniswap")
	clock.Advance(2 * time.Minute)
	tr.TrackPair("fresh", "base", "aerodrome")

	if removed := tr.Cleanup(); removed != 1 {
		t.Errorf("expected 1 expired entry removed, got %d", removed)
	}
	if tr.Has("old") || !tr.Has("fresh") {
		t.Error("cleanup removed the wrong entry")
	}
}

func TestTracker_MapAccessors(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(0, 0))
	tr := New(10, time.Hour, clock, nil)

	tr.TrackPair("p", "ethereum", "uniswap")
	e, ok := tr.Get("p")
	if !ok || e.Chain != "ethereum" || e.Dex != "uniswap" {
		t.Fatalf("unexpected entry: %+v ok=%v", e, ok)
	}

	tr.Set("q", Entry{LastSeen: clock.Now(), Chain: "bsc", Dex: "pancake"})
	if tr.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", tr.Len())
	}

	tr.Clear()
	if tr.Len() != 0 {
		t.Errorf("expected empty tracker after Clear, got %d", tr.Len())
	}
}
