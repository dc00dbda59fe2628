package resilience

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestBreakerGroup_IsolatesKeys(t *testing.T) {
	g := NewBreakerGroup(CircuitBreakerConfig{Clock: clockwork.NewFakeClock()}, nil)

	for i := 0; i < 5; i++ {
		g.Get("user-1:acct-x").RecordFailure(ErrTimeout)
	}

	if g.Get("user-1:acct-x").State() != StateOpen {
		t.Error("acct-x breaker not open after 5 timeouts")
	}
	if ok, _ := g.Get("user-1:acct-y").Allow(); !ok {
		t.Error("acct-y breaker affected by acct-x failures")
	}
	if got := g.OpenCount(); got != 1 {
		t.Errorf("OpenCount() = %d, want 1", got)
	}
	if got := g.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestBreakerGroup_SameInstance(t *testing.T) {
	g := NewBreakerGroup(CircuitBreakerConfig{}, nil)
	if g.Get("a") != g.Get("a") {
		t.Error("Get() returned different breakers for the same key")
	}
}

func TestBreakerGroup_OnChangeCarriesKey(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	g := NewBreakerGroup(CircuitBreakerConfig{
		MaxFailures: 1,
		Clock:       clockwork.NewFakeClock(),
	}, func(key string, from, to State) {
		mu.Lock()
		keys = append(keys, key+":"+to.String())
		mu.Unlock()
	})

	g.Get("k1").RecordFailure(errUpstream)

	mu.Lock()
	defer mu.Unlock()
	if len(keys) != 1 || keys[0] != "k1:open" {
		t.Errorf("transitions = %v, want [k1:open]", keys)
	}
}

func TestBreakerGroup_SnapshotAndPrune(t *testing.T) {
	g := NewBreakerGroup(CircuitBreakerConfig{Clock: clockwork.NewFakeClock()}, nil)
	g.Get("idle")
	g.Get("failing").RecordFailure(errUpstream)

	snap := g.Snapshot()
	if snap["failing"].Failures != 1 {
		t.Errorf("Snapshot()[failing].Failures = %d, want 1", snap["failing"].Failures)
	}

	if removed := g.Prune(); removed != 1 {
		t.Errorf("Prune() = %d, want 1", removed)
	}
	if _, ok := g.Snapshot()["failing"]; !ok {
		t.Error("Prune() removed a breaker with failures")
	}
}

func TestBreakerGroup_HalfOpenTransitionSurvivesSnapshot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var changes []string
	g := NewBreakerGroup(CircuitBreakerConfig{
		MaxFailures: 1,
		Cooldown:    time.Second,
		Clock:       clock,
	}, func(key string, from, to State) {
		changes = append(changes, key+":"+to.String())
	})

	if !g.RecordFailure("k", errUpstream) {
		t.Fatal("RecordFailure() = false, want open")
	}
	clock.Advance(time.Second)
	if got := g.OpenCount(); got != 0 {
		t.Errorf("OpenCount() after cooldown = %d, want 0", got)
	}
	g.Get("k").Allow()
	g.RecordSuccess("k")

	want := []string{"k:open", "k:half-open", "k:closed"}
	if fmt.Sprint(changes) != fmt.Sprint(want) {
		t.Errorf("changes = %v, want %v", changes, want)
	}
}

func TestBreakerGroup_PruneRetiresStaleHandles(t *testing.T) {
	g := NewBreakerGroup(CircuitBreakerConfig{Clock: clockwork.NewFakeClock()}, nil)
	stale := g.Get("k")

	if removed := g.Prune(); removed != 1 {
		t.Fatalf("Prune() = %d, want 1", removed)
	}
	stale.RecordFailure(errUpstream)
	if g.Len() != 0 {
		t.Errorf("Len() = %d, want 0: a retired breaker must not come back", g.Len())
	}

	g.RecordFailure("k", errUpstream)
	if got := g.Snapshot()["k"].Failures; got != 1 {
		t.Errorf("Failures = %d, want 1", got)
	}
}

func TestBreakerGroup_FailuresRacingPruneAreCounted(t *testing.T) {
	g := NewBreakerGroup(CircuitBreakerConfig{
		MaxFailures: 1000,
		Clock:       clockwork.NewFakeClock(),
	}, nil)

	const keys = 200
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("owner:scope-%d", i)
		g.Get(key)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			g.Prune()
		}()
		go func() {
			defer wg.Done()
			g.RecordFailure(key, errUpstream)
		}()
		wg.Wait()
	}

	snap := g.Snapshot()
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("owner:scope-%d", i)
		if got := snap[key].Failures; got != 1 {
			t.Errorf("%s Failures = %d, want 1", key, got)
		}
	}
}
