package dedup

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
)

// memStore is an in-memory WatermarkStore for testing.
type memStore struct {
	mu     sync.Mutex
	values map[string]string

	failGet  bool
	failSwap bool

	swapCalls int
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]string)}
}

func (s *memStore) Get(_ context.Context, sourceKey string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet {
		return "", false, errors.New("storage down")
	}
	v, ok := s.values[sourceKey]
	return v, ok, nil
}

func (s *memStore) InsertBaseline(_ context.Context, sourceKey, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[sourceKey]; ok {
		return false, nil
	}
	s.values[sourceKey] = value
	return true, nil
}

func (s *memStore) CompareAndSwap(_ context.Context, sourceKey, old, new string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swapCalls++
	if s.failSwap {
		return false, errors.New("storage down")
	}
	if s.values[sourceKey] != old {
		return false, nil
	}
	s.values[sourceKey] = new
	return true, nil
}

func TestGate_FirstObservationBaselinesWithoutNotifying(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, zap.NewNop())
	ctx := context.Background()

	isNew, err := gate.IsNewID(ctx, "siteA:accountX", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isNew {
		t.Error("first observation must baseline, not notify")
	}
	if store.values["siteA:accountX"] != "100" {
		t.Errorf("expected baseline 100, got %q", store.values["siteA:accountX"])
	}
}

func TestGate_RepeatCandidateIsNotNew(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, zap.NewNop())
	ctx := context.Background()

	if _, err := gate.IsNewID(ctx, "siteA:accountX", 100); err != nil {
		t.Fatalf("baseline failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		isNew, err := gate.IsNewID(ctx, "siteA:accountX", 100)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if isNew {
			t.Error("repeated candidate must not be new")
		}
	}
	if store.values["siteA:accountX"] != "100" {
		t.Errorf("watermark must not change on repeat, got %q", store.values["siteA:accountX"])
	}
}

func TestGate_HigherCandidateAdvancesWatermark(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, zap.NewNop())
	ctx := context.Background()

	_, _ = gate.IsNewID(ctx, "siteA:accountX", 100)

	isNew, err := gate.IsNewID(ctx, "siteA:accountX", 150)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !isNew {
		t.Error("higher candidate must be new")
	}
	if store.values["siteA:accountX"] != "150" {
		t.Errorf("expected watermark 150, got %q", store.values["siteA:accountX"])
	}
}

func TestGate_LowerCandidateIsNotNew(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, zap.NewNop())
	ctx := context.Background()

	_, _ = gate.IsNewID(ctx, "siteA:accountX", 100)

	isNew, err := gate.IsNewID(ctx, "siteA:accountX", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isNew {
		t.Error("lower candidate must not be new")
	}
	if store.values["siteA:accountX"] != "100" {
		t.Errorf("watermark must not regress, got %q", store.values["siteA:accountX"])
	}
}

// The set of candidates judged new must be exactly the strictly
// increasing prefix-maxima subsequence, minus the baseline.
func TestGate_PrefixMaximaSequence(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, zap.NewNop())
	ctx := context.Background()

	candidates := []int64{10, 5, 10, 20, 15, 20, 30, 30, 25}
	wantNew := []bool{false, false, false, true, false, false, true, false, false}

	for i, c := range candidates {
		isNew, err := gate.IsNewID(ctx, "seq", c)
		if err != nil {
			t.Fatalf("candidate %d: unexpected error: %v", c, err)
		}
		if isNew != wantNew[i] {
			t.Errorf("candidate %d (index %d): got new=%v, want %v", c, i, isNew, wantNew[i])
		}
	}
}

func TestGate_FailsClosedOnStorageError(t *testing.T) {
	store := newMemStore()
	store.failGet = true
	gate := NewGate(store, zap.NewNop())

	isNew, err := gate.IsNewID(context.Background(), "siteA:accountX", 100)
	if err == nil {
		t.Fatal("expected storage error to surface")
	}
	if isNew {
		t.Error("gate must fail closed: never new on storage error")
	}
}

func TestGate_FailsClosedOnSwapError(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, zap.NewNop())
	ctx := context.Background()

	_, _ = gate.IsNewID(ctx, "siteA:accountX", 100)
	store.failSwap = true

	isNew, err := gate.IsNewID(ctx, "siteA:accountX", 200)
	if err == nil {
		t.Fatal("expected storage error to surface")
	}
	if isNew {
		t.Error("gate must fail closed on swap error")
	}
}

func TestGate_ConcurrentCandidatesSingleWinner(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, zap.NewNop())
	ctx := context.Background()

	_, _ = gate.IsNewID(ctx, "siteA:accountX", 100)

	const goroutines = 16
	var wg sync.WaitGroup
	newCount := make(chan bool, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			isNew, err := gate.IsNewID(ctx, "siteA:accountX", 150)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			newCount <- isNew
		}()
	}
	wg.Wait()
	close(newCount)

	wins := 0
	for isNew := range newCount {
		if isNew {
			wins++
		}
	}
	if wins != 1 {
		t.Errorf("exactly one concurrent candidate may be new, got %d", wins)
	}
}

func TestGate_LiveTransitions(t *testing.T) {
	store := newMemStore()
	gate := NewGate(store, zap.NewNop())
	ctx := context.Background()

	key := "liveB:accountY"

	// First observation baselines silently, even when already live.
	isNew, err := gate.IsNewLiveState(ctx, key, LiveState{Status: LivePublic, BroadcastID: "b1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if isNew {
		t.Error("first live observation must baseline, not notify")
	}

	// Same broadcast again: not new.
	isNew, _ = gate.IsNewLiveState(ctx, key, LiveState{Status: LivePublic, BroadcastID: "b1"})
	if isNew {
		t.Error("unchanged live state must not be new")
	}

	// New broadcast under the same live label: new.
	isNew, _ = gate.IsNewLiveState(ctx, key, LiveState{Status: LivePublic, BroadcastID: "b2"})
	if !isNew {
		t.Error("new broadcast id must be new")
	}

	// Going offline updates state but never notifies.
	isNew, _ = gate.IsNewLiveState(ctx, key, LiveState{Status: LiveOffline})
	if isNew {
		t.Error("offline transition must not notify")
	}
	if store.values[key] != "offline" {
		t.Errorf("offline transition must be recorded, got %q", store.values[key])
	}

	// Offline to live: new.
	isNew, _ = gate.IsNewLiveState(ctx, key, LiveState{Status: LivePublic, BroadcastID: "b3"})
	if !isNew {
		t.Error("offline to live must be new")
	}

	// Live to private: new.
	isNew, _ = gate.IsNewLiveState(ctx, key, LiveState{Status: LivePrivate})
	if !isNew {
		t.Error("transition to private must be new")
	}

	// Private again: not new.
	isNew, _ = gate.IsNewLiveState(ctx, key, LiveState{Status: LivePrivate})
	if isNew {
		t.Error("unchanged private state must not be new")
	}
}
