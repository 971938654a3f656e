package assets

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
)

type countingResolver struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
	rate  float64
}

func newCountingResolver() *countingResolver {
	return &countingResolver{calls: make(map[string]int), fail: make(map[string]bool)}
}

func (r *countingResolver) ResolveAsset(_ context.Context, entityType string, x, y float64, sourceContext any) (AssetRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	source, _ := sourceContext.(SourceContext)
	r.calls[source.SpawnRecordID]++
	if r.fail[source.SpawnRecordID] {
		return AssetRecord{}, errors.New("rejected")
	}
	return AssetRecord{
		RequestID:      "img-" + source.SpawnRecordID,
		SpawnInput:     SpawnInput{Type: entityType, X: int(x), Y: int(y)},
		TextureDataURL: "data:image/png;base64,QQ==",
		State:          StateGenerated,
	}, nil
}

func (r *countingResolver) FallbackRate() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rate
}

func (r *countingResolver) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func TestSyncResolvesEachRecordOnce(t *testing.T) {
	resolver := newCountingResolver()

	var mu sync.Mutex
	var resolved []ResolvedAsset
	coordinator := NewCoordinator(resolver, Callbacks{
		OnAssetResolved: func(asset ResolvedAsset) {
			mu.Lock()
			resolved = append(resolved, asset)
			mu.Unlock()
		},
	}, nil)

	snapshot := []SpawnRecord{
		{ID: "spawn-1", Type: "fox", X: 1, Y: 2},
		{ID: "spawn-2", Type: "tree", X: 3, Y: 4},
	}
	coordinator.Sync(context.Background(), snapshot)
	// Re-syncing an unchanged snapshot must be a no-op.
	coordinator.Sync(context.Background(), snapshot)

	for _, id := range []string{"spawn-1", "spawn-2"} {
		if n := resolver.callCount(id); n != 1 {
			t.Errorf("%s resolved %d times, want 1", id, n)
		}
	}
	if len(resolved) != 2 {
		t.Fatalf("resolved callbacks = %d, want 2", len(resolved))
	}
	ids := []string{resolved[0].SpawnRecordID, resolved[1].SpawnRecordID}
	sort.Strings(ids)
	if ids[0] != "spawn-1" || ids[1] != "spawn-2" {
		t.Errorf("resolved ids = %v", ids)
	}
}

func TestSyncPicksUpOnlyNewRecords(t *testing.T) {
	resolver := newCountingResolver()
	coordinator := NewCoordinator(resolver, Callbacks{}, nil)

	first := []SpawnRecord{{ID: "spawn-1", Type: "fox", X: 1, Y: 2}}
	coordinator.Sync(context.Background(), first)

	grown := append(first, SpawnRecord{ID: "spawn-2", Type: "tree", X: 3, Y: 4})
	coordinator.Sync(context.Background(), grown)

	if n := resolver.callCount("spawn-1"); n != 1 {
		t.Errorf("spawn-1 resolved %d times, want 1", n)
	}
	if n := resolver.callCount("spawn-2"); n != 1 {
		t.Errorf("spawn-2 resolved %d times, want 1", n)
	}

	processed := coordinator.ProcessedIDs()
	sort.Strings(processed)
	if len(processed) != 2 || processed[0] != "spawn-1" || processed[1] != "spawn-2" {
		t.Errorf("processed = %v", processed)
	}
}

func TestRejectedRecordStillMarkedProcessed(t *testing.T) {
	resolver := newCountingResolver()
	resolver.fail["spawn-bad"] = true

	var resolvedCalls int
	coordinator := NewCoordinator(resolver, Callbacks{
		OnAssetResolved: func(ResolvedAsset) { resolvedCalls++ },
	}, nil)

	snapshot := []SpawnRecord{{ID: "spawn-bad", Type: "  ", X: 1, Y: 2}}
	coordinator.Sync(context.Background(), snapshot)
	coordinator.Sync(context.Background(), snapshot)

	if n := resolver.callCount("spawn-bad"); n != 1 {
		t.Errorf("rejected record resolved %d times, want 1 (no retry loop)", n)
	}
	if resolvedCalls != 0 {
		t.Errorf("OnAssetResolved fired %d times for a rejected record", resolvedCalls)
	}
	if got := coordinator.ProcessedIDs(); len(got) != 1 || got[0] != "spawn-bad" {
		t.Errorf("processed = %v", got)
	}
}

func TestProcessingSignal(t *testing.T) {
	resolver := newCountingResolver()

	var mu sync.Mutex
	var signals []bool
	coordinator := NewCoordinator(resolver, Callbacks{
		OnProcessingChange: func(processing bool) {
			mu.Lock()
			signals = append(signals, processing)
			mu.Unlock()
		},
	}, nil)

	coordinator.Sync(context.Background(), []SpawnRecord{{ID: "spawn-1", Type: "fox", X: 1, Y: 2}})

	if coordinator.Processing() {
		t.Error("still processing after Sync returned")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(signals) < 2 || signals[0] != true || signals[len(signals)-1] != false {
		t.Errorf("processing signals = %v, want true first and false last", signals)
	}
}

func TestFallbackRateCallback(t *testing.T) {
	resolver := newCountingResolver()
	resolver.rate = 0.25

	var mu sync.Mutex
	var rates []float64
	coordinator := NewCoordinator(resolver, Callbacks{
		OnFallbackRateChange: func(rate float64) {
			mu.Lock()
			rates = append(rates, rate)
			mu.Unlock()
		},
	}, nil)

	coordinator.Sync(context.Background(), []SpawnRecord{{ID: "spawn-1", Type: "fox", X: 1, Y: 2}})

	mu.Lock()
	defer mu.Unlock()
	if len(rates) != 1 || rates[0] != 0.25 {
		t.Errorf("rates = %v, want [0.25]", rates)
	}
}

func TestCoordinatorAgainstRealService(t *testing.T) {
	gen := &stubGenerator{image: &GeneratedImage{Base64: "QUJDRA==", MimeType: "image/png"}}
	service := newTestService(gen, Options{})

	var mu sync.Mutex
	var resolved []ResolvedAsset
	coordinator := NewCoordinator(service, Callbacks{
		OnAssetResolved: func(asset ResolvedAsset) {
			mu.Lock()
			resolved = append(resolved, asset)
			mu.Unlock()
		},
	}, nil)

	coordinator.Sync(context.Background(), []SpawnRecord{{ID: "spawn-1", Type: "fox", X: 1, Y: 2}})

	if len(resolved) != 1 {
		t.Fatalf("resolved = %d, want 1", len(resolved))
	}
	if resolved[0].State != StateGenerated {
		t.Errorf("state = %s, want GENERATED", resolved[0].State)
	}
	source, ok := service.SourceContext(resolved[0].RequestID).(SourceContext)
	if !ok || source.SpawnRecordID != "spawn-1" {
		t.Errorf("sourceContext = %v", source)
	}
}
