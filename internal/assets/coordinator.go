package assets

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// SpawnRecord is one observed spawn snapshot entry with its stable
// identifier.
type SpawnRecord struct {
	ID   string
	Type string
	X    int
	Y    int
}

// SourceContext is attached to each resolution so callers can map a
// resolved asset back to its spawn record.
type SourceContext struct {
	SpawnRecordID string
	Spawn         SpawnInput
}

// ResolvedAsset pairs a terminal asset record with the spawn record
// that caused it.
type ResolvedAsset struct {
	AssetRecord
	SpawnRecordID string
}

// Resolver is the slice of the Service the coordinator needs.
type Resolver interface {
	ResolveAsset(ctx context.Context, entityType string, x, y float64, sourceContext any) (AssetRecord, error)
	FallbackRate() float64
}

// Callbacks receive coordinator progress. All may be nil.
type Callbacks struct {
	OnAssetResolved      func(asset ResolvedAsset)
	OnProcessingChange   func(processing bool)
	OnFallbackRateChange func(rate float64)
}

// Coordinator diffs spawn snapshots against what it has already
// handled and drives the resolution service exactly once per distinct
// identifier. Concurrency is bounded only per identifier; unrelated
// spawns resolve in parallel.
type Coordinator struct {
	resolver  Resolver
	callbacks Callbacks
	logger    *zap.Logger

	mu        sync.Mutex
	processed map[string]struct{}
	inFlight  map[string]struct{}
}

// NewCoordinator creates an idle coordinator.
func NewCoordinator(resolver Resolver, callbacks Callbacks, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		resolver:  resolver,
		callbacks: callbacks,
		logger:    logger,
		processed: make(map[string]struct{}),
		inFlight:  make(map[string]struct{}),
	}
}

// Sync resolves every new identifier in the snapshot concurrently and
// waits for the batch. Identifiers already processed or in flight are
// skipped, so repeated calls with the same snapshot are no-ops.
func (c *Coordinator) Sync(ctx context.Context, records []SpawnRecord) {
	var wg sync.WaitGroup

	for _, record := range records {
		c.mu.Lock()
		_, done := c.processed[record.ID]
		_, busy := c.inFlight[record.ID]
		if done || busy {
			c.mu.Unlock()
			continue
		}
		c.inFlight[record.ID] = struct{}{}
		processing := len(c.inFlight) > 0
		c.mu.Unlock()
		c.emitProcessing(processing)

		wg.Add(1)
		go func(record SpawnRecord) {
			defer wg.Done()
			c.resolve(ctx, record)
		}(record)
	}

	wg.Wait()
}

func (c *Coordinator) resolve(ctx context.Context, record SpawnRecord) {
	source := SourceContext{
		SpawnRecordID: record.ID,
		Spawn:         SpawnInput{Type: record.Type, X: record.X, Y: record.Y},
	}
	resolved, err := c.resolver.ResolveAsset(ctx, record.Type, float64(record.X), float64(record.Y), source)
	if err != nil {
		c.logger.Warn("spawn record rejected",
			zap.String("spawnRecordID", record.ID), zap.Error(err))
	} else {
		if cb := c.callbacks.OnAssetResolved; cb != nil {
			cb(ResolvedAsset{AssetRecord: resolved, SpawnRecordID: record.ID})
		}
		if cb := c.callbacks.OnFallbackRateChange; cb != nil {
			cb(c.resolver.FallbackRate())
		}
	}

	// Even a rejected record counts as processed; re-syncing the same
	// broken snapshot must not retry it forever.
	c.mu.Lock()
	delete(c.inFlight, record.ID)
	c.processed[record.ID] = struct{}{}
	processing := len(c.inFlight) > 0
	c.mu.Unlock()
	c.emitProcessing(processing)
}

// Processing reports whether any resolution is currently in flight.
func (c *Coordinator) Processing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inFlight) > 0
}

// ProcessedIDs returns every identifier that has completed, in no
// particular order.
func (c *Coordinator) ProcessedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.processed))
	for id := range c.processed {
		out = append(out, id)
	}
	return out
}

func (c *Coordinator) emitProcessing(processing bool) {
	if cb := c.callbacks.OnProcessingChange; cb != nil {
		cb(processing)
	}
}
