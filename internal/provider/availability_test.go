package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/maestro-crm/maestro/internal/model"
)

// countingProvider counts availability probes.
type countingProvider struct {
	probes atomic.Int32
	up     bool
}

func (*countingProvider) Name() string { return "Ollama" }

func (p *countingProvider) IsAvailable(context.Context) bool {
	p.probes.Add(1)
	return p.up
}

func (*countingProvider) ListModels(context.Context) ([]model.ModelInfo, error) {
	return nil, nil
}

func (*countingProvider) Complete(context.Context, CompletionRequest) (Completion, error) {
	return Completion{}, nil
}

func TestCachedAvailabilityProbesOnce(t *testing.T) {
	inner := &countingProvider{up: true}
	p := WithCachedAvailability(inner)

	for range 10 {
		if !p.IsAvailable(context.Background()) {
			t.Fatal("expected available")
		}
	}
	if got := inner.probes.Load(); got != 1 {
		t.Errorf("expected 1 probe within the TTL window, got %d", got)
	}
}

func TestCachedAvailabilityDeduplicatesConcurrentProbes(t *testing.T) {
	inner := &countingProvider{up: false}
	p := WithCachedAvailability(inner)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.IsAvailable(context.Background()) {
				t.Error("expected unavailable")
			}
		}()
	}
	wg.Wait()

	if got := inner.probes.Load(); got != 1 {
		t.Errorf("expected a single deduplicated probe, got %d", got)
	}
}

func TestCachedAvailabilityPassesThrough(t *testing.T) {
	p := WithCachedAvailability(&countingProvider{up: true})
	if p.Name() != "Ollama" {
		t.Errorf("unexpected name %s", p.Name())
	}
}
