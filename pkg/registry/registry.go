// Package registry maps pipeline IDs to lazily-instantiated workers.
// cmd/orchestrctl registers every pipeline here, and the API's trigger
// handler asks it whether a pipeline ID is known; the API routes job calls
// through its per-pipeline Scheduler map, not through this registry.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"sidequest/pkg/worker"
)

// Record pairs a pipeline's factory with its lazily populated instance.
type Record struct {
	PipelineID string
	Factory    func() (worker.Worker, error)

	mu       sync.RWMutex
	instance worker.Worker
}

// Registry is the process-wide registry. Lifecycle is init on process
// start, dispose on shutdown; GetWorker uses a single-flight primitive so
// racing first uses collapse into one factory call.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	group   singleflight.Group
}

func New() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Register adds a pipeline factory. Must be called during process start,
// before any GetWorker call for that pipeline.
func (r *Registry) Register(pipelineID string, factory func() (worker.Worker, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[pipelineID] = &Record{PipelineID: pipelineID, Factory: factory}
}

// IsSupported reports whether pipelineID has a registered factory.
func (r *Registry) IsSupported(pipelineID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[pipelineID]
	return ok
}

// GetSupportedPipelines lists every registered pipeline ID, sorted.
func (r *Registry) GetSupportedPipelines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetWorker lazily instantiates (once) and memoizes the worker for
// pipelineID. Concurrent callers racing on first use collapse into a single
// factory invocation via singleflight.
func (r *Registry) GetWorker(pipelineID string) (worker.Worker, error) {
	r.mu.RLock()
	rec, ok := r.records[pipelineID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: unsupported pipeline %q", pipelineID)
	}

	rec.mu.RLock()
	if rec.instance != nil {
		defer rec.mu.RUnlock()
		return rec.instance, nil
	}
	rec.mu.RUnlock()

	v, err, _ := r.group.Do(pipelineID, func() (interface{}, error) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		if rec.instance != nil {
			return rec.instance, nil
		}
		w, err := rec.Factory()
		if err != nil {
			return nil, err
		}
		rec.instance = w
		return w, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(worker.Worker), nil
}

// Dispose clears every memoized instance, for shutdown.
func (r *Registry) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		rec.mu.Lock()
		rec.instance = nil
		rec.mu.Unlock()
	}
}
