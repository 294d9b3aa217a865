package registry_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sidequest/pkg/models"
	"sidequest/pkg/registry"
	"sidequest/pkg/worker"
)

type stubWorker struct {
	id string
}

func (s *stubWorker) PipelineID() string                   { return s.id }
func (s *stubWorker) Initialize(ctx context.Context) error { return nil }
func (s *stubWorker) RetrySafety() worker.RetrySafety      { return worker.RetrySafety{Idempotent: true} }
func (s *stubWorker) RunJobHandler(ctx context.Context, job *models.Job) (models.RawJSON, error) {
	return nil, nil
}
func (s *stubWorker) GenerateCommitMessage(job *models.Job) worker.CommitMessage {
	return worker.CommitMessage{}
}
func (s *stubWorker) GeneratePRContext(job *models.Job, commit worker.CommitMessage) worker.PRContext {
	return worker.PRContext{}
}
func (s *stubWorker) RepoPath(job *models.Job) string { return "" }

func TestRegistry_LazyInstantiationIsMemoized(t *testing.T) {
	r := registry.New()

	var factoryCalls int32
	r.Register("repomix", func() (worker.Worker, error) {
		atomic.AddInt32(&factoryCalls, 1)
		return &stubWorker{id: "repomix"}, nil
	})

	first, err := r.GetWorker("repomix")
	require.NoError(t, err)
	second, err := r.GetWorker("repomix")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&factoryCalls))
}

func TestRegistry_ConcurrentFirstUseCollapsesToOneFactoryCall(t *testing.T) {
	r := registry.New()

	var factoryCalls int32
	r.Register("duplicate-detection", func() (worker.Worker, error) {
		atomic.AddInt32(&factoryCalls, 1)
		return &stubWorker{id: "duplicate-detection"}, nil
	})

	var wg sync.WaitGroup
	workers := make([]worker.Worker, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := r.GetWorker("duplicate-detection")
			assert.NoError(t, err)
			workers[i] = w
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&factoryCalls))
	for _, w := range workers {
		assert.Same(t, workers[0], w)
	}
}

func TestRegistry_UnsupportedPipeline(t *testing.T) {
	r := registry.New()
	_, err := r.GetWorker("nope")
	assert.Error(t, err)
	assert.False(t, r.IsSupported("nope"))
}

func TestRegistry_FactoryErrorIsNotMemoized(t *testing.T) {
	r := registry.New()

	var attempts int32
	r.Register("flaky", func() (worker.Worker, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, errors.New("config not ready")
		}
		return &stubWorker{id: "flaky"}, nil
	})

	_, err := r.GetWorker("flaky")
	require.Error(t, err)

	w, err := r.GetWorker("flaky")
	require.NoError(t, err)
	assert.Equal(t, "flaky", w.PipelineID())
}

func TestRegistry_SupportedPipelinesSorted(t *testing.T) {
	r := registry.New()
	for _, id := range []string{"schema-enhancement", "repomix", "duplicate-detection"} {
		id := id
		r.Register(id, func() (worker.Worker, error) { return &stubWorker{id: id}, nil })
	}
	assert.Equal(t, []string{"duplicate-detection", "repomix", "schema-enhancement"}, r.GetSupportedPipelines())
}

func TestRegistry_DisposeClearsInstances(t *testing.T) {
	r := registry.New()

	var factoryCalls int32
	r.Register("repomix", func() (worker.Worker, error) {
		atomic.AddInt32(&factoryCalls, 1)
		return &stubWorker{id: "repomix"}, nil
	})

	_, err := r.GetWorker("repomix")
	require.NoError(t, err)
	r.Dispose()
	_, err = r.GetWorker("repomix")
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&factoryCalls))
}
