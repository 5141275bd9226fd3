package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/llmgateway/registry"
	"github.com/AltairaLabs/llmgateway/store"
)

// fakeStore is an in-memory Store with a single lease slot.
type fakeStore struct {
	mu        sync.Mutex
	lockHeld  bool
	lockErr   error
	pending   []store.LogRecord
	finalized []store.LogRecord

	finalizeErrFor map[string]error
}

func (f *fakeStore) AcquireLock(_ context.Context, _ string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockErr != nil {
		return false, f.lockErr
	}
	if f.lockHeld {
		return false, nil
	}
	f.lockHeld = true
	return true, nil
}

func (f *fakeStore) ReleaseLock(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockHeld = false
	return nil
}

func (f *fakeStore) PendingLogs(_ context.Context, limit int) ([]store.LogRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.pending)
	if n > limit {
		n = limit
	}
	out := make([]store.LogRecord, n)
	copy(out, f.pending[:n])
	return out, nil
}

func (f *fakeStore) FinalizeLog(_ context.Context, rec *store.LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.finalizeErrFor[rec.ID]; err != nil {
		return err
	}
	f.finalized = append(f.finalized, *rec)
	for i := range f.pending {
		if f.pending[i].ID == rec.ID {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	return nil
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Load([]byte(`
providers:
  - id: openai
    name: OpenAI
    kind: openai
    base_url: https://api.openai.com/v1
    auth: bearer
models:
  - id: gpt-x
    name: GPT X
    mappings:
      - provider: openai
        upstream_model: gpt-x
        input_price: 0.000002
        output_price: 0.000008
`))
	require.NoError(t, err)
	return r
}

func TestTick_FinalizesPendingRecords(t *testing.T) {
	fs := &fakeStore{pending: []store.LogRecord{{
		ID:               "log-1",
		UsedProvider:     "openai",
		UsedModel:        "gpt-x",
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
	}}}

	w := New(fs, testRegistry(t), Options{})
	require.NoError(t, w.Tick(context.Background()))

	require.Len(t, fs.finalized, 1)
	rec := fs.finalized[0]
	assert.InDelta(t, 100*0.000002, rec.InputCost, 1e-12)
	assert.InDelta(t, 50*0.000008, rec.OutputCost, 1e-12)
	assert.InDelta(t, rec.InputCost+rec.OutputCost, rec.Cost, 1e-12)
	assert.False(t, fs.lockHeld, "lease must be released after the tick")
}

func TestTick_EstimatesMissingCompletionTokens(t *testing.T) {
	fs := &fakeStore{pending: []store.LogRecord{{
		ID:           "log-2",
		UsedProvider: "openai",
		UsedModel:    "gpt-x",
		PromptTokens: 10,
		Content:      "The quick brown fox jumps over the lazy dog.",
	}}}

	w := New(fs, testRegistry(t), Options{})
	require.NoError(t, w.Tick(context.Background()))

	require.Len(t, fs.finalized, 1)
	rec := fs.finalized[0]
	assert.Greater(t, rec.CompletionTokens, 0)
	assert.Equal(t, rec.PromptTokens+rec.CompletionTokens, rec.TotalTokens)
}

func TestTick_SkipsWhenLeaseHeld(t *testing.T) {
	fs := &fakeStore{lockHeld: true, pending: []store.LogRecord{{ID: "log-3"}}}

	w := New(fs, testRegistry(t), Options{})
	require.NoError(t, w.Tick(context.Background()))
	assert.Empty(t, fs.finalized)
}

func TestTick_FailedRecordStaysPending(t *testing.T) {
	fs := &fakeStore{
		pending: []store.LogRecord{
			{ID: "log-4", UsedProvider: "openai", UsedModel: "gpt-x", PromptTokens: 1, CompletionTokens: 1},
			{ID: "log-5", UsedProvider: "openai", UsedModel: "gpt-x", PromptTokens: 1, CompletionTokens: 1},
		},
		finalizeErrFor: map[string]error{"log-4": errors.New("write conflict")},
	}

	w := New(fs, testRegistry(t), Options{})
	require.NoError(t, w.Tick(context.Background()))

	// log-5 finalized, log-4 still pending for the next tick.
	require.Len(t, fs.finalized, 1)
	assert.Equal(t, "log-5", fs.finalized[0].ID)
	require.Len(t, fs.pending, 1)
	assert.Equal(t, "log-4", fs.pending[0].ID)
}

func TestTick_UnknownModelStillFinalizes(t *testing.T) {
	fs := &fakeStore{pending: []store.LogRecord{{
		ID:           "log-6",
		UsedProvider: "openai",
		UsedModel:    "long-gone",
		PromptTokens: 5,
		Content:      "hello",
	}}}

	w := New(fs, testRegistry(t), Options{})
	require.NoError(t, w.Tick(context.Background()))

	require.Len(t, fs.finalized, 1)
	assert.Zero(t, fs.finalized[0].Cost)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	fs := &fakeStore{}
	w := New(fs, testRegistry(t), Options{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
