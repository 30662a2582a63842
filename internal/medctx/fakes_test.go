package medctx

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakeLM is a LanguageModel whose embeddings count a few marker words so
// similarity is predictable.
type fakeLM struct {
	embedCalls    atomic.Int32
	completeCalls atomic.Int32

	embedErr    error
	completeErr error
	completion  string
}

func (f *fakeLM) Embed(_ context.Context, text string) ([]float32, error) {
	f.embedCalls.Add(1)
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	lower := strings.ToLower(text)
	return []float32{
		float32(strings.Count(lower, "heart")),
		float32(strings.Count(lower, "kidney")),
		1,
	}, nil
}

func (f *fakeLM) Complete(_ context.Context, _, _ string) (string, error) {
	f.completeCalls.Add(1)
	if f.completeErr != nil {
		return "", f.completeErr
	}
	return f.completion, nil
}

var testEpoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: testEpoch}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newKeywordStore builds a store whose classifier has no model backend, so
// every message is classified by keywords.
func newKeywordStore(t *testing.T, opts StoreOptions) (*Store, *MemoryStorage) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	tables := DefaultTables()
	kb := NewKnowledgeBase(tables, nil, logger)
	cls := NewClassifier(kb, nil, tables, ClassifierOptions{Logger: logger})
	storage := NewMemoryStorage()
	opts.Logger = logger
	return NewStore(storage, cls, kb, tables, opts), storage
}

// failingStorage fails every operation with err.
type failingStorage struct{ err error }

func (f failingStorage) Load(context.Context, string) (*Context, error) { return nil, f.err }
func (f failingStorage) Save(context.Context, *Context) error           { return f.err }
func (f failingStorage) Delete(context.Context, string) error           { return f.err }
func (f failingStorage) DeleteIdle(context.Context, time.Time) (int, error) {
	return 0, f.err
}
