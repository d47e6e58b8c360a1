package player

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"
)

// scriptedRand replays queued draws. Once the queue is empty it returns n-1,
// which never satisfies the engine's "== 0" checks for n > 1.
type scriptedRand struct {
	mu    sync.Mutex
	vals  []int
	calls []int // the n of every IntN call
}

func newScriptedRand(vals ...int) *scriptedRand {
	return &scriptedRand{vals: vals}
}

func (r *scriptedRand) IntN(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, n)
	if len(r.vals) == 0 {
		return n - 1
	}
	v := r.vals[0]
	r.vals = r.vals[1:]
	return v % n
}

func (r *scriptedRand) Calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.calls))
	copy(out, r.calls)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory KeyValueStore.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStore) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

type joinRecord struct {
	chatID  string
	token   string
	workers int
}

type memRecorder struct {
	mu      sync.Mutex
	records []joinRecord
}

func (m *memRecorder) RecordJoin(ctx context.Context, chatID, token string, workers int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, joinRecord{chatID, token, workers})
	return nil
}

// newStartedPool builds n mock workers named w1..wn with ids bot1..botn and
// starts them against reg.
func newStartedPool(t *testing.T, reg *Registry, n int) (*Pool, []*MockTransport) {
	t.Helper()
	var workers []*Worker
	var mocks []*MockTransport
	for i := 1; i <= n; i++ {
		m := NewMockTransport("bot"+strconv.Itoa(i), "w"+strconv.Itoa(i))
		mocks = append(mocks, m)
		workers = append(workers, NewWorker("w"+strconv.Itoa(i), m))
	}
	pool, err := NewPool(workers, discardLogger())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := pool.Start(context.Background(), reg); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	return pool, mocks
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
