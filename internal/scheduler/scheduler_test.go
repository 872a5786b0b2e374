package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCleaner struct {
	calls  atomic.Int32
	result int
	err    error
	failN  int32
	called chan struct{}
}

func newMockCleaner() *mockCleaner {
	return &mockCleaner{called: make(chan struct{}, 100)}
}

func (m *mockCleaner) CleanupStaleUploads(ctx context.Context) (int, error) {
	n := m.calls.Add(1)
	m.called <- struct{}{}
	if n <= m.failN {
		return 0, assert.AnError
	}
	return m.result, m.err
}

func waitForCalls(t *testing.T, m *mockCleaner, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-m.called:
		case <-time.After(2 * time.Second):
			t.Fatalf("cleanup ran %d times, want at least %d", m.calls.Load(), n)
		}
	}
}

func TestScheduler_ExecutesImmediatelyOnStart(t *testing.T) {
	cleaner := newMockCleaner()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(cleaner, time.Hour)
	s.Start(ctx)

	waitForCalls(t, cleaner, 1)
	assert.Equal(t, int32(1), cleaner.calls.Load())
}

func TestScheduler_ExecutesAtInterval(t *testing.T) {
	cleaner := newMockCleaner()
	cleaner.result = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(cleaner, 20*time.Millisecond)
	s.Start(ctx)

	waitForCalls(t, cleaner, 4)
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	cleaner := newMockCleaner()
	ctx, cancel := context.WithCancel(context.Background())

	s := New(cleaner, 10*time.Millisecond)
	s.Start(ctx)
	waitForCalls(t, cleaner, 2)

	cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}

	stopped := cleaner.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, cleaner.calls.Load(), "no runs after stop")
}

func TestScheduler_ContinuesAfterError(t *testing.T) {
	cleaner := newMockCleaner()
	cleaner.failN = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(cleaner, 10*time.Millisecond)
	s.Start(ctx)

	waitForCalls(t, cleaner, 4)
	require.GreaterOrEqual(t, cleaner.calls.Load(), int32(4))
}
