package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	mu     sync.Mutex
	saves  []string
	err    error
	block  chan struct{} // if non-nil, Save waits on it
	active int
	peak   int
}

func (s *recordingStore) save(ctx context.Context, data string) error {
	s.mu.Lock()
	s.active++
	if s.active > s.peak {
		s.peak = s.active
	}
	block := s.block
	s.mu.Unlock()

	if block != nil {
		<-block
	}

	s.mu.Lock()
	s.active--
	s.saves = append(s.saves, data)
	err := s.err
	s.mu.Unlock()
	return err
}

func (s *recordingStore) saved() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.saves...)
}

func TestWrite_CoalescesWithinWindow(t *testing.T) {
	store := &recordingStore{}
	b := New(store.save, Options{Window: 30 * time.Millisecond})

	b.Write("v1")
	b.Write("v2")
	b.Write("v3")

	require.Eventually(t, func() bool {
		return len(store.saved()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"v3"}, store.saved(), "only the last value is persisted")

	m := b.Metrics()
	assert.Equal(t, int64(3), m.TotalWritesQueued)
	assert.Equal(t, int64(1), m.TotalFlushes)
	assert.Equal(t, int64(2), m.WritesCoalesced())
}

func TestWrite_DebounceRestartsTimer(t *testing.T) {
	store := &recordingStore{}
	b := New(store.save, Options{Window: 50 * time.Millisecond})

	b.Write("v1")
	time.Sleep(30 * time.Millisecond)
	b.Write("v2") // restarts the window before it fires

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, store.saved(), "restarted window must not have fired yet")

	require.Eventually(t, func() bool {
		return len(store.saved()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"v2"}, store.saved())
}

func TestFlush_Immediate(t *testing.T) {
	store := &recordingStore{}
	b := New(store.save, Options{Window: time.Hour})

	b.Write("v1")
	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, []string{"v1"}, store.saved())

	// Nothing pending: no storage call, no flush counted.
	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, int64(1), b.Metrics().TotalFlushes)
}

func TestFlush_ConcurrentCallersCollapse(t *testing.T) {
	store := &recordingStore{block: make(chan struct{})}
	b := New(store.save, Options{Window: time.Hour})

	b.Write("v1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Flush(context.Background())
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(store.block)
	wg.Wait()

	assert.Equal(t, []string{"v1"}, store.saved(), "exactly one storage invocation")
	assert.Equal(t, 1, store.peak, "storage calls must never overlap")
	assert.Equal(t, int64(1), b.Metrics().TotalFlushes)
}

func TestFlush_StorageErrorSurvivable(t *testing.T) {
	store := &recordingStore{err: errors.New("disk full")}
	var reported []error
	b := New(store.save, Options{Window: time.Hour, OnError: func(err error) { reported = append(reported, err) }})

	b.Write("v1")
	err := b.Flush(context.Background())
	require.Error(t, err)
	assert.Len(t, reported, 1)

	m := b.Metrics()
	assert.Equal(t, int64(1), m.TotalFlushes)
	assert.Equal(t, int64(1), m.StorageErrors)

	// The batcher keeps operating afterwards.
	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()
	b.Write("v2")
	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, []string{"v1", "v2"}, store.saved())
}

func TestFlushOnError_AliasesFlush(t *testing.T) {
	store := &recordingStore{}
	b := New(store.save, Options{Window: time.Hour})

	b.Write("v1")
	require.NoError(t, b.FlushOnError(context.Background(), errors.New("context only")))
	assert.Equal(t, []string{"v1"}, store.saved())
}

func TestDestroy(t *testing.T) {
	store := &recordingStore{}
	b := New(store.save, Options{Window: time.Hour})

	b.Write("v1")
	require.NoError(t, b.Destroy(context.Background()))
	assert.Equal(t, []string{"v1"}, store.saved(), "destroy flushes the pending value")

	// Writes after destroy do not schedule anything.
	b.Write("v2")
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, []string{"v1"}, store.saved())

	// Destroy is idempotent.
	require.NoError(t, b.Destroy(context.Background()))
}

func TestMetrics_CoalescingRatio(t *testing.T) {
	var m Metrics
	assert.Equal(t, 0.0, m.CoalescingRatio(), "ratio is 0 before any write")

	m = Metrics{TotalWritesQueued: 4, TotalFlushes: 1}
	assert.InDelta(t, 0.75, m.CoalescingRatio(), 1e-9)
	assert.Equal(t, int64(3), m.WritesCoalesced())
}

func TestResetMetrics_KeepsPendingData(t *testing.T) {
	store := &recordingStore{}
	b := New(store.save, Options{Window: time.Hour})

	b.Write("v1")
	b.ResetMetrics()
	assert.Equal(t, Metrics{}, b.Metrics())

	require.NoError(t, b.Flush(context.Background()))
	assert.Equal(t, []string{"v1"}, store.saved(), "reset must not drop pending data")
	assert.Equal(t, int64(1), b.Metrics().TotalFlushes)
}

func TestDefaultWindow(t *testing.T) {
	store := &recordingStore{}
	b := New(store.save, Options{})
	assert.Equal(t, defaultWindow, b.window)
}
