package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/kolam/pkg/runtime"
)

type fakeHandle struct {
	mu       sync.Mutex
	id       string
	closed   bool
	closeErr error
}

func (h *fakeHandle) ID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.id
}

func (h *fakeHandle) Send(ctx context.Context, prompt string) (<-chan runtime.Event, error) {
	events := make(chan runtime.Event)
	close(events)
	return events, nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return h.closeErr
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

type fakeProvider struct {
	mu       sync.Mutex
	opened   int
	failing  bool
	delay    time.Duration
	closeErr error
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Open(ctx context.Context) (runtime.Handle, error) {
	if p.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.delay):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return nil, errors.New("capability offline")
	}
	p.opened++
	return &fakeHandle{closeErr: p.closeErr}, nil
}

func (p *fakeProvider) openedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Provider == nil {
		cfg.Provider = &fakeProvider{}
	}
	cfg.Logger = zerolog.Nop()
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func (m *Manager) ageEntry(entry *Entry, idle time.Duration) {
	m.mu.Lock()
	entry.lastUsedAt = time.Now().Add(-idle)
	m.mu.Unlock()
}

func TestAcquireCreatesOnDemand(t *testing.T) {
	provider := &fakeProvider{}
	m := newTestManager(t, Config{Provider: provider})

	entry, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, entry)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, 1, stats.InUse)
	assert.Equal(t, 0, stats.Free)
	assert.Equal(t, 1, provider.openedCount())
}

func TestAcquireReusesPreferredKey(t *testing.T) {
	m := newTestManager(t, Config{})

	entry, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	key := m.Rekey(entry, "sess-abc")
	require.Equal(t, "sess-abc", key)
	m.Release(entry)

	again, err := m.Acquire(context.Background(), "sess-abc")
	require.NoError(t, err)
	assert.Same(t, entry, again)
	assert.Equal(t, 1, m.Stats().Size)
}

func TestAcquirePreferredKeyBusyFallsBack(t *testing.T) {
	m := newTestManager(t, Config{})

	busy, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	m.Rekey(busy, "abc")

	spare, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	m.Release(spare)

	// "abc" is held, so the free spare must win.
	got, err := m.Acquire(context.Background(), "abc")
	require.NoError(t, err)
	assert.Same(t, spare, got)
	assert.NotEqual(t, "abc", got.Key())
}

func TestAcquireUnavailableWhenCreationFails(t *testing.T) {
	provider := &fakeProvider{failing: true}
	m := newTestManager(t, Config{Provider: provider})

	_, err := m.Acquire(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, m.Stats().Size)
}

func TestAcquireUnavailableWhenCapSaturated(t *testing.T) {
	m := newTestManager(t, Config{MaxSize: 1, TargetSize: 1})

	entry, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)

	_, err = m.Acquire(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnavailable)

	m.Release(entry)
	again, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Same(t, entry, again)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(t, Config{})

	entry, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)

	m.Release(entry)
	once := m.Stats()

	m.Release(entry)
	twice := m.Stats()

	assert.Equal(t, once.Free, twice.Free)
	assert.Equal(t, once.InUse, twice.InUse)
	assert.Equal(t, once.Size, twice.Size)
	require.Len(t, twice.Entries, 1)
	assert.Equal(t, 1, twice.Entries[0].Turns)
}

func TestRekeyMovesAtomically(t *testing.T) {
	m := newTestManager(t, Config{})

	entry, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	placeholder := entry.Key()

	key := m.Rekey(entry, "sess-1")
	assert.Equal(t, "sess-1", key)
	assert.Equal(t, "sess-1", entry.Key())

	// The placeholder key must be gone.
	m.Release(entry)
	got, err := m.Acquire(context.Background(), placeholder)
	require.NoError(t, err)
	assert.Same(t, entry, got, "old key should fall back to the only free entry")
	assert.Equal(t, 1, m.Stats().Size)

	// Re-keying to the current key is a no-op.
	assert.Equal(t, "sess-1", m.Rekey(entry, "sess-1"))
}

func TestRekeyRefusesTakenKey(t *testing.T) {
	m := newTestManager(t, Config{})

	first, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	m.Rekey(first, "sess-1")

	second, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	before := second.Key()

	got := m.Rekey(second, "sess-1")
	assert.Equal(t, before, got)
	assert.Equal(t, "sess-1", first.Key())
	assert.Equal(t, 2, m.Stats().Size)
}

func TestEvictIdleRemovesOnlyStaleFreeEntries(t *testing.T) {
	m := newTestManager(t, Config{})

	// Hold all three at once so the pool cannot hand the same entry out
	// twice; release only after every acquire is done.
	held, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)

	stale, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)

	fresh, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)

	m.Release(stale)
	m.Release(fresh)

	m.ageEntry(held, time.Hour)
	m.ageEntry(stale, time.Hour)

	evicted := m.EvictIdle(30 * time.Minute)
	assert.Equal(t, 1, evicted)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, 1, stats.InUse)
	assert.True(t, stale.handle.(*fakeHandle).isClosed())
	assert.False(t, held.handle.(*fakeHandle).isClosed(), "in-use entry must never be evicted")

	for _, stat := range stats.Entries {
		if !stat.InUse {
			assert.LessOrEqual(t, stat.IdleFor, 30*time.Minute)
		}
	}
}

func TestEvictIdleSurvivesCloseFailure(t *testing.T) {
	provider := &fakeProvider{closeErr: errors.New("close failed")}
	m := newTestManager(t, Config{Provider: provider})

	entries := make([]*Entry, 0, 2)
	for i := 0; i < 2; i++ {
		entry, err := m.Acquire(context.Background(), "")
		require.NoError(t, err)
		entries = append(entries, entry)
	}
	for _, entry := range entries {
		m.Release(entry)
		m.ageEntry(entry, time.Hour)
	}

	assert.Equal(t, 2, m.EvictIdle(time.Minute))
	assert.Equal(t, 0, m.Stats().Size)
}

func TestTopUpRestoresTarget(t *testing.T) {
	provider := &fakeProvider{}
	m := newTestManager(t, Config{Provider: provider, TargetSize: 3})

	m.TopUp(context.Background(), 3)
	require.Eventually(t, func() bool {
		return m.Stats().Free == 3
	}, 2*time.Second, 10*time.Millisecond)

	// A second top-up must not overshoot.
	m.TopUp(context.Background(), 3)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, m.Stats().Free)
	assert.Equal(t, 3, provider.openedCount())
}

func TestTopUpCountsInFlightCreations(t *testing.T) {
	provider := &fakeProvider{delay: 30 * time.Millisecond}
	m := newTestManager(t, Config{Provider: provider, TargetSize: 2})

	m.TopUp(context.Background(), 2)
	m.TopUp(context.Background(), 2)

	require.Eventually(t, func() bool {
		return m.Stats().Free == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, provider.openedCount())
}

func TestTopUpRespectsMaxSize(t *testing.T) {
	m := newTestManager(t, Config{TargetSize: 2, MaxSize: 2})

	m.TopUp(context.Background(), 5)
	require.Eventually(t, func() bool {
		return m.Stats().Free == 2
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, m.Stats().Size)
}

func TestTopUpFailuresLeavePoolBelowTarget(t *testing.T) {
	provider := &fakeProvider{failing: true}
	m := newTestManager(t, Config{Provider: provider, TargetSize: 2})

	m.TopUp(context.Background(), 2)
	require.Eventually(t, func() bool {
		return m.Stats().Pending == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, m.Stats().Size)
}

func TestConcurrentAcquiresGrowPool(t *testing.T) {
	provider := &fakeProvider{}
	m := newTestManager(t, Config{Provider: provider, TargetSize: 2})

	m.TopUp(context.Background(), 2)
	require.Eventually(t, func() bool {
		return m.Stats().Free == 2
	}, 2*time.Second, 10*time.Millisecond)

	var wg sync.WaitGroup
	entries := make([]*Entry, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entries[i], errs[i] = m.Acquire(context.Background(), "")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.NotSame(t, entries[0], entries[1])
	assert.NotSame(t, entries[0], entries[2])
	assert.NotSame(t, entries[1], entries[2])
	assert.Equal(t, 3, m.Stats().Size)
}

func TestCloseShutsPoolDown(t *testing.T) {
	m := newTestManager(t, Config{})

	entry, err := m.Acquire(context.Background(), "")
	require.NoError(t, err)
	m.Release(entry)

	m.Close()
	assert.True(t, entry.handle.(*fakeHandle).isClosed())

	_, err = m.Acquire(context.Background(), "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTunablesAdjustAtRuntime(t *testing.T) {
	m := newTestManager(t, Config{TargetSize: 3, IdleThreshold: 25 * time.Minute})

	m.SetTarget(5)
	m.SetIdleThreshold(10 * time.Minute)
	assert.Equal(t, 5, m.Target())
	assert.Equal(t, 10*time.Minute, m.IdleThreshold())

	// Nonsense values are ignored.
	m.SetTarget(-1)
	m.SetIdleThreshold(0)
	assert.Equal(t, 5, m.Target())
	assert.Equal(t, 10*time.Minute, m.IdleThreshold())
}
