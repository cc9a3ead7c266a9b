package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/kolam/internal/observability"
	"github.com/harun/kolam/pkg/runtime"
)

var (
	// ErrUnavailable means no handle could be produced: creation failed,
	// or the pool is capped and saturated.
	ErrUnavailable = errors.New("session capability unavailable")

	// ErrClosed means the pool has shut down.
	ErrClosed = errors.New("session pool is closed")
)

// Config holds pool manager configuration.
type Config struct {
	Provider runtime.Provider

	// TargetSize is the free-entry floor the maintenance sweep restores.
	TargetSize int

	// MaxSize caps total entries; 0 means on-demand growth is unbounded.
	MaxSize int

	// IdleThreshold is how long a free entry may sit unused before the
	// sweep evicts it.
	IdleThreshold time.Duration

	// PrewarmStagger spaces out background creations so a top-up does
	// not burst against the capability.
	PrewarmStagger time.Duration

	Logger zerolog.Logger
}

// Manager owns the key-to-entry mapping. Every mutation of the mapping
// goes through exactly one mutex; nothing outside this package sees the
// map itself.
type Manager struct {
	provider runtime.Provider
	logger   zerolog.Logger

	mu             sync.Mutex
	entries        map[string]*Entry
	pending        int
	closed         bool
	target         int
	maxSize        int
	idleThreshold  time.Duration
	prewarmStagger time.Duration

	wg sync.WaitGroup
}

// NewManager creates a session pool around the given provider.
func NewManager(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.TargetSize < 0 {
		return nil, fmt.Errorf("target size must not be negative, got %d", cfg.TargetSize)
	}
	if cfg.MaxSize > 0 && cfg.MaxSize < cfg.TargetSize {
		return nil, fmt.Errorf("max size %d is below target size %d", cfg.MaxSize, cfg.TargetSize)
	}

	return &Manager{
		provider:       cfg.Provider,
		logger:         cfg.Logger,
		entries:        make(map[string]*Entry),
		target:         cfg.TargetSize,
		maxSize:        cfg.MaxSize,
		idleThreshold:  cfg.IdleThreshold,
		prewarmStagger: cfg.PrewarmStagger,
	}, nil
}

// Acquire claims a session handle for exclusive use. A free entry under
// preferredKey wins for conversation locality; otherwise any free entry is
// claimed; otherwise a handle is created on demand. The free-entry pick is
// deliberately unordered.
func (m *Manager) Acquire(ctx context.Context, preferredKey string) (*Entry, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}

	if preferredKey != "" {
		if entry, ok := m.entries[preferredKey]; ok && !entry.inUse {
			m.claimLocked(entry)
			m.mu.Unlock()
			observability.RecordPoolAcquire("hit")
			return entry, nil
		}
	}

	for _, entry := range m.entries {
		if !entry.inUse {
			m.claimLocked(entry)
			m.mu.Unlock()
			if preferredKey != "" {
				observability.RecordPoolAcquire("fallback")
			} else {
				observability.RecordPoolAcquire("free")
			}
			return entry, nil
		}
	}

	if m.maxSize > 0 && len(m.entries)+m.pending >= m.maxSize {
		m.mu.Unlock()
		observability.RecordPoolAcquire("unavailable")
		return nil, fmt.Errorf("%w: pool at max size %d with no free entry", ErrUnavailable, m.maxSize)
	}
	m.pending++
	m.mu.Unlock()

	// Slow path: open a handle without holding the lock, then insert it
	// already claimed.
	entry, err := m.create(ctx, true)

	m.mu.Lock()
	m.pending--
	m.publishLocked()
	m.mu.Unlock()

	if err != nil {
		observability.RecordPoolAcquire("unavailable")
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	observability.RecordPoolAcquire("created")
	return entry, nil
}

// Release returns an entry to the pool. Releasing an already free entry is
// a no-op.
func (m *Manager) Release(entry *Entry) {
	if entry == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !entry.inUse {
		return
	}
	entry.inUse = false
	entry.lastUsedAt = time.Now()
	entry.turns++
	m.publishLocked()

	m.logger.Debug().Str("sessionKey", entry.key).Msg("Session released")
}

// Rekey moves an entry to the authoritative key issued by the runtime and
// returns the entry's resulting key. Same-key rekeys are no-ops; a key
// already mapped to a different entry is refused.
func (m *Manager) Rekey(entry *Entry, newKey string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if newKey == "" || newKey == entry.key {
		return entry.key
	}
	if other, ok := m.entries[newKey]; ok && other != entry {
		m.logger.Warn().
			Str("key", newKey).
			Msg("Rekey target already mapped to another session, keeping current key")
		return entry.key
	}

	old := entry.key
	delete(m.entries, old)
	entry.key = newKey
	m.entries[newKey] = entry

	m.logger.Debug().Str("from", old).Str("to", newKey).Msg("Session rekeyed")
	return entry.key
}

// EvictIdle removes every free entry idle longer than threshold and closes
// its handle. Close failures are logged; the scan always finishes. Returns
// the number of entries evicted.
func (m *Manager) EvictIdle(threshold time.Duration) int {
	now := time.Now()

	m.mu.Lock()
	var victims []*Entry
	for key, entry := range m.entries {
		if entry.inUse {
			continue
		}
		if now.Sub(entry.lastUsedAt) > threshold {
			delete(m.entries, key)
			victims = append(victims, entry)
		}
	}
	m.publishLocked()
	m.mu.Unlock()

	// Handles close outside the lock; a slow close must not stall
	// acquire/release traffic.
	for _, entry := range victims {
		if err := entry.handle.Close(); err != nil {
			m.logger.Warn().Err(err).Str("sessionKey", entry.key).Msg("Failed to close evicted session")
		}
	}

	if len(victims) > 0 {
		observability.RecordSessionsEvicted(len(victims))
		m.logger.Info().
			Int("evicted", len(victims)).
			Dur("threshold", threshold).
			Msg("Evicted idle sessions")
	}
	return len(victims)
}

// TopUp asynchronously restores the free-entry count to target. Creations
// are staggered and their failures only logged; a single call never raises
// the free count above target.
func (m *Manager) TopUp(ctx context.Context, target int) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	free := 0
	for _, entry := range m.entries {
		if !entry.inUse {
			free++
		}
	}
	deficit := target - free - m.pending
	if m.maxSize > 0 {
		if room := m.maxSize - len(m.entries) - m.pending; deficit > room {
			deficit = room
		}
	}
	if deficit <= 0 {
		m.mu.Unlock()
		return
	}
	m.pending += deficit
	stagger := m.prewarmStagger
	m.publishLocked()
	m.mu.Unlock()

	m.logger.Info().Int("deficit", deficit).Int("target", target).Msg("Pre-warming session handles")

	for i := 0; i < deficit; i++ {
		delay := time.Duration(i) * stagger
		m.wg.Add(1)
		go func(delay time.Duration) {
			defer m.wg.Done()
			defer func() {
				m.mu.Lock()
				m.pending--
				m.publishLocked()
				m.mu.Unlock()
			}()

			if delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}
			if _, err := m.create(ctx, false); err != nil && !errors.Is(err, ErrClosed) {
				m.logger.Warn().Err(err).Msg("Pre-warm create failed")
			}
		}(delay)
	}
}

// Stats returns a snapshot of the pool.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	stats := Stats{
		Size:    len(m.entries),
		Pending: m.pending,
		Target:  m.target,
		Entries: make([]EntryStat, 0, len(m.entries)),
	}
	for _, entry := range m.entries {
		if entry.inUse {
			stats.InUse++
		} else {
			stats.Free++
		}
		stats.Entries = append(stats.Entries, EntryStat{
			Key:     entry.key,
			InUse:   entry.inUse,
			IdleFor: now.Sub(entry.lastUsedAt),
			Age:     now.Sub(entry.createdAt),
			Turns:   entry.turns,
		})
	}
	return stats
}

// Target returns the current steady-state size.
func (m *Manager) Target() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

// SetTarget adjusts the steady-state size at runtime.
func (m *Manager) SetTarget(n int) {
	if n < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.target = n
}

// IdleThreshold returns the current idle-eviction threshold.
func (m *Manager) IdleThreshold() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idleThreshold
}

// SetIdleThreshold adjusts the idle-eviction threshold at runtime.
func (m *Manager) SetIdleThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idleThreshold = d
}

// Close shuts the pool down: no further acquires succeed, every handle is
// closed, and in-flight pre-warm creations are waited out.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make([]*Entry, 0, len(m.entries))
	for _, entry := range m.entries {
		entries = append(entries, entry)
	}
	m.entries = make(map[string]*Entry)
	m.publishLocked()
	m.mu.Unlock()

	for _, entry := range entries {
		if err := entry.handle.Close(); err != nil {
			m.logger.Warn().Err(err).Str("sessionKey", entry.key).Msg("Failed to close session handle")
		}
	}
	m.wg.Wait()

	m.logger.Info().Int("closed", len(entries)).Msg("Session pool closed")
}

// claimLocked marks an entry in-use. Callers hold m.mu.
func (m *Manager) claimLocked(entry *Entry) {
	entry.inUse = true
	entry.lastUsedAt = time.Now()
	m.publishLocked()
}

// create opens a new handle and inserts it into the mapping. The open
// happens without the lock held; only the insert is under lock.
func (m *Manager) create(ctx context.Context, claimed bool) (*Entry, error) {
	start := time.Now()
	handle, err := m.provider.Open(ctx)
	if err != nil {
		observability.RecordSessionCreate(m.provider.Name(), time.Since(start), false)
		return nil, fmt.Errorf("failed to open session handle: %w", err)
	}

	key := handle.ID()
	if key == "" {
		key = placeholderKey()
	}

	now := time.Now()
	entry := &Entry{
		pool:       m,
		handle:     handle,
		key:        key,
		createdAt:  now,
		lastUsedAt: now,
		inUse:      claimed,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		handle.Close()
		return nil, ErrClosed
	}
	if _, exists := m.entries[key]; exists {
		key = placeholderKey()
		entry.key = key
	}
	m.entries[key] = entry
	size := len(m.entries)
	m.publishLocked()
	m.mu.Unlock()

	observability.RecordSessionCreate(m.provider.Name(), time.Since(start), true)
	m.logger.Debug().Str("sessionKey", key).Int("poolSize", size).Msg("Session handle created")
	return entry, nil
}

// publishLocked pushes pool gauges. Callers hold m.mu.
func (m *Manager) publishLocked() {
	free, inUse := 0, 0
	for _, entry := range m.entries {
		if entry.inUse {
			inUse++
		} else {
			free++
		}
	}
	observability.SetPoolGauges(len(m.entries), free, inUse, m.pending)
}

func placeholderKey() string {
	id, _ := gonanoid.New()
	return "pending-" + id
}
