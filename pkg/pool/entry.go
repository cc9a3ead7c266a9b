package pool

import (
	"time"

	"github.com/harun/kolam/pkg/runtime"
)

// Entry is one live, poolable session. The pool owns it while free; the
// acquiring request owns it exclusively until released.
type Entry struct {
	pool   *Manager
	handle runtime.Handle

	// Guarded by pool.mu.
	key        string
	createdAt  time.Time
	lastUsedAt time.Time
	inUse      bool
	turns      int
}

// Handle returns the underlying session handle. Valid only while the
// caller holds the entry.
func (e *Entry) Handle() runtime.Handle {
	return e.handle
}

// Key returns the key the entry is currently pooled under.
func (e *Entry) Key() string {
	e.pool.mu.Lock()
	defer e.pool.mu.Unlock()
	return e.key
}

// CreatedAt returns when the entry's handle was opened.
func (e *Entry) CreatedAt() time.Time {
	return e.createdAt
}

// EntryStat is a read-only snapshot of one pooled entry.
type EntryStat struct {
	Key     string        `json:"sessionKey"`
	InUse   bool          `json:"inUse"`
	IdleFor time.Duration `json:"idleFor"`
	Age     time.Duration `json:"age"`
	Turns   int           `json:"turns"`
}

// Stats is a read-only snapshot of the whole pool.
type Stats struct {
	Size    int         `json:"size"`
	Free    int         `json:"free"`
	InUse   int         `json:"inUse"`
	Pending int         `json:"pending"`
	Target  int         `json:"target"`
	Entries []EntryStat `json:"entries"`
}
