package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/ahrav/fleet-merger/internal/domain/fleet"
)

var _ fleet.SessionLedger = (*SessionLedger)(nil)

// DefaultLedgerSize bounds the in-memory ledger when no size is configured.
const DefaultLedgerSize = 50000

// SessionLedger records emitted sessions in memory. When bounded, the oldest
// record is evicted once maxSize is reached. Records are lost on restart.
type SessionLedger struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // front is the most recent record
	maxSize int        // <= 0 means unbounded
}

// LedgerOption configures a SessionLedger.
type LedgerOption func(*SessionLedger)

// WithMaxSize bounds the number of records kept. A value <= 0 disables eviction.
func WithMaxSize(n int) LedgerOption {
	return func(l *SessionLedger) { l.maxSize = n }
}

// NewSessionLedger creates an in-memory ledger holding DefaultLedgerSize
// records unless configured otherwise.
func NewSessionLedger(opts ...LedgerOption) *SessionLedger {
	l := &SessionLedger{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		maxSize: DefaultLedgerSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SeenAndRecord reports whether key was already recorded, recording it if not.
func (l *SessionLedger) SeenAndRecord(_ context.Context, key fleet.SessionKey) (bool, error) {
	id := key.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.seen[id]; ok {
		return true, nil
	}
	if l.maxSize > 0 && len(l.seen) >= l.maxSize {
		if oldest := l.order.Back(); oldest != nil {
			delete(l.seen, oldest.Value.(string))
			l.order.Remove(oldest)
		}
	}
	l.seen[id] = l.order.PushFront(id)
	return false, nil
}

// Unrecord forgets key so the session can be emitted again.
func (l *SessionLedger) Unrecord(_ context.Context, key fleet.SessionKey) error {
	id := key.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.seen[id]; ok {
		l.order.Remove(el)
		delete(l.seen, id)
	}
	return nil
}

// Len returns the number of recorded sessions.
func (l *SessionLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
