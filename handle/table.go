package handle

import (
	"errors"
	"slices"
	"sync"
)

// ErrClosed is returned by Insert after Close.
var ErrClosed = errors.New("handle table closed")

// ErrExhausted is returned by Insert on a WithoutReuse table once every
// handle value has been issued.
var ErrExhausted = errors.New("handle table exhausted")

// Table maps opaque handles to host values. Handles of removed entries are
// reused by later inserts unless the table was created WithoutReuse.
type Table[T any] struct {
	entries   []entry[T]
	freeList  []Handle
	sparse    map[Handle]T
	observers []Observer
	live      int
	next      Handle
	mu        sync.RWMutex
	obsMu     sync.RWMutex
	closed    bool
	noReuse   bool
}

// TableOption configures a Table.
type TableOption func(*tableConfig)

type tableConfig struct {
	noReuse bool
}

// WithoutReuse makes every insert return a fresh handle, so a stale handle
// never resolves to a later entry. Storage is bounded by the live entries.
func WithoutReuse() TableOption {
	return func(c *tableConfig) { c.noReuse = true }
}

type entry[T any] struct {
	value T
	valid bool
}

// NewTable creates an empty table.
func NewTable[T any](opts ...TableOption) *Table[T] {
	var cfg tableConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.noReuse {
		return &Table[T]{sparse: make(map[Handle]T), noReuse: true}
	}
	return &Table[T]{
		entries:  make([]entry[T], 0, 16),
		freeList: make([]Handle, 0, 8),
	}
}

// Insert stores value and returns its handle.
func (t *Table[T]) Insert(value T) (Handle, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, ErrClosed
	}

	var h Handle
	switch {
	case t.noReuse:
		if t.next == ^Handle(0) {
			t.mu.Unlock()
			return 0, ErrExhausted
		}
		t.next++
		h = t.next
		t.sparse[h] = value
	case len(t.freeList) > 0:
		n := len(t.freeList)
		h = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.entries[h-1] = entry[T]{value: value, valid: true}
	default:
		t.entries = append(t.entries, entry[T]{value: value, valid: true})
		h = Handle(len(t.entries))
	}
	t.live++
	t.mu.Unlock()

	t.notify(Event{Type: EventInserted, Handle: h, Value: value})
	return h, nil
}

// lookup must be called with t.mu held.
func (t *Table[T]) lookup(h Handle) (T, bool) {
	var zero T
	if h == 0 {
		return zero, false
	}
	if t.noReuse {
		v, ok := t.sparse[h]
		return v, ok
	}
	idx := int(h - 1)
	if idx >= len(t.entries) || !t.entries[idx].valid {
		return zero, false
	}
	return t.entries[idx].value, true
}

// Get retrieves a value by handle.
func (t *Table[T]) Get(h Handle) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lookup(h)
}

// Remove drops an entry and returns (value, true) if it was present.
func (t *Table[T]) Remove(h Handle) (T, bool) {
	t.mu.Lock()
	value, ok := t.lookup(h)
	if !ok {
		t.mu.Unlock()
		return value, false
	}
	if t.noReuse {
		delete(t.sparse, h)
	} else {
		t.entries[h-1] = entry[T]{}
		t.freeList = append(t.freeList, h)
	}
	t.live--
	t.mu.Unlock()

	if d, ok := any(value).(Dropper); ok {
		d.Drop()
	}
	t.notify(Event{Type: EventRemoved, Handle: h, Value: value})
	return value, true
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// handles returns the live handles in ascending order. t.mu must be held.
func (t *Table[T]) handles() []Handle {
	out := make([]Handle, 0, t.live)
	if t.noReuse {
		for h := range t.sparse {
			out = append(out, h)
		}
		slices.Sort(out)
		return out
	}
	for i, e := range t.entries {
		if e.valid {
			out = append(out, Handle(i+1))
		}
	}
	return out
}

// Each iterates over live entries in handle order until fn returns false.
func (t *Table[T]) Each(fn func(Handle, T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, h := range t.handles() {
		v, _ := t.lookup(h)
		if !fn(h, v) {
			return
		}
	}
}

// Subscribe adds an observer for lifecycle events.
func (t *Table[T]) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Close drops every live entry and rejects further inserts.
func (t *Table[T]) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	handles := t.handles()
	t.mu.Unlock()

	for _, h := range handles {
		t.Remove(h)
	}
	return nil
}

func (t *Table[T]) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnHandleEvent(e)
	}
}
