// Package feed holds the ordered, deduplicated entity caches that back every
// view: the paginated home feed, per-user post lists, per-post comment lists
// and the profile cache.
package feed

import (
	"context"
	"sync"
)

// Entity is anything cached by key.
type Entity interface {
	Key() string
}

type pendingEntity interface {
	IsPending() bool
}

// PageFunc fetches limit entities starting at offset. A non-positive limit
// asks for the whole collection.
type PageFunc[T Entity] func(ctx context.Context, limit, offset int) ([]T, error)

// ChangeKind names the primitive that produced a Change.
type ChangeKind string

const (
	ChangeAppend  ChangeKind = "append"
	ChangePrepend ChangeKind = "prepend"
	ChangeUpdate  ChangeKind = "update"
	ChangeRemove  ChangeKind = "remove"
	ChangeReset   ChangeKind = "reset"
)

// Change describes one mutation of a List. Items holds the entities written,
// in list order; it is empty for removals and resets.
type Change[T Entity] struct {
	List  string     `json:"list"`
	Kind  ChangeKind `json:"kind"`
	Keys  []string   `json:"keys,omitempty"`
	Items []T        `json:"items,omitempty"`
}

// List is an ordered collection with unique keys. New keys enter only through
// LoadPage, LoadMore, Refresh and PrependNew; everything else edits in place.
type List[T Entity] struct {
	name  string
	limit int
	fetch PageFunc[T]

	// merge folds a server copy into a cached entity with the same key.
	merge func(cur, incoming T) T

	// loadMu serializes page fetches so cursors advance once per page.
	loadMu sync.Mutex

	mu          sync.RWMutex
	items       []T
	nextCursor  int
	hasMore     bool
	loaded      bool
	generation  uint64
	subscribers map[int]func(Change[T])
	nextSubID   int
}

// NewList creates an empty list. fetch may be nil for lists filled only by
// PrependNew.
func NewList[T Entity](name string, limit int, fetch PageFunc[T]) *List[T] {
	return &List[T]{
		name:        name,
		limit:       limit,
		fetch:       fetch,
		hasMore:     fetch != nil,
		subscribers: make(map[int]func(Change[T])),
	}
}

// Name identifies the list in change notifications.
func (l *List[T]) Name() string { return l.name }

// SetMerge installs the rule Refresh, PrependNew and MergeUpdate use when a
// key is already cached. Without one the incoming entity wins.
func (l *List[T]) SetMerge(fn func(cur, incoming T) T) {
	l.mu.Lock()
	l.merge = fn
	l.mu.Unlock()
}

func (l *List[T]) mergeLocked(cur, incoming T) T {
	if l.merge == nil {
		return incoming
	}
	return l.merge(cur, incoming)
}

// LoadPage fetches the page at cursor and appends entities whose keys are not
// cached yet. It returns how many were added. A short page clears HasMore.
func (l *List[T]) LoadPage(ctx context.Context, cursor int) (int, error) {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()
	return l.loadLocked(ctx, cursor)
}

// LoadMore fetches the page after the last one loaded. It does nothing once
// the list is exhausted.
func (l *List[T]) LoadMore(ctx context.Context) (int, error) {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()

	l.mu.RLock()
	cursor, more := l.nextCursor, l.hasMore
	l.mu.RUnlock()
	if !more {
		return 0, nil
	}
	return l.loadLocked(ctx, cursor)
}

func (l *List[T]) loadLocked(ctx context.Context, cursor int) (int, error) {
	if l.fetch == nil {
		return 0, nil
	}

	l.mu.RLock()
	gen := l.generation
	l.mu.RUnlock()

	offset := cursor * l.limit
	if l.limit <= 0 {
		offset = 0
	}
	page, err := l.fetch(ctx, l.limit, offset)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	if gen != l.generation {
		l.mu.Unlock()
		return 0, nil
	}
	seen := l.keySetLocked()
	var added []T
	for _, e := range page {
		if _, dup := seen[e.Key()]; dup {
			continue
		}
		seen[e.Key()] = struct{}{}
		l.items = append(l.items, e)
		added = append(added, e)
	}
	l.hasMore = l.limit > 0 && len(page) == l.limit
	if cursor+1 > l.nextCursor {
		l.nextCursor = cursor + 1
	}
	l.loaded = true
	subs := l.subscribersLocked()
	l.mu.Unlock()

	if len(added) > 0 {
		l.emit(subs, Change[T]{Kind: ChangeAppend, Keys: keysOf(added), Items: added})
	}
	return len(added), nil
}

// Refresh refetches the first page and replaces the contents with it. Pending
// entities absent from the page stay at the head so in-flight mutations keep
// their target.
func (l *List[T]) Refresh(ctx context.Context) error {
	l.loadMu.Lock()
	defer l.loadMu.Unlock()
	if l.fetch == nil {
		return nil
	}

	l.mu.RLock()
	gen := l.generation
	l.mu.RUnlock()

	page, err := l.fetch(ctx, l.limit, 0)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if gen != l.generation {
		l.mu.Unlock()
		return nil
	}
	fresh := make(map[string]struct{}, len(page))
	for _, e := range page {
		fresh[e.Key()] = struct{}{}
	}
	cached := make(map[string]T, len(l.items))
	var kept []T
	for _, e := range l.items {
		cached[e.Key()] = e
		if p, ok := any(e).(pendingEntity); ok && p.IsPending() {
			if _, dup := fresh[e.Key()]; !dup {
				kept = append(kept, e)
			}
		}
	}
	items := make([]T, 0, len(kept)+len(page))
	items = append(items, kept...)
	seen := make(map[string]struct{}, len(kept)+len(page))
	for _, e := range kept {
		seen[e.Key()] = struct{}{}
	}
	for _, e := range page {
		if _, dup := seen[e.Key()]; dup {
			continue
		}
		seen[e.Key()] = struct{}{}
		if cur, ok := cached[e.Key()]; ok {
			e = l.mergeLocked(cur, e)
		}
		items = append(items, e)
	}
	l.items = items
	l.hasMore = l.limit > 0 && len(page) == l.limit
	l.nextCursor = 1
	l.loaded = true
	snapshot := append([]T(nil), items...)
	subs := l.subscribersLocked()
	l.mu.Unlock()

	l.emit(subs, Change[T]{Kind: ChangeReset})
	if len(snapshot) > 0 {
		l.emit(subs, Change[T]{Kind: ChangeAppend, Keys: keysOf(snapshot), Items: snapshot})
	}
	return nil
}

// PrependNew inserts e at the head, or merges it into the entity with the
// same key in place.
func (l *List[T]) PrependNew(e T) {
	l.mu.Lock()
	kind := ChangePrepend
	if i := l.indexLocked(e.Key()); i >= 0 {
		e = l.mergeLocked(l.items[i], e)
		l.items[i] = e
		kind = ChangeUpdate
	} else {
		l.items = append([]T{e}, l.items...)
	}
	subs := l.subscribersLocked()
	l.mu.Unlock()

	l.emit(subs, Change[T]{Kind: kind, Keys: []string{e.Key()}, Items: []T{e}})
}

// MergeUpdate merges e into the entity with e's key. Unknown keys are
// ignored.
func (l *List[T]) MergeUpdate(e T) bool {
	l.mu.RLock()
	merge := l.merge
	l.mu.RUnlock()
	return l.Update(e.Key(), func(cur *T) {
		if merge == nil {
			*cur = e
			return
		}
		*cur = merge(*cur, e)
	})
}

// Update edits the entity with key in place. It reports whether key was
// cached. An edit that changes the key is discarded; use Replace for that.
func (l *List[T]) Update(key string, fn func(cur *T)) bool {
	l.mu.Lock()
	i := l.indexLocked(key)
	if i < 0 {
		l.mu.Unlock()
		return false
	}
	cur := l.items[i]
	fn(&cur)
	if cur.Key() != key {
		l.mu.Unlock()
		return false
	}
	l.items[i] = cur
	updated := cur
	subs := l.subscribersLocked()
	l.mu.Unlock()

	l.emit(subs, Change[T]{Kind: ChangeUpdate, Keys: []string{key}, Items: []T{updated}})
	return true
}

// Replace swaps the entity at oldKey for e, keeping its position. Any other
// copy of e's key is dropped. When oldKey is gone, e is prepended.
func (l *List[T]) Replace(oldKey string, e T) bool {
	l.mu.Lock()
	i := l.indexLocked(oldKey)
	if i < 0 {
		l.mu.Unlock()
		l.PrependNew(e)
		return false
	}
	l.items[i] = e
	var removed []string
	if e.Key() != oldKey {
		for j := len(l.items) - 1; j >= 0; j-- {
			if j != i && l.items[j].Key() == e.Key() {
				l.items = append(l.items[:j], l.items[j+1:]...)
				removed = append(removed, e.Key())
				if j < i {
					i--
				}
			}
		}
	}
	subs := l.subscribersLocked()
	l.mu.Unlock()

	if len(removed) > 0 {
		l.emit(subs, Change[T]{Kind: ChangeRemove, Keys: removed})
	}
	l.emit(subs, Change[T]{Kind: ChangeUpdate, Keys: []string{oldKey}, Items: []T{e}})
	return true
}

// Remove deletes the entity with key.
func (l *List[T]) Remove(key string) bool {
	l.mu.Lock()
	i := l.indexLocked(key)
	if i < 0 {
		l.mu.Unlock()
		return false
	}
	l.items = append(l.items[:i], l.items[i+1:]...)
	subs := l.subscribersLocked()
	l.mu.Unlock()

	l.emit(subs, Change[T]{Kind: ChangeRemove, Keys: []string{key}})
	return true
}

// Get returns the entity with key.
func (l *List[T]) Get(key string) (T, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i := l.indexLocked(key); i >= 0 {
		return l.items[i], true
	}
	var zero T
	return zero, false
}

// Items returns a copy of the cached entities in order.
func (l *List[T]) Items() []T {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]T(nil), l.items...)
}

// Len returns the number of cached entities.
func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// HasMore is false once a short page was returned.
func (l *List[T]) HasMore() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hasMore
}

// NextCursor is the page index LoadMore will fetch.
func (l *List[T]) NextCursor() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextCursor
}

// Loaded reports whether any page has been fetched since the last Reset.
func (l *List[T]) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loaded
}

// Reset empties the list. Page loads started before Reset are discarded.
func (l *List[T]) Reset() {
	l.mu.Lock()
	l.items = nil
	l.nextCursor = 0
	l.hasMore = l.fetch != nil
	l.loaded = false
	l.generation++
	subs := l.subscribersLocked()
	l.mu.Unlock()

	l.emit(subs, Change[T]{Kind: ChangeReset})
}

// Subscribe registers fn for every change. The returned func unregisters it.
func (l *List[T]) Subscribe(fn func(Change[T])) (cancel func()) {
	l.mu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.subscribers[id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		delete(l.subscribers, id)
		l.mu.Unlock()
	}
}

func (l *List[T]) indexLocked(key string) int {
	for i := range l.items {
		if l.items[i].Key() == key {
			return i
		}
	}
	return -1
}

func (l *List[T]) keySetLocked() map[string]struct{} {
	set := make(map[string]struct{}, len(l.items))
	for _, e := range l.items {
		set[e.Key()] = struct{}{}
	}
	return set
}

func (l *List[T]) subscribersLocked() []func(Change[T]) {
	subs := make([]func(Change[T]), 0, len(l.subscribers))
	for _, fn := range l.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

func (l *List[T]) emit(subs []func(Change[T]), c Change[T]) {
	c.List = l.name
	for _, fn := range subs {
		fn(c)
	}
}

func keysOf[T Entity](items []T) []string {
	keys := make([]string, len(items))
	for i, e := range items {
		keys[i] = e.Key()
	}
	return keys
}
