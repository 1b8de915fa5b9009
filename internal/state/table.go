package state

// Table is a keyed collection with copy-on-read layering. A root table owns
// its rows; a child layer claims a private copy of a row the first time it is
// read, so mutations through the returned value stay local until Commit.
// Dropping a child discards everything it did.
//
// Not thread-safe. Only the single-threaded core touches it.
type Table[K comparable, V any] struct {
	parent *Table[K, V]
	rows   map[K]V
	gone   map[K]struct{}
	clone  func(V) V
}

func NewTable[K comparable, V any](clone func(V) V) *Table[K, V] {
	return &Table[K, V]{
		rows:  make(map[K]V),
		gone:  make(map[K]struct{}),
		clone: clone,
	}
}

// Child opens a new layer on top of t.
func (t *Table[K, V]) Child() *Table[K, V] {
	return &Table[K, V]{
		parent: t,
		rows:   make(map[K]V),
		gone:   make(map[K]struct{}),
		clone:  t.clone,
	}
}

func (t *Table[K, V]) lookup(k K) (V, bool) {
	if v, ok := t.rows[k]; ok {
		return v, true
	}
	var zero V
	if _, ok := t.gone[k]; ok {
		return zero, false
	}
	if t.parent == nil {
		return zero, false
	}
	return t.parent.lookup(k)
}

// Get returns the row owned by this layer, claiming a copy from the parent
// layers when needed.
func (t *Table[K, V]) Get(k K) (V, bool) {
	if v, ok := t.rows[k]; ok {
		return v, true
	}
	if t.parent == nil {
		var zero V
		return zero, false
	}
	if _, ok := t.gone[k]; ok {
		var zero V
		return zero, false
	}
	v, ok := t.parent.lookup(k)
	if !ok {
		return v, false
	}
	v = t.clone(v)
	t.rows[k] = v
	return v, true
}

// Peek reads a row without claiming it. The value must not be mutated.
func (t *Table[K, V]) Peek(k K) (V, bool) {
	return t.lookup(k)
}

func (t *Table[K, V]) Put(k K, v V) {
	t.rows[k] = v
	delete(t.gone, k)
}

func (t *Table[K, V]) Delete(k K) {
	delete(t.rows, k)
	if t.parent != nil {
		if _, ok := t.parent.lookup(k); ok {
			t.gone[k] = struct{}{}
		}
	}
}

// Keys returns every live key across layers, in no particular order.
func (t *Table[K, V]) Keys() []K {
	seen := make(map[K]struct{})
	t.collect(seen, make(map[K]struct{}))
	keys := make([]K, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	return keys
}

func (t *Table[K, V]) collect(seen, hidden map[K]struct{}) {
	for k := range t.rows {
		if _, h := hidden[k]; !h {
			seen[k] = struct{}{}
		}
	}
	if t.parent == nil {
		return
	}
	mask := hidden
	if len(t.gone) > 0 || len(t.rows) > 0 {
		mask = make(map[K]struct{}, len(hidden)+len(t.gone)+len(t.rows))
		for k := range hidden {
			mask[k] = struct{}{}
		}
		for k := range t.gone {
			mask[k] = struct{}{}
		}
		for k := range t.rows {
			mask[k] = struct{}{}
		}
	}
	t.parent.collect(seen, mask)
}

// Len counts live rows.
func (t *Table[K, V]) Len() int {
	return len(t.Keys())
}

// Commit folds this layer into its parent. The layer must not be used again.
func (t *Table[K, V]) Commit() {
	if t.parent == nil {
		return
	}
	for k := range t.gone {
		t.parent.Delete(k)
	}
	for k, v := range t.rows {
		t.parent.Put(k, v)
	}
	t.rows = nil
	t.gone = nil
}

func identity[V any](v V) V { return v }
