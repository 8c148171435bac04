package storage

import "sort"

// Index is the in-memory view of the log: key -> current value.
// It holds exactly the keys whose latest record is a value record.
//
// Index does no locking of its own; the Engine serializes all access.
type Index struct {
	m map[string]string
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{m: make(map[string]string)}
}

// Get retrieves a value by key.
// Returns (value, found).
func (idx *Index) Get(key string) (string, bool) {
	v, ok := idx.m[key]
	return v, ok
}

// Set inserts or updates a key.
func (idx *Index) Set(key, value string) {
	idx.m[key] = value
}

// Delete removes a key. Returns whether it was present.
func (idx *Index) Delete(key string) bool {
	if _, ok := idx.m[key]; !ok {
		return false
	}
	delete(idx.m, key)
	return true
}

// Len returns the number of live keys.
func (idx *Index) Len() int {
	return len(idx.m)
}

// Keys returns the live keys in sorted order.
func (idx *Index) Keys() []string {
	keys := make([]string, 0, len(idx.m))
	for k := range idx.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Load replaces the index contents with data, typically a log replay.
// The index takes ownership of data.
func (idx *Index) Load(data map[string]string) {
	if data == nil {
		data = make(map[string]string)
	}
	idx.m = data
}

// view exposes the backing map for read-only use under the engine lock.
func (idx *Index) view() map[string]string {
	return idx.m
}
