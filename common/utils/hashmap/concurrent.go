package hashmap

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// ConcurrentMap adapts orcaman/concurrent-map to the HashMap interface.
// Keys are strings; the sharded backend keeps contention low when many
// pending requests resolve at once.
type ConcurrentMap[V any] struct {
	backend cmap.ConcurrentMap[string, V]
}

func NewConcurrentMap[V any](shards int) *ConcurrentMap[V] {
	cmap.SHARD_COUNT = shards
	return &ConcurrentMap[V]{
		backend: cmap.New[V](),
	}
}

func (m *ConcurrentMap[V]) Delete(key string) {
	m.backend.Remove(key)
}

func (m *ConcurrentMap[V]) Load(key string) (ret V, ok bool) {
	return m.backend.Get(key)
}

func (m *ConcurrentMap[V]) LoadAndDelete(key string) (retVal V, retExists bool) {
	m.backend.RemoveCb(key, func(key string, val V, exists bool) bool {
		retVal = val
		retExists = exists
		return true
	})
	return
}

func (m *ConcurrentMap[V]) LoadOrStore(key string, value V) (actual V, loaded bool) {
	loaded = !m.backend.SetIfAbsent(key, value)
	if loaded {
		actual, _ = m.backend.Get(key)
	} else {
		actual = value
	}
	return
}

func (m *ConcurrentMap[V]) Range(cb func(string, V) bool) {
	for item := range m.backend.IterBuffered() {
		if !cb(item.Key, item.Val) {
			return
		}
	}
}

func (m *ConcurrentMap[V]) Store(key string, val V) {
	m.backend.Set(key, val)
}

func (m *ConcurrentMap[V]) Len() int {
	return m.backend.Count()
}
