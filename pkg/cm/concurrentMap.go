package cm

import "sync"

// ConcurrentMap wraps around sync.Map
type ConcurrentMap[K comparable, V any] struct {
	m sync.Map
}

// Set adds or updates a value in the map for a given key.
func (cm *ConcurrentMap[K, V]) Set(key K, value V) {
	cm.m.Store(key, value)
}

// Get retrieves a value from the map for a given key.
func (cm *ConcurrentMap[K, V]) Get(key K) (V, bool) {
	var zeroValue V
	value, ok := cm.m.Load(key)
	if !ok {
		return zeroValue, false
	}
	return value.(V), true
}

// Delete removes a key from the map.
func (cm *ConcurrentMap[K, V]) Delete(key K) {
	cm.m.Delete(key)
}

// Range iterates over the map until f returns false.
func (cm *ConcurrentMap[K, V]) Range(f func(K, V) bool) {
	cm.m.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}
