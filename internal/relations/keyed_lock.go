package relations

import (
	"sort"
	"sync"
)

// keyedLock hands out one mutex per username. Entries are dropped once no
// goroutine holds or waits on them.
type keyedLock struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedLock() *keyedLock {
	return &keyedLock{entries: make(map[string]*lockEntry)}
}

// lock acquires every key in sorted order and returns the release function.
func (k *keyedLock) lock(keys ...string) func() {
	unique := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	sort.Strings(unique)

	held := make([]*lockEntry, 0, len(unique))
	for _, key := range unique {
		k.mu.Lock()
		entry, ok := k.entries[key]
		if !ok {
			entry = &lockEntry{}
			k.entries[key] = entry
		}
		entry.refs++
		k.mu.Unlock()
		entry.mu.Lock()
		held = append(held, entry)
	}

	return func() {
		for index := len(held) - 1; index >= 0; index-- {
			held[index].mu.Unlock()
		}
		k.mu.Lock()
		for index, key := range unique {
			held[index].refs--
			if held[index].refs == 0 {
				delete(k.entries, key)
			}
		}
		k.mu.Unlock()
	}
}
