// Package connectivity reports whether the backend is reachable.
package connectivity

import (
	"sort"
	"sync"
)

// Monitor exposes the current connectivity state and notifies subscribers on
// transitions only.
type Monitor interface {
	Online() bool
	Subscribe(fn func(online bool)) (cancel func())
}

type broadcaster struct {
	notifyMu sync.Mutex

	mu     sync.RWMutex
	online bool
	next   int
	subs   map[int]func(bool)
}

func (b *broadcaster) Online() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.online
}

func (b *broadcaster) Subscribe(fn func(online bool)) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = map[int]func(bool){}
	}
	id := b.next
	b.next++
	b.subs[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// set records the state and reports whether it changed. Subscribers run on
// the caller's goroutine, in subscription order.
func (b *broadcaster) set(online bool) bool {
	b.notifyMu.Lock()
	defer b.notifyMu.Unlock()

	b.mu.Lock()
	if b.online == online {
		b.mu.Unlock()
		return false
	}
	b.online = online
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
	return true
}

// Manual is driven by code, for example a UI bridge or a test.
type Manual struct {
	broadcaster
}

func NewManual(online bool) *Manual {
	m := &Manual{}
	m.online = online
	return m
}

func (m *Manual) Set(online bool) bool {
	return m.set(online)
}
