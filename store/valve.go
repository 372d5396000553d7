package store

import (
	"container/list"
	"sync"
)

// DefaultValveCapacity bounds the number of releasable values pinned in
// memory at once.
const DefaultValveCapacity = 4096

// valve is the soft pressure valve for TierReleasable: a bounded LRU of
// strong pins. A pinned box cannot be reclaimed. Once the valve drops a pin,
// only the entry's weak handle remains and the runtime is free to collect
// the value.
type valve struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = coldest pin
	pins     map[string]*list.Element
}

type pinned struct {
	key string
	b   *box
}

func newValve(capacity int) *valve {
	return &valve{
		capacity: capacity,
		order:    list.New(),
		pins:     make(map[string]*list.Element),
	}
}

// pin retains b for key, displacing the coldest pin when over capacity.
func (v *valve) pin(key string, b *box) {
	if v.capacity <= 0 {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if el, ok := v.pins[key]; ok {
		el.Value.(*pinned).b = b
		v.order.MoveToBack(el)
		return
	}
	v.pins[key] = v.order.PushBack(&pinned{key: key, b: b})
	for v.order.Len() > v.capacity {
		v.dropFrontLocked()
	}
}

// touch marks key as recently used so its pin survives longer.
func (v *valve) touch(key string) {
	v.mu.Lock()
	if el, ok := v.pins[key]; ok {
		v.order.MoveToBack(el)
	}
	v.mu.Unlock()
}

func (v *valve) release(key string) {
	v.mu.Lock()
	if el, ok := v.pins[key]; ok {
		v.order.Remove(el)
		delete(v.pins, key)
	}
	v.mu.Unlock()
}

// shrink drops the coldest fraction of pins and returns how many were
// released.
func (v *valve) shrink(fraction float64) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := int(float64(v.order.Len()) * fraction)
	for i := 0; i < n; i++ {
		v.dropFrontLocked()
	}
	return n
}

func (v *valve) size() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.order.Len()
}

func (v *valve) clear() {
	v.mu.Lock()
	v.order.Init()
	clear(v.pins)
	v.mu.Unlock()
}

func (v *valve) dropFrontLocked() {
	front := v.order.Front()
	if front == nil {
		return
	}
	v.order.Remove(front)
	delete(v.pins, front.Value.(*pinned).key)
}
