package eviction

import "container/list"

// fifo keeps keys in insertion order. Re-inserting a tracked key keeps its
// original slot and reads never reorder anything.
type fifo struct {
	order *list.List
	items map[string]*list.Element
}

func newFIFO() *fifo {
	return &fifo{
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (f *fifo) OnInsert(key string) {
	if _, ok := f.items[key]; ok {
		return
	}
	f.items[key] = f.order.PushBack(key)
}

func (f *fifo) OnAccess(string) {}

func (f *fifo) OnRemove(key string) {
	if el, ok := f.items[key]; ok {
		f.order.Remove(el)
		delete(f.items, key)
	}
}

func (f *fifo) Victim() (string, bool) {
	front := f.order.Front()
	if front == nil {
		return "", false
	}
	return front.Value.(string), true
}

func (f *fifo) Len() int { return len(f.items) }

func (f *fifo) Clear() {
	f.order.Init()
	clear(f.items)
}
