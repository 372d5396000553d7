package eviction

import "container/list"

// insertionAge orders keys by creation time. Unlike fifo, re-inserting a
// tracked key refreshes its creation and moves it to the back, so the
// victim is always the entry with the earliest surviving creation time.
// Reads are ignored.
type insertionAge struct {
	order *list.List
	items map[string]*list.Element
}

func newInsertionAge() *insertionAge {
	return &insertionAge{
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (a *insertionAge) OnInsert(key string) {
	if el, ok := a.items[key]; ok {
		a.order.MoveToBack(el)
		return
	}
	a.items[key] = a.order.PushBack(key)
}

func (a *insertionAge) OnAccess(string) {}

func (a *insertionAge) OnRemove(key string) {
	if el, ok := a.items[key]; ok {
		a.order.Remove(el)
		delete(a.items, key)
	}
}

func (a *insertionAge) Victim() (string, bool) {
	front := a.order.Front()
	if front == nil {
		return "", false
	}
	return front.Value.(string), true
}

func (a *insertionAge) Len() int { return len(a.items) }

func (a *insertionAge) Clear() {
	a.order.Init()
	clear(a.items)
}
