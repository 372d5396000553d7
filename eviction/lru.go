package eviction

import "container/list"

// lru keeps keys ordered by recency of use. The front of the list is the
// least recently touched key.
type lru struct {
	order *list.List
	items map[string]*list.Element
}

func newLRU() *lru {
	return &lru{
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (l *lru) OnInsert(key string) {
	if el, ok := l.items[key]; ok {
		l.order.MoveToBack(el)
		return
	}
	l.items[key] = l.order.PushBack(key)
}

func (l *lru) OnAccess(key string) {
	if el, ok := l.items[key]; ok {
		l.order.MoveToBack(el)
	}
}

func (l *lru) OnRemove(key string) {
	if el, ok := l.items[key]; ok {
		l.order.Remove(el)
		delete(l.items, key)
	}
}

func (l *lru) Victim() (string, bool) {
	front := l.order.Front()
	if front == nil {
		return "", false
	}
	return front.Value.(string), true
}

func (l *lru) Len() int { return len(l.items) }

func (l *lru) Clear() {
	l.order.Init()
	clear(l.items)
}
