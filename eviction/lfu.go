package eviction

import "container/list"

// lfu tracks access frequency per key. Keys live in per-frequency lists so
// both bumping a key and selecting a victim are O(1). Within a frequency
// bucket the list preserves arrival order, which gives a stable tie-break:
// the key that reached that frequency first is evicted first.
type lfu struct {
	items   map[string]*list.Element
	buckets map[int]*list.List
	minFreq int
}

type lfuNode struct {
	key  string
	freq int
}

func newLFU() *lfu {
	return &lfu{
		items:   make(map[string]*list.Element),
		buckets: make(map[int]*list.List),
	}
}

func (l *lfu) bucket(freq int) *list.List {
	b, ok := l.buckets[freq]
	if !ok {
		b = list.New()
		l.buckets[freq] = b
	}
	return b
}

func (l *lfu) OnInsert(key string) {
	if _, ok := l.items[key]; ok {
		// Overwrite counts as an access, not a fresh insert.
		l.OnAccess(key)
		return
	}
	l.items[key] = l.bucket(1).PushBack(&lfuNode{key: key, freq: 1})
	l.minFreq = 1
}

func (l *lfu) OnAccess(key string) {
	el, ok := l.items[key]
	if !ok {
		return
	}
	node := el.Value.(*lfuNode)
	old := l.buckets[node.freq]
	old.Remove(el)
	if old.Len() == 0 {
		delete(l.buckets, node.freq)
		if l.minFreq == node.freq {
			l.minFreq++
		}
	}
	node.freq++
	l.items[key] = l.bucket(node.freq).PushBack(node)
}

func (l *lfu) OnRemove(key string) {
	el, ok := l.items[key]
	if !ok {
		return
	}
	node := el.Value.(*lfuNode)
	b := l.buckets[node.freq]
	b.Remove(el)
	if b.Len() == 0 {
		delete(l.buckets, node.freq)
		if l.minFreq == node.freq {
			l.minFreq = l.scanMinFreq()
		}
	}
	delete(l.items, key)
}

// scanMinFreq recomputes the minimum frequency after OnRemove emptied the
// min bucket.
func (l *lfu) scanMinFreq() int {
	min := 0
	for f := range l.buckets {
		if min == 0 || f < min {
			min = f
		}
	}
	return min
}

func (l *lfu) Victim() (string, bool) {
	b, ok := l.buckets[l.minFreq]
	if !ok || b.Len() == 0 {
		return "", false
	}
	return b.Front().Value.(*lfuNode).key, true
}

func (l *lfu) Len() int { return len(l.items) }

func (l *lfu) Clear() {
	clear(l.items)
	clear(l.buckets)
	l.minFreq = 0
}
