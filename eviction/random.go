package eviction

import "math/rand/v2"

// random holds the key set in a slice so a uniform victim is one IntN call.
// Removal swaps the last element into the vacated slot, keeping every
// operation O(1).
type random struct {
	keys  []string
	index map[string]int
}

func newRandom() *random {
	return &random{index: make(map[string]int)}
}

func (r *random) OnInsert(key string) {
	if _, ok := r.index[key]; ok {
		return
	}
	r.index[key] = len(r.keys)
	r.keys = append(r.keys, key)
}

func (r *random) OnAccess(string) {}

func (r *random) OnRemove(key string) {
	i, ok := r.index[key]
	if !ok {
		return
	}
	last := len(r.keys) - 1
	moved := r.keys[last]
	r.keys[i] = moved
	r.index[moved] = i
	r.keys = r.keys[:last]
	delete(r.index, key)
}

func (r *random) Victim() (string, bool) {
	if len(r.keys) == 0 {
		return "", false
	}
	return r.keys[rand.IntN(len(r.keys))], true
}

func (r *random) Len() int { return len(r.keys) }

func (r *random) Clear() {
	r.keys = r.keys[:0]
	clear(r.index)
}
