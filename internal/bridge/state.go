package bridge

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"chatbridge/internal/tokenizer"
)

const numShards = 32

// requestState is the live stream state of one admitted request. It is only
// touched inside a stateTable critical section.
type requestState struct {
	model            string
	streamers        []*tokenizer.TextStreamer
	promptTokens     int
	completionTokens int
}

type stateShard struct {
	mu sync.Mutex
	m  map[string]*requestState
}

// stateTable maps request ids to live state. Entries are never handed out;
// callers work on them through with.
type stateTable struct {
	shards [numShards]stateShard
}

func newStateTable() *stateTable {
	t := &stateTable{}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*requestState)
	}
	return t
}

func (t *stateTable) shard(id string) *stateShard {
	return &t.shards[xxhash.Sum64String(id)%numShards]
}

// insert adds st under id; false if id is already live.
func (t *stateTable) insert(id string, st *requestState) bool {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[id]; ok {
		return false
	}
	s.m[id] = st
	return true
}

// with runs fn on the entry for id under the shard lock and erases the entry
// when fn returns true. It reports whether the entry existed.
func (t *stateTable) with(id string, fn func(st *requestState) (erase bool)) bool {
	s := t.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[id]
	if !ok {
		return false
	}
	if fn(st) {
		delete(s.m, id)
	}
	return true
}

// remove erases id and returns a copy of what the caller needs to close the
// stream.
func (t *stateTable) remove(id string) (stateSnapshot, bool) {
	var snap stateSnapshot
	ok := t.with(id, func(st *requestState) bool {
		snap = stateSnapshot{model: st.model, promptTokens: st.promptTokens, completionTokens: st.completionTokens}
		return true
	})
	return snap, ok
}

func (t *stateTable) contains(id string) bool {
	return t.with(id, func(*requestState) bool { return false })
}

func (t *stateTable) numStreamers(id string) (int, bool) {
	var n int
	ok := t.with(id, func(st *requestState) bool {
		n = len(st.streamers)
		return false
	})
	return n, ok
}

func (t *stateTable) len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

func (t *stateTable) ids() []string {
	var ids []string
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id := range s.m {
			ids = append(ids, id)
		}
		s.mu.Unlock()
	}
	return ids
}

type stateSnapshot struct {
	model            string
	promptTokens     int
	completionTokens int
}
