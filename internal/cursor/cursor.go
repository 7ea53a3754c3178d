// Package cursor implements the process-wide cursor registry backing
// getMore/killCursors: batched result streaming with TTL-based reaping.
//
// Grounded on teacher's modern_iterator.go, which wraps a driver cursor with
// position/batch bookkeeping; here the same bookkeeping wraps a plain
// in-memory document slice instead of a live server-side cursor, since there
// is no upstream mongod to hold one open for us.
package cursor

import (
	"sync"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

const defaultBatchSize = 101

// Entry is one open cursor: the full, already-computed result set plus the
// position within it that the next getMore should resume from.
type Entry struct {
	ID        int64
	Namespace string // "<db>.<coll>"
	Docs      []bson.M
	Pos       int
	LastUsed  time.Time
	BatchSize int32
}

func (e *Entry) exhausted() bool { return e.Pos >= len(e.Docs) }

// nextBatch advances Pos and returns up to n documents (or e.BatchSize when
// n<=0), plus whether the cursor is now exhausted.
func (e *Entry) nextBatch(n int32) ([]bson.M, bool) {
	if n <= 0 {
		n = e.BatchSize
		if n <= 0 {
			n = defaultBatchSize
		}
	}
	end := e.Pos + int(n)
	if end > len(e.Docs) {
		end = len(e.Docs)
	}
	batch := e.Docs[e.Pos:end]
	e.Pos = end
	return batch, e.exhausted()
}

// Registry is the process-wide id -> Entry map. Ids below reservedIDSpace
// are never minted, leaving room for well-known sentinel cursor ids used by
// some drivers' handshake probes.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]*Entry
	nextID  int64
}

const reservedIDSpace = 1000

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: map[int64]*Entry{}, nextID: reservedIDSpace}
}

// Open registers docs as a new cursor, returning the first batch and the
// cursor id (0 if the entire result fit in one batch, matching MongoDB's
// "cursor exhausted on first batch" convention).
func (r *Registry) Open(namespace string, docs []bson.M, batchSize int32) (firstBatch []bson.M, cursorID int64) {
	bs := batchSize
	if bs <= 0 {
		bs = defaultBatchSize
	}
	e := &Entry{Namespace: namespace, Docs: docs, BatchSize: bs, LastUsed: time.Now()}
	batch, exhausted := e.nextBatch(bs)
	if exhausted {
		return batch, 0
	}
	id := atomic.AddInt64(&r.nextID, 1)
	e.ID = id
	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()
	return batch, id
}

// GetMore advances the named cursor and returns the next batch. ok is false
// if the cursor id is unknown (already reaped, killed, or never existed) or
// belongs to a different namespace than requested.
func (r *Registry) GetMore(namespace string, id int64, batchSize int32) (batch []bson.M, exhausted bool, ok bool) {
	r.mu.Lock()
	e, found := r.entries[id]
	if !found || e.Namespace != namespace {
		r.mu.Unlock()
		return nil, false, false
	}
	e.LastUsed = time.Now()
	batch, exhausted = e.nextBatch(batchSize)
	if exhausted {
		delete(r.entries, id)
	}
	r.mu.Unlock()
	return batch, exhausted, true
}

// Kill removes the named cursor ids, returning those that were actually
// open (killCursors reports killedCursors vs. notFound separately).
func (r *Registry) Kill(ids []int64) (killed []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if _, ok := r.entries[id]; ok {
			delete(r.entries, id)
			killed = append(killed, id)
		}
	}
	return killed
}

// Sweep deletes every cursor whose LastUsed is older than ttl, returning how
// many were reaped. Intended to run on a ticker from internal/server.
func (r *Registry) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, e := range r.entries {
		if e.LastUsed.Before(cutoff) {
			delete(r.entries, id)
			n++
		}
	}
	return n
}

// Len reports how many cursors are currently open (used by serverStatus).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// RunSweeper starts a background sweeper goroutine that calls Sweep on every
// tick until the returned stop function is called.
func (r *Registry) RunSweeper(interval, ttl time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.Sweep(ttl)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
