// Package session implements the logical-session and transaction manager:
// txnNumber monotonicity, transaction-scoped database connections, and a
// retryable-write result cache, keyed by client-assigned session id.
//
// Grounded on teacher's modern_session.go (mgo.Session wraps one logical
// client session + its connection pool checkout); here the same
// wrap-a-connection-for-the-session's-lifetime shape is repurposed to track
// a storage.Tx instead of a driver socket.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/storage"
)

// WriteResult is the cached outcome of a retryable write, returned verbatim
// if the same (lsid, txnNumber) pair is retried.
type WriteResult struct {
	N          int32
	NModified  int32
	Upserted   interface{}
	WriteError error
}

const retryableCacheSize = 64

// Session is one logical session's mutable state. Per spec.md §6.3's
// concurrency note, the outer registry mutex only protects the map; each
// Session has its own lock for everything below.
type Session struct {
	mu sync.Mutex

	LSID          uuid.UUID
	TxnNumber     int64
	hasTxnNumber  bool
	Autocommit    bool
	InTransaction bool
	Tx            storage.Tx
	LastActive    time.Time

	retryOrder []int64
	retryCache map[int64]WriteResult
}

func newSession(lsid uuid.UUID) *Session {
	return &Session{
		LSID:       lsid,
		LastActive: time.Now(),
		retryCache: map[int64]WriteResult{},
	}
}

// CheckTxnNumber validates an incoming txnNumber against spec.md §4.9's
// monotonicity rule: n == current is a retry (ok, isRetry=true); n ==
// current+1 (or the session's first ever n) advances; anything else errors.
func (s *Session) CheckTxnNumber(n int64) (isRetry bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasTxnNumber {
		s.hasTxnNumber = true
		s.TxnNumber = n
		return false, nil
	}
	switch {
	case n == s.TxnNumber:
		return true, nil
	case n == s.TxnNumber+1:
		s.TxnNumber = n
		return false, nil
	default:
		return false, oxerr.New(oxerr.CodeIllegalOperation, "txnNumber %d is not valid for this session (current %d)", n, s.TxnNumber)
	}
}

// BeginTransaction checks out tx and marks the session as having an open
// transaction. Fails if a transaction is already open (spec.md invariant 6:
// "a session is in at most one open transaction at a time").
func (s *Session) BeginTransaction(tx storage.Tx, autocommit bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InTransaction {
		return oxerr.New(oxerr.CodeIllegalOperation, "transaction already in progress")
	}
	s.Tx = tx
	s.InTransaction = true
	s.Autocommit = autocommit
	return nil
}

// CommitTransaction commits and releases the stored handle.
func (s *Session) CommitTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.InTransaction || s.Tx == nil {
		return oxerr.NoSuchTransaction("no transaction is in progress")
	}
	err := s.Tx.Commit(ctx)
	s.Tx = nil
	s.InTransaction = false
	if err != nil {
		return oxerr.Wrap(err)
	}
	return nil
}

// AbortTransaction rolls back and releases the stored handle.
func (s *Session) AbortTransaction(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.InTransaction || s.Tx == nil {
		return oxerr.NoSuchTransaction("no transaction is in progress")
	}
	err := s.Tx.Rollback(ctx)
	s.Tx = nil
	s.InTransaction = false
	if err != nil {
		return oxerr.Wrap(err)
	}
	return nil
}

// CurrentTx returns the transaction handle in progress, if any.
func (s *Session) CurrentTx() (storage.Tx, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Tx, s.InTransaction
}

// CacheRetryableWrite remembers the outcome of a retryable write for n.
func (s *Session) CacheRetryableWrite(n int64, wr WriteResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.retryCache[n]; !exists {
		s.retryOrder = append(s.retryOrder, n)
		if len(s.retryOrder) > retryableCacheSize {
			oldest := s.retryOrder[0]
			s.retryOrder = s.retryOrder[1:]
			delete(s.retryCache, oldest)
		}
	}
	s.retryCache[n] = wr
}

// RetryableResult returns a previously cached write result for n, if any.
func (s *Session) RetryableResult(n int64) (WriteResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wr, ok := s.retryCache[n]
	return wr, ok
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastActive
}

func (s *Session) hasOpenTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.InTransaction
}

// Registry is the process-wide lsid -> Session map (spec.md §6.3: "Session
// map: guarded by a single mutex; each session entry has its own inner
// mutex").
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: map[uuid.UUID]*Session{}}
}

// Get returns the session for lsid, creating it if absent, and marks it
// active.
func (r *Registry) Get(lsid uuid.UUID) *Session {
	r.mu.Lock()
	s, ok := r.sessions[lsid]
	if !ok {
		s = newSession(lsid)
		r.sessions[lsid] = s
	}
	r.mu.Unlock()
	s.touch()
	return s
}

// End removes a session outright (endSessions command); callers must abort
// any open transaction first.
func (r *Registry) End(lsid uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, lsid)
}

// Len reports the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep rolls back and removes sessions idle longer than ttl, returning how
// many were reaped. ctx bounds the rollback calls issued during the sweep.
func (r *Registry) Sweep(ctx context.Context, ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)
	r.mu.Lock()
	var stale []*Session
	for lsid, s := range r.sessions {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, s)
			delete(r.sessions, lsid)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		if s.hasOpenTransaction() {
			_ = s.AbortTransaction(ctx)
		}
	}
	return len(stale)
}

// RunSweeper starts a background goroutine calling Sweep on every tick.
func (r *Registry) RunSweeper(interval, ttl time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				r.Sweep(context.Background(), ttl)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
