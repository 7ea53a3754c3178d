package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	committed, rolledBack bool
}

func (f *fakeTx) Commit(ctx context.Context) error   { f.committed = true; return nil }
func (f *fakeTx) Rollback(ctx context.Context) error { f.rolledBack = true; return nil }

func TestTxnNumberMonotonicity(t *testing.T) {
	s := newSession(uuid.New())

	isRetry, err := s.CheckTxnNumber(1)
	require.NoError(t, err)
	assert.False(t, isRetry)

	isRetry, err = s.CheckTxnNumber(1)
	require.NoError(t, err)
	assert.True(t, isRetry)

	isRetry, err = s.CheckTxnNumber(2)
	require.NoError(t, err)
	assert.False(t, isRetry)

	_, err = s.CheckTxnNumber(10)
	assert.Error(t, err)
}

func TestTransactionLifecycle(t *testing.T) {
	s := newSession(uuid.New())
	tx := &fakeTx{}

	require.NoError(t, s.BeginTransaction(tx, false))
	assert.Error(t, s.BeginTransaction(tx, false)) // already in progress

	got, inTx := s.CurrentTx()
	assert.True(t, inTx)
	assert.Equal(t, tx, got)

	require.NoError(t, s.CommitTransaction(context.Background()))
	assert.True(t, tx.committed)

	_, inTx = s.CurrentTx()
	assert.False(t, inTx)
}

func TestAbortTransaction(t *testing.T) {
	s := newSession(uuid.New())
	tx := &fakeTx{}
	require.NoError(t, s.BeginTransaction(tx, false))
	require.NoError(t, s.AbortTransaction(context.Background()))
	assert.True(t, tx.rolledBack)
}

func TestRetryableWriteCache(t *testing.T) {
	s := newSession(uuid.New())
	s.CacheRetryableWrite(5, WriteResult{N: 1})
	wr, ok := s.RetryableResult(5)
	require.True(t, ok)
	assert.Equal(t, int32(1), wr.N)

	_, ok = s.RetryableResult(6)
	assert.False(t, ok)
}

func TestRegistryGetCreatesAndReuses(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	s1 := r.Get(id)
	s2 := r.Get(id)
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, r.Len())
}

func TestRegistrySweepAbortsOpenTransactions(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()
	s := r.Get(id)
	tx := &fakeTx{}
	require.NoError(t, s.BeginTransaction(tx, false))
	s.LastActive = time.Now().Add(-time.Hour)

	n := r.Sweep(context.Background(), time.Minute)
	assert.Equal(t, 1, n)
	assert.True(t, tx.rolledBack)
	assert.Equal(t, 0, r.Len())
}
