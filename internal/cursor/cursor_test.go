package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func docs(n int) []bson.M {
	out := make([]bson.M, n)
	for i := range out {
		out[i] = bson.M{"_id": int32(i)}
	}
	return out
}

func TestOpenExhaustedInFirstBatch(t *testing.T) {
	r := NewRegistry()
	batch, id := r.Open("db.coll", docs(3), 10)
	assert.Len(t, batch, 3)
	assert.Equal(t, int64(0), id)
}

func TestOpenAndGetMore(t *testing.T) {
	r := NewRegistry()
	batch, id := r.Open("db.coll", docs(5), 2)
	require.Len(t, batch, 2)
	require.NotEqual(t, int64(0), id)

	batch2, exhausted, ok := r.GetMore("db.coll", id, 2)
	require.True(t, ok)
	assert.False(t, exhausted)
	assert.Len(t, batch2, 2)

	batch3, exhausted, ok := r.GetMore("db.coll", id, 2)
	require.True(t, ok)
	assert.True(t, exhausted)
	assert.Len(t, batch3, 1)

	_, _, ok = r.GetMore("db.coll", id, 2)
	assert.False(t, ok)
}

func TestGetMoreWrongNamespace(t *testing.T) {
	r := NewRegistry()
	_, id := r.Open("db.coll", docs(5), 2)
	_, _, ok := r.GetMore("db.other", id, 2)
	assert.False(t, ok)
}

func TestKill(t *testing.T) {
	r := NewRegistry()
	_, id := r.Open("db.coll", docs(5), 2)
	killed := r.Kill([]int64{id, 999999})
	assert.Equal(t, []int64{id}, killed)
	assert.Equal(t, 0, r.Len())
}

func TestSweep(t *testing.T) {
	r := NewRegistry()
	_, id := r.Open("db.coll", docs(5), 2)
	require.Equal(t, 1, r.Len())
	r.entries[id].LastUsed = time.Now().Add(-time.Hour)
	n := r.Sweep(time.Minute)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, r.Len())
}
