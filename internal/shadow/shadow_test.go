package shadow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
)

func TestDocsEqualIgnoresConfiguredFields(t *testing.T) {
	ignore := map[string]bool{"localTime": true}
	a := bson.M{"ok": 1.0, "localTime": "t1"}
	b := bson.M{"ok": 1.0, "localTime": "t2"}
	assert.True(t, docsEqual(a, b, ignore, false))
}

func TestDocsEqualDetectsMismatch(t *testing.T) {
	a := bson.M{"n": int32(1)}
	b := bson.M{"n": int32(2)}
	assert.False(t, docsEqual(a, b, map[string]bool{}, false))
}

func TestDocsEqualNumericEquivalence(t *testing.T) {
	a := bson.M{"n": int32(3)}
	b := bson.M{"n": float64(3)}
	assert.False(t, docsEqual(a, b, map[string]bool{}, false))
	assert.True(t, docsEqual(a, b, map[string]bool{}, true))
}

func TestDocsEqualNestedDocuments(t *testing.T) {
	a := bson.M{"cursor": bson.M{"id": int64(0), "ns": "db.coll"}}
	b := bson.M{"cursor": bson.M{"id": int64(0), "ns": "db.coll"}}
	assert.True(t, docsEqual(a, b, map[string]bool{}, false))
}

func TestDocsEqualExtraKeyOnOneSide(t *testing.T) {
	a := bson.M{"ok": 1.0}
	b := bson.M{"ok": 1.0, "extra": true}
	assert.False(t, docsEqual(a, b, map[string]bool{}, false))
}

func TestForwarderMetricsNilSafe(t *testing.T) {
	var f *Forwarder
	m := f.Metrics()
	assert.Zero(t, m.Attempts)
}

func TestShouldSample(t *testing.T) {
	f := &Forwarder{}
	f.cfg.SampleRate = 0
	assert.False(t, f.shouldSample())
	f.cfg.SampleRate = 1
	assert.True(t, f.shouldSample())
}
