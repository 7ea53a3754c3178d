package update

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestApplySet(t *testing.T) {
	doc := bson.M{"a": bson.M{"b": int32(1)}}
	err := Apply(doc, bson.M{"$set": bson.M{"a.b": int32(2), "a.c": "new"}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), doc["a"].(bson.M)["b"])
	assert.Equal(t, "new", doc["a"].(bson.M)["c"])
}

func TestApplyUnset(t *testing.T) {
	doc := bson.M{"a": int32(1), "b": int32(2)}
	err := Apply(doc, bson.M{"$unset": bson.M{"a": ""}})
	require.NoError(t, err)
	_, ok := doc["a"]
	assert.False(t, ok)
	assert.Equal(t, int32(2), doc["b"])
}

func TestApplyIncPreservesInt32(t *testing.T) {
	doc := bson.M{"n": int32(5)}
	err := Apply(doc, bson.M{"$inc": bson.M{"n": int32(3)}})
	require.NoError(t, err)
	assert.Equal(t, int32(8), doc["n"])
}

func TestApplyIncMissingField(t *testing.T) {
	doc := bson.M{}
	err := Apply(doc, bson.M{"$inc": bson.M{"n": int32(3)}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), doc["n"])
}

func TestApplyIncRejectsNonNumeric(t *testing.T) {
	doc := bson.M{"n": "not a number"}
	err := Apply(doc, bson.M{"$inc": bson.M{"n": int32(1)}})
	assert.Error(t, err)
}

func TestApplyRename(t *testing.T) {
	doc := bson.M{"old": "v"}
	err := Apply(doc, bson.M{"$rename": bson.M{"old": "new"}})
	require.NoError(t, err)
	assert.Equal(t, "v", doc["new"])
	_, ok := doc["old"]
	assert.False(t, ok)
}

func TestApplyRenameMissingIsNoop(t *testing.T) {
	doc := bson.M{"other": "v"}
	err := Apply(doc, bson.M{"$rename": bson.M{"old": "new"}})
	require.NoError(t, err)
	assert.Equal(t, "v", doc["other"])
	_, ok := doc["new"]
	assert.False(t, ok)
}

func TestApplyPushSimple(t *testing.T) {
	doc := bson.M{"tags": bson.A{"a"}}
	err := Apply(doc, bson.M{"$push": bson.M{"tags": "b"}})
	require.NoError(t, err)
	assert.Equal(t, bson.A{"a", "b"}, doc["tags"])
}

func TestApplyPushEachPositionSlice(t *testing.T) {
	doc := bson.M{"arr": bson.A{int32(1), int32(2), int32(3)}}
	err := Apply(doc, bson.M{"$push": bson.M{
		"arr": bson.M{
			"$each":     bson.A{int32(10), int32(20)},
			"$position": int32(1),
			"$slice":    int32(4),
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, bson.A{int32(1), int32(10), int32(20), int32(2)}, doc["arr"])
}

func TestApplyPullScalar(t *testing.T) {
	doc := bson.M{"arr": bson.A{int32(1), int32(2), int32(3), int32(2)}}
	err := Apply(doc, bson.M{"$pull": bson.M{"arr": int32(2)}})
	require.NoError(t, err)
	assert.Equal(t, bson.A{int32(1), int32(3)}, doc["arr"])
}

func TestApplyPullWithOperator(t *testing.T) {
	doc := bson.M{"arr": bson.A{int32(1), int32(2), int32(3), int32(4)}}
	err := Apply(doc, bson.M{"$pull": bson.M{"arr": bson.M{"$gte": int32(3)}}})
	require.NoError(t, err)
	assert.Equal(t, bson.A{int32(1), int32(2)}, doc["arr"])
}

func TestApplyPullWithDocPredicate(t *testing.T) {
	doc := bson.M{"arr": bson.A{
		bson.M{"x": int32(1)},
		bson.M{"x": int32(2)},
	}}
	err := Apply(doc, bson.M{"$pull": bson.M{"arr": bson.M{"x": int32(1)}}})
	require.NoError(t, err)
	assert.Equal(t, bson.A{bson.M{"x": int32(2)}}, doc["arr"])
}

func TestApplyAddToSetDedup(t *testing.T) {
	doc := bson.M{"arr": bson.A{int32(1), int32(2)}}
	err := Apply(doc, bson.M{"$addToSet": bson.M{"arr": int32(2)}})
	require.NoError(t, err)
	assert.Equal(t, bson.A{int32(1), int32(2)}, doc["arr"])
}

func TestApplyPopLastAndFirst(t *testing.T) {
	doc := bson.M{"arr": bson.A{int32(1), int32(2), int32(3)}}
	require.NoError(t, Apply(doc, bson.M{"$pop": bson.M{"arr": int32(1)}}))
	assert.Equal(t, bson.A{int32(1), int32(2)}, doc["arr"])

	require.NoError(t, Apply(doc, bson.M{"$pop": bson.M{"arr": int32(-1)}}))
	assert.Equal(t, bson.A{int32(2)}, doc["arr"])
}

func TestIsOperatorUpdate(t *testing.T) {
	assert.True(t, IsOperatorUpdate(bson.M{"$set": bson.M{"a": 1}}))
	assert.False(t, IsOperatorUpdate(bson.M{"a": 1}))
	assert.False(t, IsOperatorUpdate(bson.M{}))
}
