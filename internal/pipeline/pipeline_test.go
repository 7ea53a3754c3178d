package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func newExec() *Executor {
	return &Executor{Now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestParseRejectsMultiOpStage(t *testing.T) {
	_, err := Parse(bson.A{bson.M{"$match": bson.M{}, "$sort": bson.M{}}})
	assert.Error(t, err)
}

func TestValidateGeoNearMustBeFirst(t *testing.T) {
	stages, err := Parse(bson.A{bson.M{"$match": bson.M{}}, bson.M{"$geoNear": bson.M{}}})
	require.NoError(t, err)
	assert.Error(t, Validate(stages))
}

func TestValidateOutMustBeLast(t *testing.T) {
	stages, err := Parse(bson.A{bson.M{"$out": "x"}, bson.M{"$match": bson.M{}}})
	require.NoError(t, err)
	assert.Error(t, Validate(stages))
}

func TestValidateFacetRejectsNestedOut(t *testing.T) {
	stages, err := Parse(bson.A{bson.M{"$facet": bson.M{"a": bson.A{bson.M{"$out": "x"}}}}})
	require.NoError(t, err)
	assert.Error(t, Validate(stages))
}

func TestRunMatchSortLimit(t *testing.T) {
	docs := []bson.M{
		{"_id": int32(1), "v": int32(3)},
		{"_id": int32(2), "v": int32(1)},
		{"_id": int32(3), "v": int32(2)},
	}
	stages, err := Parse(bson.A{
		bson.M{"$match": bson.M{"v": bson.M{"$gte": int32(1)}}},
		bson.M{"$sort": bson.M{"v": int32(1)}},
		bson.M{"$limit": int32(2)},
	})
	require.NoError(t, err)
	res, err := newExec().Run(context.Background(), docs, stages)
	require.NoError(t, err)
	require.Len(t, res.Docs, 2)
	assert.Equal(t, int32(2), res.Docs[0]["_id"])
	assert.Equal(t, int32(3), res.Docs[1]["_id"])
}

func TestRunGroupSum(t *testing.T) {
	docs := []bson.M{
		{"cat": "a", "n": int32(1)},
		{"cat": "a", "n": int32(2)},
		{"cat": "b", "n": int32(5)},
	}
	stages, err := Parse(bson.A{
		bson.M{"$group": bson.M{"_id": "$cat", "total": bson.M{"$sum": "$n"}}},
	})
	require.NoError(t, err)
	res, err := newExec().Run(context.Background(), docs, stages)
	require.NoError(t, err)
	require.Len(t, res.Docs, 2)
	totals := map[interface{}]interface{}{}
	for _, d := range res.Docs {
		totals[d["_id"]] = d["total"]
	}
	assert.Equal(t, int64(3), totals["a"])
	assert.Equal(t, int64(5), totals["b"])
}

func TestRunUnwind(t *testing.T) {
	docs := []bson.M{{"_id": "d1", "tags": bson.A{"b", "a", "c"}}}
	stages, err := Parse(bson.A{
		bson.M{"$unwind": "$tags"},
		bson.M{"$sort": bson.M{"tags": int32(1)}},
		bson.M{"$project": bson.M{"_id": int32(0), "tags": int32(1)}},
	})
	require.NoError(t, err)
	res, err := newExec().Run(context.Background(), docs, stages)
	require.NoError(t, err)
	require.Len(t, res.Docs, 3)
	assert.Equal(t, "a", res.Docs[0]["tags"])
	assert.Equal(t, "b", res.Docs[1]["tags"])
	assert.Equal(t, "c", res.Docs[2]["tags"])
}

func TestRunCount(t *testing.T) {
	docs := []bson.M{{"_id": int32(1)}, {"_id": int32(2)}, {"_id": int32(3)}}
	stages, err := Parse(bson.A{bson.M{"$count": "c"}})
	require.NoError(t, err)
	res, err := newExec().Run(context.Background(), docs, stages)
	require.NoError(t, err)
	require.Len(t, res.Docs, 1)
	assert.Equal(t, int32(3), res.Docs[0]["c"])
}

func TestRunFacet(t *testing.T) {
	docs := []bson.M{{"v": int32(1)}, {"v": int32(2)}, {"v": int32(3)}}
	stages, err := Parse(bson.A{
		bson.M{"$facet": bson.M{
			"all":   bson.A{},
			"count": bson.A{bson.M{"$count": "n"}},
		}},
	})
	require.NoError(t, err)
	res, err := newExec().Run(context.Background(), docs, stages)
	require.NoError(t, err)
	require.Len(t, res.Docs, 1)
	all, ok := res.Docs[0]["all"].(bson.A)
	require.True(t, ok)
	assert.Len(t, all, 3)
	countArr, ok := res.Docs[0]["count"].(bson.A)
	require.True(t, ok)
	require.Len(t, countArr, 1)
}

func TestRunBucket(t *testing.T) {
	docs := []bson.M{
		{"v": int32(5)}, {"v": int32(15)}, {"v": int32(25)}, {"v": int32(100)},
	}
	stages, err := Parse(bson.A{
		bson.M{"$bucket": bson.M{
			"groupBy":    "$v",
			"boundaries": bson.A{int32(0), int32(10), int32(20), int32(30)},
			"default":    "other",
		}},
	})
	require.NoError(t, err)
	res, err := newExec().Run(context.Background(), docs, stages)
	require.NoError(t, err)
	require.Len(t, res.Docs, 4) // three buckets + default
}

func TestRunProjectMixError(t *testing.T) {
	docs := []bson.M{{"a": int32(1), "b": int32(2)}}
	stages, err := Parse(bson.A{
		bson.M{"$project": bson.M{"a": int32(1), "b": int32(0)}},
	})
	require.NoError(t, err)
	_, err = newExec().Run(context.Background(), docs, stages)
	assert.Error(t, err)
}

func TestRunAddFieldsWithRemove(t *testing.T) {
	docs := []bson.M{{"a": int32(1), "b": int32(2)}}
	stages, err := Parse(bson.A{
		bson.M{"$addFields": bson.M{"b": "$$REMOVE"}},
	})
	require.NoError(t, err)
	res, err := newExec().Run(context.Background(), docs, stages)
	require.NoError(t, err)
	_, hasB := res.Docs[0]["b"]
	assert.False(t, hasB)
}
