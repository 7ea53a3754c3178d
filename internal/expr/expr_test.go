package expr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func env(doc bson.M) Env {
	return Env{Current: doc, Root: doc, Vars: map[string]interface{}{}, Now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestEvalFieldRef(t *testing.T) {
	e := env(bson.M{"a": bson.M{"b": int32(5)}})
	v, err := Eval("$a.b", e)
	require.NoError(t, err)
	assert.Equal(t, int32(5), v)
}

func TestEvalMissingFieldIsNil(t *testing.T) {
	e := env(bson.M{})
	v, err := Eval("$missing", e)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvalArithmetic(t *testing.T) {
	e := env(bson.M{})
	v, err := Eval(bson.M{"$add": bson.A{int32(1), int32(2), int32(3)}}, e)
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)

	v, err = Eval(bson.M{"$multiply": bson.A{2.5, int32(2)}}, e)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
}

func TestEvalComparisonAndLogic(t *testing.T) {
	e := env(bson.M{})
	v, err := Eval(bson.M{"$gt": bson.A{int32(5), int32(3)}}, e)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Eval(bson.M{"$and": bson.A{true, bson.M{"$gt": bson.A{int32(2), int32(1)}}}}, e)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestEvalCond(t *testing.T) {
	e := env(bson.M{"x": int32(10)})
	v, err := Eval(bson.M{"$cond": bson.M{
		"if":   bson.M{"$gt": bson.A{"$x", int32(5)}},
		"then": "big",
		"else": "small",
	}}, e)
	require.NoError(t, err)
	assert.Equal(t, "big", v)
}

func TestEvalSwitch(t *testing.T) {
	e := env(bson.M{"x": int32(3)})
	v, err := Eval(bson.M{"$switch": bson.M{
		"branches": bson.A{
			bson.M{"case": bson.M{"$eq": bson.A{"$x", int32(1)}}, "then": "one"},
			bson.M{"case": bson.M{"$eq": bson.A{"$x", int32(3)}}, "then": "three"},
		},
		"default": "other",
	}}, e)
	require.NoError(t, err)
	assert.Equal(t, "three", v)
}

func TestEvalConcatAndCase(t *testing.T) {
	e := env(bson.M{"name": "Ada"})
	v, err := Eval(bson.M{"$concat": bson.A{"Hello, ", bson.M{"$toUpper": "$name"}}}, e)
	require.NoError(t, err)
	assert.Equal(t, "Hello, ADA", v)
}

func TestEvalArrayOps(t *testing.T) {
	e := env(bson.M{"arr": bson.A{int32(1), int32(2), int32(3)}})
	v, err := Eval(bson.M{"$size": "$arr"}, e)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = Eval(bson.M{"$arrayElemAt": bson.A{"$arr", int32(-1)}}, e)
	require.NoError(t, err)
	assert.Equal(t, int32(3), v)
}

func TestEvalMapFilterReduce(t *testing.T) {
	e := env(bson.M{"arr": bson.A{int32(1), int32(2), int32(3), int32(4)}})

	v, err := Eval(bson.M{"$filter": bson.M{
		"input": "$arr",
		"as":    "n",
		"cond":  bson.M{"$gt": bson.A{"$$n", int32(2)}},
	}}, e)
	require.NoError(t, err)
	assert.Equal(t, bson.A{int32(3), int32(4)}, v)

	v, err = Eval(bson.M{"$map": bson.M{
		"input": "$arr",
		"as":    "n",
		"in":    bson.M{"$multiply": bson.A{"$$n", int32(2)}},
	}}, e)
	require.NoError(t, err)
	assert.Equal(t, bson.A{int64(2), int64(4), int64(6), int64(8)}, v)

	v, err = Eval(bson.M{"$reduce": bson.M{
		"input":        "$arr",
		"initialValue": int32(0),
		"in":           bson.M{"$add": bson.A{"$$value", "$$this"}},
	}}, e)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v)
}

func TestEvalLet(t *testing.T) {
	e := env(bson.M{})
	v, err := Eval(bson.M{"$let": bson.M{
		"vars": bson.M{"x": int32(5), "y": int32(7)},
		"in":   bson.M{"$add": bson.A{"$$x", "$$y"}},
	}}, e)
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)
}

func TestEvalRemoveSentinel(t *testing.T) {
	e := env(bson.M{})
	v, err := Eval(bson.M{"a": "$$REMOVE", "b": int32(1)}, e)
	require.NoError(t, err)
	m := v.(bson.M)
	_, hasA := m["a"]
	assert.False(t, hasA)
	assert.Equal(t, int32(1), m["b"])
}

func TestEvalDateToString(t *testing.T) {
	e := env(bson.M{})
	d := time.Date(2026, 3, 5, 12, 30, 0, 0, time.UTC)
	v, err := Eval(bson.M{"$dateToString": bson.M{
		"date":   d,
		"format": "%Y-%m-%d",
	}}, e)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-05", v)
}

func TestEvalTypeConversions(t *testing.T) {
	e := env(bson.M{})
	v, err := Eval(bson.M{"$toString": int32(42)}, e)
	require.NoError(t, err)
	assert.Equal(t, "42", v)

	v, err = Eval(bson.M{"$toInt": "42"}, e)
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)
}
