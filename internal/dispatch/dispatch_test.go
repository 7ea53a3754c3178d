package dispatch

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/oxidedb/oxidedb/internal/cursor"
	"github.com/oxidedb/oxidedb/internal/session"
	"github.com/oxidedb/oxidedb/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func newTestDispatcher() *Dispatcher {
	return New(storage.NewMemFacade(), cursor.NewRegistry(), session.NewRegistry())
}

func cmd(pairs ...interface{}) bson.D {
	d := bson.D{}
	for i := 0; i+1 < len(pairs); i += 2 {
		d = append(d, bson.E{Key: pairs[i].(string), Value: pairs[i+1]})
	}
	return d
}

func TestHandleUnknownCommand(t *testing.T) {
	d := newTestDispatcher()
	reply := d.Handle(context.Background(), "db", cmd("bogus", 1))
	assert.Equal(t, 0.0, reply["ok"])
	assert.EqualValues(t, 59, reply["code"])
}

func TestHandleEmptyCommand(t *testing.T) {
	d := newTestDispatcher()
	reply := d.Handle(context.Background(), "db", bson.D{})
	assert.Equal(t, 0.0, reply["ok"])
}

func TestHello(t *testing.T) {
	d := newTestDispatcher()
	reply := d.Handle(context.Background(), "db", cmd("hello", 1))
	assert.Equal(t, 1.0, reply["ok"])
	assert.Equal(t, true, reply["isWritablePrimary"])
	assert.EqualValues(t, wireVersion, reply["maxWireVersion"])
}

func TestPing(t *testing.T) {
	d := newTestDispatcher()
	reply := d.Handle(context.Background(), "db", cmd("ping", 1))
	assert.Equal(t, 1.0, reply["ok"])
}

func TestInsertAndFind(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()

	insertReply := d.Handle(ctx, "db", cmd(
		"insert", "widgets",
		"documents", bson.A{bson.D{{Key: "name", Value: "gadget"}}},
	))
	assert.Equal(t, 1.0, insertReply["ok"])
	assert.EqualValues(t, 1, insertReply["n"])
	assert.Nil(t, insertReply["writeErrors"])

	findReply := d.Handle(ctx, "db", cmd(
		"find", "widgets",
		"filter", bson.D{{Key: "name", Value: "gadget"}},
	))
	assert.Equal(t, 1.0, findReply["ok"])
	c, ok := findReply["cursor"].(bson.M)
	require.True(t, ok)
	batch, ok := c["firstBatch"].([]bson.M)
	require.True(t, ok)
	require.Len(t, batch, 1)
	assert.Equal(t, "gadget", batch[0]["name"])
}

func TestInsertDuplicateKeyCollectedAsWriteError(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()
	doc := bson.D{{Key: "_id", Value: "fixed"}, {Key: "v", Value: int32(1)}}

	first := d.Handle(ctx, "db", cmd("insert", "widgets", "documents", bson.A{doc}))
	assert.EqualValues(t, 1, first["n"])

	second := d.Handle(ctx, "db", cmd("insert", "widgets", "documents", bson.A{doc}))
	assert.EqualValues(t, 0, second["n"])
	writeErrors, ok := second["writeErrors"].(bson.A)
	require.True(t, ok)
	require.Len(t, writeErrors, 1)
	we := writeErrors[0].(bson.M)
	assert.EqualValues(t, 11000, we["code"])
}

func TestUpdateUpsertInsertsWhenNoMatch(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()

	reply := d.Handle(ctx, "db", cmd(
		"update", "widgets",
		"updates", bson.A{bson.D{
			{Key: "q", Value: bson.D{{Key: "sku", Value: "abc"}}},
			{Key: "u", Value: bson.D{{Key: "$set", Value: bson.D{{Key: "qty", Value: int32(5)}}}}},
			{Key: "upsert", Value: true},
		}},
	))
	assert.Equal(t, 1.0, reply["ok"])
	assert.EqualValues(t, 1, reply["n"])
	upserted, ok := reply["upserted"].(bson.A)
	require.True(t, ok)
	require.Len(t, upserted, 1)

	findReply := d.Handle(ctx, "db", cmd("find", "widgets", "filter", bson.D{{Key: "sku", Value: "abc"}}))
	batch := findReply["cursor"].(bson.M)["firstBatch"].([]bson.M)
	require.Len(t, batch, 1)
	assert.EqualValues(t, 5, batch[0]["qty"])
}

func TestUpdateMatchesWithoutUpsertIsNoop(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()

	reply := d.Handle(ctx, "db", cmd(
		"update", "widgets",
		"updates", bson.A{bson.D{
			{Key: "q", Value: bson.D{{Key: "sku", Value: "missing"}}},
			{Key: "u", Value: bson.D{{Key: "$set", Value: bson.D{{Key: "qty", Value: int32(1)}}}}},
		}},
	))
	assert.EqualValues(t, 0, reply["n"])
	assert.EqualValues(t, 0, reply["nModified"])
	assert.Nil(t, reply["upserted"])
}

func TestDeleteWithLimit(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()
	d.Handle(ctx, "db", cmd("insert", "widgets", "documents", bson.A{
		bson.D{{Key: "kind", Value: "a"}},
		bson.D{{Key: "kind", Value: "a"}},
	}))

	reply := d.Handle(ctx, "db", cmd(
		"delete", "widgets",
		"deletes", bson.A{bson.D{
			{Key: "q", Value: bson.D{{Key: "kind", Value: "a"}}},
			{Key: "limit", Value: int32(1)},
		}},
	))
	assert.EqualValues(t, 1, reply["n"])

	countReply := d.Handle(ctx, "db", cmd("count", "widgets", "query", bson.D{{Key: "kind", Value: "a"}}))
	assert.EqualValues(t, 1, countReply["n"])
}

func TestFindAndModifyUpsertNew(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()

	reply := d.Handle(ctx, "db", cmd(
		"findAndModify", "widgets",
		"query", bson.D{{Key: "sku", Value: "xyz"}},
		"update", bson.D{{Key: "$set", Value: bson.D{{Key: "qty", Value: int32(9)}}}},
		"upsert", true,
		"new", true,
	))
	assert.Equal(t, 1.0, reply["ok"])
	leo := reply["lastErrorObject"].(bson.M)
	assert.EqualValues(t, 1, leo["n"])
	assert.False(t, leo["updatedExisting"].(bool))
	value := reply["value"].(bson.M)
	assert.EqualValues(t, 9, value["qty"])
}

func TestFindAndModifyRemove(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()
	d.Handle(ctx, "db", cmd("insert", "widgets", "documents", bson.A{
		bson.D{{Key: "_id", Value: "r1"}, {Key: "kind", Value: "z"}},
	}))

	reply := d.Handle(ctx, "db", cmd(
		"findAndModify", "widgets",
		"query", bson.D{{Key: "kind", Value: "z"}},
		"remove", true,
	))
	leo := reply["lastErrorObject"].(bson.M)
	assert.EqualValues(t, 1, leo["n"])
	value := reply["value"].(bson.M)
	assert.Equal(t, "r1", value["_id"])

	countReply := d.Handle(ctx, "db", cmd("count", "widgets", "query", bson.D{{Key: "kind", Value: "z"}}))
	assert.EqualValues(t, 0, countReply["n"])
}

func TestAggregateMatchPushdownThenInMemoryProject(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()
	d.Handle(ctx, "db", cmd("insert", "widgets", "documents", bson.A{
		bson.D{{Key: "kind", Value: "a"}, {Key: "qty", Value: int32(3)}},
		bson.D{{Key: "kind", Value: "b"}, {Key: "qty", Value: int32(7)}},
	}))

	reply := d.Handle(ctx, "db", cmd(
		"aggregate", "widgets",
		"pipeline", bson.A{
			bson.D{{Key: "$match", Value: bson.D{{Key: "kind", Value: "a"}}}},
			bson.D{{Key: "$project", Value: bson.D{{Key: "qty", Value: int32(1)}}}},
		},
		"cursor", bson.D{},
	))
	assert.Equal(t, 1.0, reply["ok"])
	batch := reply["cursor"].(bson.M)["firstBatch"].([]bson.M)
	require.Len(t, batch, 1)
	assert.EqualValues(t, 3, batch[0]["qty"])
	assert.Nil(t, batch[0]["kind"])
}

func TestGetMoreUnknownCursorReturnsExhaustedShape(t *testing.T) {
	d := newTestDispatcher()
	reply := d.Handle(context.Background(), "db", cmd("getMore", int64(999), "collection", "widgets"))
	assert.Equal(t, 1.0, reply["ok"])
	c := reply["cursor"].(bson.M)
	assert.EqualValues(t, 0, c["id"])
	assert.Empty(t, c["nextBatch"])
}

func TestCreateAndListIndexes(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()
	createReply := d.Handle(ctx, "db", cmd(
		"createIndexes", "widgets",
		"indexes", bson.A{bson.D{
			{Key: "key", Value: bson.D{{Key: "sku", Value: int32(1)}}},
			{Key: "name", Value: "sku_1"},
			{Key: "unique", Value: true},
		}},
	))
	assert.EqualValues(t, 1, createReply["numIndexesAfter"])

	listReply := d.Handle(ctx, "db", cmd("listIndexes", "widgets"))
	batch := listReply["cursor"].(bson.M)["firstBatch"].([]bson.M)
	require.Len(t, batch, 1)
	assert.Equal(t, "sku_1", batch[0]["name"])
	assert.Equal(t, true, batch[0]["unique"])
}

func TestTransactionLifecycle(t *testing.T) {
	d := newTestDispatcher()
	ctx := context.Background()
	lsid := uuid.New()

	start := d.Handle(ctx, "db", cmd(
		"startTransaction", 1,
		"lsid", bson.D{{Key: "id", Value: lsid}},
		"txnNumber", int64(1),
	))
	assert.Equal(t, 1.0, start["ok"])

	again := d.Handle(ctx, "db", cmd(
		"startTransaction", 1,
		"lsid", bson.D{{Key: "id", Value: lsid}},
		"txnNumber", int64(1),
		"autocommit", true,
	))
	assert.Equal(t, 0.0, again["ok"])

	commit := d.Handle(ctx, "db", cmd("commitTransaction", 1, "lsid", bson.D{{Key: "id", Value: lsid}}))
	assert.Equal(t, 1.0, commit["ok"])

	abortAgain := d.Handle(ctx, "db", cmd("abortTransaction", 1, "lsid", bson.D{{Key: "id", Value: lsid}}))
	assert.Equal(t, 0.0, abortAgain["ok"])
}

func TestShadowMetricsWithoutProvider(t *testing.T) {
	d := newTestDispatcher()
	reply := d.Handle(context.Background(), "db", cmd("oxidedbShadowMetrics", 1))
	assert.Equal(t, 1.0, reply["ok"])
	shadow := reply["shadow"].(bson.M)
	assert.EqualValues(t, 0, shadow["attempts"])
}
