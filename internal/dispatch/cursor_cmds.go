package dispatch

import (
	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"go.mongodb.org/mongo-driver/bson"
)

// cmdGetMore implements getMore: {cursor:{id, ns, nextBatch}, ok}. Per
// spec.md §7's "User-visible behavior", an unknown cursor id is reported as
// an already-exhausted cursor rather than an error, matching driver
// expectations.
func (d *Dispatcher) cmdGetMore(db string, m bson.M) (bson.M, error) {
	id, ok := bsonutil.AsInt64(m["getMore"])
	if !ok {
		return nil, oxerr.FailedToParse("getMore requires a cursor id")
	}
	coll, err := stringField(m, "collection")
	if err != nil {
		return nil, err
	}
	ns := namespace(db, coll)
	batchSize := int32Field(m, "batchSize", 0)

	if d.Cursors == nil {
		return bson.M{"cursor": bson.M{"id": int64(0), "ns": ns, "nextBatch": bson.A{}}, "ok": 1.0}, nil
	}
	batch, exhausted, found := d.Cursors.GetMore(ns, id, batchSize)
	if !found {
		return bson.M{"cursor": bson.M{"id": int64(0), "ns": ns, "nextBatch": bson.A{}}, "ok": 1.0}, nil
	}
	nextID := id
	if exhausted {
		nextID = 0
	}
	return bson.M{"cursor": bson.M{"id": nextID, "ns": ns, "nextBatch": batch}, "ok": 1.0}, nil
}

// cmdKillCursors implements killCursors: reports which ids were actually
// open vs. unknown.
func (d *Dispatcher) cmdKillCursors(m bson.M) (bson.M, error) {
	arr, ok := bsonutil.ToA(m["cursors"])
	if !ok {
		return nil, oxerr.FailedToParse("killCursors requires a cursors array")
	}
	var ids []int64
	for _, v := range arr {
		if n, ok := bsonutil.AsInt64(v); ok {
			ids = append(ids, n)
		}
	}
	var killed []int64
	if d.Cursors != nil {
		killed = d.Cursors.Kill(ids)
	}
	killedSet := map[int64]bool{}
	for _, id := range killed {
		killedSet[id] = true
	}
	var notFound []int64
	for _, id := range ids {
		if !killedSet[id] {
			notFound = append(notFound, id)
		}
	}
	return bson.M{
		"cursorsKilled":    int64Slice(killed),
		"cursorsNotFound":  int64Slice(notFound),
		"cursorsAlive":     bson.A{},
		"cursorsUnknown":   bson.A{},
		"ok":               1.0,
	}, nil
}

func int64Slice(ids []int64) bson.A {
	out := make(bson.A, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
