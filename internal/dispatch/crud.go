package dispatch

import (
	"context"

	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"github.com/oxidedb/oxidedb/internal/filter"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/storage"
	"github.com/oxidedb/oxidedb/internal/update"
	"go.mongodb.org/mongo-driver/bson"
)

// cmdInsert implements spec.md §6.2's insert reply shape: {n, ok,
// writeErrors?}. Per-document failures are collected rather than aborting
// the whole batch (spec.md §7 "Propagation policy").
func (d *Dispatcher) cmdInsert(ctx context.Context, db string, m bson.M) (bson.M, error) {
	coll, err := stringField(m, "insert")
	if err != nil {
		return nil, err
	}
	docsArg, ok := bsonutil.ToA(m["documents"])
	if !ok {
		return nil, oxerr.FailedToParse("insert requires a non-empty documents array")
	}
	if err := d.Facade.EnsureDatabase(ctx, db); err != nil {
		return nil, oxerr.Wrap(err)
	}
	if err := d.Facade.EnsureCollection(ctx, db, coll); err != nil {
		return nil, oxerr.Wrap(err)
	}

	var n int32
	var writeErrors bson.A
	for i, raw := range docsArg {
		doc, ok := bsonutil.ToM(raw)
		if !ok {
			writeErrors = append(writeErrors, bson.M{"index": int32(i), "code": oxerr.CodeFailedToParse, "errmsg": "document is not an object"})
			continue
		}
		sd, err := toDocument(bsonutil.Clone(doc).(bson.M))
		if err != nil {
			writeErrors = append(writeErrors, bson.M{"index": int32(i), "code": oxerr.CodeOf(err), "errmsg": err.Error()})
			continue
		}
		inserted, err := d.Facade.InsertOne(ctx, db, coll, sd)
		if err != nil {
			writeErrors = append(writeErrors, bson.M{"index": int32(i), "code": oxerr.CodeOf(err), "errmsg": err.Error()})
			continue
		}
		if inserted == 0 {
			writeErrors = append(writeErrors, bson.M{"index": int32(i), "code": oxerr.CodeDuplicateKey, "errmsg": "duplicate key on _id"})
			continue
		}
		n++
	}
	reply := bson.M{"n": n, "ok": 1.0}
	if len(writeErrors) > 0 {
		reply["writeErrors"] = writeErrors
	}
	return reply, nil
}

// cmdUpdate implements the update command: {n, nModified, ok, upserted?}.
func (d *Dispatcher) cmdUpdate(ctx context.Context, db string, m bson.M) (bson.M, error) {
	coll, err := stringField(m, "update")
	if err != nil {
		return nil, err
	}
	updates, ok := bsonutil.ToA(m["updates"])
	if !ok {
		return nil, oxerr.FailedToParse("update requires a non-empty updates array")
	}

	var n, nModified int32
	var upserted bson.A
	for i, raw := range updates {
		spec, ok := bsonutil.ToM(raw)
		if !ok {
			continue
		}
		q, _ := bsonutil.ToM(spec["q"])
		u := spec["u"]
		multi := boolField(spec, "multi", false)
		upsert := boolField(spec, "upsert", false)

		matched, modified, newID, err := d.applyUpdateSpec(ctx, db, coll, q, u, multi, upsert)
		if err != nil {
			return nil, err
		}
		n += matched
		nModified += modified
		if newID != nil {
			upserted = append(upserted, bson.M{"index": int32(i), "_id": newID})
		}
	}
	reply := bson.M{"n": n, "nModified": nModified, "ok": 1.0}
	if len(upserted) > 0 {
		reply["upserted"] = upserted
	}
	return reply, nil
}

// applyUpdateSpec runs one (q, u, multi, upsert) tuple, returning the
// matched/modified counts and, on upsert-insert, the new document's _id.
func (d *Dispatcher) applyUpdateSpec(ctx context.Context, db, coll string, q bson.M, u interface{}, multi, upsert bool) (matched, modified int32, newID interface{}, err error) {
	pred, perr := filter.Translate(q)
	if perr != nil {
		return 0, 0, nil, oxerr.Wrap(perr)
	}
	var limit int64 = 1
	if multi {
		limit = 0
	}
	docs, ferr := d.Facade.FindDocs(ctx, db, coll, pred, "", limit)
	if ferr != nil {
		return 0, 0, nil, oxerr.Wrap(ferr)
	}

	if len(docs) == 0 {
		if !upsert {
			return 0, 0, nil, nil
		}
		doc, uerr := buildUpsertDoc(q, u)
		if uerr != nil {
			return 0, 0, nil, uerr
		}
		if err := d.Facade.EnsureDatabase(ctx, db); err != nil {
			return 0, 0, nil, oxerr.Wrap(err)
		}
		if err := d.Facade.EnsureCollection(ctx, db, coll); err != nil {
			return 0, 0, nil, oxerr.Wrap(err)
		}
		sd, derr := toDocument(doc)
		if derr != nil {
			return 0, 0, nil, derr
		}
		if _, err := d.Facade.InsertOne(ctx, db, coll, sd); err != nil {
			return 0, 0, nil, oxerr.Wrap(err)
		}
		return 1, 0, doc["_id"], nil
	}

	for _, sd := range docs {
		before, err := storage.DocToBSONM(sd)
		if err != nil {
			return matched, modified, newID, oxerr.Wrap(err)
		}
		after, changed, err := applyUpdateDoc(before, u)
		if err != nil {
			return matched, modified, newID, err
		}
		matched++
		if !changed {
			continue
		}
		out, err := toDocument(after)
		if err != nil {
			return matched, modified, newID, err
		}
		if _, err := d.Facade.UpdateDocByID(ctx, db, coll, sd.ID, out); err != nil {
			return matched, modified, newID, oxerr.Wrap(err)
		}
		modified++
	}
	return matched, modified, nil, nil
}

// applyUpdateDoc runs u against before, returning the resulting document
// and whether anything actually changed. Operator-style updates mutate a
// clone in place; replacement-style updates (no "$" keys) replace the
// document outright, keeping the original _id.
func applyUpdateDoc(before bson.M, u interface{}) (bson.M, bool, error) {
	um, ok := bsonutil.ToM(u)
	if !ok {
		return nil, false, oxerr.FailedToParse("update document must be an object")
	}
	if update.IsOperatorUpdate(um) {
		clone, _ := bsonutil.Clone(before).(bson.M)
		if err := update.Apply(clone, um); err != nil {
			return nil, false, err
		}
		return clone, !bsonutil.Equal(before, clone), nil
	}
	replacement, _ := bsonutil.Clone(um).(bson.M)
	replacement["_id"] = before["_id"]
	return replacement, !bsonutil.Equal(before, replacement), nil
}

// buildUpsertDoc synthesizes the document an upsert inserts when no match
// is found: the query's literal equality fields, with the update applied
// on top (operator form) or used directly (replacement form).
func buildUpsertDoc(q bson.M, u interface{}) (bson.M, error) {
	base := bson.M{}
	for k, v := range q {
		if len(k) > 0 && k[0] == '$' {
			continue
		}
		if _, ok := bsonutil.ToM(v); ok {
			continue // operator sub-document; not a literal value to seed with
		}
		_ = bsonutil.Set(base, k, v)
	}
	um, ok := bsonutil.ToM(u)
	if !ok {
		return nil, oxerr.FailedToParse("update document must be an object")
	}
	if update.IsOperatorUpdate(um) {
		if err := update.Apply(base, um); err != nil {
			return nil, err
		}
	} else {
		base, _ = bsonutil.Clone(um).(bson.M)
	}
	if _, ok := base["_id"]; !ok {
		base["_id"] = bsonutil.NewObjectID()
	}
	return base, nil
}

// cmdDelete implements the delete command: {n, ok}.
func (d *Dispatcher) cmdDelete(ctx context.Context, db string, m bson.M) (bson.M, error) {
	coll, err := stringField(m, "delete")
	if err != nil {
		return nil, err
	}
	deletes, ok := bsonutil.ToA(m["deletes"])
	if !ok {
		return nil, oxerr.FailedToParse("delete requires a non-empty deletes array")
	}
	var n int32
	for _, raw := range deletes {
		spec, ok := bsonutil.ToM(raw)
		if !ok {
			continue
		}
		q, _ := bsonutil.ToM(spec["q"])
		limit := int64Field(spec, "limit", 0)
		pred, perr := filter.Translate(q)
		if perr != nil {
			return nil, oxerr.Wrap(perr)
		}
		if limit == 1 {
			deleted, _, err := d.Facade.DeleteOneByFilter(ctx, db, coll, pred)
			if err != nil {
				return nil, oxerr.Wrap(err)
			}
			n += int32(deleted)
		} else {
			deleted, err := d.Facade.DeleteManyByFilter(ctx, db, coll, pred)
			if err != nil {
				return nil, oxerr.Wrap(err)
			}
			n += int32(deleted)
		}
	}
	return bson.M{"n": n, "ok": 1.0}, nil
}

// cmdFindAndModify implements findAndModify's atomic read-modify-write,
// grounded on storage.Facade's transaction-scoped FindOneForUpdate (spec.md
// §4.9): the match and the write happen inside the same tx so a concurrent
// writer cannot interleave between them.
func (d *Dispatcher) cmdFindAndModify(ctx context.Context, db string, m bson.M) (bson.M, error) {
	coll, err := stringField(m, "findAndModify")
	if err != nil {
		return nil, err
	}
	q, _ := bsonutil.ToM(m["query"])
	pred, perr := filter.Translate(q)
	if perr != nil {
		return nil, oxerr.Wrap(perr)
	}
	var sortSpec storage.Sort
	if sd, ok := toD(m["sort"]); ok {
		sortSpec = filter.TranslateSort(sd)
	}
	remove := boolField(m, "remove", false)
	wantNew := boolField(m, "new", false)
	upsert := boolField(m, "upsert", false)

	tx, err := d.Facade.BeginTx(ctx)
	if err != nil {
		return nil, oxerr.Wrap(err)
	}
	commit := false
	defer func() {
		if !commit {
			_ = tx.Rollback(ctx)
		}
	}()

	found, ferr := d.Facade.FindOneForUpdate(ctx, tx, db, coll, pred, sortSpec)
	if ferr != nil {
		return nil, oxerr.Wrap(ferr)
	}

	if found == nil {
		if remove {
			commit = true
			_ = tx.Commit(ctx)
			return bson.M{"lastErrorObject": bson.M{"n": int32(0), "updatedExisting": false}, "value": nil, "ok": 1.0}, nil
		}
		if !upsert {
			commit = true
			_ = tx.Commit(ctx)
			return bson.M{"lastErrorObject": bson.M{"n": int32(0), "updatedExisting": false}, "value": nil, "ok": 1.0}, nil
		}
		doc, uerr := buildUpsertDoc(q, m["update"])
		if uerr != nil {
			return nil, uerr
		}
		sd, derr := toDocument(doc)
		if derr != nil {
			return nil, derr
		}
		if _, err := d.Facade.InsertOneTx(ctx, tx, db, coll, sd); err != nil {
			return nil, oxerr.Wrap(err)
		}
		commit = true
		if err := tx.Commit(ctx); err != nil {
			return nil, oxerr.Wrap(err)
		}
		value := interface{}(nil)
		if wantNew {
			value = doc
		}
		return bson.M{
			"lastErrorObject": bson.M{"n": int32(1), "updatedExisting": false, "upserted": doc["_id"]},
			"value":           value,
			"ok":              1.0,
		}, nil
	}

	before, berr := storage.DocToBSONM(*found)
	if berr != nil {
		return nil, oxerr.Wrap(berr)
	}

	if remove {
		if _, _, err := d.Facade.DeleteOneByFilterTx(ctx, tx, db, coll, &filter.Predicate{Containment: bson.M{"_id": before["_id"]}, Source: bson.M{"_id": before["_id"]}}); err != nil {
			return nil, oxerr.Wrap(err)
		}
		commit = true
		if err := tx.Commit(ctx); err != nil {
			return nil, oxerr.Wrap(err)
		}
		return bson.M{"lastErrorObject": bson.M{"n": int32(1), "updatedExisting": true}, "value": before, "ok": 1.0}, nil
	}

	after, _, uerr := applyUpdateDoc(before, m["update"])
	if uerr != nil {
		return nil, uerr
	}
	sd, derr := toDocument(after)
	if derr != nil {
		return nil, derr
	}
	if _, err := d.Facade.UpdateDocByIDTx(ctx, tx, db, coll, found.ID, sd); err != nil {
		return nil, oxerr.Wrap(err)
	}
	commit = true
	if err := tx.Commit(ctx); err != nil {
		return nil, oxerr.Wrap(err)
	}
	value := before
	if wantNew {
		value = after
	}
	return bson.M{"lastErrorObject": bson.M{"n": int32(1), "updatedExisting": true}, "value": value, "ok": 1.0}, nil
}

// cmdFind implements the find command: {cursor:{id, ns, firstBatch}, ok}.
func (d *Dispatcher) cmdFind(ctx context.Context, db string, m bson.M) (bson.M, error) {
	coll, err := stringField(m, "find")
	if err != nil {
		return nil, err
	}
	q, _ := bsonutil.ToM(m["filter"])
	pred, perr := filter.Translate(q)
	if perr != nil {
		return nil, oxerr.Wrap(perr)
	}
	var sortSpec storage.Sort
	if sd, ok := toD(m["sort"]); ok {
		sortSpec = filter.TranslateSort(sd)
	}
	limit := int64Field(m, "limit", 0)
	rows, ferr := d.Facade.FindDocs(ctx, db, coll, pred, sortSpec, limit)
	if ferr != nil {
		return nil, oxerr.Wrap(ferr)
	}
	docs, err := applyFindProjection(rows, m["projection"])
	if err != nil {
		return nil, err
	}

	batchSize := int32Field(m, "batchSize", 0)
	var firstBatch []bson.M
	var cursorID int64
	if d.Cursors != nil {
		firstBatch, cursorID = d.Cursors.Open(namespace(db, coll), docs, batchSize)
	} else {
		firstBatch = docs
	}
	return bson.M{
		"cursor": bson.M{"id": cursorID, "ns": namespace(db, coll), "firstBatch": firstBatch},
		"ok":     1.0,
	}, nil
}

// applyFindProjection converts storage rows to bson.M and, if a projection
// was requested, runs it through the same $project semantics the
// aggregation pipeline uses (spec.md §4.7 note: find's projection is a
// restricted one-stage pipeline).
func applyFindProjection(rows []storage.Document, projection interface{}) ([]bson.M, error) {
	docs := make([]bson.M, len(rows))
	for i, r := range rows {
		m, err := storage.DocToBSONM(r)
		if err != nil {
			return nil, oxerr.Wrap(err)
		}
		docs[i] = m
	}
	spec, ok := bsonutil.ToM(projection)
	if !ok || len(spec) == 0 {
		return docs, nil
	}
	return projectDocs(docs, spec)
}
