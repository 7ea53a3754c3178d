package dispatch

import (
	"context"
	"fmt"

	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/storage"
	"go.mongodb.org/mongo-driver/bson"
)

// cmdCreateIndexes implements createIndexes: one IndexDescriptor built per
// requested index, per spec.md Data Model's five supported kinds.
func (d *Dispatcher) cmdCreateIndexes(ctx context.Context, db string, m bson.M) (bson.M, error) {
	coll, err := stringField(m, "createIndexes")
	if err != nil {
		return nil, err
	}
	specs, ok := bsonutil.ToA(m["indexes"])
	if !ok {
		return nil, oxerr.FailedToParse("createIndexes requires a non-empty indexes array")
	}
	if err := d.Facade.EnsureDatabase(ctx, db); err != nil {
		return nil, oxerr.Wrap(err)
	}
	if err := d.Facade.EnsureCollection(ctx, db, coll); err != nil {
		return nil, oxerr.Wrap(err)
	}

	var created int32
	for _, raw := range specs {
		spec, ok := bsonutil.ToM(raw)
		if !ok {
			return nil, oxerr.FailedToParse("createIndexes: index spec must be an object")
		}
		idx, err := buildIndexDescriptor(spec)
		if err != nil {
			return nil, err
		}
		if err := d.Facade.CreateIndex(ctx, db, coll, idx); err != nil {
			return nil, oxerr.Wrap(err)
		}
		created++
	}
	return bson.M{"numIndexesBefore": int32(0), "numIndexesAfter": created, "ok": 1.0}, nil
}

func buildIndexDescriptor(spec bson.M) (storage.IndexDescriptor, error) {
	keyDoc, ok := toD(spec["key"])
	if !ok || len(keyDoc) == 0 {
		return storage.IndexDescriptor{}, oxerr.FailedToParse("createIndexes: index spec requires a key document")
	}
	keySpec := bson.M{}
	kind := storage.IndexSingleField
	var textFields []string
	for _, e := range keyDoc {
		keySpec[e.Key] = e.Value
		if s, ok := e.Value.(string); ok {
			switch s {
			case "text":
				kind = storage.IndexText
				textFields = append(textFields, e.Key)
			case "2dsphere":
				kind = storage.Index2DSphere
			}
		}
	}
	if kind == storage.IndexSingleField && len(keyDoc) > 1 {
		kind = storage.IndexCompound
	}

	name, ok := spec["name"].(string)
	if !ok || name == "" {
		name = defaultIndexName(keyDoc)
	}

	partial, _ := bsonutil.ToM(spec["partialFilterExpression"])

	return storage.IndexDescriptor{
		Name:          name,
		Kind:          kind,
		Spec:          keySpec,
		Unique:        boolField(spec, "unique", false),
		Sparse:        boolField(spec, "sparse", false),
		PartialFilter: partial,
		TextFields:    textFields,
		TextLanguage:  "english",
	}, nil
}

func defaultIndexName(keyDoc bson.D) string {
	name := ""
	for _, e := range keyDoc {
		if name != "" {
			name += "_"
		}
		dir := "1"
		if n, ok := bsonutil.AsFloat64(e.Value); ok {
			dir = fmt.Sprintf("%v", int(n))
		} else if s, ok := e.Value.(string); ok {
			dir = s
		}
		name += e.Key + "_" + dir
	}
	return name
}

// cmdDropIndexes implements dropIndexes: a name or "*" for all.
func (d *Dispatcher) cmdDropIndexes(ctx context.Context, db string, m bson.M) (bson.M, error) {
	coll, err := stringField(m, "dropIndexes")
	if err != nil {
		return nil, err
	}
	index, ok := m["index"].(string)
	if !ok {
		return nil, oxerr.FailedToParse("dropIndexes requires an index name or \"*\"")
	}
	if index == "*" {
		existing, lerr := d.Facade.ListIndexNames(ctx, db, coll)
		if lerr != nil {
			return nil, oxerr.Wrap(lerr)
		}
		for _, idx := range existing {
			if idx.Name == "_id_" {
				continue
			}
			if err := d.Facade.DropIndex(ctx, db, coll, idx.Name); err != nil {
				return nil, oxerr.Wrap(err)
			}
		}
		return bson.M{"ok": 1.0}, nil
	}
	if err := d.Facade.DropIndex(ctx, db, coll, index); err != nil {
		return nil, oxerr.Wrap(err)
	}
	return bson.M{"ok": 1.0}, nil
}

// cmdListIndexes implements listIndexes: {cursor:{id,ns,firstBatch}, ok}.
func (d *Dispatcher) cmdListIndexes(ctx context.Context, db string, m bson.M) (bson.M, error) {
	coll, err := stringField(m, "listIndexes")
	if err != nil {
		return nil, err
	}
	idxs, lerr := d.Facade.ListIndexNames(ctx, db, coll)
	if lerr != nil {
		return nil, oxerr.Wrap(lerr)
	}
	docs := make([]bson.M, 0, len(idxs))
	for _, idx := range idxs {
		doc := bson.M{"v": int32(2), "key": idx.Spec, "name": idx.Name}
		if idx.Unique {
			doc["unique"] = true
		}
		if idx.Sparse {
			doc["sparse"] = true
		}
		docs = append(docs, doc)
	}
	ns := namespace(db, coll)
	var firstBatch []bson.M
	var cursorID int64
	if d.Cursors != nil {
		firstBatch, cursorID = d.Cursors.Open(ns, docs, 0)
	} else {
		firstBatch = docs
	}
	return bson.M{
		"cursor": bson.M{"id": cursorID, "ns": ns, "firstBatch": firstBatch},
		"ok":     1.0,
	}, nil
}
