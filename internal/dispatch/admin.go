package dispatch

import (
	"context"

	"github.com/oxidedb/oxidedb/internal/oxerr"
	"go.mongodb.org/mongo-driver/bson"
)

func (d *Dispatcher) cmdListDatabases(ctx context.Context) (bson.M, error) {
	names, err := d.Facade.ListDatabases(ctx)
	if err != nil {
		return nil, oxerr.Wrap(err)
	}
	dbs := make(bson.A, 0, len(names))
	for _, n := range names {
		dbs = append(dbs, bson.M{"name": n})
	}
	return bson.M{"databases": dbs, "ok": 1.0}, nil
}

func (d *Dispatcher) cmdListCollections(ctx context.Context, db string, m bson.M) (bson.M, error) {
	names, err := d.Facade.ListCollections(ctx, db)
	if err != nil {
		return nil, oxerr.Wrap(err)
	}
	docs := make(bson.A, 0, len(names))
	for _, n := range names {
		docs = append(docs, bson.M{"name": n, "type": "collection"})
	}
	return bson.M{
		"cursor": bson.M{"id": int64(0), "ns": namespace(db, "$cmd.listCollections"), "firstBatch": docs},
		"ok":     1.0,
	}, nil
}

func (d *Dispatcher) cmdCreate(ctx context.Context, db string, m bson.M) (bson.M, error) {
	coll, err := stringField(m, "create")
	if err != nil {
		return nil, err
	}
	if err := d.Facade.EnsureDatabase(ctx, db); err != nil {
		return nil, oxerr.Wrap(err)
	}
	if err := d.Facade.EnsureCollection(ctx, db, coll); err != nil {
		return nil, oxerr.Wrap(err)
	}
	return bson.M{"ok": 1.0}, nil
}

func (d *Dispatcher) cmdDrop(ctx context.Context, db string, m bson.M) (bson.M, error) {
	coll, err := stringField(m, "drop")
	if err != nil {
		return nil, err
	}
	if err := d.Facade.DropCollection(ctx, db, coll); err != nil {
		return nil, oxerr.Wrap(err)
	}
	return bson.M{"ns": namespace(db, coll), "ok": 1.0}, nil
}

func (d *Dispatcher) cmdDropDatabase(ctx context.Context, db string) (bson.M, error) {
	if err := d.Facade.DropDatabase(ctx, db); err != nil {
		return nil, oxerr.Wrap(err)
	}
	return bson.M{"dropped": db, "ok": 1.0}, nil
}
