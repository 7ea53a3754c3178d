package storage

import (
	"context"

	"github.com/oxidedb/oxidedb/internal/filter"
	"go.mongodb.org/mongo-driver/bson"
)

// Tx is a transaction handle checked out from the facade, threaded through
// findAndModify's row-locking read-modify-write and through the session
// manager's stored transaction connection (spec.md §4.9).
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Facade is the storage-layer contract spec.md §4.2 names. All predicate
// literals travel as parameters; all identifiers are quoted by the
// implementation.
type Facade interface {
	EnsureDatabase(ctx context.Context, db string) error
	EnsureCollection(ctx context.Context, db, coll string) error
	DropCollection(ctx context.Context, db, coll string) error
	DropDatabase(ctx context.Context, db string) error
	ListDatabases(ctx context.Context) ([]string, error)
	ListCollections(ctx context.Context, db string) ([]string, error)

	InsertOne(ctx context.Context, db, coll string, doc Document) (inserted int, err error)

	FindDocs(ctx context.Context, db, coll string, pred *filter.Predicate, sort Sort, limit int64) ([]Document, error)
	CountDocs(ctx context.Context, db, coll string, pred *filter.Predicate) (int64, error)

	UpdateDocByID(ctx context.Context, db, coll string, id []byte, newDoc Document) (affected int, err error)
	DeleteOneByFilter(ctx context.Context, db, coll string, pred *filter.Predicate) (deleted int, id []byte, err error)
	DeleteManyByFilter(ctx context.Context, db, coll string, pred *filter.Predicate) (deleted int, err error)

	// BeginTx checks out a connection and issues BEGIN; the returned Tx
	// must be passed back into FindOneForUpdate/UpdateDocByIDTx for the
	// lifetime of the transaction.
	BeginTx(ctx context.Context) (Tx, error)
	FindOneForUpdate(ctx context.Context, tx Tx, db, coll string, pred *filter.Predicate, sort Sort) (*Document, error)
	UpdateDocByIDTx(ctx context.Context, tx Tx, db, coll string, id []byte, newDoc Document) (affected int, err error)
	InsertOneTx(ctx context.Context, tx Tx, db, coll string, doc Document) (inserted int, err error)
	DeleteOneByFilterTx(ctx context.Context, tx Tx, db, coll string, pred *filter.Predicate) (deleted int, id []byte, err error)

	CreateIndex(ctx context.Context, db, coll string, idx IndexDescriptor) error
	DropIndex(ctx context.Context, db, coll, name string) error
	ListIndexNames(ctx context.Context, db, coll string) ([]IndexDescriptor, error)

	// ReplaceAll deletes every document in (db, coll) and inserts docs, all
	// inside one transaction — used by the $out pipeline stage.
	ReplaceAll(ctx context.Context, db, coll string, docs []Document) error
}

// DocToBSONM converts a Document to the bson.M the reply layer serializes,
// preferring the exact BSON bytes when present and falling back to the
// JSON-ish column otherwise (spec.md §4.2: "Reconstruction reads doc_bson
// when present and falls back to converting the JSON column").
func DocToBSONM(d Document) (bson.M, error) {
	if len(d.BSON) > 0 {
		var m bson.M
		if err := bson.Unmarshal(d.BSON, &m); err == nil {
			return m, nil
		}
	}
	return d.Doc, nil
}
