// Package storage is the storage facade: it owns the metadata catalog
// (databases, collections, indexes) and issues the parameterized SQL that
// backs CRUD, presenting a collection-oriented API to the command
// dispatcher and pipeline executor. A pgx-backed implementation
// (facade_pg.go) talks to PostgreSQL; an in-memory fake (facade_mem.go)
// implements the same interface for unit tests, per spec.md §9's "route
// all SQL through a small facade so the engine can be tested against an
// in-memory fake" design note.
//
// Grounded on other_examples/157c2ea9_bencoepp-bib__internal-storage-postgres-store.go.go
// (pool + repository split) and
// other_examples/a5806bfe_estuary-flow__go-materialize-driver-postgres-driver.go.go.
package storage

import (
	"go.mongodb.org/mongo-driver/bson"
)

// Document is a stored row: the canonical _id byte key, the document as
// both exact BSON bytes (read path of record) and a JSON-ish bson.M
// (predicate/index pushdown path). Invariant 3 of spec.md's data model:
// Doc and BSON are equivalent encodings of the same logical document.
type Document struct {
	ID   []byte
	Doc  bson.M
	BSON []byte
}

// IndexKind enumerates the supported index descriptor kinds (spec.md Data
// Model, Non-goals: nothing beyond these four).
type IndexKind string

const (
	IndexSingleField IndexKind = "single"
	IndexCompound    IndexKind = "compound"
	IndexText        IndexKind = "text"
	Index2DSphere    IndexKind = "2dsphere"
)

// IndexDescriptor is the persisted shape of one index, kept in the
// metadata catalog (spec.md §6.3).
type IndexDescriptor struct {
	Database string
	Collection string
	Name     string
	Kind     IndexKind
	Spec     bson.M // the original createIndexes key spec
	Unique   bool
	Sparse   bool
	PartialFilter bson.M
	TextFields    []string
	TextLanguage  string
	BackingSQL    string
}

// Sort is a translated ORDER BY clause body (see internal/filter.TranslateSort).
type Sort = string
