package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/oxidedb/oxidedb/internal/filter"
	"go.mongodb.org/mongo-driver/bson"
)

// MemFacade is an in-process fake implementing Facade without a real
// database, used to unit-test the engine above the storage layer (spec.md
// §9: "the engine can be tested against an in-memory fake implementing the
// same operations").
type MemFacade struct {
	mu      sync.Mutex
	dbs     map[string]bool
	colls   map[string]map[string][]Document // db -> coll -> rows
	indexes map[string]map[string][]IndexDescriptor
}

// NewMemFacade constructs an empty in-memory fake.
func NewMemFacade() *MemFacade {
	return &MemFacade{
		dbs:     map[string]bool{},
		colls:   map[string]map[string][]Document{},
		indexes: map[string]map[string][]IndexDescriptor{},
	}
}

func (m *MemFacade) EnsureDatabase(ctx context.Context, db string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dbs[db] = true
	if m.colls[db] == nil {
		m.colls[db] = map[string][]Document{}
	}
	return nil
}

func (m *MemFacade) EnsureCollection(ctx context.Context, db, coll string) error {
	if err := m.EnsureDatabase(ctx, db); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.colls[db][coll]; !ok {
		m.colls[db][coll] = []Document{}
	}
	return nil
}

func (m *MemFacade) DropCollection(ctx context.Context, db, coll string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.colls[db], coll)
	delete(m.indexes[db], coll)
	return nil
}

func (m *MemFacade) DropDatabase(ctx context.Context, db string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.colls, db)
	delete(m.indexes, db)
	delete(m.dbs, db)
	return nil
}

func (m *MemFacade) ListDatabases(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for db := range m.dbs {
		out = append(out, db)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemFacade) ListCollections(ctx context.Context, db string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for c := range m.colls[db] {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemFacade) InsertOne(ctx context.Context, db, coll string, doc Document) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(db, coll, doc)
}

func (m *MemFacade) insertLocked(db, coll string, doc Document) (int, error) {
	rows := m.colls[db][coll]
	for _, r := range rows {
		if bytes.Equal(r.ID, doc.ID) {
			return 0, nil
		}
	}
	m.colls[db][coll] = append(rows, doc)
	return 1, nil
}

func (m *MemFacade) matchAll(db, coll string, pred *filter.Predicate) []Document {
	rows := m.colls[db][coll]
	if pred == nil {
		out := make([]Document, len(rows))
		copy(out, rows)
		return out
	}
	f := predicateToFilterDoc(pred)
	var out []Document
	for _, r := range rows {
		if filter.Match(r.Doc, f) {
			out = append(out, r)
		}
	}
	return out
}

// predicateToFilterDoc recovers the original filter document so the
// in-memory fake can re-evaluate it with filter.Match instead of executing
// SQL text (which only the real PostgreSQL facade understands).
func predicateToFilterDoc(pred *filter.Predicate) bson.M {
	if pred.Source != nil {
		return pred.Source
	}
	if pred.Containment != nil {
		return pred.Containment
	}
	return bson.M{}
}

func (m *MemFacade) FindDocs(ctx context.Context, db, coll string, pred *filter.Predicate, sortSpec Sort, limit int64) ([]Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.matchAll(db, coll, pred)
	sort.SliceStable(rows, func(i, j int) bool { return bytes.Compare(rows[i].ID, rows[j].ID) < 0 })
	if limit > 0 && int64(len(rows)) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *MemFacade) CountDocs(ctx context.Context, db, coll string, pred *filter.Predicate) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.matchAll(db, coll, pred))), nil
}

func (m *MemFacade) UpdateDocByID(ctx context.Context, db, coll string, id []byte, newDoc Document) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.colls[db][coll]
	for i, r := range rows {
		if bytes.Equal(r.ID, id) {
			rows[i] = newDoc
			rows[i].ID = id
			return 1, nil
		}
	}
	return 0, nil
}

func (m *MemFacade) DeleteOneByFilter(ctx context.Context, db, coll string, pred *filter.Predicate) (int, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := m.matchAll(db, coll, pred)
	if len(matched) == 0 {
		return 0, nil, nil
	}
	target := matched[0].ID
	rows := m.colls[db][coll]
	for i, r := range rows {
		if bytes.Equal(r.ID, target) {
			m.colls[db][coll] = append(rows[:i], rows[i+1:]...)
			return 1, target, nil
		}
	}
	return 0, nil, nil
}

func (m *MemFacade) DeleteManyByFilter(ctx context.Context, db, coll string, pred *filter.Predicate) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := m.matchAll(db, coll, pred)
	if len(matched) == 0 {
		return 0, nil
	}
	toDelete := map[string]bool{}
	for _, d := range matched {
		toDelete[string(d.ID)] = true
	}
	rows := m.colls[db][coll]
	kept := rows[:0]
	for _, r := range rows {
		if !toDelete[string(r.ID)] {
			kept = append(kept, r)
		}
	}
	n := len(rows) - len(kept)
	m.colls[db][coll] = kept
	return n, nil
}

// memTx is a no-op transaction handle: the in-memory fake already holds
// m.mu for the duration of any single call, so there is no real connection
// to check out. It exists purely so engine code can be exercised identically
// against MemFacade and PGFacade.
type memTx struct{}

func (memTx) Commit(ctx context.Context) error   { return nil }
func (memTx) Rollback(ctx context.Context) error { return nil }

func (m *MemFacade) BeginTx(ctx context.Context) (Tx, error) { return memTx{}, nil }

func (m *MemFacade) FindOneForUpdate(ctx context.Context, tx Tx, db, coll string, pred *filter.Predicate, sortSpec Sort) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	matched := m.matchAll(db, coll, pred)
	if len(matched) == 0 {
		return nil, nil
	}
	d := matched[0]
	return &d, nil
}

func (m *MemFacade) UpdateDocByIDTx(ctx context.Context, tx Tx, db, coll string, id []byte, newDoc Document) (int, error) {
	return m.UpdateDocByID(ctx, db, coll, id, newDoc)
}

func (m *MemFacade) InsertOneTx(ctx context.Context, tx Tx, db, coll string, doc Document) (int, error) {
	return m.InsertOne(ctx, db, coll, doc)
}

func (m *MemFacade) DeleteOneByFilterTx(ctx context.Context, tx Tx, db, coll string, pred *filter.Predicate) (int, []byte, error) {
	return m.DeleteOneByFilter(ctx, db, coll, pred)
}

func (m *MemFacade) CreateIndex(ctx context.Context, db, coll string, idx IndexDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexes[db] == nil {
		m.indexes[db] = map[string][]IndexDescriptor{}
	}
	for _, existing := range m.indexes[db][coll] {
		if existing.Name == idx.Name {
			return fmt.Errorf("storage: index %s already exists", idx.Name)
		}
	}
	m.indexes[db][coll] = append(m.indexes[db][coll], idx)
	return nil
}

func (m *MemFacade) DropIndex(ctx context.Context, db, coll, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idxs := m.indexes[db][coll]
	for i, idx := range idxs {
		if idx.Name == name {
			m.indexes[db][coll] = append(idxs[:i], idxs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemFacade) ListIndexNames(ctx context.Context, db, coll string) ([]IndexDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IndexDescriptor, len(m.indexes[db][coll]))
	copy(out, m.indexes[db][coll])
	return out, nil
}

func (m *MemFacade) ReplaceAll(ctx context.Context, db, coll string, docs []Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.colls[db] == nil {
		m.colls[db] = map[string][]Document{}
	}
	cp := make([]Document, len(docs))
	copy(cp, docs)
	m.colls[db][coll] = cp
	return nil
}
