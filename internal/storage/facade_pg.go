package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oxidedb/oxidedb/internal/filter"
	"github.com/oxidedb/oxidedb/internal/log"
	"go.mongodb.org/mongo-driver/bson"
)

// schemaPrefix names the reserved prefix under which every logical
// database gets its own physical PostgreSQL schema (spec.md §6.3).
const schemaPrefix = "oxdb_"

const metaSchema = "oxidedb_meta"

var pgLog = log.Named("storage")

// PGFacade is the PostgreSQL-backed implementation of Facade.
type PGFacade struct {
	pool *pgxpool.Pool
}

// NewPGFacade connects to PostgreSQL and ensures the metadata schema
// exists. Grounded on other_examples/157c2ea9_bencoepp-bib storage's
// pgxpool.New + ping-then-initialize sequence.
func NewPGFacade(ctx context.Context, url string) (*PGFacade, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	f := &PGFacade{pool: pool}
	if err := f.ensureMeta(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return f, nil
}

func (f *PGFacade) Close() { f.pool.Close() }

func (f *PGFacade) ensureMeta(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdent(metaSchema)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.databases (db TEXT PRIMARY KEY)`, quoteIdent(metaSchema)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.collections (db TEXT, coll TEXT, PRIMARY KEY (db, coll))`, quoteIdent(metaSchema)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.indexes (db TEXT, coll TEXT, name TEXT, spec JSONB, sql TEXT, PRIMARY KEY (db, coll, name))`, quoteIdent(metaSchema)),
	}
	for _, s := range stmts {
		if _, err := f.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("storage: init metadata: %w", err)
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func schemaName(db string) string { return schemaPrefix + db }

func tableRef(db, coll string) string {
	return quoteIdent(schemaName(db)) + "." + quoteIdent(coll)
}

func (f *PGFacade) EnsureDatabase(ctx context.Context, db string) error {
	if _, err := f.pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdent(schemaName(db)))); err != nil {
		return err
	}
	_, err := f.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s.databases (db) VALUES ($1) ON CONFLICT DO NOTHING`, quoteIdent(metaSchema)), db)
	return err
}

func (f *PGFacade) EnsureCollection(ctx context.Context, db, coll string) error {
	if err := f.EnsureDatabase(ctx, db); err != nil {
		return err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BYTEA PRIMARY KEY,
		doc JSONB NOT NULL,
		doc_bson BYTEA NOT NULL
	)`, tableRef(db, coll))
	if _, err := f.pool.Exec(ctx, ddl); err != nil {
		return err
	}
	idxName := quoteIdent(fmt.Sprintf("%s_%s_doc_gin", db, coll))
	gin := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (doc jsonb_path_ops)`, idxName, tableRef(db, coll))
	if _, err := f.pool.Exec(ctx, gin); err != nil {
		return err
	}
	_, err := f.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s.collections (db, coll) VALUES ($1, $2) ON CONFLICT DO NOTHING`, quoteIdent(metaSchema)), db, coll)
	return err
}

func (f *PGFacade) DropCollection(ctx context.Context, db, coll string) error {
	if _, err := f.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableRef(db, coll))); err != nil {
		return err
	}
	_, err := f.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s.collections WHERE db=$1 AND coll=$2`, quoteIdent(metaSchema)), db, coll)
	return err
}

func (f *PGFacade) DropDatabase(ctx context.Context, db string) error {
	if _, err := f.pool.Exec(ctx, fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, quoteIdent(schemaName(db)))); err != nil {
		return err
	}
	if _, err := f.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s.collections WHERE db=$1`, quoteIdent(metaSchema)), db); err != nil {
		return err
	}
	_, err := f.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s.databases WHERE db=$1`, quoteIdent(metaSchema)), db)
	return err
}

func (f *PGFacade) ListDatabases(ctx context.Context) ([]string, error) {
	rows, err := f.pool.Query(ctx, fmt.Sprintf(`SELECT db FROM %s.databases ORDER BY db`, quoteIdent(metaSchema)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var db string
		if err := rows.Scan(&db); err != nil {
			return nil, err
		}
		out = append(out, db)
	}
	return out, rows.Err()
}

func (f *PGFacade) ListCollections(ctx context.Context, db string) ([]string, error) {
	rows, err := f.pool.Query(ctx, fmt.Sprintf(`SELECT coll FROM %s.collections WHERE db=$1 ORDER BY coll`, quoteIdent(metaSchema)), db)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (f *PGFacade) InsertOne(ctx context.Context, db, coll string, doc Document) (int, error) {
	return insertOne(ctx, f.pool, db, coll, doc)
}

func insertOne(ctx context.Context, q queryer, db, coll string, doc Document) (int, error) {
	_, err := q.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (id, doc, doc_bson) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`, tableRef(db, coll)),
		doc.ID, doc.Doc, doc.BSON)
	if err != nil {
		var pgErr *pgconn.PgError
		if isUniqueViolation(err, &pgErr) {
			return 0, nil
		}
		return 0, err
	}
	return 1, nil
}

func isUniqueViolation(err error, out **pgconn.PgError) bool {
	pgErr, ok := err.(*pgconn.PgError)
	if !ok {
		return false
	}
	*out = pgErr
	return pgErr.Code == pgerrcode.UniqueViolation
}

func (f *PGFacade) FindDocs(ctx context.Context, db, coll string, pred *filter.Predicate, sort Sort, limit int64) ([]Document, error) {
	where, args := whereClause(pred)
	q := fmt.Sprintf(`SELECT id, doc, doc_bson FROM %s WHERE %s`, tableRef(db, coll), where)
	if sort != "" {
		q += " ORDER BY " + sort
	}
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := f.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.Doc, &d.BSON); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (f *PGFacade) CountDocs(ctx context.Context, db, coll string, pred *filter.Predicate) (int64, error) {
	where, args := whereClause(pred)
	var n int64
	err := f.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, tableRef(db, coll), where), args...).Scan(&n)
	return n, err
}

func (f *PGFacade) UpdateDocByID(ctx context.Context, db, coll string, id []byte, newDoc Document) (int, error) {
	return updateDocByID(ctx, f.pool, db, coll, id, newDoc)
}

func updateDocByID(ctx context.Context, q queryer, db, coll string, id []byte, newDoc Document) (int, error) {
	tag, err := q.Exec(ctx, fmt.Sprintf(`UPDATE %s SET doc=$2, doc_bson=$3 WHERE id=$1`, tableRef(db, coll)), id, newDoc.Doc, newDoc.BSON)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (f *PGFacade) DeleteOneByFilter(ctx context.Context, db, coll string, pred *filter.Predicate) (int, []byte, error) {
	return deleteOneByFilter(ctx, f.pool, db, coll, pred)
}

func deleteOneByFilter(ctx context.Context, q queryer, db, coll string, pred *filter.Predicate) (int, []byte, error) {
	where, args := whereClause(pred)
	sel := fmt.Sprintf(`SELECT id FROM %s WHERE %s LIMIT 1`, tableRef(db, coll), where)
	var id []byte
	if err := q.QueryRow(ctx, sel, args...).Scan(&id); err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil, nil
		}
		return 0, nil, err
	}
	tag, err := q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id=$1`, tableRef(db, coll)), id)
	if err != nil {
		return 0, nil, err
	}
	return int(tag.RowsAffected()), id, nil
}

func (f *PGFacade) DeleteManyByFilter(ctx context.Context, db, coll string, pred *filter.Predicate) (int, error) {
	where, args := whereClause(pred)
	tag, err := f.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, tableRef(db, coll), where), args...)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// pgTx wraps a checked-out connection/transaction pair for findAndModify's
// row-locking read-modify-write and the session manager's held transaction.
type pgTx struct {
	conn *pgxpool.Conn
	tx   pgx.Tx
}

func (t *pgTx) Commit(ctx context.Context) error {
	err := t.tx.Commit(ctx)
	t.conn.Release()
	return err
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	t.conn.Release()
	return err
}

func (f *PGFacade) BeginTx(ctx context.Context) (Tx, error) {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := conn.Begin(ctx)
	if err != nil {
		conn.Release()
		return nil, err
	}
	return &pgTx{conn: conn, tx: tx}, nil
}

func (f *PGFacade) FindOneForUpdate(ctx context.Context, tx Tx, db, coll string, pred *filter.Predicate, sort Sort) (*Document, error) {
	pt, ok := tx.(*pgTx)
	if !ok {
		return nil, fmt.Errorf("storage: FindOneForUpdate requires a pgTx")
	}
	where, args := whereClause(pred)
	q := fmt.Sprintf(`SELECT id, doc, doc_bson FROM %s WHERE %s`, tableRef(db, coll), where)
	if sort != "" {
		q += " ORDER BY " + sort
	}
	q += " LIMIT 1 FOR UPDATE"
	var d Document
	err := pt.tx.QueryRow(ctx, q, args...).Scan(&d.ID, &d.Doc, &d.BSON)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (f *PGFacade) UpdateDocByIDTx(ctx context.Context, tx Tx, db, coll string, id []byte, newDoc Document) (int, error) {
	pt, ok := tx.(*pgTx)
	if !ok {
		return 0, fmt.Errorf("storage: UpdateDocByIDTx requires a pgTx")
	}
	return updateDocByID(ctx, pt.tx, db, coll, id, newDoc)
}

func (f *PGFacade) InsertOneTx(ctx context.Context, tx Tx, db, coll string, doc Document) (int, error) {
	pt, ok := tx.(*pgTx)
	if !ok {
		return 0, fmt.Errorf("storage: InsertOneTx requires a pgTx")
	}
	return insertOne(ctx, pt.tx, db, coll, doc)
}

func (f *PGFacade) DeleteOneByFilterTx(ctx context.Context, tx Tx, db, coll string, pred *filter.Predicate) (int, []byte, error) {
	pt, ok := tx.(*pgTx)
	if !ok {
		return 0, nil, fmt.Errorf("storage: DeleteOneByFilterTx requires a pgTx")
	}
	return deleteOneByFilter(ctx, pt.tx, db, coll, pred)
}

func (f *PGFacade) CreateIndex(ctx context.Context, db, coll string, idx IndexDescriptor) error {
	sqlText, err := buildIndexDDL(db, coll, idx)
	if err != nil {
		return err
	}
	if _, err := f.pool.Exec(ctx, sqlText); err != nil {
		return err
	}
	specJSON, _ := bson.MarshalExtJSON(idx.Spec, false, false)
	_, err = f.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s.indexes (db, coll, name, spec, sql) VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (db, coll, name) DO UPDATE SET spec=EXCLUDED.spec, sql=EXCLUDED.sql`,
		quoteIdent(metaSchema)), db, coll, idx.Name, specJSON, sqlText)
	return err
}

func buildIndexDDL(db, coll string, idx IndexDescriptor) (string, error) {
	idxName := quoteIdent(fmt.Sprintf("%s_%s_%s", db, coll, idx.Name))
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	switch idx.Kind {
	case IndexText:
		cols := make([]string, 0, len(idx.TextFields))
		for _, f := range idx.TextFields {
			cols = append(cols, fmt.Sprintf("coalesce(doc->>'%s','')", f))
		}
		expr := fmt.Sprintf("to_tsvector('%s', %s)", defaultLang(idx.TextLanguage), joinConcat(cols))
		return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (%s)`, idxName, tableRef(db, coll), expr), nil
	case Index2DSphere:
		return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (doc jsonb_path_ops)`, idxName, tableRef(db, coll)), nil
	default:
		exprs := make([]string, 0, len(idx.Spec))
		for k, v := range idx.Spec {
			dir := "ASC"
			if n, ok := v.(int32); ok && n < 0 {
				dir = "DESC"
			}
			exprs = append(exprs, fmt.Sprintf("(doc->>'%s') %s", k, dir))
		}
		return fmt.Sprintf(`CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)`, unique, idxName, tableRef(db, coll), joinConcat(exprs)), nil
	}
}

func defaultLang(l string) string {
	if l == "" {
		return "english"
	}
	return l
}

func joinConcat(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " || ' ' || "
		}
		out += p
	}
	return out
}

func (f *PGFacade) DropIndex(ctx context.Context, db, coll, name string) error {
	idxName := quoteIdent(fmt.Sprintf("%s_%s_%s", db, coll, name))
	if _, err := f.pool.Exec(ctx, fmt.Sprintf(`DROP INDEX IF EXISTS %s`, idxName)); err != nil {
		return err
	}
	_, err := f.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s.indexes WHERE db=$1 AND coll=$2 AND name=$3`, quoteIdent(metaSchema)), db, coll, name)
	return err
}

func (f *PGFacade) ListIndexNames(ctx context.Context, db, coll string) ([]IndexDescriptor, error) {
	rows, err := f.pool.Query(ctx, fmt.Sprintf(`SELECT name, spec, sql FROM %s.indexes WHERE db=$1 AND coll=$2`, quoteIdent(metaSchema)), db, coll)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IndexDescriptor
	for rows.Next() {
		var idx IndexDescriptor
		var specJSON []byte
		if err := rows.Scan(&idx.Name, &specJSON, &idx.BackingSQL); err != nil {
			return nil, err
		}
		idx.Database, idx.Collection = db, coll
		_ = bson.UnmarshalExtJSON(specJSON, false, &idx.Spec)
		out = append(out, idx)
	}
	return out, rows.Err()
}

func (f *PGFacade) ReplaceAll(ctx context.Context, db, coll string, docs []Document) error {
	tx, err := f.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s`, tableRef(db, coll))); err != nil {
		return err
	}
	for _, d := range docs {
		if _, err := insertOne(ctx, tx, db, coll, d); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func whereClause(pred *filter.Predicate) (string, []interface{}) {
	if pred == nil {
		return "TRUE", nil
	}
	if pred.Containment != nil {
		data, _ := bson.MarshalExtJSON(pred.Containment, false, false)
		return "doc @> $1::jsonb", []interface{}{data}
	}
	return pred.SQL, pred.Args
}

// queryer abstracts over *pgxpool.Pool and pgx.Tx so CRUD helpers can run
// either standalone or inside an already-open transaction.
type queryer interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
