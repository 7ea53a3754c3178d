package dispatch

import (
	"github.com/google/uuid"
	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/storage"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func namespace(db, coll string) string { return db + "." + coll }

// toD coerces a sort-document-shaped value into bson.D, preserving field
// order for multi-key sorts. A bson.M is also accepted, but it has no stable
// order, so a multi-key bson.M yields its keys in Go map iteration order.
func toD(v interface{}) (bson.D, bool) {
	switch t := v.(type) {
	case bson.D:
		return t, true
	case bson.M:
		out := make(bson.D, 0, len(t))
		for k, val := range t {
			out = append(out, bson.E{Key: k, Value: val})
		}
		return out, true
	case map[string]interface{}:
		return toD(bson.M(t))
	}
	return nil, false
}

// toDocument builds a storage.Document from an in-memory document, minting
// an _id if one is not already present.
func toDocument(d bson.M) (storage.Document, error) {
	if _, ok := d["_id"]; !ok {
		d["_id"] = bsonutil.NewObjectID()
	}
	idBytes, err := bsonutil.IDBytes(d["_id"])
	if err != nil {
		return storage.Document{}, oxerr.Wrap(err)
	}
	raw, err := bson.Marshal(d)
	if err != nil {
		return storage.Document{}, oxerr.Wrap(err)
	}
	return storage.Document{ID: idBytes, Doc: d, BSON: raw}, nil
}

// asUUID coerces a session id field (spec.md's lsid.id) into a uuid.UUID.
// Drivers send it as BSON binary subtype 0x04; tests may pass a bare
// string or uuid.UUID directly.
func asUUID(v interface{}) (uuid.UUID, bool) {
	switch t := v.(type) {
	case uuid.UUID:
		return t, true
	case primitive.Binary:
		u, err := uuid.FromBytes(t.Data)
		if err != nil {
			return uuid.UUID{}, false
		}
		return u, true
	case string:
		u, err := uuid.Parse(t)
		if err != nil {
			return uuid.UUID{}, false
		}
		return u, true
	}
	return uuid.UUID{}, false
}

// lsidFromCommand extracts the lsid.id field from a command document, if
// present.
func lsidFromCommand(m bson.M) (uuid.UUID, bool) {
	lm, ok := bsonutil.ToM(m["lsid"])
	if !ok {
		return uuid.UUID{}, false
	}
	return asUUID(lm["id"])
}

func boolField(m bson.M, key string, def bool) bool {
	v, ok := m[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func int64Field(m bson.M, key string, def int64) int64 {
	v, ok := m[key]
	if !ok {
		return def
	}
	n, ok := bsonutil.AsInt64(v)
	if !ok {
		return def
	}
	return n
}

func int32Field(m bson.M, key string, def int32) int32 {
	return int32(int64Field(m, key, int64(def)))
}
