// Package dispatch implements the command dispatcher: one handler per
// entry in spec.md §4.10's table, each producing a reply document with
// {ok, errmsg, code} conventions (spec.md §7 "User-visible behavior").
//
// Grounded on teacher's modern_collection.go, whose ModernColl methods
// (Insert/Find/Update/Remove/...) are one call per mgo-style operation;
// here each of those operations is re-exposed as a wire command handler
// taking a decoded command document instead of Go arguments.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"github.com/oxidedb/oxidedb/internal/cursor"
	"github.com/oxidedb/oxidedb/internal/oxerr"
	"github.com/oxidedb/oxidedb/internal/session"
	"github.com/oxidedb/oxidedb/internal/storage"
	"go.mongodb.org/mongo-driver/bson"
)

// wireVersion and its companions are the capability numbers hello/isMaster
// advertise (spec.md §4.10).
const (
	wireVersion       = 8
	maxBSONSize       = 16 * 1024 * 1024
	maxMessageSize    = 48 * 1024 * 1024
	maxWriteBatchSize = 100000
	sessionTimeoutMin = 30
)

// ShadowMetrics is the read-only snapshot oxidedbShadowMetrics reports.
// Dispatch depends only on this small struct, not on internal/shadow
// itself, so the shadow forwarder (built after dispatch) can depend on
// dispatch's types without an import cycle.
type ShadowMetrics struct {
	Attempts   int64
	Matches    int64
	Mismatches int64
	Timeouts   int64
}

// ShadowMetricsProvider is implemented by the shadow forwarder.
type ShadowMetricsProvider interface {
	Metrics() ShadowMetrics
}

// Dispatcher holds every shared resource a command handler may need.
type Dispatcher struct {
	Facade    storage.Facade
	Cursors   *cursor.Registry
	Sessions  *session.Registry
	Shadow    ShadowMetricsProvider // nil when shadow forwarding is disabled
	StartedAt time.Time
}

// New constructs a Dispatcher wired to the given facade and registries.
func New(facade storage.Facade, cursors *cursor.Registry, sessions *session.Registry) *Dispatcher {
	return &Dispatcher{
		Facade:    facade,
		Cursors:   cursors,
		Sessions:  sessions,
		StartedAt: time.Now(),
	}
}

// Handle decodes the command name from cmd, runs the matching handler, and
// returns a fully formed reply document (always ok:1.0 or ok:0.0 plus
// errmsg/code — handlers never return a bare error to the caller).
func (d *Dispatcher) Handle(ctx context.Context, db string, cmd bson.D) bson.M {
	name, ok := firstKey(cmd)
	if !ok {
		return errReply(oxerr.FailedToParse("empty command document"))
	}
	m := docToM(cmd)

	reply, err := d.route(ctx, db, strings.ToLower(name), m)
	if err != nil {
		return errReply(err)
	}
	return reply
}

func (d *Dispatcher) route(ctx context.Context, db, name string, m bson.M) (bson.M, error) {
	switch name {
	case "hello", "ismaster":
		return d.cmdHello(m)
	case "ping":
		return bson.M{"ok": 1.0}, nil
	case "buildinfo":
		return d.cmdBuildInfo()
	case "serverstatus":
		return d.cmdServerStatus()
	case "listdatabases":
		return d.cmdListDatabases(ctx)
	case "listcollections":
		return d.cmdListCollections(ctx, db, m)
	case "create":
		return d.cmdCreate(ctx, db, m)
	case "drop":
		return d.cmdDrop(ctx, db, m)
	case "dropdatabase":
		return d.cmdDropDatabase(ctx, db)
	case "insert":
		return d.cmdInsert(ctx, db, m)
	case "update":
		return d.cmdUpdate(ctx, db, m)
	case "delete":
		return d.cmdDelete(ctx, db, m)
	case "findandmodify":
		return d.cmdFindAndModify(ctx, db, m)
	case "find":
		return d.cmdFind(ctx, db, m)
	case "getmore":
		return d.cmdGetMore(db, m)
	case "killcursors":
		return d.cmdKillCursors(m)
	case "aggregate":
		return d.cmdAggregate(ctx, db, m)
	case "count":
		return d.cmdCount(ctx, db, m)
	case "explain":
		return d.cmdExplain(ctx, db, m)
	case "createindexes":
		return d.cmdCreateIndexes(ctx, db, m)
	case "dropindexes":
		return d.cmdDropIndexes(ctx, db, m)
	case "listindexes":
		return d.cmdListIndexes(ctx, db, m)
	case "endsessions":
		return d.cmdEndSessions(m)
	case "starttransaction":
		return d.cmdStartTransaction(ctx, db, m)
	case "committransaction":
		return d.cmdCommitTransaction(ctx, m)
	case "aborttransaction":
		return d.cmdAbortTransaction(ctx, m)
	case "oxidedbshadowmetrics":
		return d.cmdShadowMetrics()
	default:
		return nil, oxerr.CommandNotFound("Command '%s' not implemented", name)
	}
}

func (d *Dispatcher) cmdHello(m bson.M) (bson.M, error) {
	return bson.M{
		"ismaster":                     true,
		"isWritablePrimary":            true,
		"maxWireVersion":               int32(wireVersion),
		"minWireVersion":               int32(0),
		"maxBsonObjectSize":            int32(maxBSONSize),
		"maxMessageSizeBytes":          int32(maxMessageSize),
		"maxWriteBatchSize":            int32(maxWriteBatchSize),
		"logicalSessionTimeoutMinutes": int32(sessionTimeoutMin),
		"readOnly":                     false,
		"ok":                           1.0,
	}, nil
}

func (d *Dispatcher) cmdBuildInfo() (bson.M, error) {
	return bson.M{
		"version":       "7.0.0-oxidedb",
		"versionArray":  bson.A{int32(7), int32(0), int32(0), int32(0)},
		"maxBsonObjectSize": int32(maxBSONSize),
		"bits":          int32(64),
		"ok":            1.0,
	}, nil
}

func (d *Dispatcher) cmdServerStatus() (bson.M, error) {
	uptime := time.Since(d.StartedAt).Seconds()
	reply := bson.M{
		"uptime":     uptime,
		"localTime":  time.Now(),
		"connections": bson.M{"current": int32(1), "available": int32(maxWriteBatchSize)},
		"ok":         1.0,
	}
	if d.Cursors != nil {
		reply["cursors"] = bson.M{"open": int32(d.Cursors.Len())}
	}
	if d.Sessions != nil {
		reply["sessions"] = bson.M{"active": int32(d.Sessions.Len())}
	}
	return reply, nil
}

func (d *Dispatcher) cmdShadowMetrics() (bson.M, error) {
	metrics := ShadowMetrics{}
	if d.Shadow != nil {
		metrics = d.Shadow.Metrics()
	}
	return bson.M{
		"shadow": bson.M{
			"attempts":   metrics.Attempts,
			"matches":    metrics.Matches,
			"mismatches": metrics.Mismatches,
			"timeouts":   metrics.Timeouts,
		},
		"ok": 1.0,
	}, nil
}

func (d *Dispatcher) cmdEndSessions(m bson.M) (bson.M, error) {
	if d.Sessions == nil {
		return bson.M{"ok": 1.0}, nil
	}
	ids, _ := bsonutil.ToA(m["endSessions"])
	for _, v := range ids {
		lm, ok := bsonutil.ToM(v)
		if !ok {
			continue
		}
		id, ok := lm["id"]
		if !ok {
			continue
		}
		if u, ok := asUUID(id); ok {
			sess := d.Sessions.Get(u)
			if sess != nil {
				if tx, inTx := sess.CurrentTx(); inTx && tx != nil {
					_ = sess.AbortTransaction(context.Background())
				}
			}
			d.Sessions.End(u)
		}
	}
	return bson.M{"ok": 1.0}, nil
}

// errReply turns any error into the {ok:0, errmsg, code} shape.
func errReply(err error) bson.M {
	ce := oxerr.Wrap(err)
	return bson.M{
		"ok":     0.0,
		"errmsg": ce.Msg,
		"code":   ce.Code,
	}
}

// firstKey returns the top-level command name: the first key of the
// command document names the command (spec.md §4.10).
func firstKey(cmd bson.D) (string, bool) {
	if len(cmd) == 0 {
		return "", false
	}
	return cmd[0].Key, true
}

// docToM flattens a decoded bson.D command document into a bson.M; nested
// documents/arrays stay as bson.D/bson.A and are coerced on demand by
// bsonutil.ToM/ToA, which every downstream package already goes through.
func docToM(d bson.D) bson.M {
	m := make(bson.M, len(d))
	for _, e := range d {
		m[e.Key] = e.Value
	}
	return m
}

// stringField reads a required string field from m.
func stringField(m bson.M, key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", oxerr.FailedToParse("missing required field %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", oxerr.FailedToParse("field %q must be a string", key)
	}
	return s, nil
}
