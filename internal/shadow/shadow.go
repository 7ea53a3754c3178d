// Package shadow implements the fire-and-forget shadow forwarder: a sampled
// fraction of commands is mirrored to a real upstream MongoDB deployment so
// its replies can be diffed against the primary's, without ever delaying or
// failing the primary's own response.
//
// Grounded on teacher's modern_session.go (DialModernMGO dials an upstream
// mongo deployment with the official driver; ModernDB.Run executes a raw
// command and decodes its reply) — the same dial-and-run shape, repurposed
// from "be the primary datastore" to "mirror traffic at an upstream one".
package shadow

import (
	"context"
	"math/rand"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/oxidedb/oxidedb/internal/bsonutil"
	"github.com/oxidedb/oxidedb/internal/config"
	"github.com/oxidedb/oxidedb/internal/dispatch"
	"github.com/oxidedb/oxidedb/internal/log"
	"go.mongodb.org/mongo-driver/bson"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

var logger = log.Named("shadow")

// Forwarder mirrors sampled commands to an upstream mongod. Setting
// cfg.Auth triggers the official driver's own SCRAM-SHA-256 negotiation
// against that upstream (go.mongodb.org/mongo-driver's internal
// xdg-go/scram codepath) — Forwarder never speaks SCRAM itself.
type Forwarder struct {
	cfg    config.Shadow
	client *mongodrv.Client

	attempts   int64
	matches    int64
	mismatches int64
	timeouts   int64
}

// Dial connects to the upstream deployment named by cfg.Addr. Credentials
// and TLS settings, if configured, are handed straight to the official
// driver rather than re-implemented here.
func Dial(ctx context.Context, cfg config.Shadow) (*Forwarder, error) {
	opts := options.Client().ApplyURI("mongodb://" + cfg.Addr).SetRetryWrites(false)

	if cfg.Auth.Username != "" {
		authSource := cfg.Auth.AuthDB
		if authSource == "" {
			authSource = "admin"
		}
		opts.SetAuth(options.Credential{
			AuthMechanism: "SCRAM-SHA-256",
			AuthSource:    authSource,
			Username:      cfg.Auth.Username,
			Password:      cfg.Auth.Password,
		})
	}
	if cfg.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongodrv.Connect(dialCtx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return &Forwarder{cfg: cfg, client: client}, nil
}

// Close disconnects from the upstream deployment.
func (f *Forwarder) Close(ctx context.Context) error {
	if f == nil || f.client == nil {
		return nil
	}
	return f.client.Disconnect(ctx)
}

// Mirror runs cmd against the upstream deployment, when this call is picked
// by the configured sample rate, and compares its reply against the
// primary's. It is meant to be called from its own goroutine, after the
// primary reply has already been written to the client.
func (f *Forwarder) Mirror(db string, cmd bson.D, primaryReply bson.M) {
	if f == nil || f.client == nil || !f.shouldSample() {
		return
	}
	atomic.AddInt64(&f.attempts, 1)

	timeout := time.Duration(f.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	shadowDB := f.cfg.DBPrefix + db
	var shadowReply bson.M
	err := f.client.Database(shadowDB).RunCommand(ctx, cmd).Decode(&shadowReply)
	if err != nil {
		if ctx.Err() != nil {
			atomic.AddInt64(&f.timeouts, 1)
		}
		logger.Debugw("shadow command failed", "db", db, "err", err)
		return
	}
	if f.compare(primaryReply, shadowReply) {
		atomic.AddInt64(&f.matches, 1)
	} else {
		atomic.AddInt64(&f.mismatches, 1)
	}
}

func (f *Forwarder) shouldSample() bool {
	rate := f.cfg.SampleRate
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	return rand.Float64() < rate
}

// compare diffs the two reply documents, ignoring the configured fields and
// treating numerically-equal-but-differently-typed values as equal when
// NumericEquivalence is set (replies differ legitimately on things like
// cursor ids and local timestamps even when the underlying data agrees).
func (f *Forwarder) compare(primary, shadowReply bson.M) bool {
	ignore := make(map[string]bool, len(f.cfg.Compare.IgnoreFields))
	for _, field := range f.cfg.Compare.IgnoreFields {
		ignore[field] = true
	}
	return docsEqual(primary, shadowReply, ignore, f.cfg.Compare.NumericEquivalence)
}

func docsEqual(a, b bson.M, ignore map[string]bool, numericEquivalence bool) bool {
	for k, av := range a {
		if ignore[k] {
			continue
		}
		bv, ok := b[k]
		if !ok || !valuesEqual(av, bv, ignore, numericEquivalence) {
			return false
		}
	}
	for k := range b {
		if ignore[k] {
			continue
		}
		if _, ok := a[k]; !ok {
			return false
		}
	}
	return true
}

func valuesEqual(a, b interface{}, ignore map[string]bool, numericEquivalence bool) bool {
	am, aok := bsonutil.ToM(a)
	bm, bok := bsonutil.ToM(b)
	if aok && bok {
		return docsEqual(am, bm, ignore, numericEquivalence)
	}
	if numericEquivalence {
		if af, aok := bsonutil.AsFloat64(a); aok {
			if bf, bok := bsonutil.AsFloat64(b); bok {
				return af == bf
			}
		}
	} else if bsonutil.IsNumeric(a) && bsonutil.IsNumeric(b) && reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	return bsonutil.Equal(a, b)
}

// Metrics reports the running counters, satisfying dispatch's
// ShadowMetricsProvider for the oxidedbShadowMetrics admin command.
func (f *Forwarder) Metrics() dispatch.ShadowMetrics {
	if f == nil {
		return dispatch.ShadowMetrics{}
	}
	return dispatch.ShadowMetrics{
		Attempts:   atomic.LoadInt64(&f.attempts),
		Matches:    atomic.LoadInt64(&f.matches),
		Mismatches: atomic.LoadInt64(&f.mismatches),
		Timeouts:   atomic.LoadInt64(&f.timeouts),
	}
}
