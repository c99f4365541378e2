package operation

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/driver"
	"github.com/basinlabs/mongowire/internal/logger"
	"github.com/basinlabs/mongowire/readconcern"
	"github.com/basinlabs/mongowire/readpref"
	"github.com/basinlabs/mongowire/session"
	"github.com/basinlabs/mongowire/writeconcern"
)

// Aggregate performs the aggregate command against a collection (or,
// with an empty collection name, the database as a whole).
type Aggregate struct {
	base

	namespace                driver.Namespace
	pipeline                 bsoncore.Document // array
	allowDiskUse             *bool
	bypassDocumentValidation *bool
	batchSize                int32
	maxTimeMS                int64
	hasCollection            bool

	result driver.CursorResponse
}

// NewAggregate constructs an Aggregate operation; ns.Collection may be
// "" for a database-level (collectionless) aggregation such as
// $currentOp.
func NewAggregate(ns driver.Namespace, pipeline bsoncore.Document) *Aggregate {
	return &Aggregate{namespace: ns, pipeline: pipeline, hasCollection: ns.Collection != ""}
}

func (a *Aggregate) AllowDiskUse(v bool) *Aggregate             { a.allowDiskUse = &v; return a }
func (a *Aggregate) BypassDocumentValidation(v bool) *Aggregate { a.bypassDocumentValidation = &v; return a }
func (a *Aggregate) BatchSize(n int32) *Aggregate                { a.batchSize = n; return a }
func (a *Aggregate) MaxTimeMS(ms int64) *Aggregate                { a.maxTimeMS = ms; return a }
func (a *Aggregate) Session(s *session.Client) *Aggregate         { a.session = s; return a }
func (a *Aggregate) ClusterClock(c *session.ClusterClock) *Aggregate { a.clock = c; return a }
func (a *Aggregate) CommandMonitor(m *driver.CommandMonitor) *Aggregate { a.monitor = m; return a }
func (a *Aggregate) Database(db string) *Aggregate                { a.database = db; return a }
func (a *Aggregate) Deployment(d driver.Deployment) *Aggregate     { a.deployment = d; return a }
func (a *Aggregate) ReadPreference(rp *readpref.ReadPref) *Aggregate { a.readPreference = rp; return a }
func (a *Aggregate) ReadConcern(rc *readconcern.ReadConcern) *Aggregate { a.readConcern = rc; return a }
func (a *Aggregate) WriteConcern(wc *writeconcern.WriteConcern) *Aggregate { a.writeConcern = wc; return a }
func (a *Aggregate) ServerSelector(s description.ServerSelector) *Aggregate { a.selector = s; return a }
func (a *Aggregate) Logger(l *logger.Logger) *Aggregate            { a.logger = l; return a }

func (a *Aggregate) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	if a.hasCollection {
		dst = bsoncore.AppendStringElement(dst, "aggregate", a.namespace.Collection)
	} else {
		dst = bsoncore.AppendInt32Element(dst, "aggregate", 1)
	}
	dst = bsoncore.AppendArrayElement(dst, "pipeline", bsoncore.Array(a.pipeline))
	dst = appendBoolIfSet(dst, "allowDiskUse", a.allowDiskUse)
	dst = appendBoolIfSet(dst, "bypassDocumentValidation", a.bypassDocumentValidation)

	cursorIdx, cursorBuf := bsoncore.AppendDocumentStart(nil)
	cursorBuf = appendInt32IfNonZero(cursorBuf, "batchSize", a.batchSize)
	cursorBuf, _ = bsoncore.AppendDocumentEnd(cursorBuf, cursorIdx)
	dst = bsoncore.AppendDocumentElement(dst, "cursor", cursorBuf)

	dst = appendInt64IfNonZero(dst, "maxTimeMS", a.maxTimeMS)
	return dst, nil
}

func (a *Aggregate) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	result, err := driver.NewCursorResponse(response)
	a.result = result
	return err
}

// Result returns a BatchCursor over the aggregate's output documents.
func (a *Aggregate) Result(srvr driver.Server, desc description.Server) (*driver.BatchCursor, error) {
	opts := driver.CursorOptions{BatchSize: a.batchSize, MaxTimeMS: a.maxTimeMS, Logger: a.logger}
	return driver.NewBatchCursor(a.result, srvr, desc, opts)
}

// Execute runs the aggregate command. A $out/$merge stage makes this a
// write for retry/targeting purposes; callers building such a pipeline
// should route through ExecuteWrite instead.
func (a *Aggregate) Execute(ctx context.Context) error {
	return a.execute(ctx, true)
}

// ExecuteWrite runs the aggregate command as a write (IsRead unset),
// for pipelines containing $out or $merge. The dispatcher takes a
// write connection source only when a write concern is set; without
// one the server is chosen by the read preference.
func (a *Aggregate) ExecuteWrite(ctx context.Context) error {
	return a.execute(ctx, false)
}

func (a *Aggregate) execute(ctx context.Context, isRead bool) error {
	if a.deployment == nil {
		return errors.New("the Aggregate operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         a.command,
		ProcessResponseFn: a.processResponse,
		CommandName:       "aggregate",
		Client:            a.session,
		Clock:             a.clock,
		CommandMonitor:    a.monitor,
		Database:          a.database,
		Deployment:        a.deployment,
		ReadPreference:    a.readPreference,
		ReadConcern:       a.readConcern,
		WriteConcern:      a.writeConcern,
		Selector:          a.selector,
		IsRead:            isRead,
		Logger:            a.logger,
	}.Execute(ctx, nil)
}
