package operation

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/driver"
	"github.com/basinlabs/mongowire/internal/logger"
	"github.com/basinlabs/mongowire/readconcern"
	"github.com/basinlabs/mongowire/readpref"
	"github.com/basinlabs/mongowire/session"
)

// ChangeStream opens a change stream: an aggregate whose pipeline
// leads with a $changeStream stage, whose result cursor is wrapped in
// a driver.ChangeStreamCursor that resumes after transient errors.
//
// ns.Collection may be "" to watch a whole database; set
// AllChangesForCluster to watch the deployment.
type ChangeStream struct {
	base

	namespace            driver.Namespace
	pipeline             bsoncore.Document // array of additional stages
	fullDocument         string
	resumeAfter          bsoncore.Document
	startAfter           bsoncore.Document
	startAtOperationTime *primitive.Timestamp
	allChangesForCluster bool
	batchSize            int32
	maxAwaitTimeMS       int64
	collation            bsoncore.Document

	result driver.CursorResponse
	srvr   driver.Server
	desc   description.Server
}

// NewChangeStream constructs a ChangeStream over a collection (or a
// whole database when ns.Collection is ""). pipeline carries the
// caller's additional aggregation stages, possibly empty.
func NewChangeStream(ns driver.Namespace, pipeline bsoncore.Document) *ChangeStream {
	return &ChangeStream{namespace: ns, pipeline: pipeline}
}

func (cs *ChangeStream) FullDocument(v string) *ChangeStream              { cs.fullDocument = v; return cs }
func (cs *ChangeStream) ResumeAfter(token bsoncore.Document) *ChangeStream { cs.resumeAfter = token; return cs }
func (cs *ChangeStream) StartAfter(token bsoncore.Document) *ChangeStream  { cs.startAfter = token; return cs }
func (cs *ChangeStream) StartAtOperationTime(ts *primitive.Timestamp) *ChangeStream {
	cs.startAtOperationTime = ts
	return cs
}
func (cs *ChangeStream) AllChangesForCluster(v bool) *ChangeStream { cs.allChangesForCluster = v; return cs }
func (cs *ChangeStream) BatchSize(n int32) *ChangeStream           { cs.batchSize = n; return cs }
func (cs *ChangeStream) MaxAwaitTimeMS(ms int64) *ChangeStream     { cs.maxAwaitTimeMS = ms; return cs }
func (cs *ChangeStream) Collation(c bsoncore.Document) *ChangeStream { cs.collation = c; return cs }
func (cs *ChangeStream) Session(s *session.Client) *ChangeStream   { cs.session = s; return cs }
func (cs *ChangeStream) ClusterClock(c *session.ClusterClock) *ChangeStream { cs.clock = c; return cs }
func (cs *ChangeStream) CommandMonitor(m *driver.CommandMonitor) *ChangeStream { cs.monitor = m; return cs }
func (cs *ChangeStream) Database(db string) *ChangeStream          { cs.database = db; return cs }
func (cs *ChangeStream) Deployment(d driver.Deployment) *ChangeStream { cs.deployment = d; return cs }
func (cs *ChangeStream) ReadPreference(rp *readpref.ReadPref) *ChangeStream { cs.readPreference = rp; return cs }
func (cs *ChangeStream) ReadConcern(rc *readconcern.ReadConcern) *ChangeStream { cs.readConcern = rc; return cs }
func (cs *ChangeStream) ServerSelector(s description.ServerSelector) *ChangeStream { cs.selector = s; return cs }
func (cs *ChangeStream) Logger(l *logger.Logger) *ChangeStream     { cs.logger = l; return cs }

// changeStreamStage builds the leading $changeStream pipeline stage.
// At most one of resumeAfter/startAfter/startAtOperationTime is
// attached; resumeAfter wins once a resume has happened, since the
// resume path clears the start options.
func (cs *ChangeStream) changeStreamStage() bsoncore.Document {
	optIdx, opts := bsoncore.AppendDocumentStart(nil)
	opts = appendStringIfSet(opts, "fullDocument", cs.fullDocument)
	if cs.allChangesForCluster {
		opts = bsoncore.AppendBooleanElement(opts, "allChangesForCluster", true)
	}
	if cs.resumeAfter != nil {
		opts = bsoncore.AppendDocumentElement(opts, "resumeAfter", cs.resumeAfter)
	} else if cs.startAfter != nil {
		opts = bsoncore.AppendDocumentElement(opts, "startAfter", cs.startAfter)
	} else if cs.startAtOperationTime != nil {
		opts = bsoncore.AppendTimestampElement(opts, "startAtOperationTime", cs.startAtOperationTime.T, cs.startAtOperationTime.I)
	}
	opts, _ = bsoncore.AppendDocumentEnd(opts, optIdx)

	stageIdx, stage := bsoncore.AppendDocumentStart(nil)
	stage = bsoncore.AppendDocumentElement(stage, "$changeStream", opts)
	stage, _ = bsoncore.AppendDocumentEnd(stage, stageIdx)
	return stage
}

// buildPipeline prepends the $changeStream stage to the caller's
// stages, renumbering array keys so the wire document stays valid.
func (cs *ChangeStream) buildPipeline() (bsoncore.Array, error) {
	idx, arr := bsoncore.AppendArrayStart(nil)
	arr = bsoncore.AppendDocumentElement(arr, "0", cs.changeStreamStage())

	i := int64(1)
	if cs.pipeline != nil {
		vals, err := bsoncore.Array(cs.pipeline).Values()
		if err != nil {
			return nil, err
		}
		for _, v := range vals {
			stage, ok := v.DocumentOK()
			if !ok {
				return nil, errors.New("change stream pipeline stage is not a document")
			}
			arr = bsoncore.AppendDocumentElement(arr, itoa(i), stage)
			i++
		}
	}
	out, err := bsoncore.AppendArrayEnd(arr, idx)
	return bsoncore.Array(out), err
}

func (cs *ChangeStream) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	if cs.allChangesForCluster || cs.namespace.Collection == "" {
		dst = bsoncore.AppendInt32Element(dst, "aggregate", 1)
	} else {
		dst = bsoncore.AppendStringElement(dst, "aggregate", cs.namespace.Collection)
	}

	pipeline, err := cs.buildPipeline()
	if err != nil {
		return nil, err
	}
	dst = bsoncore.AppendArrayElement(dst, "pipeline", pipeline)
	dst = appendDocIfSet(dst, "collation", cs.collation)

	cursorIdx, cursorBuf := bsoncore.AppendDocumentStart(nil)
	cursorBuf = appendInt32IfNonZero(cursorBuf, "batchSize", cs.batchSize)
	cursorBuf, _ = bsoncore.AppendDocumentEnd(cursorBuf, cursorIdx)
	dst = bsoncore.AppendDocumentElement(dst, "cursor", cursorBuf)
	return dst, nil
}

func (cs *ChangeStream) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	result, err := driver.NewCursorResponse(response)
	cs.result = result
	cs.srvr = srvr
	cs.desc = desc
	return err
}

// Execute opens (or, on the resume path, reopens) the stream.
func (cs *ChangeStream) Execute(ctx context.Context) error {
	if cs.deployment == nil {
		return errors.New("the ChangeStream operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         cs.command,
		ProcessResponseFn: cs.processResponse,
		CommandName:       "aggregate",
		Client:            cs.session,
		Clock:             cs.clock,
		CommandMonitor:    cs.monitor,
		Database:          cs.database,
		Deployment:        cs.deployment,
		ReadPreference:    cs.readPreference,
		ReadConcern:       cs.readConcern,
		Selector:          cs.selector,
		IsRead:            true,
		RetryMode:         driver.RetryOnce,
		Logger:            cs.logger,
	}.Execute(ctx, nil)
}

// Result wraps the opened cursor in a ChangeStreamCursor whose resume
// callback re-executes this operation with resumeAfter set to the last
// delivered token (clearing startAfter/startAtOperationTime, which
// only apply to the first open).
func (cs *ChangeStream) Result() (*driver.ChangeStreamCursor, error) {
	wrapped, err := cs.newBatchCursor()
	if err != nil {
		return nil, err
	}

	initialToken := cs.resumeAfter
	if initialToken == nil {
		initialToken = cs.startAfter
	}

	open := func(ctx context.Context, token bsoncore.Document) (*driver.BatchCursor, error) {
		cs.resumeAfter = token
		cs.startAfter = nil
		cs.startAtOperationTime = nil
		if err := cs.Execute(ctx); err != nil {
			return nil, err
		}
		return cs.newBatchCursor()
	}

	return driver.NewChangeStreamCursor(wrapped, initialToken, open, cs.logger), nil
}

func (cs *ChangeStream) newBatchCursor() (*driver.BatchCursor, error) {
	opts := driver.CursorOptions{
		BatchSize:      cs.batchSize,
		MaxAwaitTimeMS: cs.maxAwaitTimeMS,
		Tailable:       true,
		AwaitData:      true,
		Logger:         cs.logger,
	}
	return driver.NewBatchCursor(cs.result, cs.srvr, cs.desc, opts)
}
