package operation

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/driver"
	"github.com/basinlabs/mongowire/internal/logger"
	"github.com/basinlabs/mongowire/session"
	"github.com/basinlabs/mongowire/writeconcern"
)

// FindAndModify performs the findandmodify command, which atomically
// updates, replaces, or removes a single document and returns either
// its old or new value.
type FindAndModify struct {
	base

	namespace   driver.Namespace
	query       bsoncore.Document
	sort        bsoncore.Document
	fields      bsoncore.Document
	update      bsoncore.Document // set for update/replace; nil for remove
	remove      bool
	new         bool
	upsert      bool
	collation   bsoncore.Document
	maxTimeMS   int64
	arrayFilters bsoncore.Array

	retryable bool

	result bsoncore.Document
}

// NewFindAndModify constructs a findAndModify operation for a query
// filter; call Update or Remove to select the action.
func NewFindAndModify(ns driver.Namespace, query bsoncore.Document) *FindAndModify {
	return &FindAndModify{namespace: ns, query: query}
}

func (f *FindAndModify) Update(u bsoncore.Document) *FindAndModify  { f.update = u; return f }
func (f *FindAndModify) Remove(v bool) *FindAndModify               { f.remove = v; return f }
func (f *FindAndModify) Sort(s bsoncore.Document) *FindAndModify    { f.sort = s; return f }
func (f *FindAndModify) Fields(d bsoncore.Document) *FindAndModify  { f.fields = d; return f }
func (f *FindAndModify) NewDocument(v bool) *FindAndModify          { f.new = v; return f }
func (f *FindAndModify) Upsert(v bool) *FindAndModify               { f.upsert = v; return f }
func (f *FindAndModify) Collation(c bsoncore.Document) *FindAndModify { f.collation = c; return f }
func (f *FindAndModify) ArrayFilters(a bsoncore.Array) *FindAndModify { f.arrayFilters = a; return f }
func (f *FindAndModify) MaxTimeMS(ms int64) *FindAndModify          { f.maxTimeMS = ms; return f }
// Retryable opts this findAndModify into retryable-write semantics;
// the dispatcher attaches the session's transaction number.
func (f *FindAndModify) Retryable(v bool) *FindAndModify { f.retryable = v; return f }
func (f *FindAndModify) Session(s *session.Client) *FindAndModify   { f.session = s; return f }
func (f *FindAndModify) ClusterClock(c *session.ClusterClock) *FindAndModify { f.clock = c; return f }
func (f *FindAndModify) CommandMonitor(m *driver.CommandMonitor) *FindAndModify { f.monitor = m; return f }
func (f *FindAndModify) Database(db string) *FindAndModify          { f.database = db; return f }
func (f *FindAndModify) Deployment(d driver.Deployment) *FindAndModify { f.deployment = d; return f }
func (f *FindAndModify) WriteConcern(wc *writeconcern.WriteConcern) *FindAndModify { f.writeConcern = wc; return f }
func (f *FindAndModify) ServerSelector(s description.ServerSelector) *FindAndModify { f.selector = s; return f }
func (f *FindAndModify) Logger(l *logger.Logger) *FindAndModify     { f.logger = l; return f }

// Result returns the `value` field of the reply: the pre- (or, with
// NewDocument, post-) image of the affected document, or an empty
// document if nothing matched.
func (f *FindAndModify) Result() bsoncore.Document { return f.result }

func (f *FindAndModify) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "findandmodify", f.namespace.Collection)
	dst = appendDocIfSet(dst, "query", f.query)
	dst = appendDocIfSet(dst, "sort", f.sort)
	dst = appendDocIfSet(dst, "fields", f.fields)
	if f.remove {
		dst = bsoncore.AppendBooleanElement(dst, "remove", true)
	} else {
		dst = appendDocIfSet(dst, "update", f.update)
		if f.upsert {
			dst = bsoncore.AppendBooleanElement(dst, "upsert", true)
		}
	}
	if f.new {
		dst = bsoncore.AppendBooleanElement(dst, "new", true)
	}
	dst = appendDocIfSet(dst, "collation", f.collation)
	if f.arrayFilters != nil {
		dst = bsoncore.AppendArrayElement(dst, "arrayFilters", f.arrayFilters)
	}
	dst = appendInt64IfNonZero(dst, "maxTimeMS", f.maxTimeMS)
	if f.writeConcern != nil {
		_, wcDoc, err := f.writeConcern.MarshalBSONValue()
		if err == nil {
			dst = bsoncore.AppendDocumentElement(dst, "writeConcern", wcDoc)
		}
	}
	return dst, nil
}

func (f *FindAndModify) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	v, err := response.LookupErr("value")
	if err != nil {
		// no match found: value is null or absent, leave result empty
		return nil
	}
	doc, ok := v.DocumentOK()
	if ok {
		f.result = doc
	}
	return nil
}

func (f *FindAndModify) Execute(ctx context.Context) error {
	if f.deployment == nil {
		return errors.New("the FindAndModify operation must have a Deployment set before Execute can be called")
	}
	retryMode := driver.RetryNone
	if f.retryable {
		retryMode = driver.RetryOnce
	}
	return driver.Operation{
		CommandFn:         f.command,
		ProcessResponseFn: f.processResponse,
		CommandName:       "findandmodify",
		Client:            f.session,
		Clock:             f.clock,
		CommandMonitor:    f.monitor,
		Database:          f.database,
		Deployment:        f.deployment,
		WriteConcern:      f.writeConcern,
		Selector:          f.selector,
		IsRead:            false,
		RetryMode:         retryMode,
		RetryWrites:       f.retryable,
		Logger:            f.logger,
	}.Execute(ctx, nil)
}
