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

// MapReduceOutput describes the `out` argument of a mapReduce command.
// An inline output has Collection == "": the reply carries results
// directly; otherwise the action ("replace"/"merge"/"reduce") names
// the target collection, optionally in another database, optionally
// sharded or non-atomic.
type MapReduceOutput struct {
	Action     string
	Collection string
	DB         string
	Sharded    *bool
	NonAtomic  *bool
}

func (o MapReduceOutput) inline() bool { return o.Collection == "" }

// MapReduce performs the mapreduce command, either inline or writing
// results to a collection.
type MapReduce struct {
	base

	namespace                driver.Namespace
	mapFn                    string
	reduceFn                 string
	finalize                 string
	query                    bsoncore.Document
	sort                     bsoncore.Document
	limit                    int64
	scope                    bsoncore.Document
	out                      MapReduceOutput
	verbose                  *bool
	jsMode                   *bool
	bypassDocumentValidation *bool

	result bsoncore.Document
}

// NewMapReduce constructs a MapReduce operation.
func NewMapReduce(ns driver.Namespace, mapFn, reduceFn string, out MapReduceOutput) *MapReduce {
	return &MapReduce{namespace: ns, mapFn: mapFn, reduceFn: reduceFn, out: out}
}

func (m *MapReduce) Finalize(f string) *MapReduce                     { m.finalize = f; return m }
func (m *MapReduce) Query(q bsoncore.Document) *MapReduce              { m.query = q; return m }
func (m *MapReduce) Sort(s bsoncore.Document) *MapReduce                { m.sort = s; return m }
func (m *MapReduce) Limit(n int64) *MapReduce                          { m.limit = n; return m }
func (m *MapReduce) Scope(s bsoncore.Document) *MapReduce               { m.scope = s; return m }
func (m *MapReduce) Verbose(v bool) *MapReduce                          { m.verbose = &v; return m }
func (m *MapReduce) JSMode(v bool) *MapReduce                           { m.jsMode = &v; return m }
func (m *MapReduce) BypassDocumentValidation(v bool) *MapReduce        { m.bypassDocumentValidation = &v; return m }
func (m *MapReduce) Session(s *session.Client) *MapReduce              { m.session = s; return m }
func (m *MapReduce) ClusterClock(c *session.ClusterClock) *MapReduce   { m.clock = c; return m }
func (m *MapReduce) CommandMonitor(cm *driver.CommandMonitor) *MapReduce { m.monitor = cm; return m }
func (m *MapReduce) Database(db string) *MapReduce                      { m.database = db; return m }
func (m *MapReduce) Deployment(d driver.Deployment) *MapReduce          { m.deployment = d; return m }
func (m *MapReduce) WriteConcern(wc *writeconcern.WriteConcern) *MapReduce { m.writeConcern = wc; return m }
func (m *MapReduce) ServerSelector(s description.ServerSelector) *MapReduce { m.selector = s; return m }
func (m *MapReduce) Logger(l *logger.Logger) *MapReduce                 { m.logger = l; return m }

// Result returns the raw reply (inline: `results`; to-collection:
// `result`) from the most recent Execute.
func (m *MapReduce) Result() bsoncore.Document { return m.result }

func (m *MapReduce) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "mapreduce", m.namespace.Collection)
	dst = bsoncore.AppendStringElement(dst, "map", m.mapFn)
	dst = bsoncore.AppendStringElement(dst, "reduce", m.reduceFn)
	dst = appendDocIfSet(dst, "query", m.query)
	dst = appendDocIfSet(dst, "sort", m.sort)
	if m.limit != 0 {
		dst = bsoncore.AppendInt64Element(dst, "limit", m.limit)
	}
	dst = appendStringIfSet(dst, "finalize", m.finalize)
	dst = appendDocIfSet(dst, "scope", m.scope)
	dst = appendBoolIfSet(dst, "verbose", m.verbose)
	dst = appendBoolIfSet(dst, "jsMode", m.jsMode)

	if m.out.inline() {
		outIdx, outBuf := bsoncore.AppendDocumentStart(nil)
		outBuf = bsoncore.AppendInt32Element(outBuf, "inline", 1)
		outBuf, _ = bsoncore.AppendDocumentEnd(outBuf, outIdx)
		dst = bsoncore.AppendDocumentElement(dst, "out", outBuf)
	} else {
		outIdx, outBuf := bsoncore.AppendDocumentStart(nil)
		outBuf = bsoncore.AppendStringElement(outBuf, m.out.Action, m.out.Collection)
		outBuf = appendStringIfSet(outBuf, "db", m.out.DB)
		outBuf = appendBoolIfSet(outBuf, "sharded", m.out.Sharded)
		outBuf = appendBoolIfSet(outBuf, "nonAtomic", m.out.NonAtomic)
		outBuf, _ = bsoncore.AppendDocumentEnd(outBuf, outIdx)
		dst = bsoncore.AppendDocumentElement(dst, "out", outBuf)
		dst = appendBoolIfSet(dst, "bypassDocumentValidation", m.bypassDocumentValidation)
		if m.writeConcern != nil {
			_, wcDoc, err := m.writeConcern.MarshalBSONValue()
			if err == nil {
				dst = bsoncore.AppendDocumentElement(dst, "writeConcern", wcDoc)
			}
		}
	}
	return dst, nil
}

func (m *MapReduce) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	m.result = response
	return nil
}

func (m *MapReduce) Execute(ctx context.Context) error {
	if m.deployment == nil {
		return errors.New("the MapReduce operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         m.command,
		ProcessResponseFn: m.processResponse,
		CommandName:       "mapreduce",
		Client:            m.session,
		Clock:             m.clock,
		CommandMonitor:    m.monitor,
		Database:          m.database,
		Deployment:        m.deployment,
		WriteConcern:      m.writeConcern,
		Selector:          m.selector,
		IsRead:            m.out.inline(),
		Logger:            m.logger,
	}.Execute(ctx, nil)
}
