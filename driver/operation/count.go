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
)

// Count performs the count command, returning the matched document
// count.
type Count struct {
	base

	namespace driver.Namespace
	query     bsoncore.Document
	limit     int64
	skip      int64
	hint      bsoncore.Value
	hasHint   bool
	maxTimeMS int64

	result int64
}

// NewCount constructs a Count operation.
func NewCount(ns driver.Namespace) *Count {
	return &Count{namespace: ns}
}

func (c *Count) Query(q bsoncore.Document) *Count   { c.query = q; return c }
func (c *Count) Limit(n int64) *Count               { c.limit = n; return c }
func (c *Count) Skip(n int64) *Count                { c.skip = n; return c }
func (c *Count) Hint(v bsoncore.Value) *Count        { c.hint = v; c.hasHint = true; return c }
func (c *Count) MaxTimeMS(ms int64) *Count           { c.maxTimeMS = ms; return c }
func (c *Count) Session(s *session.Client) *Count    { c.session = s; return c }
func (c *Count) ClusterClock(cl *session.ClusterClock) *Count { c.clock = cl; return c }
func (c *Count) CommandMonitor(m *driver.CommandMonitor) *Count { c.monitor = m; return c }
func (c *Count) Database(db string) *Count           { c.database = db; return c }
func (c *Count) Deployment(d driver.Deployment) *Count { c.deployment = d; return c }
func (c *Count) ReadPreference(rp *readpref.ReadPref) *Count { c.readPreference = rp; return c }
func (c *Count) ReadConcern(rc *readconcern.ReadConcern) *Count { c.readConcern = rc; return c }
func (c *Count) ServerSelector(s description.ServerSelector) *Count { c.selector = s; return c }
func (c *Count) Logger(l *logger.Logger) *Count      { c.logger = l; return c }

// Result returns the count produced by the most recent Execute.
func (c *Count) Result() int64 { return c.result }

func (c *Count) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "count", c.namespace.Collection)
	dst = appendDocIfSet(dst, "query", c.query)
	if c.limit != 0 {
		dst = bsoncore.AppendInt64Element(dst, "limit", c.limit)
	}
	if c.skip != 0 {
		dst = bsoncore.AppendInt64Element(dst, "skip", c.skip)
	}
	if c.hasHint {
		dst = bsoncore.AppendValueElement(dst, "hint", c.hint)
	}
	dst = appendInt64IfNonZero(dst, "maxTimeMS", c.maxTimeMS)
	return dst, nil
}

func (c *Count) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	v, err := response.LookupErr("n")
	if err != nil {
		return err
	}
	n, ok := v.AsInt64OK()
	if !ok {
		return errors.New("count: n field is not numeric")
	}
	c.result = n
	return nil
}

func (c *Count) Execute(ctx context.Context) error {
	if c.deployment == nil {
		return errors.New("the Count operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         c.command,
		ProcessResponseFn: c.processResponse,
		CommandName:       "count",
		Client:            c.session,
		Clock:             c.clock,
		CommandMonitor:    c.monitor,
		Database:          c.database,
		Deployment:        c.deployment,
		ReadPreference:    c.readPreference,
		ReadConcern:       c.readConcern,
		Selector:          c.selector,
		IsRead:            true,
		Logger:            c.logger,
	}.Execute(ctx, nil)
}
