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

// Distinct performs the distinct command, returning the matched
// distinct values for a single field key.
type Distinct struct {
	base

	namespace driver.Namespace
	key       string
	query     bsoncore.Document
	maxTimeMS int64
	collation bsoncore.Document

	result bsoncore.Array
}

// NewDistinct constructs a Distinct operation over the given field key.
func NewDistinct(ns driver.Namespace, key string) *Distinct {
	return &Distinct{namespace: ns, key: key}
}

func (d *Distinct) Query(q bsoncore.Document) *Distinct { d.query = q; return d }
func (d *Distinct) MaxTimeMS(ms int64) *Distinct        { d.maxTimeMS = ms; return d }
func (d *Distinct) Collation(c bsoncore.Document) *Distinct { d.collation = c; return d }
func (d *Distinct) Session(s *session.Client) *Distinct { d.session = s; return d }
func (d *Distinct) ClusterClock(c *session.ClusterClock) *Distinct { d.clock = c; return d }
func (d *Distinct) CommandMonitor(m *driver.CommandMonitor) *Distinct { d.monitor = m; return d }
func (d *Distinct) Database(db string) *Distinct        { d.database = db; return d }
func (d *Distinct) Deployment(dep driver.Deployment) *Distinct { d.deployment = dep; return d }
func (d *Distinct) ReadPreference(rp *readpref.ReadPref) *Distinct { d.readPreference = rp; return d }
func (d *Distinct) ReadConcern(rc *readconcern.ReadConcern) *Distinct { d.readConcern = rc; return d }
func (d *Distinct) ServerSelector(s description.ServerSelector) *Distinct { d.selector = s; return d }
func (d *Distinct) Logger(l *logger.Logger) *Distinct   { d.logger = l; return d }

// Result returns the distinct values produced by the most recent
// Execute, as a raw BSON array.
func (d *Distinct) Result() bsoncore.Array { return d.result }

func (d *Distinct) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "distinct", d.namespace.Collection)
	dst = bsoncore.AppendStringElement(dst, "key", d.key)
	dst = appendDocIfSet(dst, "query", d.query)
	dst = appendInt64IfNonZero(dst, "maxTimeMS", d.maxTimeMS)
	dst = appendDocIfSet(dst, "collation", d.collation)
	return dst, nil
}

func (d *Distinct) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	v, err := response.LookupErr("values")
	if err != nil {
		return err
	}
	arr, ok := v.ArrayOK()
	if !ok {
		return errors.New("distinct: values field is not an array")
	}
	d.result = arr
	return nil
}

func (d *Distinct) Execute(ctx context.Context) error {
	if d.deployment == nil {
		return errors.New("the Distinct operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         d.command,
		ProcessResponseFn: d.processResponse,
		CommandName:       "distinct",
		Client:            d.session,
		Clock:             d.clock,
		CommandMonitor:    d.monitor,
		Database:          d.database,
		Deployment:        d.deployment,
		ReadPreference:    d.readPreference,
		ReadConcern:       d.readConcern,
		Selector:          d.selector,
		IsRead:            true,
		Logger:            d.logger,
	}.Execute(ctx, nil)
}
