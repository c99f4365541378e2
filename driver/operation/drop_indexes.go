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

// DropIndexes performs the dropIndexes command, dropping the index
// named index ("*" drops all indexes except _id_).
type DropIndexes struct {
	base

	namespace driver.Namespace
	index     string
	maxTimeMS int64

	nIndexesWas int32
}

// NewDropIndexes constructs a DropIndexes operation for a single named
// index, or "*" for all.
func NewDropIndexes(ns driver.Namespace, index string) *DropIndexes {
	return &DropIndexes{namespace: ns, index: index}
}

func (d *DropIndexes) MaxTimeMS(ms int64) *DropIndexes           { d.maxTimeMS = ms; return d }
func (d *DropIndexes) Session(s *session.Client) *DropIndexes    { d.session = s; return d }
func (d *DropIndexes) ClusterClock(c *session.ClusterClock) *DropIndexes { d.clock = c; return d }
func (d *DropIndexes) CommandMonitor(m *driver.CommandMonitor) *DropIndexes { d.monitor = m; return d }
func (d *DropIndexes) Database(db string) *DropIndexes           { d.database = db; return d }
func (d *DropIndexes) Deployment(dep driver.Deployment) *DropIndexes { d.deployment = dep; return d }
func (d *DropIndexes) WriteConcern(wc *writeconcern.WriteConcern) *DropIndexes { d.writeConcern = wc; return d }
func (d *DropIndexes) ServerSelector(s description.ServerSelector) *DropIndexes { d.selector = s; return d }
func (d *DropIndexes) Logger(l *logger.Logger) *DropIndexes      { d.logger = l; return d }

// NIndexesWas returns the index count the server reported before the
// drop.
func (d *DropIndexes) NIndexesWas() int32 { return d.nIndexesWas }

func (d *DropIndexes) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "dropIndexes", d.namespace.Collection)
	dst = bsoncore.AppendStringElement(dst, "index", d.index)
	dst = appendInt64IfNonZero(dst, "maxTimeMS", d.maxTimeMS)
	return dst, nil
}

func (d *DropIndexes) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	if n, ok := response.Lookup("nIndexesWas").AsInt64OK(); ok {
		d.nIndexesWas = int32(n)
	}
	return nil
}

// Execute runs the dropIndexes command. Dropping an index on a
// namespace that does not exist is swallowed the same way
// listCollections recovers, so a drop-then-recreate sequence never
// fails on a collection that was concurrently removed.
func (d *DropIndexes) Execute(ctx context.Context) error {
	if d.deployment == nil {
		return errors.New("the DropIndexes operation must have a Deployment set before Execute can be called")
	}
	err := driver.Operation{
		CommandFn:         d.command,
		ProcessResponseFn: d.processResponse,
		CommandName:       "dropIndexes",
		Client:            d.session,
		Clock:             d.clock,
		CommandMonitor:    d.monitor,
		Database:          d.database,
		Deployment:        d.deployment,
		WriteConcern:      d.writeConcern,
		Selector:          d.selector,
		IsRead:            false,
		Logger:            d.logger,
	}.Execute(ctx, nil)
	return driver.RethrowIfNotNamespaceError(err)
}
