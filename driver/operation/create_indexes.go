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

// IndexModel describes a single index to build, mirroring the index
// spec documents accepted by createIndexes.
type IndexModel struct {
	Keys    bsoncore.Document
	Name    string // computed via indexNameFromKeys when empty
	Unique  *bool
	Sparse  *bool
	Background *bool
	ExpireAfterSeconds *int32
	PartialFilterExpression bsoncore.Document
	Collation bsoncore.Document
}

// CreateIndexes performs the createIndexes command, whatever the
// server version; it has no legacy path that inserts index spec
// documents into the system.indexes namespace.
type CreateIndexes struct {
	base

	namespace driver.Namespace
	indexes   []IndexModel
	maxTimeMS int64

	result bsoncore.Document
}

// NewCreateIndexes constructs a CreateIndexes operation for the given
// index models.
func NewCreateIndexes(ns driver.Namespace, indexes []IndexModel) *CreateIndexes {
	return &CreateIndexes{namespace: ns, indexes: indexes}
}

func (c *CreateIndexes) MaxTimeMS(ms int64) *CreateIndexes          { c.maxTimeMS = ms; return c }
func (c *CreateIndexes) Session(s *session.Client) *CreateIndexes   { c.session = s; return c }
func (c *CreateIndexes) ClusterClock(cl *session.ClusterClock) *CreateIndexes { c.clock = cl; return c }
func (c *CreateIndexes) CommandMonitor(m *driver.CommandMonitor) *CreateIndexes { c.monitor = m; return c }
func (c *CreateIndexes) Database(db string) *CreateIndexes          { c.database = db; return c }
func (c *CreateIndexes) Deployment(d driver.Deployment) *CreateIndexes { c.deployment = d; return c }
func (c *CreateIndexes) WriteConcern(wc *writeconcern.WriteConcern) *CreateIndexes { c.writeConcern = wc; return c }
func (c *CreateIndexes) ServerSelector(s description.ServerSelector) *CreateIndexes { c.selector = s; return c }
func (c *CreateIndexes) Logger(l *logger.Logger) *CreateIndexes     { c.logger = l; return c }

// Result returns the raw reply from the most recent Execute.
func (c *CreateIndexes) Result() bsoncore.Document { return c.result }

func (c *CreateIndexes) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "createIndexes", c.namespace.Collection)

	idx, arr := bsoncore.AppendArrayStart(nil)
	for i, model := range c.indexes {
		spec, err := c.buildIndexSpec(model)
		if err != nil {
			return nil, err
		}
		arr = bsoncore.AppendDocumentElement(arr, itoa(int64(i)), spec)
	}
	arr, _ = bsoncore.AppendArrayEnd(arr, idx)
	dst = bsoncore.AppendArrayElement(dst, "indexes", arr)

	dst = appendInt64IfNonZero(dst, "maxTimeMS", c.maxTimeMS)
	return dst, nil
}

func (c *CreateIndexes) buildIndexSpec(model IndexModel) (bsoncore.Document, error) {
	name := model.Name
	if name == "" {
		var err error
		name, err = indexNameFromKeys(model.Keys)
		if err != nil {
			return nil, err
		}
	}
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendDocumentElement(dst, "key", model.Keys)
	dst = bsoncore.AppendStringElement(dst, "name", name)
	dst = appendBoolIfSet(dst, "unique", model.Unique)
	dst = appendBoolIfSet(dst, "sparse", model.Sparse)
	dst = appendBoolIfSet(dst, "background", model.Background)
	if model.ExpireAfterSeconds != nil {
		dst = bsoncore.AppendInt32Element(dst, "expireAfterSeconds", *model.ExpireAfterSeconds)
	}
	dst = appendDocIfSet(dst, "partialFilterExpression", model.PartialFilterExpression)
	dst = appendDocIfSet(dst, "collation", model.Collation)
	return bsoncore.AppendDocumentEnd(dst, idx)
}

func (c *CreateIndexes) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	c.result = response
	return nil
}

func (c *CreateIndexes) Execute(ctx context.Context) error {
	if c.deployment == nil {
		return errors.New("the CreateIndexes operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         c.command,
		ProcessResponseFn: c.processResponse,
		CommandName:       "createIndexes",
		Client:            c.session,
		Clock:             c.clock,
		CommandMonitor:    c.monitor,
		Database:          c.database,
		Deployment:        c.deployment,
		WriteConcern:      c.writeConcern,
		Selector:          c.selector,
		IsRead:            false,
		Logger:            c.logger,
	}.Execute(ctx, nil)
}
