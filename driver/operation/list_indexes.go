package operation

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/driver"
	"github.com/basinlabs/mongowire/internal/logger"
	"github.com/basinlabs/mongowire/readpref"
	"github.com/basinlabs/mongowire/session"
)

// ListIndexes performs the listIndexes command.
type ListIndexes struct {
	base

	namespace driver.Namespace
	batchSize int32
	maxTimeMS int64

	result driver.CursorResponse
}

// NewListIndexes constructs a ListIndexes operation.
func NewListIndexes(ns driver.Namespace) *ListIndexes {
	return &ListIndexes{namespace: ns}
}

func (li *ListIndexes) BatchSize(n int32) *ListIndexes          { li.batchSize = n; return li }
func (li *ListIndexes) MaxTimeMS(ms int64) *ListIndexes         { li.maxTimeMS = ms; return li }
func (li *ListIndexes) Session(s *session.Client) *ListIndexes  { li.session = s; return li }
func (li *ListIndexes) ClusterClock(c *session.ClusterClock) *ListIndexes { li.clock = c; return li }
func (li *ListIndexes) CommandMonitor(m *driver.CommandMonitor) *ListIndexes { li.monitor = m; return li }
func (li *ListIndexes) Database(db string) *ListIndexes         { li.database = db; return li }
func (li *ListIndexes) Deployment(d driver.Deployment) *ListIndexes { li.deployment = d; return li }
func (li *ListIndexes) ReadPreference(rp *readpref.ReadPref) *ListIndexes { li.readPreference = rp; return li }
func (li *ListIndexes) Logger(l *logger.Logger) *ListIndexes    { li.logger = l; return li }

func (li *ListIndexes) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "listIndexes", li.namespace.Collection)

	cursorIdx, cursorBuf := bsoncore.AppendDocumentStart(nil)
	cursorBuf = appendInt32IfNonZero(cursorBuf, "batchSize", li.batchSize)
	cursorBuf, _ = bsoncore.AppendDocumentEnd(cursorBuf, cursorIdx)
	dst = bsoncore.AppendDocumentElement(dst, "cursor", cursorBuf)

	dst = appendInt64IfNonZero(dst, "maxTimeMS", li.maxTimeMS)
	return dst, nil
}

func (li *ListIndexes) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	result, err := driver.NewCursorResponse(response)
	li.result = result
	return err
}

// Result returns a BatchCursor over the index specifications.
func (li *ListIndexes) Result(srvr driver.Server, desc description.Server) (*driver.BatchCursor, error) {
	opts := driver.CursorOptions{BatchSize: li.batchSize, MaxTimeMS: li.maxTimeMS, Logger: li.logger}
	return driver.NewBatchCursor(li.result, srvr, desc, opts)
}

// Execute runs the listIndexes command. A "ns not found" failure
// (the collection does not exist) is swallowed: Result then yields an
// empty cursor rather than surfacing an error.
func (li *ListIndexes) Execute(ctx context.Context) error {
	if li.deployment == nil {
		return errors.New("the ListIndexes operation must have a Deployment set before Execute can be called")
	}
	err := driver.Operation{
		CommandFn:         li.command,
		ProcessResponseFn: li.processResponse,
		CommandName:       "listIndexes",
		Client:            li.session,
		Clock:             li.clock,
		CommandMonitor:    li.monitor,
		Database:          li.database,
		Deployment:        li.deployment,
		ReadPreference:    li.readPreference,
		Selector:          li.selector,
		IsRead:            true,
		Logger:            li.logger,
	}.Execute(ctx, nil)
	return driver.RethrowIfNotNamespaceError(err)
}
