package operation

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/driver"
	"github.com/basinlabs/mongowire/internal/logger"
	"github.com/basinlabs/mongowire/readpref"
	"github.com/basinlabs/mongowire/session"
)

// ListCollections performs the listCollections command.
type ListCollections struct {
	base

	filter    bsoncore.Document
	nameOnly  bool
	batchSize int32
	maxTimeMS int64

	result driver.CursorResponse
}

// NewListCollections constructs a ListCollections operation.
func NewListCollections(filter bsoncore.Document) *ListCollections {
	return &ListCollections{filter: filter}
}

func (lc *ListCollections) NameOnly(v bool) *ListCollections            { lc.nameOnly = v; return lc }
func (lc *ListCollections) BatchSize(n int32) *ListCollections          { lc.batchSize = n; return lc }
func (lc *ListCollections) MaxTimeMS(ms int64) *ListCollections         { lc.maxTimeMS = ms; return lc }
func (lc *ListCollections) Session(s *session.Client) *ListCollections { lc.session = s; return lc }
func (lc *ListCollections) ClusterClock(c *session.ClusterClock) *ListCollections { lc.clock = c; return lc }
func (lc *ListCollections) CommandMonitor(m *driver.CommandMonitor) *ListCollections { lc.monitor = m; return lc }
func (lc *ListCollections) Database(db string) *ListCollections        { lc.database = db; return lc }
func (lc *ListCollections) Deployment(d driver.Deployment) *ListCollections { lc.deployment = d; return lc }
func (lc *ListCollections) ReadPreference(rp *readpref.ReadPref) *ListCollections { lc.readPreference = rp; return lc }
func (lc *ListCollections) ServerSelector(s description.ServerSelector) *ListCollections { lc.selector = s; return lc }
func (lc *ListCollections) Logger(l *logger.Logger) *ListCollections   { lc.logger = l; return lc }

func (lc *ListCollections) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendInt32Element(dst, "listCollections", 1)
	dst = appendDocIfSet(dst, "filter", lc.filter)
	if lc.nameOnly {
		dst = bsoncore.AppendBooleanElement(dst, "nameOnly", true)
	}

	cursorIdx, cursorBuf := bsoncore.AppendDocumentStart(nil)
	cursorBuf = appendInt32IfNonZero(cursorBuf, "batchSize", lc.batchSize)
	cursorBuf, _ = bsoncore.AppendDocumentEnd(cursorBuf, cursorIdx)
	dst = bsoncore.AppendDocumentElement(dst, "cursor", cursorBuf)

	dst = appendInt64IfNonZero(dst, "maxTimeMS", lc.maxTimeMS)
	return dst, nil
}

func (lc *ListCollections) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	result, err := driver.NewCursorResponse(response)
	lc.result = result
	return err
}

// Result returns a BatchCursor over the collection specifications.
func (lc *ListCollections) Result(srvr driver.Server, desc description.Server) (*driver.BatchCursor, error) {
	opts := driver.CursorOptions{BatchSize: lc.batchSize, MaxTimeMS: lc.maxTimeMS, Logger: lc.logger}
	return driver.NewBatchCursor(lc.result, srvr, desc, opts)
}

// Execute runs the listCollections command. A "ns not found" failure
// from a legacy server is swallowed: Result then yields an empty
// cursor with the same server address rather than surfacing an error.
func (lc *ListCollections) Execute(ctx context.Context) error {
	if lc.deployment == nil {
		return errors.New("the ListCollections operation must have a Deployment set before Execute can be called")
	}
	err := driver.Operation{
		CommandFn:         lc.command,
		ProcessResponseFn: lc.processResponse,
		CommandName:       "listCollections",
		Client:            lc.session,
		Clock:             lc.clock,
		CommandMonitor:    lc.monitor,
		Database:          lc.database,
		Deployment:        lc.deployment,
		ReadPreference:    lc.readPreference,
		Selector:          lc.selector,
		IsRead:            true,
		Logger:            lc.logger,
	}.Execute(ctx, nil)
	return driver.RethrowIfNotNamespaceError(err)
}

// FilterLegacyCollectionName implements the legacy-path name filtering
// strip the "{database}." prefix from a namespace
// string and report whether it should be omitted as a system index
// namespace (one whose name contains "$").
func FilterLegacyCollectionName(database, ns string) (name string, omit bool) {
	name = strings.TrimPrefix(ns, database+".")
	return name, strings.Contains(name, "$")
}
