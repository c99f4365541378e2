package operation

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
	"golang.org/x/sync/errgroup"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/driver"
	"github.com/basinlabs/mongowire/internal/logger"
	"github.com/basinlabs/mongowire/readpref"
	"github.com/basinlabs/mongowire/session"
)

// ParallelCollectionScan performs the deprecated parallelCollectionScan
// command, returning up to numCursors independent cursors each
// covering a disjoint slice of the collection.
type ParallelCollectionScan struct {
	base

	namespace  driver.Namespace
	numCursors int32

	results []driver.CursorResponse
}

// NewParallelCollectionScan constructs a ParallelCollectionScan
// operation requesting up to numCursors cursors.
func NewParallelCollectionScan(ns driver.Namespace, numCursors int32) *ParallelCollectionScan {
	return &ParallelCollectionScan{namespace: ns, numCursors: numCursors}
}

func (p *ParallelCollectionScan) Session(s *session.Client) *ParallelCollectionScan { p.session = s; return p }
func (p *ParallelCollectionScan) ClusterClock(c *session.ClusterClock) *ParallelCollectionScan { p.clock = c; return p }
func (p *ParallelCollectionScan) CommandMonitor(m *driver.CommandMonitor) *ParallelCollectionScan { p.monitor = m; return p }
func (p *ParallelCollectionScan) Database(db string) *ParallelCollectionScan { p.database = db; return p }
func (p *ParallelCollectionScan) Deployment(d driver.Deployment) *ParallelCollectionScan { p.deployment = d; return p }
func (p *ParallelCollectionScan) ReadPreference(rp *readpref.ReadPref) *ParallelCollectionScan { p.readPreference = rp; return p }
func (p *ParallelCollectionScan) Logger(l *logger.Logger) *ParallelCollectionScan { p.logger = l; return p }

func (p *ParallelCollectionScan) command(dst []byte, desc description.SelectedServer) ([]byte, error) {
	dst = bsoncore.AppendStringElement(dst, "parallelCollectionScan", p.namespace.Collection)
	dst = bsoncore.AppendInt32Element(dst, "numCursors", p.numCursors)
	return dst, nil
}

func (p *ParallelCollectionScan) processResponse(response bsoncore.Document, srvr driver.Server, desc description.Server) error {
	v, err := response.LookupErr("cursors")
	if err != nil {
		return err
	}
	arr, ok := v.ArrayOK()
	if !ok {
		return errors.New("parallelCollectionScan: cursors field is not an array")
	}
	values, err := arr.Values()
	if err != nil {
		return err
	}
	p.results = p.results[:0]
	for _, val := range values {
		entry, ok := val.DocumentOK()
		if !ok {
			continue
		}
		cursorDoc, err := entry.LookupErr("cursor")
		if err != nil {
			return err
		}
		cursorSub, ok := cursorDoc.DocumentOK()
		if !ok {
			return errors.New("parallelCollectionScan: cursor field is not a document")
		}
		idx, wrapped := bsoncore.AppendDocumentStart(nil)
		wrapped = bsoncore.AppendDocumentElement(wrapped, "cursor", cursorSub)
		wrapped, _ = bsoncore.AppendDocumentEnd(wrapped, idx)
		cr, err := driver.NewCursorResponse(wrapped)
		if err != nil {
			return err
		}
		p.results = append(p.results, cr)
	}
	return nil
}

// Result returns one BatchCursor per cursor the server returned.
func (p *ParallelCollectionScan) Result(srvr driver.Server, desc description.Server) ([]*driver.BatchCursor, error) {
	cursors := make([]*driver.BatchCursor, 0, len(p.results))
	for _, cr := range p.results {
		bc, err := driver.NewBatchCursor(cr, srvr, desc, driver.CursorOptions{Logger: p.logger})
		if err != nil {
			return nil, err
		}
		cursors = append(cursors, bc)
	}
	return cursors, nil
}

// DrainCursors consumes the scan's cursors concurrently, one goroutine
// per cursor, invoking fn for every document. Each cursor is still
// advanced serially on its own goroutine (a BatchCursor is not safe
// for concurrent use), but the cursors progress independently, each on
// its own connection. fn is called from multiple goroutines and must
// be safe for concurrent use. The first error cancels the remaining
// drains; every cursor is closed before DrainCursors returns.
func DrainCursors(ctx context.Context, cursors []*driver.BatchCursor, fn func(bsoncore.Document) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, bc := range cursors {
		bc := bc
		g.Go(func() error {
			defer bc.Close(ctx)
			for bc.Next(gctx) {
				for _, doc := range bc.Batch() {
					if err := fn(doc); err != nil {
						return err
					}
				}
			}
			return bc.Err()
		})
	}
	return g.Wait()
}

func (p *ParallelCollectionScan) Execute(ctx context.Context) error {
	if p.deployment == nil {
		return errors.New("the ParallelCollectionScan operation must have a Deployment set before Execute can be called")
	}
	return driver.Operation{
		CommandFn:         p.command,
		ProcessResponseFn: p.processResponse,
		CommandName:       "parallelCollectionScan",
		Client:            p.session,
		Clock:             p.clock,
		CommandMonitor:    p.monitor,
		Database:          p.database,
		Deployment:        p.deployment,
		ReadPreference:    p.readPreference,
		Selector:          p.selector,
		IsRead:            true,
		Logger:            p.logger,
	}.Execute(ctx, nil)
}
