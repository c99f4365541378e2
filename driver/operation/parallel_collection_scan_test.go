package operation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/driver"
	"github.com/basinlabs/mongowire/internal/assert"
)

// noConnServer satisfies driver.Server for cursors that never issue a
// follow-up round trip (server cursor id 0).
type noConnServer struct{}

func (noConnServer) Connection(ctx context.Context) (driver.Connection, error) {
	return nil, errors.New("no connection available")
}
func (noConnServer) Description() description.Server { return description.Server{} }

func exhaustedCursor(t *testing.T, docs ...bsoncore.Document) *driver.BatchCursor {
	t.Helper()
	bc, err := driver.NewBatchCursor(
		driver.CursorResponse{ID: 0, Batch: docs},
		noConnServer{}, description.Server{}, driver.CursorOptions{},
	)
	assert.NoError(t, err, "constructing a single-batch cursor should not fail")
	return bc
}

func TestDrainCursorsVisitsEveryDocumentAcrossCursors(t *testing.T) {
	c1 := exhaustedCursor(t, keysDoc("n", 1), keysDoc("n", 2))
	c2 := exhaustedCursor(t, keysDoc("n", 3))
	c3 := exhaustedCursor(t)

	var mu sync.Mutex
	seen := map[int32]bool{}

	err := DrainCursors(context.Background(), []*driver.BatchCursor{c1, c2, c3}, func(doc bsoncore.Document) error {
		n, _ := doc.Lookup("n").Int32OK()
		mu.Lock()
		seen[n] = true
		mu.Unlock()
		return nil
	})
	assert.NoError(t, err, "draining exhausted cursors should not fail")
	assert.Equal(t, map[int32]bool{1: true, 2: true, 3: true}, seen, "every document from every cursor should be visited exactly once")
}

func TestDrainCursorsPropagatesCallbackError(t *testing.T) {
	c1 := exhaustedCursor(t, keysDoc("n", 1))
	boom := errors.New("boom")

	err := DrainCursors(context.Background(), []*driver.BatchCursor{c1}, func(doc bsoncore.Document) error {
		return boom
	})
	assert.Equal(t, boom, err, "the callback's error should surface from DrainCursors")
}

func TestParallelCollectionScanCommandShape(t *testing.T) {
	ns := driver.Namespace{DB: "db", Collection: "coll"}
	p := NewParallelCollectionScan(ns, 4)

	cmd := buildCommand(t, p.command, description.SelectedServer{})

	coll, _ := cmd.Lookup("parallelCollectionScan").StringValueOK()
	assert.Equal(t, "coll", coll, "parallelCollectionScan targets the collection name")
	n, _ := cmd.Lookup("numCursors").Int32OK()
	assert.Equal(t, int32(4), n, "numCursors mismatch")
}
