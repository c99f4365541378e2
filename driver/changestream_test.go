package driver

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/internal/assert"
)

// failingConn is a Connection whose Command always fails with a
// network-shaped error, simulating a transient mid-stream failure.
type failingConn struct{ desc description.Server }

func (c failingConn) Command(ctx context.Context, db string, cmd bsoncore.Document, p *Payload) (bsoncore.Document, error) {
	return nil, errors.New("connection reset by peer")
}
func (c failingConn) LegacyGetMore(ctx context.Context, ns Namespace, id int64, n int32) ([]bsoncore.Document, int64, error) {
	return nil, 0, errors.New("connection reset by peer")
}
func (c failingConn) LegacyKillCursors(ctx context.Context, ns Namespace, ids []int64) error {
	return nil
}
func (c failingConn) Description() description.Server { return c.desc }
func (c failingConn) Close() error                    { return nil }
func (c failingConn) ID() string                      { return "failing" }

type stubServer struct {
	conn Connection
	desc description.Server
}

func (s stubServer) Connection(ctx context.Context) (Connection, error) { return s.conn, nil }
func (s stubServer) Description() description.Server                   { return s.desc }

func changeEvent(t int32, x int32) bsoncore.Document {
	tidx, tok := bsoncore.AppendDocumentStart(nil)
	tok = bsoncore.AppendInt32Element(tok, "t", t)
	tok, _ = bsoncore.AppendDocumentEnd(tok, tidx)

	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendDocumentElement(dst, "_id", tok)
	dst = bsoncore.AppendInt32Element(dst, "x", x)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// TestChangeStreamCursorResumesAfterNetworkError verifies that a
// delivered event's resume token is stored, that the next Next() call
// raising a NetworkError causes the cursor to transparently close and
// reopen starting after the last token, and that delivery continues.
func TestChangeStreamCursorResumesAfterNetworkError(t *testing.T) {
	ctx := context.Background()
	modernDesc := description.Server{WireVersion: description.WireRange{Min: 0, Max: 8}}

	firstServer := stubServer{conn: failingConn{desc: modernDesc}, desc: modernDesc}
	wrapped, err := NewBatchCursor(
		CursorResponse{ID: 42, NS: Namespace{DB: "test", Collection: "events"}, Batch: []bsoncore.Document{changeEvent(1, 1)}},
		firstServer, modernDesc, CursorOptions{},
	)
	assert.NoError(t, err, "constructing the initial batch cursor should not fail")

	var reopenedWith bsoncore.Document
	reopen := func(ctx context.Context, resumeToken bsoncore.Document) (*BatchCursor, error) {
		reopenedWith = resumeToken
		return NewBatchCursor(
			CursorResponse{ID: 99, NS: Namespace{DB: "test", Collection: "events"}, Batch: []bsoncore.Document{changeEvent(2, 2)}},
			stubServer{conn: failingConn{desc: modernDesc}, desc: modernDesc}, modernDesc, CursorOptions{},
		)
	}

	csc := NewChangeStreamCursor(wrapped, nil, reopen, nil)

	assert.True(t, csc.Next(ctx), "the first Next call should deliver the already-buffered event")
	assert.Equal(t, changeEvent(1, 1).Lookup("_id").Document(), csc.ResumeToken(),
		"the resume token after consuming the first event must equal its _id")

	assert.True(t, csc.Next(ctx), "a transient network error on the underlying getMore must be transparently resumed")
	assert.Equal(t, changeEvent(1, 1).Lookup("_id").Document(), reopenedWith,
		"reopen must be called with the last stored resume token")
	assert.Equal(t, changeEvent(2, 2).Lookup("_id").Document(), csc.ResumeToken(),
		"the resume token after consuming the second event must equal its _id")
}

// TestChangeStreamCursorMissingResumeTokenIsFatal verifies that
// a delivered event without an _id is a fatal, non-retryable
// ChangeStreamError -- resumption never happens.
func TestChangeStreamCursorMissingResumeTokenIsFatal(t *testing.T) {
	ctx := context.Background()
	modernDesc := description.Server{WireVersion: description.WireRange{Min: 0, Max: 8}}

	noIDEvent := func() bsoncore.Document {
		idx, dst := bsoncore.AppendDocumentStart(nil)
		dst = bsoncore.AppendInt32Element(dst, "x", 1)
		dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
		return dst
	}()

	wrapped, err := NewBatchCursor(
		CursorResponse{ID: 42, NS: Namespace{DB: "test", Collection: "events"}, Batch: []bsoncore.Document{noIDEvent}},
		stubServer{conn: failingConn{desc: modernDesc}, desc: modernDesc}, modernDesc, CursorOptions{},
	)
	assert.NoError(t, err, "constructing the initial batch cursor should not fail")

	reopenCalled := false
	reopen := func(ctx context.Context, resumeToken bsoncore.Document) (*BatchCursor, error) {
		reopenCalled = true
		return nil, errors.New("should never be called")
	}

	csc := NewChangeStreamCursor(wrapped, nil, reopen, nil)

	assert.True(t, !csc.Next(ctx), "a delivered event without _id must fail rather than deliver")
	var csErr ChangeStreamError
	assert.True(t, errors.As(csc.Err(), &csErr), "the failure must be a ChangeStreamError")
	assert.True(t, !reopenCalled, "a missing resume token must never trigger a resume attempt")
}
