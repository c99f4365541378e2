package driver

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/internal/logger"
)

// ErrCursorClosed is returned by any round trip attempted after Close.
var ErrCursorClosed = errors.New("cursor is closed")

// CursorResponse is the decoded `cursor` subdocument of a command reply
// that opens a server-side cursor (find, aggregate, listCollections,
// listIndexes, ...): the server cursor id, namespace, and whichever of
// firstBatch/nextBatch the command returned.
type CursorResponse struct {
	ID    int64
	NS    Namespace
	Batch []bsoncore.Document
}

// NewCursorResponse decodes the `cursor` field of a server reply. Most
// cursor-opening commands nest their result under `cursor`; callers
// that instead build a synthetic single-batch cursor (e.g. an
// already-exhausted find) can construct a CursorResponse directly.
func NewCursorResponse(response bsoncore.Document) (CursorResponse, error) {
	cursorVal, err := response.LookupErr("cursor")
	if err != nil {
		return CursorResponse{}, Error{Message: "command response missing cursor field"}
	}
	cursorDoc, ok := cursorVal.DocumentOK()
	if !ok {
		return CursorResponse{}, Error{Message: "cursor field is not a document"}
	}

	var cr CursorResponse
	if id, ok := cursorDoc.Lookup("id").Int64OK(); ok {
		cr.ID = id
	}
	if nsStr, ok := cursorDoc.Lookup("ns").StringValueOK(); ok {
		cr.NS = splitNamespace(nsStr)
	}

	batchVal, err := cursorDoc.LookupErr("firstBatch")
	if err != nil {
		batchVal, err = cursorDoc.LookupErr("nextBatch")
	}
	if err == nil {
		if arr, ok := batchVal.ArrayOK(); ok {
			vals, verr := arr.Values()
			if verr != nil {
				return CursorResponse{}, verr
			}
			for _, v := range vals {
				if doc, ok := v.DocumentOK(); ok {
					cr.Batch = append(cr.Batch, doc)
				}
			}
		}
	}

	return cr, nil
}

func splitNamespace(ns string) Namespace {
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return Namespace{DB: ns[:i], Collection: ns[i+1:]}
		}
	}
	return Namespace{DB: ns}
}

// CursorOptions configures a BatchCursor at construction time.
type CursorOptions struct {
	BatchSize  int32
	Limit      int32
	MaxTimeMS  int64
	MaxAwaitTimeMS int64
	Tailable   bool
	AwaitData  bool
	Comment    bson.Raw
	Logger     *logger.Logger
}

// BatchCursor implements an iterator contract over a server-side
// cursor: a caller repeatedly calls Next to advance to the next
// already-fetched or freshly getMore'd batch, reads it with Batch, and
// eventually calls Close. Not safe for concurrent use.
type BatchCursor struct {
	id          int64
	ns          Namespace
	currentBatch []bsoncore.Document
	delivered   bool // currentBatch was already handed back by a prior advance

	batchSize   int32
	limit       int32
	numReturned int32
	maxTimeMS   int64
	maxAwaitTimeMS int64
	comment     bson.Raw
	tailable    bool
	awaitData   bool

	source Server
	conn   Connection
	desc   description.Server

	closed bool
	err    error

	log *logger.Logger
}

// NewBatchCursor constructs a BatchCursor from the initial cursor
// response, holding source (the server the cursor was opened on --
// every getMore/killCursors round trip for this cursor's lifetime
// targets the same server).
func NewBatchCursor(result CursorResponse, srvr Server, desc description.Server, opts CursorOptions) (*BatchCursor, error) {
	bc := &BatchCursor{
		id:             result.ID,
		ns:             result.NS,
		currentBatch:   result.Batch,
		batchSize:      opts.BatchSize,
		limit:          opts.Limit,
		maxTimeMS:      opts.MaxTimeMS,
		maxAwaitTimeMS: opts.MaxAwaitTimeMS,
		comment:        opts.Comment,
		tailable:       opts.Tailable,
		awaitData:      opts.AwaitData,
		source:         srvr,
		desc:           desc,
		log:            opts.Logger,
	}
	bc.numReturned += int32(len(result.Batch))
	bc.applyLimitKill()
	return bc, nil
}

// ID returns the server cursor id; 0 means the cursor is exhausted or
// has been killed.
func (bc *BatchCursor) ID() int64 { return bc.id }

// ServerAddress returns the description of the server this cursor is
// pinned to; its Addr field holds the server's address.
func (bc *BatchCursor) ServerAddress() description.Server { return bc.desc }

// Err returns the error, if any, that caused the most recent Next/
// TryNext call to return false.
func (bc *BatchCursor) Err() error { return bc.err }

// Batch returns the documents fetched by the most recent successful
// Next/TryNext call.
func (bc *BatchCursor) Batch() []bsoncore.Document { return bc.currentBatch }

// SetBatchSize sets the batch size used on follow-up getMore commands.
func (bc *BatchCursor) SetBatchSize(size int32) { bc.batchSize = size }

// SetMaxTime sets maxTimeMS for follow-up getMore commands (only
// attached on the wire for tailable-await cursors).
func (bc *BatchCursor) SetMaxTime(d time.Duration) {
	bc.maxTimeMS = int64(d / time.Millisecond)
}

// SetComment sets a comment attached to follow-up getMore commands.
// Non-document comment values (anything that does not marshal to a
// BSON document) are silently ignored.
func (bc *BatchCursor) SetComment(comment interface{}) {
	if comment == nil {
		bc.comment = nil
		return
	}
	raw, err := bson.Marshal(comment)
	if err != nil {
		bc.comment = nil
		return
	}
	bc.comment = bson.Raw(raw)
}

// Closed reports whether Close has been called.
func (bc *BatchCursor) Closed() bool { return bc.closed }

// Next advances to the next batch, blocking on a getMore round trip
// when the locally buffered batch is empty and the server cursor is
// still live. It returns false once the cursor is exhausted, closed,
// or a round trip fails (inspect Err for the reason).
func (bc *BatchCursor) Next(ctx context.Context) bool {
	return bc.advance(ctx, true)
}

// TryNext behaves like Next but never blocks waiting for new data on a
// tailable-await cursor: if no batch is immediately available it
// returns false (with Err() == nil) rather than waiting up to
// maxAwaitTimeMS.
func (bc *BatchCursor) TryNext(ctx context.Context) bool {
	return bc.advance(ctx, false)
}

func (bc *BatchCursor) advance(ctx context.Context, await bool) bool {
	bc.err = nil
	if bc.closed {
		bc.err = ErrCursorClosed
		return false
	}
	if bc.delivered {
		// The previously buffered batch was already handed back by a
		// prior Next/TryNext call; this call must advance past it
		// rather than re-deliver the same documents.
		bc.currentBatch = nil
		bc.delivered = false
	}
	if len(bc.currentBatch) > 0 {
		bc.delivered = true
		return true
	}
	if bc.id == 0 {
		return false
	}

	batch, newID, err := bc.getMore(ctx, await)
	if err != nil {
		bc.err = err
		bc.closed = true
		return false
	}
	bc.id = newID
	bc.currentBatch = batch
	bc.delivered = len(batch) > 0
	bc.numReturned += int32(len(batch))
	bc.applyLimitKill()

	return len(bc.currentBatch) > 0
}

// applyLimitKill kills the server cursor immediately once a nonzero
// limit has been met or exceeded by the running count of returned
// documents.
func (bc *BatchCursor) applyLimitKill() {
	if bc.limit == 0 || bc.id == 0 {
		return
	}
	absLimit := abs32(bc.limit)
	if int64(bc.numReturned) >= int64(absLimit) {
		_ = bc.killServerCursor(context.Background())
		bc.id = 0
	}
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// calcGetMoreBatchSize computes the `batchSize` to attach to a modern
// getMore command (the number-to-return computation, specialized to
// the field the modern command accepts). ok is false when the cursor
// has already met or exceeded its limit -- the caller should kill the
// cursor instead of issuing a getMore.
func calcGetMoreBatchSize(bc BatchCursor) (int32, bool) {
	if bc.limit == 0 {
		return bc.batchSize, true
	}
	n := abs32(bc.limit) - bc.numReturned
	if n <= 0 {
		return n, false
	}
	// A nonzero user batch size caps the request; the sign is preserved
	// as computed.
	if bc.batchSize != 0 && n > abs32(bc.batchSize) {
		n = bc.batchSize
	}
	return n, true
}

func (bc *BatchCursor) getMore(ctx context.Context, await bool) ([]bsoncore.Document, int64, error) {
	size, ok := calcGetMoreBatchSize(*bc)
	if !ok {
		_ = bc.killServerCursor(ctx)
		return nil, 0, nil
	}

	conn, err := bc.source.Connection(ctx)
	if err != nil {
		return nil, bc.id, WrapConnectionError(err, "")
	}
	defer conn.Close()

	if bc.desc.WireVersion.Max < 4 {
		numberToReturn := legacyNumberToReturn(size, bc.batchSize)
		docs, newID, lerr := conn.LegacyGetMore(ctx, bc.ns, bc.id, numberToReturn)
		if lerr != nil {
			return nil, bc.id, WrapConnectionError(lerr, string(conn.Description().Addr))
		}
		return docs, newID, nil
	}

	idx, cmd := bsoncore.AppendDocumentStart(nil)
	cmd = bsoncore.AppendInt64Element(cmd, "getMore", bc.id)
	cmd = bsoncore.AppendStringElement(cmd, "collection", bc.ns.Collection)
	if size != 0 {
		cmd = bsoncore.AppendInt32Element(cmd, "batchSize", size)
	}
	if bc.tailable && bc.awaitData && await {
		ms := bc.maxAwaitTimeMS
		if ms == 0 {
			ms = bc.maxTimeMS
		}
		if ms != 0 {
			cmd = bsoncore.AppendInt64Element(cmd, "maxTimeMS", ms)
		}
	}
	if len(bc.comment) > 0 {
		cmd = bsoncore.AppendDocumentElement(cmd, "comment", bsoncore.Document(bc.comment))
	}
	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)

	reply, err := conn.Command(ctx, bc.ns.DB, cmd, nil)
	if err != nil {
		return nil, bc.id, WrapConnectionError(err, string(conn.Description().Addr))
	}
	if cmdErr := extractCommandError(reply); cmdErr != nil {
		return nil, 0, cmdErr
	}

	cr, err := NewCursorResponse(reply)
	if err != nil {
		return nil, bc.id, err
	}
	return cr.Batch, cr.ID, nil
}

// legacyNumberToReturn implements the legacy number-to-return
// computation, preserving the sign of the user's batch size on the
// wire (a negative number signals "close cursor after this batch").
func legacyNumberToReturn(computed, userBatchSize int32) int32 {
	if userBatchSize < 0 {
		return userBatchSize
	}
	return computed
}

// Close kills the server cursor (if one is still live) and transitions
// the cursor to CLOSED. It is idempotent: a second Close is a no-op,
// and a server cursor id of zero is never killed twice.
func (bc *BatchCursor) Close(ctx context.Context) error {
	if bc.closed {
		return nil
	}
	bc.closed = true
	return bc.killServerCursor(ctx)
}

func (bc *BatchCursor) killServerCursor(ctx context.Context) error {
	if bc.id == 0 {
		return nil
	}
	id := bc.id
	bc.id = 0

	bc.log.Print(logger.LevelDebug, cursorLogMessage{ns: bc.ns, id: id, message: "killing server cursor"})

	conn, err := bc.source.Connection(ctx)
	if err != nil {
		return nil // best-effort: closing never surfaces a connection error
	}
	defer conn.Close()

	if bc.desc.WireVersion.Max < 4 {
		return conn.LegacyKillCursors(ctx, bc.ns, []int64{id})
	}

	idx, cmd := bsoncore.AppendDocumentStart(nil)
	cmd = bsoncore.AppendStringElement(cmd, "killCursors", bc.ns.Collection)
	aidx, arr := bsoncore.AppendArrayElementStart(cmd, "cursors")
	arr = bsoncore.AppendInt64Element(arr, "0", id)
	cmd, _ = bsoncore.AppendArrayEnd(arr, aidx)
	cmd, _ = bsoncore.AppendDocumentEnd(cmd, idx)

	_, err = conn.Command(ctx, bc.ns.DB, cmd, nil)
	return err
}

// cursorLogMessage adapts a cursor lifecycle event to the pluggable
// logger (ComponentCursor, the "operation.query.cursor" category).
type cursorLogMessage struct {
	ns      Namespace
	id      int64
	message string
}

func (m cursorLogMessage) Component() logger.Component { return logger.ComponentCursor }
func (m cursorLogMessage) Message() string              { return m.message }
func (m cursorLogMessage) Serialize() []interface{} {
	return []interface{}{"namespace", m.ns.FullName(), "cursorId", m.id}
}
