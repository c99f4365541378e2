package driver

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/internal/logger"
	"github.com/basinlabs/mongowire/writeconcern"
)

// ErrEmptyWriteList is the domain error raised at batcher construction
// when the caller supplies no write requests.
var ErrEmptyWriteList = errors.New("bulk write requires at least one write request")

// defaultMaxBatchCount is used when the connection description does
// not advertise a MaxWriteBatchSize (e.g. in unit tests).
const defaultMaxBatchCount = 100000

// Namespace identifies a (database, collection) pair. It is
// immutable once constructed.
type Namespace struct {
	DB         string
	Collection string
}

// FullName returns "database.collection".
func (ns Namespace) FullName() string { return ns.DB + "." + ns.Collection }

// UpsertedItem is one upserted document's payload-local index (already
// remapped to the user-submitted position by the time it lands in
// BulkWriteResult) and the identifier the server assigned it.
type UpsertedItem struct {
	Index int
	ID    bsoncore.Value
}

// BulkWriteResult is the acknowledged bulk-write outcome returned by
// GetResult.
type BulkWriteResult struct {
	Acknowledged  bool
	InsertedCount int64
	MatchedCount  int64
	ModifiedCount int64
	DeletedCount  int64
	UpsertedCount int64
	Upserted      []UpsertedItem
}

// BulkWriteCombiner accumulates per-batch replies into one result and
// one ordered set of remapped per-item errors, owned by exactly one
// batching session.
type BulkWriteCombiner struct {
	result            BulkWriteResult
	writeErrors       []WriteError // Index already remapped to user position
	writeConcernError *WriteConcernError
	seen              map[int64]bool
	ordered           bool
}

func newCombiner(ordered bool) *BulkWriteCombiner {
	return &BulkWriteCombiner{result: BulkWriteResult{Acknowledged: true}, seen: map[int64]bool{}, ordered: ordered}
}

// AddBatchResult folds one batch's write-command reply into the
// combiner, remapping payload-local indices to user-submitted
// positions through indexMap. It never reports the same user position
// twice.
func (c *BulkWriteCombiner) AddBatchResult(kind WriteKind, reply bsoncore.Document, indexMap []int) error {
	n, _ := reply.Lookup("n").AsInt64OK()

	switch kind {
	case InsertKind:
		c.result.InsertedCount += n
	case DeleteKind:
		c.result.DeletedCount += n
	case UpdateKind, ReplaceKind:
		c.result.MatchedCount += n
		if nModified, ok := reply.Lookup("nModified").AsInt64OK(); ok {
			c.result.ModifiedCount += nModified
		}
		if upserted, ok := reply.Lookup("upserted").ArrayOK(); ok {
			vals, err := upserted.Values()
			if err == nil {
				for _, v := range vals {
					doc, valid := v.DocumentOK()
					if !valid {
						continue
					}
					localIdx, _ := doc.Lookup("index").AsInt64OK()
					idVal := doc.Lookup("_id")
					userIdx := remapIndex(indexMap, int(localIdx))
					if userIdx < 0 || c.seen[int64(userIdx)] {
						continue
					}
					c.seen[int64(userIdx)] = true
					c.result.Upserted = append(c.result.Upserted, UpsertedItem{Index: userIdx, ID: idVal})
					c.result.UpsertedCount++
				}
			}
		}
	}

	if cmdErr := extractCommandError(reply); cmdErr != nil {
		if wcErr, ok := cmdErr.(WriteCommandError); ok {
			for _, we := range wcErr.WriteErrors {
				userIdx := remapIndex(indexMap, int(we.Index))
				if userIdx < 0 || c.seen[int64(userIdx)] {
					continue
				}
				c.seen[int64(userIdx)] = true
				we.Index = int64(userIdx)
				c.writeErrors = append(c.writeErrors, we)
			}
			if wcErr.WriteConcernError != nil {
				c.writeConcernError = wcErr.WriteConcernError
			}
			return nil
		}
		return cmdErr
	}
	return nil
}

// HasErrors reports whether any per-item error or write-concern error
// has been recorded so far.
func (c *BulkWriteCombiner) HasErrors() bool {
	return len(c.writeErrors) > 0 || c.writeConcernError != nil
}

// StopSending reports whether an ordered bulk write should stop
// dispatching further batches: true once any per-item error has been
// seen on an ordered batcher.
func (c *BulkWriteCombiner) StopSending() bool {
	return c.ordered && len(c.writeErrors) > 0
}

// Result returns the combined result and the aggregated error (nil if
// no per-item or write-concern errors were recorded).
func (c *BulkWriteCombiner) Result() (BulkWriteResult, error) {
	if len(c.writeErrors) == 0 && c.writeConcernError == nil {
		return c.result, nil
	}
	return c.result, WriteCommandError{WriteErrors: c.writeErrors, WriteConcernError: c.writeConcernError}
}

func remapIndex(indexMap []int, localIdx int) int {
	if localIdx < 0 || localIdx >= len(indexMap) {
		return -1
	}
	return indexMap[localIdx]
}

// BulkWriteBatch is one server-sized sub-batch: a homogeneous run
// of write requests encoded into a payload, plus whatever didn't fit
// (different kind, ordered-halt, or overflow) left in Unprocessed.
type BulkWriteBatch struct {
	Namespace                Namespace
	Ordered                  bool
	WriteConcern             *writeconcern.WriteConcern
	BypassDocumentValidation *bool

	BatchType WriteKind
	Payload   []bsoncore.Document
	IndexMap  []int // payload position -> user-submitted position

	Unprocessed []WriteRequest

	Combiner *BulkWriteCombiner
}

// HasAnotherBatch reports whether more batches remain to be formed:
// true iff Unprocessed is non-empty.
func (b *BulkWriteBatch) HasAnotherBatch() bool {
	return len(b.Unprocessed) > 0
}

// BulkWriteBatcher accepts a user-ordered, possibly heterogeneous
// stream of write requests and, on demand, produces the server-sized
// batches, folding replies into a single shared combiner.
type BulkWriteBatcher struct {
	Namespace                Namespace
	Ordered                  bool
	WriteConcern             *writeconcern.WriteConcern
	BypassDocumentValidation *bool
	MaxBatchCount            int
	MaxBatchSizeBytes        int
	Logger                   *logger.Logger

	pending  []WriteRequest
	combiner *BulkWriteCombiner
}

// NewBulkWriteBatcher constructs a batcher over requests, rejecting an
// empty list.
func NewBulkWriteBatcher(ns Namespace, ordered bool, wc *writeconcern.WriteConcern, requests []WriteRequest) (*BulkWriteBatcher, error) {
	if len(requests) == 0 {
		return nil, ErrEmptyWriteList
	}
	combiner := newCombiner(ordered)
	// An explicit w:0 write concern makes the whole bulk unacknowledged:
	// the server reports nothing per item, so the result is the
	// unacknowledged sentinel regardless of what the batches did.
	combiner.result.Acknowledged = writeconcern.AckWrite(wc)
	return &BulkWriteBatcher{
		Namespace:     ns,
		Ordered:       ordered,
		WriteConcern:  wc,
		MaxBatchCount: defaultMaxBatchCount,
		pending:       requests,
		combiner:      combiner,
	}, nil
}

// HasMore reports whether any requests remain to be batched.
func (b *BulkWriteBatcher) HasMore() bool { return len(b.pending) > 0 }

// Combiner returns the shared combiner every produced batch reports
// into.
func (b *BulkWriteBatcher) Combiner() *BulkWriteCombiner { return b.combiner }

// Next forms and returns the next batch, advancing past whatever it
// consumed. It applies the batch-formation algorithm: a run of
// requests matching the first request's kind, stopped by a kind change
// (ordered: halts everything remaining; unordered: only the differing
// request is set aside) or by the byte/count limit.
func (b *BulkWriteBatcher) Next() (*BulkWriteBatch, error) {
	if len(b.pending) == 0 {
		return nil, errors.New("no requests remain to batch")
	}

	if b.Ordered && b.combiner.StopSending() {
		// An ordered bulk halts after its first per-item error: whatever
		// remains is reported as unprocessed, not sent.
		batch := &BulkWriteBatch{
			Namespace: b.Namespace, Ordered: b.Ordered, WriteConcern: b.WriteConcern,
			BypassDocumentValidation: b.BypassDocumentValidation,
			Unprocessed:              b.pending,
			Combiner:                 b.combiner,
		}
		b.pending = nil
		return batch, nil
	}

	batchType := b.pending[0].Kind
	maxCount := b.MaxBatchCount
	if maxCount <= 0 {
		maxCount = defaultMaxBatchCount
	}

	var payload []bsoncore.Document
	var indexMap []int
	size := 0
	i := 0
	for ; i < len(b.pending); i++ {
		req := b.pending[i]
		if req.Kind != batchType {
			if b.Ordered {
				// Ordered: everything from here on, regardless of kind,
				// becomes unprocessed.
				break
			}
			// Unordered: only this differing request moves aside; keep
			// scanning for more of the same kind.
			continue
		}
		if len(payload) >= maxCount {
			break
		}

		encoded, err := EncodeWriteRequest(req)
		if err != nil {
			return nil, err
		}
		if b.MaxBatchSizeBytes > 0 && size+len(encoded) > b.MaxBatchSizeBytes && len(payload) > 0 {
			break
		}
		size += len(encoded)
		payload = append(payload, encoded)
		indexMap = append(indexMap, req.Position)
	}

	// Collect unprocessed: for unordered batches this is every request
	// of a differing kind scanned over (they were skipped above, not
	// consumed); for ordered batches it is the contiguous remainder
	// starting at i.
	var unprocessed []WriteRequest
	if b.Ordered {
		unprocessed = append(unprocessed, b.pending[i:]...)
		b.pending = unprocessed
	} else {
		remaining := b.pending[:0:0]
		consumed := map[int]bool{}
		for _, idx := range indexMap {
			consumed[idx] = true
		}
		for _, req := range b.pending {
			if !consumed[req.Position] {
				remaining = append(remaining, req)
			}
		}
		unprocessed = remaining
		b.pending = remaining
	}

	return &BulkWriteBatch{
		Namespace: b.Namespace, Ordered: b.Ordered, WriteConcern: b.WriteConcern,
		BypassDocumentValidation: b.BypassDocumentValidation,
		BatchType:                batchType,
		Payload:                  payload,
		IndexMap:                 indexMap,
		Unprocessed:              unprocessed,
		Combiner:                 b.combiner,
	}, nil
}

// GetResult returns the combiner's final BulkWriteResult and
// aggregated error once every batch has been dispatched.
func (b *BulkWriteBatcher) GetResult() (BulkWriteResult, error) {
	return b.combiner.Result()
}

// ExecuteBatches drives the batcher to completion, dispatching each
// batch with dispatch and stopping early once an
// ordered batch's combiner reports a per-item error, since a later
// sub-batch is only sent if the prior one raised none. It returns the
// first dispatch-level error encountered (a transport or command
// failure, not a per-item write error -- those accumulate in the
// combiner and are returned from GetResult).
func (b *BulkWriteBatcher) ExecuteBatches(ctx context.Context, dispatch func(context.Context, *BulkWriteBatch) error) error {
	for b.HasMore() {
		batch, err := b.Next()
		if err != nil {
			return err
		}
		if len(batch.Payload) == 0 {
			// Nothing left to send on this batch (ordered halt case);
			// the unprocessed requests are simply left unreported.
			continue
		}
		b.Logger.Print(logger.LevelDebug, bulkLogMessage{
			ns: b.Namespace, kind: batch.BatchType, count: len(batch.Payload),
			message: "dispatching batch",
		})
		if derr := dispatch(ctx, batch); derr != nil {
			return derr
		}
	}
	return nil
}

// bulkLogMessage adapts a bulk-write batch lifecycle event to the
// pluggable logger (ComponentBulkWrite).
type bulkLogMessage struct {
	ns      Namespace
	kind    WriteKind
	count   int
	message string
}

func (m bulkLogMessage) Component() logger.Component { return logger.ComponentBulkWrite }
func (m bulkLogMessage) Message() string             { return m.message }
func (m bulkLogMessage) Serialize() []interface{} {
	return []interface{}{"namespace", m.ns.FullName(), "batchType", m.kind.String(), "count", m.count}
}
