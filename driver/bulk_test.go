package driver

import (
	"testing"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/internal/assert"
)

func intDoc(key string, v int32) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, key, v)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func setDoc(key string, v int32) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendDocumentElement(dst, "$set", intDoc(key, v))
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

// scenarioARequests builds a heterogeneous request stream: two
// inserts, an update, then a third insert.
func scenarioARequests() []WriteRequest {
	return []WriteRequest{
		Insert(0, intDoc("a", 1)),
		Insert(1, intDoc("a", 2)),
		NewUpdate(2, intDoc("a", 1), setDoc("b", 9), false, false, nil),
		Insert(3, intDoc("a", 3)),
	}
}

func drainBatches(t *testing.T, b *BulkWriteBatcher) []*BulkWriteBatch {
	t.Helper()
	var batches []*BulkWriteBatch
	for b.HasMore() {
		batch, err := b.Next()
		assert.NoError(t, err, "Next should not fail while forming a batch")
		batches = append(batches, batch)
	}
	return batches
}

func TestBulkWriteBatcherOrderedHeterogeneous(t *testing.T) {
	ns := Namespace{DB: "test", Collection: "coll"}
	b, err := NewBulkWriteBatcher(ns, true, nil, scenarioARequests())
	assert.NoError(t, err, "constructing an ordered batcher over a non-empty request list should not fail")

	batches := drainBatches(t, b)

	assert.Equal(t, 3, len(batches), "an ordered heterogeneous bulk splits into three batches")

	assert.Equal(t, InsertKind, batches[0].BatchType, "first batch is the leading run of inserts")
	assert.Equal(t, 2, len(batches[0].Payload), "first batch carries the two leading inserts")
	assert.Equal(t, []int{0, 1}, batches[0].IndexMap, "first batch's index map is the original positions 0 and 1")

	assert.Equal(t, UpdateKind, batches[1].BatchType, "second batch is the single update")
	assert.Equal(t, 1, len(batches[1].Payload), "second batch carries exactly the update")
	assert.Equal(t, []int{2}, batches[1].IndexMap, "second batch's index map is the original position 2")

	assert.Equal(t, InsertKind, batches[2].BatchType, "third batch is the trailing insert")
	assert.Equal(t, 1, len(batches[2].Payload), "third batch carries exactly the trailing insert")
	assert.Equal(t, []int{3}, batches[2].IndexMap, "third batch's index map is the original position 3")
}

func TestBulkWriteBatcherOrderedHaltsAfterItemError(t *testing.T) {
	ns := Namespace{DB: "test", Collection: "coll"}
	b, err := NewBulkWriteBatcher(ns, true, nil, scenarioARequests())
	assert.NoError(t, err, "constructing the batcher should not fail")

	first, err := b.Next()
	assert.NoError(t, err, "forming the first batch should not fail")

	reply := mustAppendWriteErrors(t)
	assert.NoError(t, first.Combiner.AddBatchResult(InsertKind, reply, first.IndexMap),
		"folding a reply with a write error should not itself error")

	assert.True(t, first.Combiner.StopSending(), "an ordered combiner stops sending after its first item error")

	// The remaining batches (update, insert) are never sent; Next still
	// reports them as one final all-unprocessed batch with an empty
	// payload, matching ExecuteBatches' "drop from the result" handling.
	next, err := b.Next()
	assert.NoError(t, err, "Next should still succeed once halted, returning the unprocessed remainder")
	assert.Equal(t, 0, len(next.Payload), "a halted ordered batcher's next batch carries no payload")
	assert.Equal(t, 2, len(next.Unprocessed), "the halted remainder carries both the update and the trailing insert")
	assert.True(t, !b.HasMore(), "the batcher is drained once the halted remainder has been produced")
}

// mustAppendWriteErrors builds a `writeErrors: [{index: 0, code: 11000,
// errmsg: "dup"}]` tail appended after an `ok: 1` field, simulating a
// command reply that both acknowledges the command and reports a
// per-item failure.
func mustAppendWriteErrors(t *testing.T) bsoncore.Document {
	t.Helper()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "ok", 1)
	aidx, arr := bsoncore.AppendArrayElementStart(dst, "writeErrors")
	eidx, elem := bsoncore.AppendDocumentElementStart(arr, "0")
	elem = bsoncore.AppendInt32Element(elem, "index", 0)
	elem = bsoncore.AppendInt32Element(elem, "code", 11000)
	elem = bsoncore.AppendStringElement(elem, "errmsg", "dup")
	elem, _ = bsoncore.AppendDocumentEnd(elem, eidx)
	arr = elem
	arr, _ = bsoncore.AppendArrayEnd(arr, aidx)
	doc, _ := bsoncore.AppendDocumentEnd(arr, idx)
	return doc
}

func TestBulkWriteBatcherUnorderedHeterogeneous(t *testing.T) {
	ns := Namespace{DB: "test", Collection: "coll"}
	b, err := NewBulkWriteBatcher(ns, false, nil, scenarioARequests())
	assert.NoError(t, err, "constructing an unordered batcher over a non-empty request list should not fail")

	batches := drainBatches(t, b)

	assert.Equal(t, 2, len(batches), "an unordered heterogeneous bulk splits into two batches")

	assert.Equal(t, InsertKind, batches[0].BatchType, "first batch groups all inserts regardless of position")
	assert.Equal(t, 3, len(batches[0].Payload), "first batch carries all three inserts")
	assert.Equal(t, []int{0, 1, 3}, batches[0].IndexMap, "first batch's index map preserves original insert positions 0, 1, 3")

	assert.Equal(t, UpdateKind, batches[1].BatchType, "second batch is the set-aside update")
	assert.Equal(t, []int{2}, batches[1].IndexMap, "second batch's index map is the original position 2")
}

func TestBulkWriteBatcherRejectsEmptyRequestList(t *testing.T) {
	_, err := NewBulkWriteBatcher(Namespace{DB: "test", Collection: "coll"}, true, nil, nil)
	assert.Equal(t, ErrEmptyWriteList, err, "an empty write request list must be rejected at construction")
}

func TestBulkWriteCombinerNeverReportsAPositionTwice(t *testing.T) {
	c := newCombiner(false)

	replyWithError := mustAppendWriteErrors(t)

	assert.NoError(t, c.AddBatchResult(InsertKind, replyWithError, []int{7}),
		"folding the first reply should not error")
	assert.Equal(t, 1, len(c.writeErrors), "the first fold records one write error")

	assert.NoError(t, c.AddBatchResult(InsertKind, replyWithError, []int{7}),
		"folding a duplicate reply for the same user position should not error")
	assert.Equal(t, 1, len(c.writeErrors), "a user position is never reported twice, even if folded again")
}

func TestBulkWriteCombinerResultCounts(t *testing.T) {
	c := newCombiner(true)

	insertReply := buildReply(withOK(1), withInt32("n", 2))
	assert.NoError(t, c.AddBatchResult(InsertKind, insertReply, []int{0, 1}), "folding an insert reply should not error")

	updateReply := withNAndNModified(1, 1)
	assert.NoError(t, c.AddBatchResult(UpdateKind, updateReply, []int{2}), "folding an update reply should not error")

	result, err := c.Result()
	assert.NoError(t, err, "a combiner with no write errors returns a nil aggregated error")
	assert.Equal(t, int64(2), result.InsertedCount, "insertedCount should reflect the folded insert reply")
	assert.Equal(t, int64(1), result.MatchedCount, "matchedCount should reflect the folded update reply")
	assert.Equal(t, int64(1), result.ModifiedCount, "modifiedCount should reflect the folded update reply")
}

func withNAndNModified(n, nModified int32) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "ok", 1)
	dst = bsoncore.AppendInt32Element(dst, "n", n)
	dst = bsoncore.AppendInt32Element(dst, "nModified", nModified)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}
