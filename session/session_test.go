package session

import (
	"testing"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/internal/assert"
)

func TestAdvanceTransactionNumber(t *testing.T) {
	c := NewClientSession(ID{}, Explicit)

	assert.Equal(t, int64(0), c.TxnNumber(), "a fresh session starts at transaction number zero")
	assert.Equal(t, int64(1), c.AdvanceTransactionNumber(), "the first advance yields one")
	assert.Equal(t, int64(1), c.TxnNumber(), "the retry path reads the same number the advance returned")
	assert.Equal(t, int64(2), c.AdvanceTransactionNumber(), "a second retryable write obtains a fresh number")
}

func clusterTimeDoc(tval uint32) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendTimestampElement(dst, "clusterTime", tval, 0)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func TestMaxClusterTime(t *testing.T) {
	older := clusterTimeDoc(10)
	newer := clusterTimeDoc(20)

	assert.Equal(t, newer, MaxClusterTime(older, newer), "the greater clusterTime wins")
	assert.Equal(t, newer, MaxClusterTime(newer, older), "ordering of arguments does not matter")
	assert.Equal(t, older, MaxClusterTime(older, nil), "a nil document is treated as minimal")
	assert.Equal(t, older, MaxClusterTime(nil, older), "a nil document is treated as minimal")
}
