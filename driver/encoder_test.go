package driver

import (
	"testing"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/internal/assert"
)

func doc(elems ...func([]byte) []byte) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	for _, e := range elems {
		dst = e(dst)
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func strElem(key, v string) func([]byte) []byte {
	return func(dst []byte) []byte { return bsoncore.AppendStringElement(dst, key, v) }
}

func intElem(key string, v int32) func([]byte) []byte {
	return func(dst []byte) []byte { return bsoncore.AppendInt32Element(dst, key, v) }
}

func TestEncodeInsertRejectsDollarPrefixedKey(t *testing.T) {
	d := doc(strElem("$foo", "bar"))
	_, err := EncodeWriteRequest(Insert(0, d))
	assert.Error(t, err, "an insert document with a dollar-prefixed top-level key must be rejected")
	assert.Equal(t, ErrInvalidIdentifierKey, err, "unexpected error for a dollar-prefixed insert key")
}

func TestEncodeInsertPassesThroughOrdinaryDocument(t *testing.T) {
	d := doc(intElem("x", 1))
	got, err := EncodeWriteRequest(Insert(0, d))
	assert.NoError(t, err, "an ordinary insert document should encode without error")
	assert.Equal(t, d, got, "an insert encodes to exactly its document")
}

func TestEncodeUpdateRequiresOperators(t *testing.T) {
	filter := doc(intElem("x", 1))

	_, err := EncodeWriteRequest(NewUpdate(0, filter, doc(), false, false, nil))
	assert.Error(t, err, "an empty update document must be rejected")
	assert.Equal(t, ErrEmptyUpdateDocument, err, "unexpected error for an empty update document")

	_, err = EncodeWriteRequest(NewUpdate(0, filter, doc(intElem("x", 1)), false, false, nil))
	assert.Error(t, err, "an update document without dollar operators must be rejected")
	assert.Equal(t, ErrUpdateDocumentRequiresOperators, err, "unexpected error for a non-operator update document")

	update := doc(strElem("$set", "irrelevant-for-this-test"))
	got, err := EncodeWriteRequest(NewUpdate(0, filter, update, true, true, nil))
	assert.NoError(t, err, "a well-formed update document should encode without error")

	qVal, err := got.LookupErr("q")
	assert.NoError(t, err, "encoded update must carry a q field")
	qDoc, ok := qVal.DocumentOK()
	assert.True(t, ok, "q field should be a document")
	assert.Equal(t, filter, qDoc, "q field should be the filter document")

	multiVal, err := got.LookupErr("multi")
	assert.NoError(t, err, "encoded update must carry a multi field when set")
	b, ok := multiVal.BooleanOK()
	assert.True(t, ok, "multi field should be boolean")
	assert.True(t, b, "multi should be true")
}

func TestEncodeReplaceRejectsOperatorDocument(t *testing.T) {
	filter := doc(intElem("x", 1))
	replacement := doc(strElem("$set", "not allowed in a replacement"))
	_, err := EncodeWriteRequest(NewReplace(0, filter, replacement, false, nil))
	assert.Error(t, err, "a replacement document with a dollar-prefixed key must be rejected")
}

func TestEncodeDeleteLimitReflectsMulti(t *testing.T) {
	filter := doc(intElem("x", 1))

	single, err := EncodeWriteRequest(NewDelete(0, filter, false, nil))
	assert.NoError(t, err, "encoding a single-delete request should not error")
	limitVal, _ := single.LookupErr("limit")
	n, _ := limitVal.Int32OK()
	assert.Equal(t, int32(1), n, "a non-multi delete must set limit:1")

	multi, err := EncodeWriteRequest(NewDelete(0, filter, true, nil))
	assert.NoError(t, err, "encoding a multi-delete request should not error")
	limitVal, _ = multi.LookupErr("limit")
	n, _ = limitVal.Int32OK()
	assert.Equal(t, int32(0), n, "a multi delete must set limit:0")
}
