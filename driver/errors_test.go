package driver

import (
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/internal/assert"
)

func buildReply(elems ...func([]byte) []byte) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	for _, e := range elems {
		dst = e(dst)
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func withOK(v int32) func([]byte) []byte {
	return func(dst []byte) []byte { return bsoncore.AppendInt32Element(dst, "ok", v) }
}

func withString(key, v string) func([]byte) []byte {
	return func(dst []byte) []byte { return bsoncore.AppendStringElement(dst, key, v) }
}

func withInt32(key string, v int32) func([]byte) []byte {
	return func(dst []byte) []byte { return bsoncore.AppendInt32Element(dst, key, v) }
}

func TestExtractCommandErrorSuccess(t *testing.T) {
	reply := buildReply(withOK(1))
	err := extractCommandError(reply)
	assert.True(t, err == nil, "ok:1 reply with no write errors should produce a nil error")
}

func TestExtractCommandErrorFailure(t *testing.T) {
	reply := buildReply(withOK(0), withString("errmsg", "ns not found"), withInt32("code", 26))
	err := extractCommandError(reply)
	assert.Error(t, err, "ok:0 reply should produce an error")

	cmdErr, ok := err.(Error)
	assert.True(t, ok, "expected a driver.Error, got %T", err)
	assert.Equal(t, int32(26), cmdErr.Code, "code should round-trip")
	assert.True(t, cmdErr.IsNamespaceNotFound(), "code 26 should be classified as namespace not found")
}

func TestRethrowIfNotNamespaceError(t *testing.T) {
	nsErr := Error{Code: 26, Message: "ns not found"}
	assert.True(t, RethrowIfNotNamespaceError(nsErr) == nil, "a namespace-not-found error should be swallowed")

	other := Error{Code: 11000, Message: "duplicate key"}
	got := RethrowIfNotNamespaceError(other)
	assert.True(t, got != nil, "a non-namespace error must not be swallowed")
	assert.Equal(t, other, got, "a non-namespace error should be returned unchanged")

	assert.True(t, RethrowIfNotNamespaceError(nil) == nil, "a nil error should remain nil")
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NetworkError{Wrapped: errors.New("reset")}), "network errors are retryable")
	assert.True(t, IsRetryable(Error{Message: "not master"}), "not primary failures are retryable")
	assert.True(t, IsRetryable(Error{Code: codeCursorNotFound}), "cursor not found is retryable")
	assert.True(t, !IsRetryable(Error{Code: 11000, Message: "duplicate key"}), "duplicate key is not retryable")
}

func TestIsRetryableWriteExcludesCursorNotFound(t *testing.T) {
	assert.True(t, !IsRetryableWrite(Error{Code: codeCursorNotFound}), "cursor-not-found should not trigger the write-retry path")
	assert.True(t, IsRetryableWrite(Error{Message: "not primary"}), "not-primary should trigger the write-retry path")
}

func TestIsRetryableChangeStreamError(t *testing.T) {
	assert.True(t, IsRetryableChangeStreamError(NetworkError{Wrapped: errors.New("reset")}), "network errors resume a change stream")
	assert.True(t, !IsRetryableChangeStreamError(Error{Code: 136}), "CappedPositionLost must not resume")
	assert.True(t, !IsRetryableChangeStreamError(Error{Code: 11601}), "Interrupted must not resume")
	assert.True(t, IsRetryableChangeStreamError(Error{Code: 999}), "an arbitrary transient code should resume")
	assert.True(t, !IsRetryableChangeStreamError(ChangeStreamError{Message: "missing resume token"}), "a fatal protocol error must not resume")
}

func TestWriteCommandErrorAggregatesMessages(t *testing.T) {
	wce := WriteCommandError{
		WriteErrors: []WriteError{
			{Index: 0, Code: 11000, Message: "duplicate key: _id"},
			{Index: 2, Code: 121, Message: "document failed validation"},
		},
	}
	assert.True(t, wce.Error() != "", "aggregated error message should not be empty")
	assert.True(t, !wce.HasErrorLabel("RetryableWriteError"), "no labels were attached")
}
