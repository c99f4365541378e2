// Package writeconcern implements MongoDB write concern and its BSON
// encoding, consumed by the dispatcher's writeConcern-attaching step
// and by the bulk write batcher's acknowledged/unacknowledged split.
package writeconcern

import (
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// ErrEmptyWriteConcern is returned by MarshalBSONValue for the zero
// value WriteConcern, signaling the caller should omit the
// `writeConcern` field entirely rather than send `{}`.
var ErrEmptyWriteConcern = errors.New("a write concern must have at least one field set")

// WriteConcern describes the level of acknowledgement requested from
// MongoDB for write operations.
type WriteConcern struct {
	w        interface{} // nil, int, or string ("majority", a custom tag set name, ...)
	journal  *bool
	wTimeout time.Duration
}

// W requests acknowledgement that the write has propagated to a
// specific number of nodes.
func W(w int) *WriteConcern { return &WriteConcern{w: w} }

// WMajority requests acknowledgement that the write has propagated to
// the majority of nodes.
func WMajority() *WriteConcern { return &WriteConcern{w: "majority"} }

// WTagSet requests acknowledgement from members matching a custom
// getLastErrorMode tag set.
func WTagSet(tag string) *WriteConcern { return &WriteConcern{w: tag} }

// J requests or disables acknowledgement that the write has been
// written to the on-disk journal.
func (wc *WriteConcern) J(j bool) *WriteConcern {
	wc.journal = &j
	return wc
}

// WTimeout sets how long the server waits for the write concern to be
// satisfied before returning a write-concern error.
func (wc *WriteConcern) WTimeout(d time.Duration) *WriteConcern {
	wc.wTimeout = d
	return wc
}

// AckWrite reports whether a write concern acknowledges writes. A nil
// write concern is acknowledged (the server default is always >= w:1).
// Only an explicit w:0 makes a write unacknowledged.
func AckWrite(wc *WriteConcern) bool {
	if wc == nil {
		return true
	}
	if n, ok := wc.w.(int); ok {
		return n != 0
	}
	return true
}

// MarshalBSONValue encodes the write concern as a document. For a nil
// or all-zero-value write concern it returns ErrEmptyWriteConcern so
// the caller omits the field.
func (wc *WriteConcern) MarshalBSONValue() (bsontype.Type, []byte, error) {
	if wc == nil || (wc.w == nil && wc.journal == nil && wc.wTimeout == 0) {
		return 0, nil, ErrEmptyWriteConcern
	}

	idx, doc := bsoncore.AppendDocumentStart(nil)
	switch w := wc.w.(type) {
	case int:
		doc = bsoncore.AppendInt32Element(doc, "w", int32(w))
	case string:
		if w != "" {
			doc = bsoncore.AppendStringElement(doc, "w", w)
		}
	}
	if wc.journal != nil {
		doc = bsoncore.AppendBooleanElement(doc, "j", *wc.journal)
	}
	if wc.wTimeout != 0 {
		doc = bsoncore.AppendInt64Element(doc, "wtimeout", int64(wc.wTimeout/time.Millisecond))
	}
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	return bsontype.EmbeddedDocument, doc, err
}
