// Package readconcern implements MongoDB read concern levels and
// their BSON encoding, consumed by the dispatcher's readConcern-
// attaching step.
package readconcern

import (
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// ReadConcern specifies the level of isolation for read operations.
type ReadConcern struct {
	level string
}

// Level constructs a ReadConcern from an arbitrary level string so
// server-defined levels that predate this package stay expressible.
func Level(level string) *ReadConcern { return &ReadConcern{level: level} }

// Local requests the instance's most recent data.
func Local() *ReadConcern { return &ReadConcern{level: "local"} }

// Majority requests data acknowledged by a majority of replica set
// members.
func Majority() *ReadConcern { return &ReadConcern{level: "majority"} }

// Linearizable requests a linearizable read.
func Linearizable() *ReadConcern { return &ReadConcern{level: "linearizable"} }

// Snapshot requests data from a snapshot of majority-committed data.
func Snapshot() *ReadConcern { return &ReadConcern{level: "snapshot"} }

// Available requests the instance's most recent data without waiting
// for replication checks.
func Available() *ReadConcern { return &ReadConcern{level: "available"} }

// New returns a read concern with no level; it encodes as an empty
// document.
func New() *ReadConcern { return &ReadConcern{} }

// MarshalBSONValue encodes the read concern as a document. It always
// returns a document (possibly empty), which driver.Operation appends
// as the command's readConcern field.
func (rc *ReadConcern) MarshalBSONValue() (bsontype.Type, []byte, error) {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	if rc != nil && rc.level != "" {
		doc = bsoncore.AppendStringElement(doc, "level", rc.level)
	}
	doc, err := bsoncore.AppendDocumentEnd(doc, idx)
	return bsontype.EmbeddedDocument, doc, err
}
