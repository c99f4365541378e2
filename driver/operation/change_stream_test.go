package operation

import (
	"testing"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/driver"
	"github.com/basinlabs/mongowire/internal/assert"
)

func tokenDoc(tval int32) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "t", tval)
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func matchStage() bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendDocumentElement(dst, "$match", keysDoc("x", 1))
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func pipelineArray(stages ...bsoncore.Document) bsoncore.Document {
	idx, dst := bsoncore.AppendArrayStart(nil)
	for i, s := range stages {
		dst = bsoncore.AppendDocumentElement(dst, itoa(int64(i)), s)
	}
	dst, _ = bsoncore.AppendArrayEnd(dst, idx)
	return dst
}

func TestChangeStreamCommandLeadsWithChangeStreamStage(t *testing.T) {
	ns := driver.Namespace{DB: "db", Collection: "coll"}
	cs := NewChangeStream(ns, pipelineArray(matchStage())).FullDocument("updateLookup")

	cmd := buildCommand(t, cs.command, description.SelectedServer{})

	coll, _ := cmd.Lookup("aggregate").StringValueOK()
	assert.Equal(t, "coll", coll, "a collection-level change stream aggregates the collection")

	pipeline, ok := cmd.Lookup("pipeline").ArrayOK()
	assert.True(t, ok, "pipeline should be an array")
	vals, err := pipeline.Values()
	assert.NoError(t, err, "pipeline array should decode")
	assert.Equal(t, 2, len(vals), "pipeline is the $changeStream stage plus the caller's stage")

	first, _ := vals[0].DocumentOK()
	csOpts, err := first.LookupErr("$changeStream")
	assert.NoError(t, err, "the first stage must be $changeStream")
	optsDoc, _ := csOpts.DocumentOK()
	fullDoc, _ := optsDoc.Lookup("fullDocument").StringValueOK()
	assert.Equal(t, "updateLookup", fullDoc, "fullDocument option should be carried in the stage")

	second, _ := vals[1].DocumentOK()
	_, err = second.LookupErr("$match")
	assert.NoError(t, err, "the caller's $match stage follows the $changeStream stage")
}

func TestChangeStreamResumeAfterWinsOverStartOptions(t *testing.T) {
	ns := driver.Namespace{DB: "db", Collection: "coll"}
	cs := NewChangeStream(ns, nil).
		StartAfter(tokenDoc(1)).
		ResumeAfter(tokenDoc(2))

	stage := cs.changeStreamStage()
	opts, _ := stage.Lookup("$changeStream").DocumentOK()

	resume, err := opts.LookupErr("resumeAfter")
	assert.NoError(t, err, "resumeAfter should be attached")
	resumeDoc, _ := resume.DocumentOK()
	assert.Equal(t, tokenDoc(2), resumeDoc, "resumeAfter carries the resume token")

	_, err = opts.LookupErr("startAfter")
	assert.Error(t, err, "startAfter must be omitted once resumeAfter is set")
}

func TestChangeStreamDatabaseLevelAggregatesAtOne(t *testing.T) {
	ns := driver.Namespace{DB: "db"}
	cs := NewChangeStream(ns, nil)

	cmd := buildCommand(t, cs.command, description.SelectedServer{})

	v, err := cmd.LookupErr("aggregate")
	assert.NoError(t, err, "aggregate key must be present")
	n, ok := v.Int32OK()
	assert.True(t, ok, "a database-level change stream aggregates the database, not a collection")
	assert.Equal(t, int32(1), n, "collectionless aggregate value should be 1")
}
