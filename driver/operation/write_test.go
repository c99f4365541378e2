package operation

import (
	"testing"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/driver"
	"github.com/basinlabs/mongowire/internal/assert"
)

func TestWriteCommandNameAndPayloadIdentifier(t *testing.T) {
	ns := driver.Namespace{DB: "db", Collection: "coll"}

	testCases := []struct {
		name           string
		requests       []driver.WriteRequest
		wantCommand    string
		wantIdentifier string
	}{
		{
			name:           "insert",
			requests:       []driver.WriteRequest{driver.Insert(0, keysDoc("a", 1))},
			wantCommand:    "insert",
			wantIdentifier: "documents",
		},
		{
			name: "update",
			requests: []driver.WriteRequest{
				driver.NewUpdate(0, keysDoc("a", 1), setDoc(t), false, false, nil),
			},
			wantCommand:    "update",
			wantIdentifier: "updates",
		},
		{
			name:           "delete",
			requests:       []driver.WriteRequest{driver.NewDelete(0, keysDoc("a", 1), false, nil)},
			wantCommand:    "delete",
			wantIdentifier: "deletes",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := NewWrite(ns, tc.requests[0].Kind, tc.requests)
			cmd := buildCommand(t, w.command, description.SelectedServer{})

			coll, err := cmd.LookupErr(tc.wantCommand)
			assert.NoError(t, err, "command should lead with %q", tc.wantCommand)
			name, _ := coll.StringValueOK()
			assert.Equal(t, "coll", name, "write command targets the collection name")

			payload, err := cmd.LookupErr(tc.wantIdentifier)
			assert.NoError(t, err, "payload should be carried under %q", tc.wantIdentifier)
			arr, ok := payload.ArrayOK()
			assert.True(t, ok, "payload should be an array")
			vals, err := arr.Values()
			assert.NoError(t, err, "payload array should decode")
			assert.Equal(t, len(tc.requests), len(vals), "payload carries one document per request")

			ordered, ok := cmd.Lookup("ordered").BooleanOK()
			assert.True(t, ok && ordered, "writes default to ordered")
		})
	}
}

func setDoc(t *testing.T) bsoncore.Document {
	t.Helper()
	return keysDoc("$set", "x")
}

func TestCreateIndexesDefaultsTheIndexName(t *testing.T) {
	ns := driver.Namespace{DB: "db", Collection: "coll"}
	c := NewCreateIndexes(ns, []IndexModel{{Keys: keysDoc("a", 1, "b", -1)}})

	cmd := buildCommand(t, c.command, description.SelectedServer{})

	indexes, ok := cmd.Lookup("indexes").ArrayOK()
	assert.True(t, ok, "indexes should be an array")
	vals, err := indexes.Values()
	assert.NoError(t, err, "indexes array should decode")
	assert.Equal(t, 1, len(vals), "one index model yields one spec")

	spec, _ := vals[0].DocumentOK()
	name, _ := spec.Lookup("name").StringValueOK()
	assert.Equal(t, "a_1_b_-1", name, "an unnamed index gets the generated key_direction name")
}

func TestMapReduceOutShapes(t *testing.T) {
	ns := driver.Namespace{DB: "db", Collection: "coll"}

	inline := NewMapReduce(ns, "function(){}", "function(k,v){}", MapReduceOutput{})
	cmd := buildCommand(t, inline.command, description.SelectedServer{})
	out, _ := cmd.Lookup("out").DocumentOK()
	n, ok := out.Lookup("inline").Int32OK()
	assert.True(t, ok, "an empty output collection means inline output")
	assert.Equal(t, int32(1), n, "inline output is {inline: 1}")

	toColl := NewMapReduce(ns, "function(){}", "function(k,v){}", MapReduceOutput{Action: "merge", Collection: "results", DB: "other"})
	cmd = buildCommand(t, toColl.command, description.SelectedServer{})
	out, _ = cmd.Lookup("out").DocumentOK()
	target, _ := out.Lookup("merge").StringValueOK()
	assert.Equal(t, "results", target, "to-collection output keys the action to the target collection")
	db, _ := out.Lookup("db").StringValueOK()
	assert.Equal(t, "other", db, "cross-database output carries the db field")
}

func TestGroupUsesDollarKeyf(t *testing.T) {
	ns := driver.Namespace{DB: "db", Collection: "coll"}
	g := NewGroup(ns, keysDoc("a", 1), "function(c,r){}", keysDoc("count", 0)).
		KeyFunction("function(doc){ return {a: doc.a}; }")

	cmd := buildCommand(t, g.command, description.SelectedServer{})
	group, _ := cmd.Lookup("group").DocumentOK()

	_, err := group.LookupErr("$keyf")
	assert.NoError(t, err, "a key function is sent under $keyf")
	_, err = group.LookupErr("key")
	assert.Error(t, err, "setting a key function clears the key document")
}
