package operation

import (
	"testing"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/internal/assert"
)

// buildCommand frames and runs an operation's command builder the way
// the dispatcher does, returning the finished document for inspection.
func buildCommand(t *testing.T, fn func([]byte, description.SelectedServer) ([]byte, error), desc description.SelectedServer) bsoncore.Document {
	t.Helper()
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst, err := fn(dst, desc)
	assert.NoError(t, err, "command builder should not fail")
	dst, err = bsoncore.AppendDocumentEnd(dst, idx)
	assert.NoError(t, err, "closing the command document should not fail")
	return dst
}

func keysDoc(pairs ...interface{}) bsoncore.Document {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	for i := 0; i < len(pairs); i += 2 {
		key := pairs[i].(string)
		switch v := pairs[i+1].(type) {
		case int:
			dst = bsoncore.AppendInt32Element(dst, key, int32(v))
		case string:
			dst = bsoncore.AppendStringElement(dst, key, v)
		}
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, idx)
	return dst
}

func TestIndexNameFromKeys(t *testing.T) {
	testCases := []struct {
		name string
		keys bsoncore.Document
		want string
	}{
		{
			name: "single ascending key",
			keys: keysDoc("a", 1),
			want: "a_1",
		},
		{
			name: "compound with descending key",
			keys: keysDoc("a", 1, "b", -1),
			want: "a_1_b_-1",
		},
		{
			name: "string index type",
			keys: keysDoc("loc", "2dsphere", "score", -1),
			want: "loc_2dsphere_score_-1",
		},
		{
			name: "string index type with space",
			keys: keysDoc("pos", "geo haystack"),
			want: "pos_geo_haystack",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := indexNameFromKeys(tc.keys)
			assert.NoError(t, err, "name generation should not fail for %s", tc.name)
			assert.Equal(t, tc.want, got, "generated index name mismatch for %s", tc.name)
		})
	}
}

func TestFilterLegacyCollectionName(t *testing.T) {
	testCases := []struct {
		name     string
		database string
		ns       string
		wantName string
		wantOmit bool
	}{
		{
			name:     "plain collection",
			database: "db",
			ns:       "db.users",
			wantName: "users",
			wantOmit: false,
		},
		{
			name:     "system index namespace",
			database: "db",
			ns:       "db.users.$a_1",
			wantName: "users.$a_1",
			wantOmit: true,
		},
		{
			name:     "dotted collection name",
			database: "db",
			ns:       "db.users.archive",
			wantName: "users.archive",
			wantOmit: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			name, omit := FilterLegacyCollectionName(tc.database, tc.ns)
			assert.Equal(t, tc.wantName, name, "stripped name mismatch for %s", tc.name)
			assert.Equal(t, tc.wantOmit, omit, "omit decision mismatch for %s", tc.name)
		})
	}
}

func TestItoa(t *testing.T) {
	assert.Equal(t, "0", itoa(0), "zero")
	assert.Equal(t, "42", itoa(42), "positive")
	assert.Equal(t, "-7", itoa(-7), "negative")
	assert.Equal(t, "100000", itoa(100000), "multi-digit")
}
