package operation

import (
	"testing"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/driver"
	"github.com/basinlabs/mongowire/internal/assert"
)

func TestFindCommandShape(t *testing.T) {
	ns := driver.Namespace{DB: "db", Collection: "coll"}
	filter := keysDoc("a", 1)

	f := NewFind(ns, filter).
		Skip(5).
		Limit(10).
		BatchSize(3).
		MaxTimeMS(250)

	cmd := buildCommand(t, f.command, description.SelectedServer{})

	coll, err := cmd.LookupErr("find")
	assert.NoError(t, err, "find command must lead with the find key")
	name, _ := coll.StringValueOK()
	assert.Equal(t, "coll", name, "find targets the collection name, not the full namespace")

	gotFilter, err := cmd.LookupErr("filter")
	assert.NoError(t, err, "filter should be attached")
	fd, _ := gotFilter.DocumentOK()
	assert.Equal(t, filter, fd, "filter should round-trip unchanged")

	skip, _ := cmd.Lookup("skip").AsInt64OK()
	assert.Equal(t, int64(5), skip, "skip mismatch")
	limit, _ := cmd.Lookup("limit").AsInt64OK()
	assert.Equal(t, int64(10), limit, "limit mismatch")
	batchSize, _ := cmd.Lookup("batchSize").AsInt64OK()
	assert.Equal(t, int64(3), batchSize, "batchSize mismatch")
	maxTime, _ := cmd.Lookup("maxTimeMS").AsInt64OK()
	assert.Equal(t, int64(250), maxTime, "maxTimeMS mismatch")

	_, err = cmd.LookupErr("singleBatch")
	assert.Error(t, err, "a positive limit must not set singleBatch")
}

func TestFindNegativeLimitForcesSingleBatch(t *testing.T) {
	ns := driver.Namespace{DB: "db", Collection: "coll"}
	f := NewFind(ns, nil).Limit(-5)

	cmd := buildCommand(t, f.command, description.SelectedServer{})

	limit, _ := cmd.Lookup("limit").AsInt64OK()
	assert.Equal(t, int64(5), limit, "a negative limit is sent as its absolute value")

	single, ok := cmd.Lookup("singleBatch").BooleanOK()
	assert.True(t, ok && single, "a negative limit must set singleBatch")
}

func TestFindTailableAwaitFlags(t *testing.T) {
	ns := driver.Namespace{DB: "db", Collection: "capped"}
	f := NewFind(ns, nil).Tailable(true).AwaitData(true).NoCursorTimeout(true)

	cmd := buildCommand(t, f.command, description.SelectedServer{})

	for _, key := range []string{"tailable", "awaitData", "noCursorTimeout"} {
		v, ok := cmd.Lookup(key).BooleanOK()
		assert.True(t, ok && v, "%s should be set to true", key)
	}
}

func TestNormalizeLimit(t *testing.T) {
	testCases := []struct {
		name        string
		limit       int64
		singleBatch bool
		want        int32
	}{
		{name: "positive limit", limit: 10, singleBatch: false, want: 10},
		{name: "negative limit passes through", limit: -5, singleBatch: false, want: -5},
		{name: "singleBatch negates a positive limit", limit: 10, singleBatch: true, want: -10},
		{name: "zero is unlimited", limit: 0, singleBatch: false, want: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, normalizeLimit(tc.limit, tc.singleBatch), "normalized limit mismatch for %s", tc.name)
		})
	}
}
