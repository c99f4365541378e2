package driver

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/basinlabs/mongowire/description"
	"github.com/basinlabs/mongowire/internal/assert"
)

// fakeServerNoConnection satisfies Server but always fails to hand out
// a connection, so killServerCursor's best-effort swallow-the-error
// path is exercised without needing a real network round trip.
type fakeServerNoConnection struct{}

func (fakeServerNoConnection) Connection(ctx context.Context) (Connection, error) {
	return nil, errors.New("no connection available")
}
func (fakeServerNoConnection) Description() description.Server { return description.Server{} }

func TestCalcGetMoreBatchSize(t *testing.T) {
	testCases := []struct {
		name        string
		bc          BatchCursor
		wantSize    int32
		wantOK      bool
	}{
		{
			name:     "no batch size or limit set",
			bc:       BatchCursor{},
			wantSize: 0,
			wantOK:   true,
		},
		{
			name:     "batch size set, no limit",
			bc:       BatchCursor{batchSize: 4},
			wantSize: 4,
			wantOK:   true,
		},
		{
			name:     "limit set, no batch size, nothing returned yet",
			bc:       BatchCursor{limit: 4},
			wantSize: 4,
			wantOK:   true,
		},
		{
			name:     "limit set, no batch size, partially returned",
			bc:       BatchCursor{limit: 10, numReturned: 6},
			wantSize: 4,
			wantOK:   true,
		},
		{
			name:     "remaining larger than batch size is capped",
			bc:       BatchCursor{batchSize: 3, limit: 10, numReturned: 6},
			wantSize: 3,
			wantOK:   true,
		},
		{
			name:     "limit and batch size set, remaining equals batch size",
			bc:       BatchCursor{batchSize: 4, limit: 8, numReturned: 4},
			wantSize: 4,
			wantOK:   true,
		},
		{
			name:     "limit already met or exceeded",
			bc:       BatchCursor{limit: 2, numReturned: 4},
			wantSize: -2,
			wantOK:   false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			size, ok := calcGetMoreBatchSize(tc.bc)
			assert.Equal(t, tc.wantSize, size, "batch size mismatch for %s", tc.name)
			assert.Equal(t, tc.wantOK, ok, "ok mismatch for %s", tc.name)
		})
	}
}

func TestBatchCursorSetComment(t *testing.T) {
	testCases := []struct {
		name    string
		comment interface{}
		wantNil bool
	}{
		{name: "nil comment", comment: nil, wantNil: true},
		{name: "bson.D comment", comment: bson.D{{Key: "x", Value: 1}}, wantNil: false},
		{name: "map comment", comment: map[string]interface{}{"x": 1}, wantNil: false},
		{name: "struct comment", comment: struct {
			X int `bson:"x"`
		}{X: 1}, wantNil: false},
		{name: "non-document string", comment: "plain string", wantNil: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			bc := &BatchCursor{}
			bc.SetComment(tc.comment)
			if tc.wantNil {
				assert.True(t, bc.comment == nil, "expected nil comment for %s", tc.name)
				return
			}
			assert.True(t, len(bc.comment) > 0, "expected non-empty comment for %s", tc.name)
		})
	}
}

func TestBatchCursorSetMaxTime(t *testing.T) {
	bc := &BatchCursor{}
	bc.SetMaxTime(5500 * time.Millisecond)
	assert.Equal(t, int64(5500), bc.maxTimeMS, "maxTimeMS should be converted from duration to milliseconds")

	bc.SetMaxTime(2 * time.Second)
	assert.Equal(t, int64(2000), bc.maxTimeMS, "maxTimeMS should be converted from duration to milliseconds")
}

func TestBatchCursorApplyLimitKillOnConstruction(t *testing.T) {
	idx, doc1 := bsoncore.AppendDocumentStart(nil)
	doc1, _ = bsoncore.AppendDocumentEnd(doc1, idx)
	result := CursorResponse{
		ID:    42,
		Batch: []bsoncore.Document{doc1, doc1, doc1},
	}
	bc, err := NewBatchCursor(result, fakeServerNoConnection{}, description.Server{}, CursorOptions{Limit: 2})
	assert.NoError(t, err, "constructing a batch cursor whose first batch already satisfies the limit should not error")
	assert.Equal(t, int64(0), bc.ID(), "cursor id should be zeroed once the limit is met on the first batch")
}

func TestAbs32(t *testing.T) {
	assert.Equal(t, int32(5), abs32(5), "abs of positive value")
	assert.Equal(t, int32(5), abs32(-5), "abs of negative value")
	assert.Equal(t, int32(0), abs32(0), "abs of zero")
}
