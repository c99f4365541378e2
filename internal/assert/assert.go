// Package assert provides small table-driven-test helpers used
// throughout this module's cursor and operation tests.
package assert

import (
	"reflect"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
)

// Equal fails the test if want != got, using cmp.Diff for structured
// values and spew to dump both sides on failure for quick inspection.
func Equal(t *testing.T, want, got interface{}, msg string, args ...interface{}) {
	t.Helper()
	if reflect.DeepEqual(want, got) {
		return
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf(msg+"\ndiff (-want +got):\n%s\nwant:\n%s\ngot:\n%s",
			append(args, diff, spew.Sdump(want), spew.Sdump(got))...)
	}
}

// True fails the test if cond is false.
func True(t *testing.T, cond bool, msg string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(msg, args...)
	}
}

// NoError fails the test if err is non-nil.
func NoError(t *testing.T, err error, msg string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf(msg+": %v", append(args, err)...)
	}
}

// Error fails the test if err is nil.
func Error(t *testing.T, err error, msg string, args ...interface{}) {
	t.Helper()
	if err == nil {
		t.Fatalf(msg, args...)
	}
}
