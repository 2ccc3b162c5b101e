// Package test provides small assertion helpers used across this repo's
// _test.go files, in place of a third-party assertion library. This mirrors
// boulder's own "github.com/letsencrypt/boulder/test" package, imported as
// `test.AssertEquals`/`test.AssertNotError` in web/context_test.go and
// test/integration/authz_test.go.
package test

import (
	"bytes"
	"reflect"
	"testing"
)

// AssertEquals fails the test unless got == want.
func AssertEquals[T comparable](t *testing.T, got, want T, msg string) {
	t.Helper()
	if got != want {
		t.Fatalf("%s: got %v, want %v", msg, got, want)
	}
}

// AssertDeepEquals fails the test unless got and want are reflect.DeepEqual.
func AssertDeepEquals(t *testing.T, got, want interface{}, msg string) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("%s: got %#v, want %#v", msg, got, want)
	}
}

// AssertByteEquals fails the test unless got and want are byte-identical.
func AssertByteEquals(t *testing.T, got, want []byte, msg string) {
	t.Helper()
	if !bytes.Equal(got, want) {
		t.Fatalf("%s: got %x, want %x", msg, got, want)
	}
}

// AssertNotError fails the test if err is non-nil.
func AssertNotError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// AssertError fails the test unless err is non-nil, and returns it.
func AssertError(t *testing.T, err error, msg string) error {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected an error, got none", msg)
	}
	return err
}

// AssertTrue fails the test unless cond is true.
func AssertTrue(t *testing.T, cond bool, msg string) {
	t.Helper()
	if !cond {
		t.Fatalf("%s: expected true, got false", msg)
	}
}

// AssertContains fails the test unless haystack contains needle.
func AssertContains(t *testing.T, haystack, needle string, msg string) {
	t.Helper()
	if !bytes.Contains([]byte(haystack), []byte(needle)) {
		t.Fatalf("%s: %q does not contain %q", msg, haystack, needle)
	}
}
