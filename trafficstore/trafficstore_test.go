package trafficstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kestrelproxy/mitm/berrors"
	"github.com/kestrelproxy/mitm/blog"
	"github.com/kestrelproxy/mitm/httpcodec"
	"github.com/kestrelproxy/mitm/test"
)

func newTestStore(t *testing.T, maxRecords int) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "traffic.db")
	s, err := Open(path, maxRecords, blog.UseMock())
	test.AssertNotError(t, err, "opening traffic store")
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(id string, ts float64) Record {
	return Record{
		ID:              id,
		Timestamp:       ts,
		Protocol:        "http",
		Method:          "GET",
		URL:             "http://example.com/foo",
		Host:            "example.com",
		Path:            "/foo",
		Scheme:          "http",
		StatusCode:      200,
		RequestHeaders:  httpcodec.Header{{Name: "Host", Value: "example.com"}},
		ResponseHeaders: httpcodec.Header{{Name: "Content-Length", Value: "3"}},
		ResponseBody:    []byte("bar"),
		Duration:        0.01,
	}
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t, 1000)
	ctx := context.Background()
	rec := sampleRecord("rec-1", 1000.0)
	test.AssertNotError(t, s.Insert(ctx, rec), "insert")

	got, err := s.Get(ctx, "rec-1")
	test.AssertNotError(t, err, "get")
	test.AssertEquals(t, got.Method, "GET", "method")
	test.AssertEquals(t, got.Host, "example.com", "host")
	test.AssertEquals(t, string(got.ResponseBody), "bar", "response body")
	host, ok := got.RequestHeaders.Get("Host")
	test.AssertTrue(t, ok, "request header present")
	test.AssertEquals(t, host, "example.com", "request header value")
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t, 1000)
	_, err := s.Get(context.Background(), "missing")
	test.AssertTrue(t, berrors.Is(err, berrors.NotFound), "expected NotFound")
}

func TestList_NewestFirst(t *testing.T) {
	s := newTestStore(t, 1000)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		r := sampleRecord(id, float64(1000+i))
		test.AssertNotError(t, s.Insert(ctx, r), "insert "+id)
	}
	records, err := s.List(ctx, Filter{}, "", 0)
	test.AssertNotError(t, err, "list")
	test.AssertEquals(t, len(records), 3, "record count")
	test.AssertEquals(t, records[0].ID, "c", "newest first")
	test.AssertEquals(t, records[2].ID, "a", "oldest last")
}

func TestList_FiltersByHostAndSearch(t *testing.T) {
	s := newTestStore(t, 1000)
	ctx := context.Background()
	r1 := sampleRecord("a", 1000)
	r1.Host = "foo.com"
	r1.URL = "http://foo.com/login"
	r2 := sampleRecord("b", 1001)
	r2.Host = "bar.com"
	r2.URL = "http://bar.com/login"
	test.AssertNotError(t, s.Insert(ctx, r1), "insert a")
	test.AssertNotError(t, s.Insert(ctx, r2), "insert b")

	byHost, err := s.List(ctx, Filter{Host: "foo.com"}, "", 0)
	test.AssertNotError(t, err, "list by host")
	test.AssertEquals(t, len(byHost), 1, "one match")
	test.AssertEquals(t, byHost[0].ID, "a", "matched record")

	bySearch, err := s.List(ctx, Filter{}, "login", 0)
	test.AssertNotError(t, err, "list by search")
	test.AssertEquals(t, len(bySearch), 2, "both match search term")
}

func TestInsert_EvictsOverflow(t *testing.T) {
	s := newTestStore(t, 2)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		r := sampleRecord(id, float64(1000+i))
		test.AssertNotError(t, s.Insert(ctx, r), "insert "+id)
	}
	records, err := s.List(ctx, Filter{}, "", 0)
	test.AssertNotError(t, err, "list")
	test.AssertEquals(t, len(records), 2, "capped at max records")
	test.AssertEquals(t, records[0].ID, "c", "newest retained")
	test.AssertEquals(t, records[1].ID, "b", "second newest retained")
}

func TestNotify_CoalescesMultipleInserts(t *testing.T) {
	s := newTestStore(t, 1000)
	ctx := context.Background()
	ch := s.Notify()

	test.AssertNotError(t, s.Insert(ctx, sampleRecord("a", 1000)), "insert a")
	test.AssertNotError(t, s.Insert(ctx, sampleRecord("b", 1001)), "insert b")

	select {
	case <-ch:
	default:
		t.Fatalf("expected a notification to be pending")
	}
	select {
	case <-ch:
		t.Fatalf("expected only one coalesced notification")
	default:
	}
}
