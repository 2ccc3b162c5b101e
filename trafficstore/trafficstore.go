// Package trafficstore persists completed HTTP exchanges and WebSocket
// frame records to a local SQLite database, matching the schema and
// retention rules the interception engine exposes to its operators. All
// mutation is serialized behind a single connection per the sqlite driver's
// write-lock semantics, the way boulder serializes mutation behind a single
// database handle rather than fanning writes across pooled connections.
package trafficstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kestrelproxy/mitm/berrors"
	"github.com/kestrelproxy/mitm/blog"
	"github.com/kestrelproxy/mitm/httpcodec"
)

const schema = `
CREATE TABLE IF NOT EXISTS traffic (
	id TEXT PRIMARY KEY,
	timestamp REAL NOT NULL,
	method TEXT,
	url TEXT,
	host TEXT,
	path TEXT,
	scheme TEXT,
	status_code INTEGER,
	request_headers TEXT,
	request_body BLOB,
	response_headers TEXT,
	response_body BLOB,
	response_content_type TEXT,
	duration REAL,
	error TEXT,
	connection_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_traffic_timestamp ON traffic(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_traffic_host ON traffic(host);
`

// Record is one durable traffic entry: a completed HTTP exchange, or a
// terminal record for an opaque/WebSocket tunnel that carries only
// protocol/host/port and, on failure, an error string.
type Record struct {
	ID                  string
	Timestamp           float64 // unix seconds, fractional
	Protocol            string  // http, https, ws, wss
	Method              string
	URL                 string
	Host                string
	Path                string
	Scheme              string
	StatusCode          int
	RequestHeaders      httpcodec.Header
	RequestBody         []byte
	ResponseHeaders     httpcodec.Header
	ResponseBody        []byte
	ResponseContentType string
	Duration            float64
	Error               string
	ConnectionID        string
}

// Filter narrows a List call. A zero-value Filter matches every record.
type Filter struct {
	Host     string
	Protocol string
}

// Store is a FIFO-capped, SQLite-backed record store. Writes are
// serialized behind mu so a burst of connection finalizations never
// races the DB driver's own locking, and so Notify's coalescing logic is
// race-free.
type Store struct {
	mu         sync.Mutex
	db         *sql.DB
	maxRecords int
	log        blog.Logger

	notifyMu sync.Mutex
	waiters  []chan struct{}
}

// Open creates (if needed) and opens the SQLite database at path,
// applying schema, and returns a Store capped at maxRecords.
func Open(path string, maxRecords int, log blog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, berrors.PersistenceErrorf(err, "opening traffic store at %s", path)
	}
	db.SetMaxOpenConns(1) // the sqlite3 driver serializes writers; avoid pool contention
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, berrors.PersistenceErrorf(err, "applying traffic store schema")
	}
	return &Store{db: db, maxRecords: maxRecords, log: log}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert persists r atomically and evicts the oldest record(s) beyond
// maxRecords, then publishes a coalesced "new record" signal.
func (s *Store) Insert(ctx context.Context, r Record) error {
	reqHeaders, err := marshalHeader(r.RequestHeaders)
	if err != nil {
		return berrors.PersistenceErrorf(err, "marshaling request headers")
	}
	respHeaders, err := marshalHeader(r.ResponseHeaders)
	if err != nil {
		return berrors.PersistenceErrorf(err, "marshaling response headers")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return berrors.PersistenceErrorf(err, "beginning transaction")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO traffic (
			id, timestamp, method, url, host, path, scheme, status_code,
			request_headers, request_body, response_headers, response_body,
			response_content_type, duration, error, connection_id
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Timestamp, r.Method, r.URL, r.Host, r.Path, r.Scheme, r.StatusCode,
		reqHeaders, r.RequestBody, respHeaders, r.ResponseBody,
		r.ResponseContentType, r.Duration, r.Error, r.ConnectionID)
	if err != nil {
		return berrors.PersistenceErrorf(err, "inserting traffic record %s", r.ID)
	}

	if err := evictOverflow(ctx, tx, s.maxRecords); err != nil {
		return berrors.PersistenceErrorf(err, "evicting overflow records")
	}

	if err := tx.Commit(); err != nil {
		return berrors.PersistenceErrorf(err, "committing traffic record %s", r.ID)
	}

	s.publish()
	if s.log != nil {
		s.log.Debugf("trafficstore: inserted record %s (%s %s)", r.ID, r.Method, r.URL)
	}
	return nil
}

func evictOverflow(ctx context.Context, tx *sql.Tx, maxRecords int) error {
	if maxRecords <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		DELETE FROM traffic WHERE id IN (
			SELECT id FROM traffic ORDER BY timestamp DESC
			LIMIT -1 OFFSET ?
		)`, maxRecords)
	return err
}

// Get returns the record with the given id, or berrors.NotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, method, url, host, path, scheme, status_code,
			request_headers, request_body, response_headers, response_body,
			response_content_type, duration, error, connection_id
		FROM traffic WHERE id = ?`, id)
	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, berrors.NotFoundf("traffic record %s", id)
	}
	if err != nil {
		return nil, berrors.PersistenceErrorf(err, "scanning traffic record %s", id)
	}
	return r, nil
}

// List returns records matching filter, newest-first, capped at limit (0
// means unbounded). search, if non-empty, matches against URL as a
// substring.
func (s *Store) List(ctx context.Context, filter Filter, search string, limit int) ([]*Record, error) {
	query := `
		SELECT id, timestamp, method, url, host, path, scheme, status_code,
			request_headers, request_body, response_headers, response_body,
			response_content_type, duration, error, connection_id
		FROM traffic WHERE 1=1`
	var args []interface{}
	if filter.Host != "" {
		query += " AND host = ?"
		args = append(args, filter.Host)
	}
	if filter.Protocol != "" {
		query += " AND scheme = ?"
		args = append(args, filter.Protocol)
	}
	if search != "" {
		query += " AND url LIKE ?"
		args = append(args, "%"+search+"%")
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, berrors.PersistenceErrorf(err, "listing traffic records")
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, berrors.PersistenceErrorf(err, "scanning traffic record row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// scanner abstracts over *sql.Row and *sql.Rows, both of which implement
// Scan with an identical signature.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	var r Record
	var reqHeaders, respHeaders sql.NullString
	err := s.Scan(
		&r.ID, &r.Timestamp, &r.Method, &r.URL, &r.Host, &r.Path, &r.Scheme, &r.StatusCode,
		&reqHeaders, &r.RequestBody, &respHeaders, &r.ResponseBody,
		&r.ResponseContentType, &r.Duration, &r.Error, &r.ConnectionID)
	if err != nil {
		return nil, err
	}
	// The schema has no protocol column; Protocol is read back from scheme,
	// the same column List's Filter.Protocol matches against.
	r.Protocol = r.Scheme
	if r.RequestHeaders, err = unmarshalHeader(reqHeaders.String); err != nil {
		return nil, err
	}
	if r.ResponseHeaders, err = unmarshalHeader(respHeaders.String); err != nil {
		return nil, err
	}
	return &r, nil
}

func marshalHeader(h httpcodec.Header) (string, error) {
	if h == nil {
		return "{}", nil
	}
	m := map[string][]string{}
	for _, f := range h {
		m[f.Name] = append(m[f.Name], f.Value)
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func unmarshalHeader(s string) (httpcodec.Header, error) {
	if s == "" {
		return nil, nil
	}
	var m map[string][]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	var h httpcodec.Header
	for name, values := range m {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	return h, nil
}

// Notify returns a channel that receives one value the next time a new
// record is inserted (or has already been inserted since ch was
// obtained). Multiple inserts before the receiver wakes up coalesce into a
// single delivery, matching the spec's "coalesced" change-signal contract.
func (s *Store) Notify() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.notifyMu.Lock()
	s.waiters = append(s.waiters, ch)
	s.notifyMu.Unlock()
	return ch
}

func (s *Store) publish() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	for _, ch := range s.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
