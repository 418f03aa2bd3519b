// Package queue is the durable event log: an append-only SQLite table whose
// payloads are compressed and authenticated-encrypted per record.
package queue

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gerswin/ripor/internal/crypto"
)

// Record is a fetched queue entry with its decrypted plaintext.
type Record struct {
	ID        int64
	Plaintext []byte
}

// Queue owns queue.sqlite exclusively for the agent process lifetime.
type Queue struct {
	db  *sql.DB
	box *crypto.Box
}

// Open opens (creating if needed) the queue database and prepares the
// record codec. The AAD is the device id.
func Open(dbPath string, key, aad []byte) (*Queue, error) {
	box, err := crypto.NewBox(key, aad)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening queue database: %w", err)
	}
	// Single writer; avoids database-locked errors from overlapping pool conns.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting synchronous: %w", err)
	}

	q := &Queue{db: db, box: box}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating queue schema: %w", err)
	}
	return q, nil
}

func (q *Queue) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		payload BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	`
	_, err := q.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (q *Queue) Close() error { return q.db.Close() }

// Enqueue seals the JSON payload and appends it, returning the record id.
func (q *Queue) Enqueue(jsonBytes []byte) (int64, error) {
	blob, err := q.box.Seal(jsonBytes)
	if err != nil {
		return 0, err
	}
	res, err := q.db.Exec(
		"INSERT INTO events(created_at, attempts, payload) VALUES (?, 0, ?)",
		time.Now().UnixMilli(), blob,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}
	return res.LastInsertId()
}

// Len returns the number of queued records.
func (q *Queue) Len() (int64, error) {
	var n int64
	if err := q.db.QueryRow("SELECT COUNT(1) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return n, nil
}

// FetchBatch returns up to limit decrypted records in FIFO order
// (ascending created_at, ties broken by id). A record that fails
// authentication aborts the fetch with its error.
func (q *Queue) FetchBatch(limit int) ([]Record, error) {
	rows, err := q.db.Query(
		"SELECT id, payload FROM events ORDER BY created_at ASC, id ASC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetching batch: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		plain, err := q.box.Open(blob)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", id, err)
		}
		out = append(out, Record{ID: id, Plaintext: plain})
	}
	return out, rows.Err()
}

// DeleteIDs removes the given records in a single transaction; either every
// id in the acknowledged batch is deleted or none is.
func (q *Queue) DeleteIDs(ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := q.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("starting delete transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := tx.Exec("DELETE FROM events WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return 0, fmt.Errorf("deleting events: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing delete: %w", err)
	}
	return n, nil
}

// PeekRecent returns up to limit decrypted payloads, newest first, for the
// control-plane preview. Records that fail to decrypt surface their error.
func (q *Queue) PeekRecent(limit int) ([][]byte, error) {
	rows, err := q.db.Query(
		"SELECT id, payload FROM events ORDER BY created_at DESC, id DESC LIMIT ?", limit,
	)
	if err != nil {
		return nil, fmt.Errorf("peeking events: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		plain, err := q.box.Open(blob)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", id, err)
		}
		out = append(out, plain)
	}
	return out, rows.Err()
}
