package queue_test

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/gerswin/ripor/internal/queue"
)

func openTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 7)
	}
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.sqlite"), key, []byte("device-test"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func payload(i int) []byte {
	return []byte(fmt.Sprintf(`{"ts_ms":%d,"app_name":"App%d","window_title":"T","input_idle_ms":0}`, i, i))
}

func TestEnqueueFetchOrder(t *testing.T) {
	q := openTestQueue(t)

	const n = 20
	for i := 0; i < n; i++ {
		if _, err := q.Enqueue(payload(i)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	count, err := q.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if count != n {
		t.Fatalf("Len = %d, want %d", count, n)
	}

	records, err := q.FetchBatch(n)
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if len(records) != n {
		t.Fatalf("fetched %d records, want %d", len(records), n)
	}
	for i, rec := range records {
		var evt struct {
			TsMs int64 `json:"ts_ms"`
		}
		if err := json.Unmarshal(rec.Plaintext, &evt); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if evt.TsMs != int64(i) {
			t.Errorf("record %d out of order: ts_ms = %d", i, evt.TsMs)
		}
	}
}

func TestDeleteIDsTransactional(t *testing.T) {
	q := openTestQueue(t)

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(payload(i))
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, id)
	}

	deleted, err := q.DeleteIDs(ids[:3])
	if err != nil {
		t.Fatalf("DeleteIDs: %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted %d, want 3", deleted)
	}

	records, err := q.FetchBatch(10)
	if err != nil {
		t.Fatalf("FetchBatch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("remaining %d, want 2", len(records))
	}
	for _, rec := range records {
		for _, deletedID := range ids[:3] {
			if rec.ID == deletedID {
				t.Errorf("deleted id %d reappeared", deletedID)
			}
		}
	}

	if n, err := q.DeleteIDs(nil); err != nil || n != 0 {
		t.Errorf("DeleteIDs(nil) = %d, %v; want 0, nil", n, err)
	}
}

func TestFIFOUnderInterleaving(t *testing.T) {
	q := openTestQueue(t)

	shipped := make(map[int64]bool)
	next := 0
	enqueued := 0

	for round := 0; round < 10; round++ {
		for i := 0; i < 3; i++ {
			if _, err := q.Enqueue(payload(enqueued)); err != nil {
				t.Fatalf("Enqueue: %v", err)
			}
			enqueued++
		}
		records, err := q.FetchBatch(2)
		if err != nil {
			t.Fatalf("FetchBatch: %v", err)
		}
		var ids []int64
		for _, rec := range records {
			var evt struct {
				TsMs int64 `json:"ts_ms"`
			}
			if err := json.Unmarshal(rec.Plaintext, &evt); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if evt.TsMs != int64(next) {
				t.Fatalf("shipped out of order: got %d, want %d", evt.TsMs, next)
			}
			if shipped[evt.TsMs] {
				t.Fatalf("record %d shipped twice", evt.TsMs)
			}
			shipped[evt.TsMs] = true
			next++
			ids = append(ids, rec.ID)
		}
		if _, err := q.DeleteIDs(ids); err != nil {
			t.Fatalf("DeleteIDs: %v", err)
		}
	}

	// Drain the rest.
	for {
		records, err := q.FetchBatch(100)
		if err != nil {
			t.Fatalf("FetchBatch: %v", err)
		}
		if len(records) == 0 {
			break
		}
		var ids []int64
		for _, rec := range records {
			ids = append(ids, rec.ID)
			next++
		}
		if _, err := q.DeleteIDs(ids); err != nil {
			t.Fatalf("DeleteIDs: %v", err)
		}
	}
	if next != enqueued {
		t.Errorf("shipped %d records, want %d", next, enqueued)
	}
}

func TestPeekRecentNewestFirst(t *testing.T) {
	q := openTestQueue(t)
	for i := 0; i < 5; i++ {
		if _, err := q.Enqueue(payload(i)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	plains, err := q.PeekRecent(3)
	if err != nil {
		t.Fatalf("PeekRecent: %v", err)
	}
	if len(plains) != 3 {
		t.Fatalf("got %d previews, want 3", len(plains))
	}
	var first struct {
		TsMs int64 `json:"ts_ms"`
	}
	if err := json.Unmarshal(plains[0], &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.TsMs != 4 {
		t.Errorf("newest preview ts_ms = %d, want 4", first.TsMs)
	}

	// Peeking does not consume.
	if count, _ := q.Len(); count != 5 {
		t.Errorf("Len after peek = %d, want 5", count)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	key := make([]byte, 32)
	dbPath := filepath.Join(t.TempDir(), "queue.sqlite")

	q, err := queue.Open(dbPath, key, []byte("dev"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := q.Enqueue(payload(1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Close()

	q2, err := queue.Open(dbPath, key, []byte("dev"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()
	if count, _ := q2.Len(); count != 1 {
		t.Errorf("Len after reopen = %d, want 1", count)
	}
	if _, err := q2.FetchBatch(1); err != nil {
		t.Errorf("FetchBatch after reopen: %v", err)
	}
}

func TestWrongDeviceIDFailsLoudly(t *testing.T) {
	key := make([]byte, 32)
	dbPath := filepath.Join(t.TempDir(), "queue.sqlite")

	q, err := queue.Open(dbPath, key, []byte("device-a"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := q.Enqueue(payload(1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	q.Close()

	q2, err := queue.Open(dbPath, key, []byte("device-b"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()
	if _, err := q2.FetchBatch(1); err == nil {
		t.Error("expected decryption failure with mismatched device id")
	}
}
