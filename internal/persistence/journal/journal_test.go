package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func TestRecordAndReadBack(t *testing.T) {
	dir := t.TempDir()
	j := NewFrameJournal(dir, zerolog.Nop())
	j.Record("in", "Ping", []byte(`{"type":"Ping","data":{}}`))
	j.Record("out", "Pong", []byte(`{"type":"Pong","data":""}`))
	j.Record("in", "", []byte(`{broken`))
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var got []string
	err := ReadAll(dir, func(e Entry) error {
		got = append(got, e.Dir+" "+string(e.Bytes()))
		return nil
	})
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := []string{
		`in {"type":"Ping","data":{}}`,
		`out {"type":"Pong","data":""}`,
		`in {broken`,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("entries (-want +got):\n%s", diff)
	}
}

func TestHourlyRotation(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, FilePrefix)
	clock := time.Date(2026, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }
	var closed []string
	w.OnClosed = func(p string) { closed = append(closed, p) }

	_ = w.Write(Entry{Seq: 1, Dir: "in", Type: "Ping"})
	clock = clock.Add(2 * time.Minute)
	_ = w.Write(Entry{Seq: 2, Dir: "in", Type: "Ping"})
	if len(closed) != 1 {
		t.Fatalf("closed after rotation = %v", closed)
	}
	_ = w.Close()

	files, err := ListFiles(dir)
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	want := []string{
		filepath.Join(dir, "frames-2026-03-01-10.jsonl.zst"),
		filepath.Join(dir, "frames-2026-03-01-11.jsonl.zst"),
	}
	if diff := cmp.Diff(want, files); diff != "" {
		t.Fatalf("files (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, closed); diff != "" {
		t.Fatalf("closed files (-want +got):\n%s", diff)
	}

	// Files that are not journals are ignored.
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644)
	n := 0
	_ = ReadAll(dir, func(Entry) error { n++; return nil })
	if n != 2 {
		t.Fatalf("read %d entries, want 2", n)
	}
}
