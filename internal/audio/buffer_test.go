package audio

import (
	"bytes"
	"io"
	"testing"
)

func TestPushReadFlush(t *testing.T) {
	b := NewBuffer(8)
	b.Push([]byte{1, 2, 3})
	b.Push([]byte{4, 5})
	if b.Len() != 5 {
		t.Fatalf("Len = %d", b.Len())
	}
	p := make([]byte, 4)
	n, _ := b.Read(p)
	if n != 4 || !bytes.Equal(p, []byte{1, 2, 3, 4}) {
		t.Fatalf("Read = %d %v", n, p)
	}
	b.Flush()
	if n, err := b.Read(p); n != 0 || err != io.EOF {
		t.Fatalf("Read after flush = %d, %v", n, err)
	}
	if _, flushes := b.Stats(); flushes != 1 {
		t.Fatalf("flushes = %d", flushes)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := NewBuffer(4)
	b.Push([]byte{1, 2, 3})
	b.Push([]byte{4, 5, 6})
	p := make([]byte, 8)
	n, _ := b.Read(p)
	if !bytes.Equal(p[:n], []byte{3, 4, 5, 6}) {
		t.Fatalf("kept %v", p[:n])
	}
	b.Push([]byte{1, 2, 3, 4, 5, 6})
	n, _ = b.Read(p)
	if !bytes.Equal(p[:n], []byte{3, 4, 5, 6}) {
		t.Fatalf("oversized push kept %v", p[:n])
	}
	if dropped, _ := b.Stats(); dropped != 4 {
		t.Fatalf("dropped = %d, want 4", dropped)
	}
}

func TestCopyStopsWhenEmpty(t *testing.T) {
	b := NewBuffer(0)
	b.Push([]byte{1, 2, 3})
	var out bytes.Buffer
	n, err := io.Copy(&out, b)
	if err != nil || n != 3 {
		t.Fatalf("Copy = %d, %v", n, err)
	}
	b.Push([]byte{4})
	if got, _ := io.ReadAll(b); !bytes.Equal(got, []byte{4}) {
		t.Fatalf("ReadAll after refill = %v", got)
	}
}
