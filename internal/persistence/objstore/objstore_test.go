package objstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{Endpoint: "r2.example", Bucket: "b"}); !errors.Is(err, ErrIncomplete) {
		t.Fatalf("err = %v", err)
	}
	c, err := New(Config{Endpoint: "r2.example", Bucket: "b", AccessKey: "ak", SecretKey: "sk"})
	if err != nil {
		t.Fatal(err)
	}
	if c.endpoint != "https://r2.example" || c.region != "auto" {
		t.Fatalf("endpoint=%q region=%q", c.endpoint, c.region)
	}
}

var authRE = regexp.MustCompile(`^AWS4-HMAC-SHA256 Credential=ak/20260301/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=[0-9a-f]{64}$`)

func TestPutFileSignsRequest(t *testing.T) {
	content := []byte("journal bytes")
	local := filepath.Join(t.TempDir(), "frames-2026-03-01-10.jsonl.zst")
	if err := os.WriteFile(local, content, 0o644); err != nil {
		t.Fatal(err)
	}

	var gotPath, gotAuth, gotHash, gotDate string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		gotHash = r.Header.Get("x-amz-content-sha256")
		gotDate = r.Header.Get("x-amz-date")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, Bucket: "logs", AccessKey: "ak", SecretKey: "sk"})
	if err != nil {
		t.Fatal(err)
	}
	c.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	if err := c.PutFile(context.Background(), "/client a/frames.zst", local); err != nil {
		t.Fatalf("PutFile: %v", err)
	}
	sum := sha256.Sum256(content)
	if gotPath != "/logs/client%20a/frames.zst" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotHash != hex.EncodeToString(sum[:]) || gotDate != "20260301T100000Z" {
		t.Fatalf("hash=%q date=%q", gotHash, gotDate)
	}
	if !authRE.MatchString(gotAuth) {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if string(gotBody) != string(content) {
		t.Fatalf("body = %q", gotBody)
	}
}

func TestPutFileReportsStatus(t *testing.T) {
	local := filepath.Join(t.TempDir(), "f")
	_ = os.WriteFile(local, []byte("x"), 0o644)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "AccessDenied", http.StatusForbidden)
	}))
	defer srv.Close()
	c, _ := New(Config{Endpoint: srv.URL, Bucket: "logs", AccessKey: "ak", SecretKey: "sk"})
	if err := c.PutFile(context.Background(), "f", local); err == nil {
		t.Fatalf("expected error")
	}
}

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
}

func (f *fakeUploader) PutFile(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("temporary")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestMirrorUploadsWithPrefixAndRetries(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "frames-2026-03-01-10.jsonl.zst")
	b := filepath.Join(dir, "frames-2026-03-01-11.jsonl.zst")
	up := &fakeUploader{fails: 1}
	m := NewMirror(up, MirrorOptions{BaseDir: dir, Prefix: "/client-1/", Backoff: time.Millisecond}, zerolog.Nop())
	m.Enqueue(a)
	m.Enqueue(b)
	m.Enqueue(filepath.Join(filepath.Dir(dir), "elsewhere"))
	m.Close()

	sort.Strings(up.keys)
	want := []string{
		"client-1/frames-2026-03-01-10.jsonl.zst",
		"client-1/frames-2026-03-01-11.jsonl.zst",
	}
	if diff := cmp.Diff(want, up.keys); diff != "" {
		t.Fatalf("keys (-want +got):\n%s", diff)
	}
	st := m.Stats()
	if st.EnqueuedTotal != 3 || st.UploadedTotal != 2 || st.FailedTotal != 1 {
		t.Fatalf("stats = %+v", st)
	}
}
