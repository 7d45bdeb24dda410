package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ListFiles returns the journal files in dir, oldest first.
func ListFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, FilePrefix+"-") && strings.HasSuffix(name, FileSuffix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

type Reader struct {
	path string
	f    *os.File
	dec  *zstd.Decoder
	sc   *bufio.Scanner
	line int
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return &Reader{path: path, f: f, dec: dec, sc: sc}, nil
}

// Next returns the next entry or io.EOF.
func (r *Reader) Next() (Entry, error) {
	var e Entry
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return e, fmt.Errorf("%s: %w", filepath.Base(r.path), err)
		}
		return e, io.EOF
	}
	r.line++
	if err := json.Unmarshal(r.sc.Bytes(), &e); err != nil {
		return e, fmt.Errorf("%s:%d: unmarshal: %w", filepath.Base(r.path), r.line, err)
	}
	return e, nil
}

func (r *Reader) Close() error {
	r.dec.Close()
	return r.f.Close()
}

// Bytes returns the frame exactly as it crossed the wire.
func (e Entry) Bytes() []byte {
	if len(e.Frame) > 0 {
		return e.Frame
	}
	return []byte(e.Raw)
}

// ReadAll reads every entry from the journal files in dir, oldest first.
func ReadAll(dir string, fn func(Entry) error) error {
	files, err := ListFiles(dir)
	if err != nil {
		return err
	}
	for _, path := range files {
		r, err := Open(path)
		if err != nil {
			return err
		}
		for {
			e, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = r.Close()
				return err
			}
			if err := fn(e); err != nil {
				_ = r.Close()
				return err
			}
		}
		if err := r.Close(); err != nil {
			return err
		}
	}
	return nil
}
