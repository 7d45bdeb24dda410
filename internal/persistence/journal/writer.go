// Package journal records every protocol frame the client sends or receives as
// zstd-compressed JSON lines, one file per UTC hour.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

const (
	FilePrefix = "frames"
	FileSuffix = ".jsonl.zst"
	hourLayout = "2006-01-02-15"
)

// Entry is one journaled frame. Frames that are not valid JSON are kept
// verbatim in Raw.
type Entry struct {
	Time  time.Time       `json:"ts"`
	Seq   uint64          `json:"seq"`
	Dir   string          `json:"dir"`
	Type  string          `json:"type"`
	Frame json.RawMessage `json:"frame,omitempty"`
	Raw   string          `json:"raw,omitempty"`
}

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	// OnClosed receives the path of every hour file once it is complete.
	OnClosed func(path string)

	mu      sync.Mutex
	curHour string
	curPath string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	closed, err := w.closeLocked()
	w.mu.Unlock()
	w.notify(closed)
	return err
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	closed, err := w.writeLocked(v)
	w.mu.Unlock()
	w.notify(closed)
	return err
}

func (w *JSONLZstdWriter) writeLocked(v any) (closed string, err error) {
	hour := w.now().UTC().Format(hourLayout)
	if hour != w.curHour {
		if closed, err = w.rotateLocked(hour); err != nil {
			return closed, err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return closed, err
	}
	if _, err := w.w.Write(b); err != nil {
		return closed, err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return closed, err
	}
	return closed, w.w.Flush()
}

func (w *JSONLZstdWriter) notify(path string) {
	if path != "" && w.OnClosed != nil {
		w.OnClosed(path)
	}
}

func (w *JSONLZstdWriter) rotateLocked(hour string) (string, error) {
	closed, err := w.closeLocked()
	if err != nil {
		return closed, err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return closed, err
	}
	path := w.pathForHour(hour)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return closed, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return closed, err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	w.curPath = path
	return closed, nil
}

// closeLocked returns the path of the file it closed, if any.
func (w *JSONLZstdWriter) closeLocked() (string, error) {
	var err1 error
	closed := ""
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
		closed = w.curPath
	}
	w.w = nil
	w.curHour = ""
	w.curPath = ""
	return closed, err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s%s", w.prefix, hour, FileSuffix))
}

// FrameJournal adapts the writer to the dispatcher's recorder hook.
type FrameJournal struct {
	w   *JSONLZstdWriter
	log zerolog.Logger

	mu     sync.Mutex
	seq    uint64
	errors int
}

func NewFrameJournal(dir string, log zerolog.Logger) *FrameJournal {
	return &FrameJournal{w: NewJSONLZstdWriter(dir, FilePrefix), log: log}
}

// OnFileClosed registers fn to receive every completed hour file. It must be
// set before the first Record.
func (j *FrameJournal) OnFileClosed(fn func(path string)) { j.w.OnClosed = fn }

// Record appends one frame. Write errors are logged once per ten failures and
// never reach the caller.
func (j *FrameJournal) Record(dir, typ string, frame []byte) {
	j.mu.Lock()
	j.seq++
	e := Entry{Time: j.w.now().UTC(), Seq: j.seq, Dir: dir, Type: typ}
	j.mu.Unlock()
	if json.Valid(frame) {
		e.Frame = append(json.RawMessage(nil), frame...)
	} else {
		e.Raw = string(frame)
	}
	if err := j.w.Write(e); err != nil {
		j.mu.Lock()
		j.errors++
		n := j.errors
		j.mu.Unlock()
		if n%10 == 1 {
			j.log.Warn().Err(err).Int("failures", n).Msg("journal write failed")
		}
	}
}

func (j *FrameJournal) Close() error { return j.w.Close() }
