package objstore

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Uploader is the part of Client the mirror needs.
type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	EnqueuedTotal  uint64
	DroppedTotal   uint64
	UploadedTotal  uint64
	FailedTotal    uint64
	LastUploadUnix int64
	LastErrorUnix  int64
}

type MirrorOptions struct {
	// BaseDir is stripped from local paths to form object keys.
	BaseDir string
	Prefix  string

	Workers       int
	QueueCapacity int
	// EnqueueWait bounds how long Enqueue blocks on a full queue.
	EnqueueWait time.Duration
	Attempts    int
	Backoff     time.Duration
}

// Mirror uploads files handed to Enqueue on background workers.
type Mirror struct {
	up   Uploader
	opts MirrorOptions
	log  zerolog.Logger

	jobs chan string
	wg   sync.WaitGroup

	enqueued atomic.Uint64
	dropped  atomic.Uint64
	uploaded atomic.Uint64
	failed   atomic.Uint64
	lastOK   atomic.Int64
	lastErr  atomic.Int64
}

func NewMirror(up Uploader, opts MirrorOptions, log zerolog.Logger) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 256
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 4
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")
	m := &Mirror{
		up:   up,
		opts: opts,
		log:  log,
		jobs: make(chan string, opts.QueueCapacity),
	}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.upload(p)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload. It drops the file if the queue stays
// full for EnqueueWait.
func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
		return
	default:
	}
	t := time.NewTimer(m.opts.EnqueueWait)
	defer t.Stop()
	select {
	case m.jobs <- localPath:
	case <-t.C:
		n := m.dropped.Add(1)
		m.log.Warn().Str("path", localPath).Uint64("dropped_total", n).Msg("mirror queue full; file not uploaded")
	}
}

// Close waits for queued uploads to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(m.jobs),
		QueueCapacity:  cap(m.jobs),
		EnqueuedTotal:  m.enqueued.Load(),
		DroppedTotal:   m.dropped.Load(),
		UploadedTotal:  m.uploaded.Load(),
		FailedTotal:    m.failed.Load(),
		LastUploadUnix: m.lastOK.Load(),
		LastErrorUnix:  m.lastErr.Load(),
	}
}

func (m *Mirror) upload(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.failed.Add(1)
		m.log.Warn().Err(err).Str("path", localPath).Msg("mirror skipped file")
		return
	}
	var last error
	for attempt := 1; attempt <= m.opts.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		last = m.up.PutFile(ctx, key, localPath)
		cancel()
		if last == nil {
			m.uploaded.Add(1)
			m.lastOK.Store(time.Now().Unix())
			m.log.Info().Str("key", key).Msg("journal file mirrored")
			return
		}
		if attempt < m.opts.Attempts {
			time.Sleep(time.Duration(attempt*attempt) * m.opts.Backoff)
		}
	}
	m.failed.Add(1)
	m.lastErr.Store(time.Now().Unix())
	m.log.Error().Err(last).Str("key", key).Int("attempts", m.opts.Attempts).Msg("mirror upload failed")
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	base, err := filepath.Abs(m.opts.BaseDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("objstore: %s is outside %s", abs, base)
	}
	if m.opts.Prefix != "" {
		rel = path.Join(m.opts.Prefix, rel)
	}
	return rel, nil
}
