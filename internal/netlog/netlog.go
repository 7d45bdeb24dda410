// Package netlog logs protocol traffic without drowning the console in
// continuous streams: high-frequency message types are acknowledged once per
// LogFrequency occurrences, everything else on every frame.
package netlog

import (
	"sync"

	"github.com/rs/zerolog"
)

const LogFrequency = 100

// DefaultHighFrequency lists the pose and media streams sent or received many
// times per second.
var DefaultHighFrequency = []string{"HeadPose", "Poses", "UpdateEntity", "Audio"}

type Options struct {
	ShowReceiveDetails bool
	ShowSendDetails    bool
	HighFrequency      []string
}

type Logger struct {
	log  zerolog.Logger
	opts Options
	hf   map[string]struct{}

	mu   sync.Mutex
	sent map[string]int
	recv map[string]int
}

func New(log zerolog.Logger, opts Options) *Logger {
	if opts.HighFrequency == nil {
		opts.HighFrequency = DefaultHighFrequency
	}
	hf := make(map[string]struct{}, len(opts.HighFrequency))
	for _, t := range opts.HighFrequency {
		hf[t] = struct{}{}
	}
	return &Logger{
		log:  log,
		opts: opts,
		hf:   hf,
		sent: map[string]int{},
		recv: map[string]int{},
	}
}

func (l *Logger) IsHighFrequency(typ string) bool {
	if l == nil {
		return false
	}
	_, ok := l.hf[typ]
	return ok
}

func (l *Logger) LogSend(typ string, frame []byte) {
	if l == nil {
		return
	}
	l.logFrame("send", l.sent, typ, frame, l.opts.ShowSendDetails)
}

func (l *Logger) LogReceive(typ string, frame []byte) {
	if l == nil {
		return
	}
	l.logFrame("recv", l.recv, typ, frame, l.opts.ShowReceiveDetails)
}

func (l *Logger) logFrame(dir string, counters map[string]int, typ string, frame []byte, details bool) {
	if l == nil {
		return
	}
	if l.IsHighFrequency(typ) {
		l.mu.Lock()
		counters[typ]++
		n := counters[typ]
		if n >= LogFrequency {
			counters[typ] = 0
		}
		l.mu.Unlock()
		if n < LogFrequency {
			return
		}
		l.log.Info().Str("dir", dir).Str("type", typ).Int("skipped", LogFrequency-1).Msg("ws frame")
	} else {
		l.log.Info().Str("dir", dir).Str("type", typ).Msg("ws frame")
	}
	if details && len(frame) > 0 {
		l.log.Debug().Str("dir", dir).Str("type", typ).RawJSON("frame", frame).Msg("ws frame data")
	}
}

// ResetCounters clears the per-type counters; called whenever a connection opens.
func (l *Logger) ResetCounters() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.sent)
	clear(l.recv)
}

// Counter reports the pending count for a high-frequency type in one direction.
func (l *Logger) Counter(dir, typ string) int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if dir == "send" {
		return l.sent[typ]
	}
	return l.recv[typ]
}
