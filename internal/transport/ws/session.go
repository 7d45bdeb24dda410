package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ReconnectDelay is the fixed wait between a dropped connection and the next
// attempt. There is no backoff.
const ReconnectDelay = time.Second

const (
	writeTimeout     = 5 * time.Second
	handshakeTimeout = 5 * time.Second
	readLimit        = 8 << 20
)

var (
	ErrNotConnected = errors.New("ws: not connected")
	ErrClosed       = errors.New("ws: session closed")
)

// Conn is the subset of *websocket.Conn the session uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Scheduler runs fn after d. The returned func cancels it if it has not run.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (cancel func())
}

type Config struct {
	URL           string
	AutoReconnect bool

	Dialer    Dialer
	Scheduler Scheduler
}

// Observer receives session events. All callbacks run inside Poll, i.e. on the
// goroutine that owns the scene.
type Observer struct {
	OnOpen         func()
	OnFrame        func(frame []byte)
	OnClose        func(err error)
	OnDisconnected func()
}

type eventKind int

const (
	evOpen eventKind = iota + 1
	evFrame
	evClose
)

type event struct {
	kind  eventKind
	gen   uint64
	frame []byte
	err   error
}

// Session owns one logical connection to the coordination server.
type Session struct {
	cfg Config
	obs Observer
	log zerolog.Logger

	mu           sync.Mutex
	gen          uint64
	conn         Conn
	shutdown     bool
	cancelRetry  func()
	queue        []event
	reconnects   int
	disconnected int

	writeMu sync.Mutex
}

func NewSession(cfg Config, obs Observer, logger zerolog.Logger) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = GorillaDialer{}
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = timerScheduler{}
	}
	return &Session{
		cfg: cfg,
		obs: obs,
		log: logger,
	}
}

// Connect starts a fresh connection attempt. Any previous connection is closed
// and its pending events are discarded.
func (s *Session) Connect() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	old := s.conn
	s.conn = nil
	retry := s.cancelRetry
	s.cancelRetry = nil
	s.mu.Unlock()

	if retry != nil {
		retry()
	}
	if old != nil {
		_ = old.Close()
	}
	go s.dialAndRead(gen)
	return nil
}

func (s *Session) dialAndRead(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.URL)
	cancel()
	if err != nil {
		s.push(event{kind: evClose, gen: gen, err: err})
		return
	}

	s.mu.Lock()
	if s.gen != gen || s.shutdown {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()
	s.push(event{kind: evOpen, gen: gen})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			s.push(event{kind: evClose, gen: gen, err: err})
			return
		}
		s.push(event{kind: evFrame, gen: gen, frame: msg})
	}
}

func (s *Session) push(ev event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
}

// Poll delivers queued events in arrival order and returns how many frames
// were dispatched. It must be called from the scene-owning goroutine.
func (s *Session) Poll() int {
	s.mu.Lock()
	evs := s.queue
	s.queue = nil
	s.mu.Unlock()

	frames := 0
	for _, ev := range evs {
		if !s.current(ev.gen) {
			continue
		}
		switch ev.kind {
		case evOpen:
			s.log.Info().Str("url", s.cfg.URL).Msg("connection open")
			if s.obs.OnOpen != nil {
				s.obs.OnOpen()
			}
		case evFrame:
			frames++
			if s.obs.OnFrame != nil {
				s.obs.OnFrame(ev.frame)
			}
		case evClose:
			s.handleClose(ev)
		}
	}
	return frames
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Session) handleClose(ev event) {
	s.mu.Lock()
	if s.gen == ev.gen {
		s.conn = nil
	}
	shutdown := s.shutdown
	s.mu.Unlock()

	s.log.Warn().Err(ev.err).Msg("connection closed")
	if s.obs.OnClose != nil {
		s.obs.OnClose(ev.err)
	}
	if shutdown || !s.cfg.AutoReconnect {
		return
	}

	s.mu.Lock()
	s.disconnected++
	s.mu.Unlock()
	if s.obs.OnDisconnected != nil {
		s.obs.OnDisconnected()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown || s.gen != ev.gen {
		return
	}
	s.reconnects++
	s.log.Info().Dur("delay", ReconnectDelay).Msg("reconnect scheduled")
	s.cancelRetry = s.cfg.Scheduler.Schedule(ReconnectDelay, func() {
		if err := s.Connect(); err != nil {
			s.log.Debug().Err(err).Msg("reconnect skipped")
		}
	})
}

// Send writes one text frame. Frames sent while disconnected are dropped.
func (s *Session) Send(frame []byte) error {
	s.mu.Lock()
	conn := s.conn
	shutdown := s.shutdown
	s.mu.Unlock()
	if shutdown {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Close shuts the session down for good: the current connection is closed and
// no reconnect will be attempted.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	conn := s.conn
	s.conn = nil
	cancel := s.cancelRetry
	s.cancelRetry = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return conn.Close()
}

// Connected reports whether a connection is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Stats reports how many close events triggered a disconnected notification
// and how many reconnects were scheduled.
func (s *Session) Stats() (disconnected, reconnects int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnected, s.reconnects
}

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	Header http.Header
}

func (d GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

type timerScheduler struct{}

func (timerScheduler) Schedule(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
