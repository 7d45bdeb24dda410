// Package client wires the transport, dispatcher, entity registry and behavior
// compiler into one headless client. Run owns the scene: every handler, load
// completion and behavior attach happens on its goroutine.
package client

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"runtimeloader.dev/internal/audio"
	"runtimeloader.dev/internal/behavior"
	"runtimeloader.dev/internal/config"
	"runtimeloader.dev/internal/entity"
	"runtimeloader.dev/internal/netlog"
	"runtimeloader.dev/internal/persistence/indexdb"
	"runtimeloader.dev/internal/protocol"
	"runtimeloader.dev/internal/protocol/dispatch"
	"runtimeloader.dev/internal/scene"
	"runtimeloader.dev/internal/transport/ws"
)

var ErrNotRunning = errors.New("client: not running")

const compilerCloseWait = 2 * time.Second

// Callbacks surface server events to the application. They run on the scene
// goroutine and must not block.
type Callbacks struct {
	OnError       func(message string)
	OnTranscript  func(message string)
	OnJoinRoom    func(room string)
	OnLeaveRoom   func(room string)
	OnRoomError   func(op, reason string)
	OnEntity      func(id string, h *scene.Node)
	OnCompiled    func(id string, res behavior.Result)
	OnConnected   func()
	OnDisconnects func()
}

type Options struct {
	Config    config.Config
	Log       zerolog.Logger
	Loader    scene.Loader
	Callbacks Callbacks

	// ClientID defaults to a fresh KSUID.
	ClientID string

	Recorder dispatch.Recorder
	Index    *indexdb.SQLiteIndex

	// Test hooks.
	Dialer    ws.Dialer
	Scheduler ws.Scheduler
}

type Client struct {
	cfg config.Config
	log zerolog.Logger
	cb  Callbacks

	id       string
	session  *ws.Session
	disp     *dispatch.Dispatcher
	net      *netlog.Logger
	registry *entity.Registry
	compiler *behavior.Compiler
	graph    *scene.Graph
	audio    *audio.Buffer
	loader   scene.Loader
	index    *indexdb.SQLiteIndex

	cmds    chan func()
	loads   chan loadResult
	pending map[string]*pendingLoad
	room    string
	running chan struct{}
	stopped chan struct{}
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	id := opts.ClientID
	if id == "" {
		id = ksuid.New().String()
	}
	log := opts.Log.With().Str("client_id", id).Logger()

	loader := opts.Loader
	if loader == nil {
		if cfg.OfflineAssets {
			loader = scene.StubLoader{}
		} else {
			loader = scene.NewHTTPLoader(cfg.AssetTimeout)
		}
	}

	c := &Client{
		cfg:      cfg,
		log:      log,
		cb:       opts.Callbacks,
		id:       id,
		registry: entity.New(id, log.With().Str("component", "entity").Logger()),
		graph:    scene.NewGraph(),
		audio:    audio.NewBuffer(cfg.AudioMaxBytes),
		loader:   loader,
		index:    opts.Index,
		cmds:     make(chan func(), 64),
		loads:    make(chan loadResult, 64),
		pending:  map[string]*pendingLoad{},
		running:  make(chan struct{}),
		stopped:  make(chan struct{}),
	}

	c.net = netlog.New(log.With().Str("component", "net").Logger(), netlog.Options{
		ShowSendDetails:    cfg.ShowSendDetails,
		ShowReceiveDetails: cfg.ShowReceiveDetails,
		HighFrequency:      cfg.HighFrequencyTypes,
	})

	c.session = ws.NewSession(ws.Config{
		URL:           cfg.URL,
		AutoReconnect: cfg.AutoReconnect,
		Dialer:        opts.Dialer,
		Scheduler:     opts.Scheduler,
	}, ws.Observer{
		OnOpen:         c.onOpen,
		OnFrame:        c.onFrame,
		OnClose:        c.onClose,
		OnDisconnected: c.onDisconnected,
	}, log.With().Str("component", "ws").Logger())

	dopts := dispatch.Options{Net: c.net, Recorder: opts.Recorder}
	if cfg.StrictSchemas {
		schemas, err := protocol.LoadSchemas()
		if err != nil {
			return nil, err
		}
		dopts.Schemas = schemas
	}
	c.disp = dispatch.New(c.session, log.With().Str("component", "dispatch").Logger(), dopts)

	c.compiler = behavior.New(behavior.Config{Workers: cfg.CompileWorkers},
		log.With().Str("component", "behavior").Logger())

	c.subscribe()
	return c, nil
}

func (c *Client) ID() string { return c.id }

// Run connects and drives the scene until ctx is done. It closes the session
// and the compiler on return.
func (c *Client) Run(ctx context.Context) error {
	select {
	case <-c.running:
		return errors.New("client: already running")
	default:
	}
	close(c.running)
	defer close(c.stopped)
	defer c.shutdown()

	if err := c.session.Connect(); err != nil {
		return err
	}

	t := time.NewTicker(c.cfg.TickInterval())
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-c.cmds:
			fn()
		case now := <-t.C:
			dt := now.Sub(last)
			last = now
			c.tick(dt)
		}
	}
}

func (c *Client) tick(dt time.Duration) {
	for drained := false; !drained; {
		select {
		case fn := <-c.cmds:
			fn()
		default:
			drained = true
		}
	}
	c.session.Poll()
	c.drainLoads()
	c.compiler.Drain()
	c.graph.Tick(dt)
}

func (c *Client) shutdown() {
	for _, p := range c.pending {
		p.cancel()
	}
	_ = c.session.Close()

	// A runaway compile cannot be interrupted; do not let it hold up exit.
	done := make(chan struct{})
	go func() {
		c.compiler.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(compilerCloseWait):
		c.log.Warn().Int("pending", c.compiler.Pending()).Msg("compiles still running at shutdown")
	}
}

// do runs fn on the scene goroutine and waits for its result. Calls made
// before Run starts are queued and run on its first iteration.
func (c *Client) do(ctx context.Context, fn func() error) error {
	select {
	case <-c.stopped:
		return ErrNotRunning
	default:
	}
	res := make(chan error, 1)
	select {
	case c.cmds <- func() { res <- fn() }:
	case <-c.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-c.stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) onOpen() {
	c.log.Info().Str("url", c.cfg.URL).Msg("connected")
	c.net.ResetCounters()
	if c.cb.OnConnected != nil {
		c.cb.OnConnected()
	}
	if c.cfg.Room != "" {
		if err := c.disp.Send(protocol.TypeJoinRoom, protocol.RoomData{ID: c.cfg.Room}); err != nil {
			c.log.Warn().Err(err).Msg("join room not sent")
		}
	}
}

func (c *Client) onFrame(frame []byte) { c.disp.OnReceive(frame) }

func (c *Client) onClose(err error) {
	ev := c.log.Warn()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("connection closed")
	c.room = ""
}

func (c *Client) onDisconnected() {
	c.log.Info().Dur("retry_in", ws.ReconnectDelay).Msg("disconnected; reconnecting")
	if c.cb.OnDisconnects != nil {
		c.cb.OnDisconnects()
	}
}
