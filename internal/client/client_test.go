package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"runtimeloader.dev/internal/behavior"
	"runtimeloader.dev/internal/config"
	"runtimeloader.dev/internal/entity"
	"runtimeloader.dev/internal/mockserver"
	"runtimeloader.dev/internal/protocol"
	"runtimeloader.dev/internal/scene"
	"runtimeloader.dev/internal/transport/ws"
)

type compiled struct {
	id  string
	res behavior.Result
}

type harness struct {
	mock     *mockserver.Server
	srv      *httptest.Server
	client   *Client
	compiled chan compiled
	cancel   context.CancelFunc
	done     chan error
}

func startHarness(t *testing.T, mcfg mockserver.Config, edit func(*config.Config, *Options)) *harness {
	t.Helper()
	h := &harness{compiled: make(chan compiled, 16), done: make(chan error, 1)}
	h.mock = mockserver.New(mcfg, zerolog.Nop())
	h.srv = httptest.NewServer(h.mock.Handler())

	cfg := config.Defaults()
	cfg.URL = "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	cfg.TickRateHz = 200
	opts := Options{
		Log: zerolog.Nop(),
		Callbacks: Callbacks{
			OnCompiled: func(id string, res behavior.Result) { h.compiled <- compiled{id, res} },
		},
	}
	if edit != nil {
		edit(&cfg, &opts)
	}
	opts.Config = cfg

	c, err := New(opts)
	if err != nil {
		h.srv.Close()
		t.Fatalf("New: %v", err)
	}
	h.client = c

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.mock.Run(ctx)
	go func() { h.done <- c.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Errorf("client did not stop")
		}
		h.srv.Close()
	})

	eventually(t, "connection", func() bool {
		st, err := c.Stats(context.Background())
		return err == nil && st.Connected
	})
	return h
}

func eventually(t *testing.T, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitCompiled(t *testing.T) compiled {
	t.Helper()
	select {
	case c := <-h.compiled:
		return c
	case <-time.After(5 * time.Second):
		t.Fatalf("no compile result")
	}
	return compiled{}
}

func TestJoinSpawnsRotatingEntity(t *testing.T) {
	h := startHarness(t, mockserver.Config{SpawnOnJoin: true}, func(c *config.Config, _ *Options) {
		c.Room = "lobby"
	})
	ctx := context.Background()

	got := h.waitCompiled(t)
	if !got.res.OK() || got.res.Name != "RotatingDuck" {
		t.Fatalf("compile result = %+v", got.res)
	}
	if !strings.HasPrefix(got.id, "mock_entity_") {
		t.Fatalf("entity id = %q", got.id)
	}

	info, err := h.client.Entity(ctx, got.id)
	if err != nil {
		t.Fatalf("Entity: %v", err)
	}
	if info.Node != "ProgObj_TestDuck" {
		t.Fatalf("node name = %q", info.Node)
	}
	if len(info.Components) != 1 || info.Components[0] != "behavior:RotatingDuck" {
		t.Fatalf("components = %v", info.Components)
	}
	if info.Pose.Position != (protocol.Vec3{Y: 1, Z: 2}) {
		t.Fatalf("position = %+v", info.Pose.Position)
	}

	eventually(t, "rotation", func() bool {
		info, err := h.client.Entity(ctx, got.id)
		return err == nil && info.Pose.Rotation.Y > 1
	})

	st, err := h.client.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Room != "lobby" || !st.Connected || st.Entities != 1 {
		t.Fatalf("stats = %+v", st)
	}

	h.mock.Delete(got.id)
	eventually(t, "delete", func() bool {
		_, err := h.client.Entity(ctx, got.id)
		return errors.Is(err, entity.ErrUnknownEntity)
	})
}

func TestPingIsAnswered(t *testing.T) {
	h := startHarness(t, mockserver.Config{PingInterval: 10 * time.Millisecond}, nil)
	eventually(t, "pong", func() bool { return h.mock.Received(protocol.TypePong) > 0 })
}

func TestReconnectRejoinsRoom(t *testing.T) {
	disconnects := make(chan struct{}, 4)
	h := startHarness(t, mockserver.Config{}, func(c *config.Config, o *Options) {
		c.Room = "lobby"
		o.Callbacks.OnDisconnects = func() { disconnects <- struct{}{} }
	})
	eventually(t, "first join", func() bool { return h.mock.Received(protocol.TypeJoinRoom) == 1 })

	h.mock.DropAll()
	select {
	case <-disconnects:
	case <-time.After(5 * time.Second):
		t.Fatalf("no disconnect callback")
	}
	eventually(t, "rejoin", func() bool { return h.mock.Received(protocol.TypeJoinRoom) == 2 })

	st, err := h.client.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Disconnects != 1 || st.Reconnects != 1 {
		t.Fatalf("disconnects=%d reconnects=%d", st.Disconnects, st.Reconnects)
	}
}

func TestInjectedFramesDriveRegistry(t *testing.T) {
	h := startHarness(t, mockserver.Config{}, func(_ *config.Config, o *Options) {
		o.Loader = scene.StubLoader{}
	})
	ctx := context.Background()
	inject := func(raw string) {
		t.Helper()
		if err := h.client.InjectFrame(ctx, []byte(raw)); err != nil {
			t.Fatalf("InjectFrame: %v", err)
		}
	}

	inject(`{"type":"CreateEntityGeomObj","data":{"id":"g1","pose":{"position":{"x":1,"y":2,"z":3}}}}`)
	info, err := h.client.Entity(ctx, "g1")
	if err != nil {
		t.Fatalf("Entity: %v", err)
	}
	if info.Node != "GeomObj_g1" || info.Pose.Position != (protocol.Vec3{X: 1, Y: 2, Z: 3}) || info.Pose.Scale != protocol.UnitScale {
		t.Fatalf("entity = %+v", info)
	}

	// A second create for the same id keeps the first handle.
	inject(`{"type":"CreateEntityAnchor","data":{"id":"g1"}}`)
	if info, _ := h.client.Entity(ctx, "g1"); info.Node != "GeomObj_g1" {
		t.Fatalf("duplicate create replaced node: %q", info.Node)
	}

	inject(`{"type":"UpdateEntity","data":{"id":"g1","pose":{"position":{"x":5,"y":0,"z":0},"rotation":{"x":0,"y":90,"z":0}}}}`)
	info, _ = h.client.Entity(ctx, "g1")
	if info.Pose.Position.X != 5 || info.Pose.Rotation.Y < 89.9 || info.Pose.Rotation.Y > 90.1 {
		t.Fatalf("updated pose = %+v", info.Pose)
	}

	inject(`{"type":"ClaimEntity","data":{"id":"g1","clientId":"other"}}`)
	if err := h.client.Claim(ctx, "g1"); !errors.Is(err, entity.ErrClaimed) {
		t.Fatalf("Claim over remote owner err = %v", err)
	}
	inject(`{"type":"ReleaseEntity","data":{"id":"g1"}}`)
	if err := h.client.Claim(ctx, "g1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if info, _ := h.client.Entity(ctx, "g1"); info.Owner != h.client.ID() {
		t.Fatalf("owner = %q", info.Owner)
	}
	eventually(t, "claim sent", func() bool { return h.mock.Received(protocol.TypeClaimEntity) == 1 })

	inject(`{"type":"DelEntity","data":{"id":"g1"}}`)
	if _, err := h.client.Entity(ctx, "g1"); !errors.Is(err, entity.ErrUnknownEntity) {
		t.Fatalf("after delete err = %v", err)
	}
}

func TestBrokenScriptLeavesEntityBare(t *testing.T) {
	h := startHarness(t, mockserver.Config{}, func(_ *config.Config, o *Options) {
		o.Loader = scene.StubLoader{}
	})
	ctx := context.Background()
	raw := `{"type":"CreateEntityProgObj","data":{"id":"p1","scriptCode":"local x = = 1","gltf":{"name":"Box","url":"http://assets.invalid/box.glb"}}}`
	if err := h.client.InjectFrame(ctx, []byte(raw)); err != nil {
		t.Fatal(err)
	}
	got := h.waitCompiled(t)
	if got.id != "p1" || got.res.OK() || len(got.res.Diagnostics) == 0 || got.res.Diagnostics[0].Line != 1 {
		t.Fatalf("compile result = %+v", got.res)
	}
	info, err := h.client.Entity(ctx, "p1")
	if err != nil {
		t.Fatalf("Entity: %v", err)
	}
	if info.Node != "ProgObj_Box" || len(info.Components) != 0 {
		t.Fatalf("entity = %+v", info)
	}
}

func TestDeleteWhileLoadingDropsEntity(t *testing.T) {
	h := startHarness(t, mockserver.Config{}, func(_ *config.Config, o *Options) {
		o.Loader = blockingLoader{}
	})
	ctx := context.Background()
	create := `{"type":"CreateEntityProgObj","data":{"id":"p2","gltf":{"name":"Box","url":"http://assets.invalid/box.glb"}}}`
	if err := h.client.InjectFrame(ctx, []byte(create)); err != nil {
		t.Fatal(err)
	}
	st, _ := h.client.Stats(ctx)
	if st.Loading != 1 {
		t.Fatalf("loading = %d", st.Loading)
	}
	if err := h.client.InjectFrame(ctx, []byte(`{"type":"DelEntity","data":{"id":"p2"}}`)); err != nil {
		t.Fatal(err)
	}
	st, _ = h.client.Stats(ctx)
	if st.Loading != 0 || st.Entities != 0 {
		t.Fatalf("after delete stats = %+v", st)
	}
}

func TestAudioFramesFillBuffer(t *testing.T) {
	h := startHarness(t, mockserver.Config{}, nil)
	ctx := context.Background()
	_ = h.client.InjectFrame(ctx, []byte(`{"type":"Audio","data":{"pcm":"AAECAw=="}}`))
	if n := h.client.Audio().Len(); n != 4 {
		t.Fatalf("buffered = %d, want 4", n)
	}
	_ = h.client.InjectFrame(ctx, []byte(`{"type":"FlushAudio","data":{}}`))
	if n := h.client.Audio().Len(); n != 0 {
		t.Fatalf("after flush = %d", n)
	}
}

func TestCallsBeforeRunAreQueued(t *testing.T) {
	cfg := config.Defaults()
	c, err := New(Options{Config: cfg, Log: zerolog.Nop(), Loader: scene.StubLoader{}, Dialer: refusingDialer{}})
	if err != nil {
		t.Fatal(err)
	}
	injected := make(chan error, 1)
	go func() {
		injected <- c.InjectFrame(context.Background(), []byte(`{"type":"CreateEntityAnchor","data":{"id":"a1"}}`))
	}()
	// Give the call time to queue before the loop exists.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-injected:
		if err != nil {
			t.Fatalf("InjectFrame: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("queued call never ran")
	}
	if info, err := c.Entity(ctx, "a1"); err != nil || info.Node != "Anchor_a1" {
		t.Fatalf("entity = %+v, %v", info, err)
	}

	cancel()
	<-done
	if err := c.JoinRoom(context.Background(), "lobby"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("after stop err = %v", err)
	}
}

type refusingDialer struct{}

func (refusingDialer) Dial(ctx context.Context, url string) (ws.Conn, error) {
	return nil, errors.New("refused")
}

type blockingLoader struct{}

func (blockingLoader) Load(ctx context.Context, a scene.Asset) (*scene.Node, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
