// Package mockserver simulates the coordination server: it acknowledges room
// requests, pings, spawns program objects carrying a behavior script and
// streams pose updates for them.
package mockserver

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/segmentio/ksuid"

	"runtimeloader.dev/internal/protocol"
)

// RotatingScript spins its entity about Y at 100 degrees per second.
const RotatingScript = `
local RotatingDuck = { name = "RotatingDuck", speed = 100 }

function RotatingDuck:update(entity, dt)
  entity:rotate(0, self.speed * dt, 0)
end

return RotatingDuck
`

const AssetPath = "/assets/duck.glb"

type Config struct {
	// PingInterval of 0 disables pings.
	PingInterval time.Duration
	// PoseInterval of 0 disables the UpdateEntity stream.
	PoseInterval time.Duration
	// SpawnOnJoin sends a CreateEntityProgObj after every JoinRoomOK.
	SpawnOnJoin bool
	// AssetURL overrides the glTF URL; empty serves AssetPath from this server.
	AssetURL string
}

type Server struct {
	cfg Config
	log zerolog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*conn]struct{}
	entities map[string]*spawned
	received map[string]int
}

type spawned struct {
	pose protocol.Pose
}

type conn struct {
	ws     *websocket.Conn
	out    chan []byte
	host   string
	cancel context.CancelFunc
}

func New(cfg Config, log zerolog.Logger) *Server {
	return &Server{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:    map[*conn]struct{}{},
		entities: map[string]*spawned{},
		received: map[string]int{},
	}
}

// Handler serves the websocket at /ws and the sample asset at AssetPath.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc(AssetPath, func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "model/gltf-binary")
		_, _ = rw.Write(SampleGLB())
	})
	return mux
}

// Run drives the ping and pose streams until ctx is done.
func (s *Server) Run(ctx context.Context) {
	var pingC, poseC <-chan time.Time
	if s.cfg.PingInterval > 0 {
		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()
		pingC = t.C
	}
	if s.cfg.PoseInterval > 0 {
		t := time.NewTicker(s.cfg.PoseInterval)
		defer t.Stop()
		poseC = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-pingC:
			_ = s.Broadcast(protocol.TypePing, struct{}{})
		case <-poseC:
			s.streamPoses()
		}
	}
}

func (s *Server) serveWS(rw http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &conn{ws: ws, out: make(chan []byte, 256), host: r.Host, cancel: cancel}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
	s.log.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	// Writer goroutine.
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = ws.Close()
				return
			case b := <-c.out:
				_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	// Reader loop.
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			cancel()
			break
		}
		s.handle(c, msg)
	}
	s.log.Info().Str("remote", r.RemoteAddr).Msg("client disconnected")
}

func (s *Server) handle(c *conn, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type == "" {
		return
	}
	s.mu.Lock()
	s.received[base.Type]++
	s.mu.Unlock()

	switch base.Type {
	case protocol.TypeJoinRoom:
		env, err := protocol.DecodeEnvelope[protocol.RoomData](msg)
		if err != nil {
			return
		}
		if env.Data.ID == "" {
			s.send(c, protocol.TypeJoinRoomError, protocol.RoomErrorData{Reason: "room id required"})
			return
		}
		s.send(c, protocol.TypeJoinRoomOK, protocol.RoomData{ID: env.Data.ID})
		if s.cfg.SpawnOnJoin {
			s.spawnTo(c, "TestDuck")
		}
	case protocol.TypeLeaveRoom:
		env, err := protocol.DecodeEnvelope[protocol.RoomData](msg)
		if err != nil {
			return
		}
		s.send(c, protocol.TypeLeaveRoomOK, protocol.RoomData{ID: env.Data.ID})
	case protocol.TypeClaimEntity, protocol.TypeReleaseEntity:
		env, err := protocol.DecodeEnvelope[protocol.EntityControlData](msg)
		if err != nil {
			return
		}
		// Relay to everyone else; the sender already applied it locally.
		s.broadcastExcept(c, base.Type, env.Data)
	}
}

// SpawnProgObj broadcasts a new program object and returns its id.
func (s *Server) SpawnProgObj(name string) string {
	s.mu.Lock()
	conns := s.connList()
	s.mu.Unlock()
	id := ""
	for _, c := range conns {
		id = s.spawnTo(c, name)
	}
	return id
}

func (s *Server) spawnTo(c *conn, name string) string {
	id := "mock_entity_" + ksuid.New().String()
	pose := protocol.Pose{Position: protocol.Vec3{Y: 1, Z: 2}, Scale: protocol.UnitScale}
	url := s.cfg.AssetURL
	if url == "" {
		url = "http://" + c.host + AssetPath
	}
	s.mu.Lock()
	s.entities[id] = &spawned{pose: pose}
	s.mu.Unlock()
	s.send(c, protocol.TypeCreateEntityProgObj, protocol.CreateProgObjData{
		ID:         id,
		ScriptCode: RotatingScript,
		GLTF:       &protocol.GLTFInfo{Name: name, URL: url},
		Pose:       &pose,
	})
	return id
}

// Delete broadcasts DelEntity for id.
func (s *Server) Delete(id string) {
	s.mu.Lock()
	delete(s.entities, id)
	s.mu.Unlock()
	_ = s.Broadcast(protocol.TypeDelEntity, protocol.DeleteEntityData{ID: id})
}

func (s *Server) streamPoses() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	updates := make([]protocol.EntityData, 0, len(ids))
	for _, id := range ids {
		e := s.entities[id]
		e.pose.Position.X += 0.01
		p := e.pose
		updates = append(updates, protocol.EntityData{ID: id, Pose: &p})
	}
	s.mu.Unlock()
	for _, u := range updates {
		_ = s.Broadcast(protocol.TypeUpdateEntity, u)
	}
}

// Broadcast sends one message to every connected client.
func (s *Server) Broadcast(typ string, data any) error {
	return s.broadcastExcept(nil, typ, data)
}

func (s *Server) broadcastExcept(skip *conn, typ string, data any) error {
	b, err := protocol.Encode(typ, data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	conns := s.connList()
	s.mu.Unlock()
	for _, c := range conns {
		if c != skip {
			s.enqueue(c, b)
		}
	}
	return nil
}

// SendRaw writes a frame verbatim to every client, for malformed-input tests.
func (s *Server) SendRaw(frame []byte) {
	s.mu.Lock()
	conns := s.connList()
	s.mu.Unlock()
	for _, c := range conns {
		s.enqueue(c, frame)
	}
}

func (s *Server) send(c *conn, typ string, data any) {
	b, err := protocol.Encode(typ, data)
	if err != nil {
		s.log.Error().Err(err).Str("type", typ).Msg("encode failed")
		return
	}
	s.enqueue(c, b)
}

func (s *Server) enqueue(c *conn, b []byte) {
	select {
	case c.out <- b:
	default:
		s.log.Warn().Msg("client queue full; dropping frame")
	}
}

func (s *Server) connList() []*conn {
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// DropAll closes every client connection without a close handshake.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := s.connList()
	s.mu.Unlock()
	for _, c := range conns {
		c.cancel()
	}
}

func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Received counts inbound frames of typ across all connections.
func (s *Server) Received(typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received[typ]
}

// SampleGLB returns a minimal valid binary glTF container with an empty scene.
func SampleGLB() []byte {
	js := []byte(`{"asset":{"version":"2.0","generator":"mockserver"},"scenes":[{"nodes":[]}],"scene":0}`)
	for len(js)%4 != 0 {
		js = append(js, ' ')
	}
	var buf bytes.Buffer
	total := 12 + 8 + len(js)
	buf.WriteString("glTF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(2))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(total))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(js)))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(0x4E4F534A))
	buf.Write(js)
	return buf.Bytes()
}
