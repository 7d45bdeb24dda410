package dispatch

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"runtimeloader.dev/internal/protocol"
)

type captureSender struct {
	frames []string
	err    error
}

func (s *captureSender) Send(frame []byte) error {
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, string(frame))
	return nil
}

type captureRecorder struct {
	entries []string
}

func (r *captureRecorder) Record(dir, typ string, frame []byte) {
	r.entries = append(r.entries, dir+":"+typ)
}

func TestEachPingRepliesPong(t *testing.T) {
	s := &captureSender{}
	d := New(s, zerolog.Nop(), Options{})
	pings := 0
	On(d, protocol.TypePing, func(protocol.Empty) error { pings++; return nil })

	d.OnReceive([]byte(`{"type":"Ping","data":{}}`))
	d.OnReceive([]byte(`{"type":"Ping"}`))

	pong := `{"type":"Pong","data":""}`
	want := []string{pong, pong}
	if diff := cmp.Diff(want, s.frames); diff != "" {
		t.Fatalf("outbound frames (-want +got):\n%s", diff)
	}
	if pings != 2 {
		t.Fatalf("ping handler ran %d times", pings)
	}
}

func TestUnknownTypeDispatchesNothing(t *testing.T) {
	var buf bytes.Buffer
	s := &captureSender{}
	d := New(s, zerolog.New(&buf), Options{})
	called := false
	for _, typ := range protocol.KnownTypes() {
		On(d, typ, func(any) error { called = true; return nil })
	}

	d.OnReceive([]byte(`{"type":"Bogus","data":{}}`))

	if called || len(s.frames) != 0 {
		t.Fatalf("unknown type reached a handler or produced output")
	}
	if st := d.Stats(); st.Dropped != 1 || st.Dispatched != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if !strings.Contains(buf.String(), "unknown message type") {
		t.Fatalf("missing warning: %s", buf.String())
	}
}

func TestMalformedAndUntypedFramesDropped(t *testing.T) {
	d := New(&captureSender{}, zerolog.Nop(), Options{})
	called := 0
	On(d, protocol.TypeDelEntity, func(protocol.DeleteEntityData) error { called++; return nil })

	d.OnReceive([]byte(`{not json`))
	d.OnReceive([]byte(`{"data":{"id":"x"}}`))
	d.OnReceive([]byte(`{"type":"DelEntity","data":"wrong shape"}`))

	if called != 0 {
		t.Fatalf("handler ran on a bad frame")
	}
	if st := d.Stats(); st.Dropped != 3 {
		t.Fatalf("dropped = %d, want 3", st.Dropped)
	}
}

func TestHandlersRunInOrderAndAreIsolated(t *testing.T) {
	d := New(&captureSender{}, zerolog.Nop(), Options{})
	var order []string
	On(d, protocol.TypeTranscript, func(m protocol.TranscriptMsg) error {
		order = append(order, "first:"+m.Message)
		return errors.New("first failed")
	})
	On(d, protocol.TypeTranscript, func(protocol.TranscriptMsg) error {
		order = append(order, "second")
		panic("second blew up")
	})
	On(d, protocol.TypeTranscript, func(protocol.TranscriptMsg) error {
		order = append(order, "third")
		return nil
	})

	d.OnReceive([]byte(`{"type":"Transcript","data":{"message":"hi"}}`))
	d.OnReceive([]byte(`{"type":"Transcript","data":{"message":"again"}}`))

	want := []string{"first:hi", "second", "third", "first:again", "second", "third"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Fatalf("handler order (-want +got):\n%s", diff)
	}
	if st := d.Stats(); st.HandlerErrors != 4 || st.Dispatched != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestWrongHandlerTypeIsLogged(t *testing.T) {
	d := New(&captureSender{}, zerolog.Nop(), Options{})
	On(d, protocol.TypeError, func(protocol.TranscriptMsg) error { return nil })
	d.OnReceive([]byte(`{"type":"Error","data":{"message":"x"}}`))
	if st := d.Stats(); st.HandlerErrors != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStrictModeDropsSchemaViolations(t *testing.T) {
	schemas, err := protocol.LoadSchemas()
	if err != nil {
		t.Fatalf("LoadSchemas: %v", err)
	}
	d := New(&captureSender{}, zerolog.Nop(), Options{Schemas: schemas})
	got := 0
	On(d, protocol.TypeUpdateEntity, func(protocol.EntityData) error { got++; return nil })

	d.OnReceive([]byte(`{"type":"UpdateEntity","data":{"id":"a","pose":{"position":{"x":1,"y":2,"z":3},"rotation":{"x":0,"y":0,"z":0}}}}`))
	d.OnReceive([]byte(`{"type":"UpdateEntity","data":{"pose":{}}}`))

	if got != 1 {
		t.Fatalf("strict mode delivered %d frames, want 1", got)
	}
}

func TestSendRecordsAndWraps(t *testing.T) {
	rec := &captureRecorder{}
	s := &captureSender{}
	d := New(s, zerolog.Nop(), Options{Recorder: rec})

	if err := d.Send(protocol.TypeJoinRoom, protocol.RoomData{ID: "lobby"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if s.frames[0] != `{"type":"JoinRoom","data":{"id":"lobby"}}` {
		t.Fatalf("frame = %s", s.frames[0])
	}
	d.OnReceive([]byte(`{"type":"JoinRoomOK","data":{"id":"lobby"}}`))
	if diff := cmp.Diff([]string{"out:JoinRoom", "in:JoinRoomOK"}, rec.entries); diff != "" {
		t.Fatalf("recorded (-want +got):\n%s", diff)
	}

	s.err = errors.New("not connected")
	if err := d.Send(protocol.TypeLeaveRoom, protocol.RoomData{ID: "lobby"}); err == nil || !errors.Is(err, s.err) {
		t.Fatalf("Send error = %v", err)
	}
	if err := New(nil, zerolog.Nop(), Options{}).Send(protocol.TypePong, ""); !errors.Is(err, ErrNoSender) {
		t.Fatalf("nil sender = %v", err)
	}
}
