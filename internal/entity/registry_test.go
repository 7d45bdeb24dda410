package entity

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"runtimeloader.dev/internal/protocol"
	"runtimeloader.dev/internal/scene"
)

func TestRegisterIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	r := New("me", zerolog.New(&buf))
	h1 := scene.NewNode("first")
	h2 := scene.NewNode("second")

	if !r.Register("e1", h1) {
		t.Fatalf("first Register returned false")
	}
	if r.Register("e1", h2) {
		t.Fatalf("duplicate Register returned true")
	}
	got, ok := r.Get("e1")
	if !ok || got != h1 {
		t.Fatalf("Get returned %v, want first handle", got)
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d", r.Len())
	}
	if !strings.Contains(buf.String(), "already registered") {
		t.Fatalf("duplicate not logged: %s", buf.String())
	}
}

func TestApplyPoseNilIsNoop(t *testing.T) {
	ApplyPose(nil, &protocol.Pose{Scale: protocol.UnitScale})

	h := scene.NewNode("n")
	h.LocalPosition = scene.Vec3{X: 3}
	ApplyPose(h, nil)
	if h.LocalPosition.X != 3 {
		t.Fatalf("nil pose modified handle")
	}
}

func TestApplyPoseKeepsHandle(t *testing.T) {
	r := New("me", zerolog.Nop())
	h := scene.NewNode("n")
	r.Register("e1", h)

	p := &protocol.Pose{
		Position: protocol.Vec3{X: 1, Y: 2, Z: 3},
		Rotation: protocol.Vec3{Y: 90},
		Scale:    protocol.Vec3{X: 2, Y: 2, Z: 2},
	}
	got, _ := r.Get("e1")
	r.ApplyPose(got, p)
	again, _ := r.Get("e1")
	if again != h {
		t.Fatalf("handle identity changed")
	}
	if h.LocalPosition != (scene.Vec3{X: 1, Y: 2, Z: 3}) || h.LocalScale != (scene.Vec3{X: 2, Y: 2, Z: 2}) {
		t.Fatalf("transform = %+v / %+v", h.LocalPosition, h.LocalScale)
	}
	fwd := h.LocalRotation.Rotate(scene.Vec3{X: 1})
	if math.Abs(fwd.Z+1) > 1e-9 {
		t.Fatalf("rotation not applied: +X -> %+v", fwd)
	}
	back := PoseOf(h)
	if math.Abs(back.Rotation.Y-90) > 1e-6 {
		t.Fatalf("PoseOf rotation = %+v", back.Rotation)
	}
}

func TestDeleteDestroysNode(t *testing.T) {
	r := New("me", zerolog.Nop())
	g := scene.NewGraph()
	h := scene.NewNode("n")
	g.Add(h)
	r.Register("e1", h)

	if !r.Delete("e1") {
		t.Fatalf("Delete returned false")
	}
	if _, ok := r.Get("e1"); ok {
		t.Fatalf("entry still present")
	}
	if !h.Destroyed() || g.Len() != 0 {
		t.Fatalf("node not removed from graph")
	}
	if r.Delete("e1") {
		t.Fatalf("second Delete returned true")
	}
	// A fresh registration under the same id is allowed after deletion.
	if !r.Register("e1", scene.NewNode("n2")) {
		t.Fatalf("re-register after delete failed")
	}
}

func TestClaims(t *testing.T) {
	r := New("me", zerolog.Nop())
	r.Register("e1", scene.NewNode("n"))

	if err := r.Claim("missing"); !errors.Is(err, ErrUnknownEntity) {
		t.Fatalf("Claim missing = %v", err)
	}
	if err := r.Release("e1"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("Release unclaimed = %v", err)
	}
	if err := r.Claim("e1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := r.Claim("e1"); err != nil {
		t.Fatalf("re-Claim by owner: %v", err)
	}
	if c, _ := r.ClaimState("e1"); c.Owner != "me" {
		t.Fatalf("owner = %q", c.Owner)
	}
	if err := r.Release("e1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	changed, err := r.MarkClaimed("e1", "")
	if err != nil || !changed {
		t.Fatalf("MarkClaimed = %v, %v", changed, err)
	}
	if c, _ := r.ClaimState("e1"); c.Owner != RemoteClaimant {
		t.Fatalf("owner = %q, want remote", c.Owner)
	}
	if changed, _ := r.MarkClaimed("e1", RemoteClaimant); changed {
		t.Fatalf("repeat MarkClaimed reported a change")
	}
	if err := r.Claim("e1"); !errors.Is(err, ErrClaimed) {
		t.Fatalf("Claim held entity = %v", err)
	}
	if changed, _ := r.MarkReleased("e1"); !changed {
		t.Fatalf("MarkReleased reported no change")
	}
	if c, _ := r.ClaimState("e1"); c.Claimed() {
		t.Fatalf("still claimed after release")
	}
}

func TestIDsSorted(t *testing.T) {
	r := New("me", zerolog.Nop())
	for _, id := range []string{"c", "a", "b"} {
		r.Register(id, scene.NewNode(id))
	}
	if got := strings.Join(r.IDs(), ","); got != "a,b,c" {
		t.Fatalf("IDs = %s", got)
	}
}
