// Package entity maps server-assigned entity ids to live scene nodes.
//
// A Registry is owned by the scene goroutine and carries no locks.
package entity

import (
	"errors"
	"sort"

	"github.com/rs/zerolog"

	"runtimeloader.dev/internal/protocol"
	"runtimeloader.dev/internal/scene"
)

var (
	ErrUnknownEntity = errors.New("entity: unknown id")
	ErrClaimed       = errors.New("entity: claimed by another client")
	ErrNotOwner      = errors.New("entity: not claimed by this client")
)

// RemoteClaimant stands in for a claimant the server did not name.
const RemoteClaimant = "remote"

// Claim is the ownership state of one entity. An empty Owner means unclaimed.
type Claim struct {
	Owner string
}

func (c Claim) Claimed() bool { return c.Owner != "" }

type record struct {
	node  *scene.Node
	claim Claim
}

type Registry struct {
	self    string
	log     zerolog.Logger
	entries map[string]*record
}

// New returns an empty registry. self is the local client id used for claims.
func New(self string, log zerolog.Logger) *Registry {
	return &Registry{
		self:    self,
		log:     log,
		entries: map[string]*record{},
	}
}

func (r *Registry) Self() string { return r.self }

// Register stores h under id. A second registration for the same id is logged
// and ignored; the first handle stays.
func (r *Registry) Register(id string, h *scene.Node) bool {
	if _, ok := r.entries[id]; ok {
		r.log.Warn().Str("id", id).Msg("entity already registered; keeping existing handle")
		return false
	}
	r.entries[id] = &record{node: h}
	return true
}

func (r *Registry) Get(id string) (*scene.Node, bool) {
	rec, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return rec.node, true
}

// Delete drops id and destroys its node together with any attached behavior.
func (r *Registry) Delete(id string) bool {
	rec, ok := r.entries[id]
	if !ok {
		return false
	}
	delete(r.entries, id)
	if rec.node != nil {
		rec.node.Destroy()
	}
	return true
}

func (r *Registry) Len() int { return len(r.entries) }

// IDs returns the registered ids in lexical order.
func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ApplyPose writes p onto h as local transform. Rotation is Euler degrees,
// applied intrinsically X then Y then Z.
func ApplyPose(h *scene.Node, p *protocol.Pose) {
	if h == nil || p == nil {
		return
	}
	h.LocalPosition = scene.Vec3{X: p.Position.X, Y: p.Position.Y, Z: p.Position.Z}
	h.LocalRotation = scene.FromEuler(scene.Vec3{X: p.Rotation.X, Y: p.Rotation.Y, Z: p.Rotation.Z})
	h.LocalScale = scene.Vec3{X: p.Scale.X, Y: p.Scale.Y, Z: p.Scale.Z}
}

// PoseOf reads the local transform of h back into wire form.
func PoseOf(h *scene.Node) protocol.Pose {
	e := h.LocalRotation.Euler()
	return protocol.Pose{
		Position: protocol.Vec3{X: h.LocalPosition.X, Y: h.LocalPosition.Y, Z: h.LocalPosition.Z},
		Rotation: protocol.Vec3{X: e.X, Y: e.Y, Z: e.Z},
		Scale:    protocol.Vec3{X: h.LocalScale.X, Y: h.LocalScale.Y, Z: h.LocalScale.Z},
	}
}

// ApplyPose is the registry-bound form of the package-level ApplyPose.
func (r *Registry) ApplyPose(h *scene.Node, p *protocol.Pose) { ApplyPose(h, p) }

func (r *Registry) ClaimState(id string) (Claim, error) {
	rec, ok := r.entries[id]
	if !ok {
		return Claim{}, ErrUnknownEntity
	}
	return rec.claim, nil
}

// Claim takes ownership of id for the local client. Claiming an entity already
// held by this client succeeds.
func (r *Registry) Claim(id string) error {
	rec, ok := r.entries[id]
	if !ok {
		return ErrUnknownEntity
	}
	if rec.claim.Claimed() && rec.claim.Owner != r.self {
		return ErrClaimed
	}
	rec.claim = Claim{Owner: r.self}
	return nil
}

func (r *Registry) Release(id string) error {
	rec, ok := r.entries[id]
	if !ok {
		return ErrUnknownEntity
	}
	if rec.claim.Owner != r.self {
		return ErrNotOwner
	}
	rec.claim = Claim{}
	return nil
}

// MarkClaimed records a claim announced by the server. It reports whether the
// state changed.
func (r *Registry) MarkClaimed(id, owner string) (bool, error) {
	rec, ok := r.entries[id]
	if !ok {
		return false, ErrUnknownEntity
	}
	if owner == "" {
		owner = RemoteClaimant
	}
	if rec.claim.Owner == owner {
		return false, nil
	}
	if rec.claim.Claimed() {
		r.log.Info().Str("id", id).Str("from", rec.claim.Owner).Str("to", owner).Msg("claim transferred")
	}
	rec.claim = Claim{Owner: owner}
	return true, nil
}

func (r *Registry) MarkReleased(id string) (bool, error) {
	rec, ok := r.entries[id]
	if !ok {
		return false, ErrUnknownEntity
	}
	if !rec.claim.Claimed() {
		return false, nil
	}
	rec.claim = Claim{}
	return true, nil
}
