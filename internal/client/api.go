package client

import (
	"context"
	"fmt"

	"runtimeloader.dev/internal/audio"
	"runtimeloader.dev/internal/entity"
	"runtimeloader.dev/internal/protocol"
	"runtimeloader.dev/internal/protocol/dispatch"
	"runtimeloader.dev/internal/scene"
)

// EntityInfo is a copy of one registry entry, safe to read off the scene
// goroutine.
type EntityInfo struct {
	ID         string
	Node       string
	Pose       protocol.Pose
	Owner      string
	Components []string
}

type Stats struct {
	Dispatch    dispatch.Stats
	Entities    int
	Loading     int
	Compiling   int
	Ticks       uint64
	Disconnects int
	Reconnects  int
	Connected   bool
	Room        string
}

func (c *Client) JoinRoom(ctx context.Context, room string) error {
	return c.do(ctx, func() error {
		return c.disp.Send(protocol.TypeJoinRoom, protocol.RoomData{ID: room})
	})
}

// LeaveRoom leaves room, or the current room when room is empty.
func (c *Client) LeaveRoom(ctx context.Context, room string) error {
	return c.do(ctx, func() error {
		if room == "" {
			room = c.room
		}
		if room == "" {
			return fmt.Errorf("leave room: not in a room")
		}
		return c.disp.Send(protocol.TypeLeaveRoom, protocol.RoomData{ID: room})
	})
}

// Claim takes the entity locally and announces it. The local state is kept
// even if the send fails.
func (c *Client) Claim(ctx context.Context, id string) error {
	return c.do(ctx, func() error {
		if err := c.registry.Claim(id); err != nil {
			return err
		}
		c.index.RecordClaim(id, c.id)
		return c.disp.Send(protocol.TypeClaimEntity, protocol.EntityControlData{ID: id, ClientID: c.id})
	})
}

func (c *Client) Release(ctx context.Context, id string) error {
	return c.do(ctx, func() error {
		if err := c.registry.Release(id); err != nil {
			return err
		}
		c.index.RecordClaim(id, "")
		return c.disp.Send(protocol.TypeReleaseEntity, protocol.EntityControlData{ID: id, ClientID: c.id})
	})
}

func (c *Client) SendHeadPose(ctx context.Context, head protocol.Pose) error {
	return c.do(ctx, func() error {
		return c.disp.Send(protocol.TypeHeadPose, protocol.HeadPoseData{Pose: head})
	})
}

func (c *Client) SendPoses(ctx context.Context, head, left, right protocol.Pose) error {
	poses := make([]protocol.Pose, 3)
	poses[protocol.BodyHead] = head
	poses[protocol.BodyLeftHand] = left
	poses[protocol.BodyRightHand] = right
	return c.do(ctx, func() error {
		return c.disp.Send(protocol.TypePoses, protocol.PosesData{Poses: poses})
	})
}

// InjectFrame dispatches raw as if it had arrived from the server.
func (c *Client) InjectFrame(ctx context.Context, raw []byte) error {
	b := append([]byte(nil), raw...)
	return c.do(ctx, func() error {
		c.disp.OnReceive(b)
		return nil
	})
}

// Entity returns a copy of one registry entry.
func (c *Client) Entity(ctx context.Context, id string) (EntityInfo, error) {
	var info EntityInfo
	err := c.do(ctx, func() error {
		h, ok := c.registry.Get(id)
		if !ok {
			return entity.ErrUnknownEntity
		}
		info = c.describe(id, h)
		return nil
	})
	return info, err
}

// Entities lists every registered entity in id order.
func (c *Client) Entities(ctx context.Context) ([]EntityInfo, error) {
	var out []EntityInfo
	err := c.do(ctx, func() error {
		for _, id := range c.registry.IDs() {
			h, _ := c.registry.Get(id)
			out = append(out, c.describe(id, h))
		}
		return nil
	})
	return out, err
}

func (c *Client) describe(id string, h *scene.Node) EntityInfo {
	info := EntityInfo{ID: id, Pose: entity.PoseOf(h)}
	if h != nil {
		info.Node = h.Name
		for _, comp := range h.Components() {
			info.Components = append(info.Components, comp.ComponentName())
		}
	}
	if cl, err := c.registry.ClaimState(id); err == nil {
		info.Owner = cl.Owner
	}
	return info
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := c.do(ctx, func() error {
		disc, rec := c.session.Stats()
		st = Stats{
			Dispatch:    c.disp.Stats(),
			Entities:    c.registry.Len(),
			Loading:     len(c.pending),
			Compiling:   c.compiler.Pending(),
			Ticks:       c.graph.Ticks(),
			Disconnects: disc,
			Reconnects:  rec,
			Connected:   c.session.Connected(),
			Room:        c.room,
		}
		return nil
	})
	return st, err
}

// Audio is the PCM buffer fed by Audio frames. It is safe for concurrent use.
func (c *Client) Audio() *audio.Buffer { return c.audio }
