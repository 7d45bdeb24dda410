package client

import (
	"context"
	"strings"

	"runtimeloader.dev/internal/behavior"
	"runtimeloader.dev/internal/persistence/indexdb"
	"runtimeloader.dev/internal/protocol"
	"runtimeloader.dev/internal/protocol/dispatch"
	"runtimeloader.dev/internal/scene"
)

type pendingLoad struct {
	data   protocol.CreateProgObjData
	cancel context.CancelFunc
}

type loadResult struct {
	id   string
	p    *pendingLoad
	node *scene.Node
	err  error
}

func (c *Client) subscribe() {
	d := c.disp
	dispatch.On(d, protocol.TypeCreateEntityProgObj, c.handleCreateProgObj)
	dispatch.On(d, protocol.TypeCreateEntityGeomObj, func(e protocol.EntityData) error {
		return c.createPlain("GeomObj", protocol.TypeCreateEntityGeomObj, e)
	})
	dispatch.On(d, protocol.TypeCreateEntityAnchor, func(e protocol.EntityData) error {
		return c.createPlain("Anchor", protocol.TypeCreateEntityAnchor, e)
	})
	dispatch.On(d, protocol.TypeUpdateEntity, c.handleUpdate)
	dispatch.On(d, protocol.TypeDelEntity, c.handleDelete)
	dispatch.On(d, protocol.TypeClaimEntity, c.handleClaim)
	dispatch.On(d, protocol.TypeReleaseEntity, c.handleRelease)

	dispatch.On(d, protocol.TypeJoinRoomOK, func(r protocol.RoomData) error {
		c.room = r.ID
		c.log.Info().Str("room", r.ID).Msg("joined room")
		if c.cb.OnJoinRoom != nil {
			c.cb.OnJoinRoom(r.ID)
		}
		return nil
	})
	dispatch.On(d, protocol.TypeLeaveRoomOK, func(r protocol.RoomData) error {
		if c.room == r.ID {
			c.room = ""
		}
		c.log.Info().Str("room", r.ID).Msg("left room")
		if c.cb.OnLeaveRoom != nil {
			c.cb.OnLeaveRoom(r.ID)
		}
		return nil
	})
	dispatch.On(d, protocol.TypeJoinRoomError, func(e protocol.RoomErrorData) error {
		return c.roomError("join", e.Reason)
	})
	dispatch.On(d, protocol.TypeLeaveRoomError, func(e protocol.RoomErrorData) error {
		return c.roomError("leave", e.Reason)
	})

	dispatch.On(d, protocol.TypeAudio, func(a protocol.AudioData) error {
		c.audio.Push(a.PCM)
		return nil
	})
	dispatch.On(d, protocol.TypeFlushAudio, func(protocol.Empty) error {
		c.log.Debug().Int("bytes", c.audio.Len()).Msg("flushing audio")
		c.audio.Flush()
		return nil
	})
	dispatch.On(d, protocol.TypeTranscript, func(m protocol.TranscriptMsg) error {
		c.log.Info().Str("transcript", m.Message).Msg("transcript")
		if c.cb.OnTranscript != nil {
			c.cb.OnTranscript(m.Message)
		}
		return nil
	})
	dispatch.On(d, protocol.TypeError, func(m protocol.ErrorMsg) error {
		c.log.Error().Str("message", m.Message).Msg("server error")
		if c.cb.OnError != nil {
			c.cb.OnError(m.Message)
		}
		return nil
	})
}

func (c *Client) roomError(op, reason string) error {
	c.log.Error().Str("op", op).Str("reason", reason).Msg("room request failed")
	if c.cb.OnRoomError != nil {
		c.cb.OnRoomError(op, reason)
	}
	return nil
}

func (c *Client) handleCreateProgObj(data protocol.CreateProgObjData) error {
	if data.ID == "" {
		c.log.Warn().Msg("CreateEntityProgObj without id")
		return nil
	}
	if _, ok := c.registry.Get(data.ID); ok {
		c.log.Warn().Str("id", data.ID).Msg("entity already registered; ignoring create")
		return nil
	}
	if _, ok := c.pending[data.ID]; ok {
		c.log.Warn().Str("id", data.ID).Msg("entity already loading; ignoring create")
		return nil
	}
	if data.GLTF == nil || strings.TrimSpace(data.GLTF.URL) == "" {
		n := scene.NewNode(scene.NodeName(scene.Asset{Name: data.ID}))
		c.finishProgObj(data, n)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &pendingLoad{data: data, cancel: cancel}
	c.pending[data.ID] = p
	asset := scene.Asset{Name: data.GLTF.Name, URL: data.GLTF.URL}
	c.log.Info().Str("id", data.ID).Str("url", asset.URL).Msg("loading asset")
	go func() {
		n, err := c.loader.Load(ctx, asset)
		select {
		case c.loads <- loadResult{id: data.ID, p: p, node: n, err: err}:
		case <-ctx.Done():
		}
	}()
	return nil
}

func (c *Client) drainLoads() {
	for {
		select {
		case r := <-c.loads:
			c.finishLoad(r)
		default:
			return
		}
	}
}

func (c *Client) finishLoad(r loadResult) {
	if c.pending[r.id] != r.p {
		// Deleted or replaced while loading.
		return
	}
	delete(c.pending, r.id)
	r.p.cancel()
	if r.err != nil {
		c.log.Error().Err(r.err).Str("id", r.id).Msg("asset load failed")
		return
	}
	c.finishProgObj(r.p.data, r.node)
}

func (c *Client) finishProgObj(data protocol.CreateProgObjData, n *scene.Node) {
	if !c.register(data.ID, protocol.TypeCreateEntityProgObj, n, data.Pose, assetURL(data)) {
		return
	}
	if strings.TrimSpace(data.ScriptCode) == "" {
		return
	}
	id := data.ID
	err := c.compiler.CompileAndAttach(data.ScriptCode, n, func(res behavior.Result) {
		c.recordCompile(id, res)
		if c.cb.OnCompiled != nil {
			c.cb.OnCompiled(id, res)
		}
	})
	if err != nil {
		c.log.Error().Err(err).Str("id", id).Msg("behavior not queued")
	}
}

func assetURL(d protocol.CreateProgObjData) string {
	if d.GLTF == nil {
		return ""
	}
	return d.GLTF.URL
}

func (c *Client) createPlain(prefix, kind string, e protocol.EntityData) error {
	if e.ID == "" {
		c.log.Warn().Str("type", kind).Msg("create without id")
		return nil
	}
	c.register(e.ID, kind, scene.NewNode(prefix+"_"+e.ID), e.Pose, "")
	return nil
}

// register places n in the scene under id. A duplicate id keeps the first
// handle and discards n.
func (c *Client) register(id, kind string, n *scene.Node, pose *protocol.Pose, url string) bool {
	if !c.registry.Register(id, n) {
		n.Destroy()
		return false
	}
	n.SetMeta(behavior.MetaEntityID, id)
	c.graph.Add(n)
	c.registry.ApplyPose(n, pose)
	c.index.RecordEntityCreated(id, kind, url)
	c.log.Info().Str("id", id).Str("kind", kind).Str("node", n.Name).Msg("entity registered")
	if c.cb.OnEntity != nil {
		c.cb.OnEntity(id, n)
	}
	return true
}

func (c *Client) recordCompile(id string, res behavior.Result) {
	row := indexdb.CompileRow{EntityID: id, OK: res.OK(), Behavior: res.Name}
	for _, d := range res.Diagnostics {
		row.Diagnostics = append(row.Diagnostics, d.String())
	}
	if res.Err != nil && len(res.Diagnostics) == 0 {
		row.Diagnostics = append(row.Diagnostics, res.Err.Error())
	}
	c.index.RecordCompile(row)
}

func (c *Client) handleUpdate(e protocol.EntityData) error {
	h, ok := c.registry.Get(e.ID)
	if !ok {
		c.log.Debug().Str("id", e.ID).Msg("update for unknown entity")
		return nil
	}
	c.registry.ApplyPose(h, e.Pose)
	return nil
}

func (c *Client) handleDelete(e protocol.DeleteEntityData) error {
	if p, ok := c.pending[e.ID]; ok {
		p.cancel()
		delete(c.pending, e.ID)
		c.log.Info().Str("id", e.ID).Msg("entity deleted while loading")
		return nil
	}
	if !c.registry.Delete(e.ID) {
		c.log.Debug().Str("id", e.ID).Msg("delete for unknown entity")
		return nil
	}
	c.index.RecordEntityDeleted(e.ID)
	c.log.Info().Str("id", e.ID).Msg("entity deleted")
	return nil
}

func (c *Client) handleClaim(e protocol.EntityControlData) error {
	changed, err := c.registry.MarkClaimed(e.ID, e.ClientID)
	if err != nil {
		c.log.Debug().Str("id", e.ID).Err(err).Msg("claim ignored")
		return nil
	}
	if changed {
		st, _ := c.registry.ClaimState(e.ID)
		c.index.RecordClaim(e.ID, st.Owner)
	}
	return nil
}

func (c *Client) handleRelease(e protocol.EntityControlData) error {
	changed, err := c.registry.MarkReleased(e.ID)
	if err != nil {
		c.log.Debug().Str("id", e.ID).Err(err).Msg("release ignored")
		return nil
	}
	if changed {
		c.index.RecordClaim(e.ID, "")
	}
	return nil
}
