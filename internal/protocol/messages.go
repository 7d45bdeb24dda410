package protocol

import "encoding/json"

// Vec3 is a numeric triple used for position, Euler rotation (degrees) and scale.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Pose is the local transform of an entity. Scale defaults to (1,1,1) when the
// field is omitted on the wire.
type Pose struct {
	Position Vec3 `json:"position"`
	Rotation Vec3 `json:"rotation"`
	Scale    Vec3 `json:"scale"`
}

// UnitScale is the scale applied when a pose omits it.
var UnitScale = Vec3{X: 1, Y: 1, Z: 1}

func (p *Pose) UnmarshalJSON(b []byte) error {
	type plain Pose
	v := plain{Scale: UnitScale}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = Pose(v)
	return nil
}

type GLTFInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// CreateEntityProgObj (server -> client): an asset-backed entity with optional behavior source.
type CreateProgObjData struct {
	ID         string    `json:"id"`
	ScriptCode string    `json:"scriptCode"`
	GLTF       *GLTFInfo `json:"gltf"`
	Pose       *Pose     `json:"pose"`
}

// CreateEntityGeomObj, CreateEntityAnchor and UpdateEntity.
type EntityData struct {
	ID   string `json:"id"`
	Pose *Pose  `json:"pose"`
}

// ClaimEntity and ReleaseEntity, both directions. ClientID names the claimant
// when the sender knows it.
type EntityControlData struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId,omitempty"`
}

type DeleteEntityData struct {
	ID string `json:"id"`
}

// JoinRoomOK, LeaveRoomOK and the outbound JoinRoom/LeaveRoom requests.
type RoomData struct {
	ID string `json:"id"`
}

type RoomErrorData struct {
	Reason string `json:"reason"`
}

// AudioData carries a PCM buffer; encoding/json maps []byte to base64.
type AudioData struct {
	PCM []byte `json:"pcm"`
}

type TranscriptMsg struct {
	Message string `json:"message"`
}

type ErrorMsg struct {
	Message string `json:"message"`
}

// Body indexes into PosesData.Poses.
const (
	BodyHead      = 0
	BodyLeftHand  = 1
	BodyRightHand = 2
)

// Poses (client -> server): head and hands, indexed by Body*.
type PosesData struct {
	Poses []Pose `json:"poses"`
}

// HeadPose (client -> server).
type HeadPoseData struct {
	Pose Pose `json:"pose"`
}
