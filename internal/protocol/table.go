package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Decoder decodes a full envelope and returns its payload. The concrete type of
// the returned value is fixed per message type (see PayloadFor).
type Decoder func(b []byte) (any, error)

func shape[T any]() Decoder {
	return func(b []byte) (any, error) {
		env, err := DecodeEnvelope[T](b)
		if err != nil {
			return nil, err
		}
		return env.Data, nil
	}
}

// Messages without business data carry whatever the sender put in "data".
type Empty = json.RawMessage

var inbound = map[string]Decoder{
	TypeCreateEntityProgObj: shape[CreateProgObjData](),
	TypeCreateEntityGeomObj: shape[EntityData](),
	TypeCreateEntityAnchor:  shape[EntityData](),
	TypeUpdateEntity:        shape[EntityData](),
	TypeDelEntity:           shape[DeleteEntityData](),
	TypeClaimEntity:         shape[EntityControlData](),
	TypeReleaseEntity:       shape[EntityControlData](),
	TypeJoinRoomOK:          shape[RoomData](),
	TypeLeaveRoomOK:         shape[RoomData](),
	TypeJoinRoomError:       shape[RoomErrorData](),
	TypeLeaveRoomError:      shape[RoomErrorData](),
	TypePing:                shape[Empty](),
	TypeAudio:               shape[AudioData](),
	TypeFlushAudio:          shape[Empty](),
	TypeTranscript:          shape[TranscriptMsg](),
	TypeError:               shape[ErrorMsg](),
}

// Outbound shapes are only used by tools that read frames this client sent
// (the journal replayer and the mock server).
var outbound = map[string]Decoder{
	TypePong:          shape[string](),
	TypeJoinRoom:      shape[RoomData](),
	TypeLeaveRoom:     shape[RoomData](),
	TypeHeadPose:      shape[HeadPoseData](),
	TypePoses:         shape[PosesData](),
	TypeClaimEntity:   shape[EntityControlData](),
	TypeReleaseEntity: shape[EntityControlData](),
}

// PayloadFor returns the decoder for an inbound message type.
func PayloadFor(typ string) (Decoder, bool) {
	d, ok := inbound[typ]
	return d, ok
}

// OutboundPayloadFor returns the decoder for a client -> server message type.
func OutboundPayloadFor(typ string) (Decoder, bool) {
	d, ok := outbound[typ]
	return d, ok
}

func IsKnownType(typ string) bool {
	_, ok := inbound[typ]
	return ok
}

// KnownTypes lists inbound message types in lexical order.
func KnownTypes() []string {
	out := make([]string, 0, len(inbound))
	for k := range inbound {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Decode runs both decode phases on an inbound frame.
func Decode(b []byte) (string, any, error) {
	base, err := DecodeBase(b)
	if err != nil {
		return "", nil, err
	}
	if base.Type == "" {
		return "", nil, ErrMissingType
	}
	dec, ok := inbound[base.Type]
	if !ok {
		return base.Type, nil, fmt.Errorf("%w: %s", ErrUnknownType, base.Type)
	}
	data, err := dec(b)
	if err != nil {
		return base.Type, nil, fmt.Errorf("decode %s: %w", base.Type, err)
	}
	return base.Type, data, nil
}
