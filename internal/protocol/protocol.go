package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message types (server -> client).
const (
	TypeCreateEntityProgObj = "CreateEntityProgObj"
	TypeCreateEntityGeomObj = "CreateEntityGeomObj"
	TypeCreateEntityAnchor  = "CreateEntityAnchor"
	TypeUpdateEntity        = "UpdateEntity"
	TypeDelEntity           = "DelEntity"
	TypeClaimEntity         = "ClaimEntity"
	TypeReleaseEntity       = "ReleaseEntity"
	TypeJoinRoomOK          = "JoinRoomOK"
	TypeLeaveRoomOK         = "LeaveRoomOK"
	TypeJoinRoomError       = "JoinRoomError"
	TypeLeaveRoomError      = "LeaveRoomError"
	TypePing                = "Ping"
	TypeAudio               = "Audio"
	TypeFlushAudio          = "FlushAudio"
	TypeTranscript          = "Transcript"
	TypeError               = "Error"
)

// Message types (client -> server).
const (
	TypePong      = "Pong"
	TypeJoinRoom  = "JoinRoom"
	TypeLeaveRoom = "LeaveRoom"
	TypeHeadPose  = "HeadPose"
	TypePoses     = "Poses"
)

// BaseMessage is the peek form used to route a frame before its payload shape is known.
type BaseMessage struct {
	Type string `json:"type"`
}

// Envelope is the wire unit for every message.
type Envelope[T any] struct {
	Type string `json:"type"`
	Data T      `json:"data"`
}

var (
	ErrMissingType = errors.New("protocol: missing type")
	ErrUnknownType = errors.New("protocol: unknown type")
)

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}

// Encode wraps data in an envelope of the given type.
func Encode[T any](typ string, data T) ([]byte, error) {
	if typ == "" {
		return nil, ErrMissingType
	}
	b, err := json.Marshal(Envelope[T]{Type: typ, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return b, nil
}

// DecodeEnvelope decodes b as a full envelope with payload shape T.
func DecodeEnvelope[T any](b []byte) (Envelope[T], error) {
	var env Envelope[T]
	if err := json.Unmarshal(b, &env); err != nil {
		return env, err
	}
	return env, nil
}
