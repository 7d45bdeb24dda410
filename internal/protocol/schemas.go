package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBase = "mem://protocol/"

var schemaForType = map[string]string{
	TypeCreateEntityProgObj: "create_prog_obj.schema.json",
	TypeCreateEntityGeomObj: "entity.schema.json",
	TypeCreateEntityAnchor:  "entity.schema.json",
	TypeUpdateEntity:        "entity.schema.json",
	TypeDelEntity:           "entity_id.schema.json",
	TypeClaimEntity:         "entity_id.schema.json",
	TypeReleaseEntity:       "entity_id.schema.json",
	TypeJoinRoomOK:          "entity_id.schema.json",
	TypeLeaveRoomOK:         "entity_id.schema.json",
	TypeJoinRoomError:       "room_error.schema.json",
	TypeLeaveRoomError:      "room_error.schema.json",
	TypeAudio:               "audio.schema.json",
	TypeTranscript:          "message.schema.json",
	TypeError:               "message.schema.json",
}

// Schemas validates inbound frames against the embedded JSON schemas.
type Schemas struct {
	envelope *jsonschema.Schema
	byType   map[string]*jsonschema.Schema
}

func LoadSchemas() (*Schemas, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		b, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBase+e.Name(), bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", e.Name(), err)
		}
	}

	s := &Schemas{byType: map[string]*jsonschema.Schema{}}
	if s.envelope, err = c.Compile(schemaBase + "envelope.schema.json"); err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	compiled := map[string]*jsonschema.Schema{}
	for typ, name := range schemaForType {
		sch, ok := compiled[name]
		if !ok {
			sch, err = c.Compile(schemaBase + name)
			if err != nil {
				return nil, fmt.Errorf("compile %s: %w", name, err)
			}
			compiled[name] = sch
		}
		s.byType[typ] = sch
	}
	return s, nil
}

// Validate checks b against the envelope schema and, when one exists, the schema
// registered for typ. Types without a payload schema only need a valid envelope.
func (s *Schemas) Validate(typ string, b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if err := s.envelope.Validate(v); err != nil {
		return err
	}
	if sch := s.byType[typ]; sch != nil {
		if err := sch.Validate(v); err != nil {
			return fmt.Errorf("%s: %w", typ, err)
		}
	}
	return nil
}
