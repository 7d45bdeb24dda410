package protocol

import "testing"

func TestSchemas_ValidateSamples(t *testing.T) {
	s, err := LoadSchemas()
	if err != nil {
		t.Fatalf("LoadSchemas: %v", err)
	}
	for typ, raw := range samples {
		if err := s.Validate(typ, []byte(raw)); err != nil {
			t.Fatalf("%s: validate: %v", typ, err)
		}
	}
}

func TestSchemas_RejectInvalid(t *testing.T) {
	s, err := LoadSchemas()
	if err != nil {
		t.Fatalf("LoadSchemas: %v", err)
	}
	cases := []struct {
		typ string
		raw string
	}{
		{TypeUpdateEntity, `{"type":"UpdateEntity","data":{"pose":{}}}`},
		{TypeUpdateEntity, `{"type":"UpdateEntity","data":{"id":"e1","pose":{"position":{"x":"1"}}}}`},
		{TypeCreateEntityProgObj, `{"type":"CreateEntityProgObj","data":{"id":"e1"}}`},
		{TypeError, `{"type":"Error","data":{"message":7}}`},
		{TypePing, `{"data":{}}`},
	}
	for _, c := range cases {
		if err := s.Validate(c.typ, []byte(c.raw)); err == nil {
			t.Fatalf("expected %s to be rejected", c.raw)
		}
	}
}
