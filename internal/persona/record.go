package persona

import (
	"encoding/json"
	"fmt"
)

// Entity is a decoded persona record: exactly one of Persona or Micro is set.
type Entity struct {
	Persona *Definition
	Micro   *MicroDefinition
}

// ID returns the ID of whichever definition the entity holds.
func (e Entity) ID() string {
	switch {
	case e.Persona != nil:
		return e.Persona.ID
	case e.Micro != nil:
		return e.Micro.ID
	}
	return ""
}

// Validate validates whichever definition the entity holds.
func (e Entity) Validate() error {
	switch {
	case e.Persona != nil:
		return e.Persona.Validate()
	case e.Micro != nil:
		return e.Micro.Validate()
	}
	return fmt.Errorf("%w: empty entity", ErrMalformedRecord)
}

// microMarkers are the fields whose presence marks a micro-persona record.
var microMarkers = []string{"promptFragment", "parentPersonaId", "microTraits"}

// EncodeRecord serializes a persona or micro-persona as a JSON record.
func EncodeRecord(e Entity) ([]byte, error) {
	switch {
	case e.Persona != nil:
		return json.Marshal(e.Persona)
	case e.Micro != nil:
		return json.Marshal(e.Micro)
	}
	return nil, fmt.Errorf("%w: empty entity", ErrMalformedRecord)
}

// DecodeRecord parses a JSON record. Records are self-describing: any of
// promptFragment, parentPersonaId, or microTraits marks a micro-persona.
// The decoded entity is not validated.
func DecodeRecord(data []byte) (Entity, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return Entity{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	if _, ok := probe["id"]; !ok {
		return Entity{}, fmt.Errorf("%w: missing id", ErrMalformedRecord)
	}

	for _, key := range microMarkers {
		if _, ok := probe[key]; ok {
			var m MicroDefinition
			if err := json.Unmarshal(data, &m); err != nil {
				return Entity{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
			}
			return Entity{Micro: &m}, nil
		}
	}

	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return Entity{}, fmt.Errorf("%w: %w", ErrMalformedRecord, err)
	}
	return Entity{Persona: &d}, nil
}
