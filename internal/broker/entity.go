// Package broker stores typed NGSI-LD style entities and implements
// create-or-merge-by-identity writes.
package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Attribute is the uniform attribute envelope ({"type","value"} or {"type","object"}).
type Attribute struct {
	Type   string `json:"type,omitempty"`
	Value  any    `json:"value,omitempty"`
	Object any    `json:"object,omitempty"`
}

// MarshalJSON always writes the value key of a property, null included, so
// an empty property keeps its envelope through repeated encodings.
func (a Attribute) MarshalJSON() ([]byte, error) {
	if a.Type == "Relationship" || (a.Value == nil && a.Object != nil) {
		return json.Marshal(struct {
			Type   string `json:"type,omitempty"`
			Object any    `json:"object"`
		}{a.Type, a.Object})
	}
	return json.Marshal(struct {
		Type  string `json:"type,omitempty"`
		Value any    `json:"value"`
	}{a.Type, a.Value})
}

// Property wraps a plain value.
func Property(v any) Attribute {
	return Attribute{Type: "Property", Value: v}
}

// Relationship wraps a reference to one or more entity ids.
func Relationship(object any) Attribute {
	return Attribute{Type: "Relationship", Object: object}
}

// payload returns the value or, for relationships, the object.
func (a Attribute) payload() any {
	if a.Value != nil {
		return a.Value
	}
	return a.Object
}

// Decode unmarshals the attribute payload into v.
func (a Attribute) Decode(v any) error {
	p := a.payload()
	if p == nil {
		return fmt.Errorf("attribute has no value")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// canonical returns a stable JSON encoding of the payload for identity comparison.
func (a Attribute) canonical() (string, bool) {
	p := a.payload()
	if p == nil {
		return "", false
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", false
	}
	// round-trip through any so numbers and key order normalise
	var norm any
	if err := json.Unmarshal(data, &norm); err != nil {
		return "", false
	}
	data, err = json.Marshal(norm)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Entity is a typed broker document.
type Entity struct {
	ID      string
	Type    string
	Context []string
	Attrs   map[string]Attribute
}

// NewEntity returns an entity with a fresh urn:ngsi-ld:<type>:<uuid> id.
func NewEntity(typ string) Entity {
	return Entity{
		ID:    NewID(typ),
		Type:  typ,
		Attrs: make(map[string]Attribute),
	}
}

// NewID returns a fresh entity id for typ.
func NewID(typ string) string {
	return "urn:ngsi-ld:" + typ + ":" + uuid.NewString()
}

// Set assigns an attribute and returns the entity for chaining.
func (e Entity) Set(name string, a Attribute) Entity {
	if e.Attrs == nil {
		e.Attrs = make(map[string]Attribute)
	}
	e.Attrs[name] = a
	return e
}

// Attr returns the named attribute.
func (e Entity) Attr(name string) (Attribute, bool) {
	a, ok := e.Attrs[name]
	return a, ok
}

// String decodes a string-valued attribute.
func (e Entity) String(name string) (string, bool) {
	a, ok := e.Attrs[name]
	if !ok {
		return "", false
	}
	var s string
	if err := a.Decode(&s); err != nil {
		return "", false
	}
	return s, true
}

// Clone returns a deep copy of the entity.
func (e Entity) Clone() Entity {
	data, err := json.Marshal(e)
	if err != nil {
		// attributes always hold JSON-compatible values
		panic(err)
	}
	var out Entity
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

// AttrNames returns the attribute names in sorted order.
func (e Entity) AttrNames() []string {
	names := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON writes the normalized NGSI-LD form.
func (e Entity) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(e.Attrs)+3)
	for k, v := range e.Attrs {
		doc[k] = v
	}
	doc["id"] = e.ID
	doc["type"] = e.Type
	if len(e.Context) > 0 {
		doc["@context"] = e.Context
	}
	return json.Marshal(doc)
}

// UnmarshalJSON reads the normalized NGSI-LD form. Bare (non-envelope)
// values are wrapped as properties.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	out := Entity{Attrs: make(map[string]Attribute, len(raw))}
	for k, v := range raw {
		switch k {
		case "id":
			if err := json.Unmarshal(v, &out.ID); err != nil {
				return fmt.Errorf("decoding id: %w", err)
			}
		case "type":
			if err := json.Unmarshal(v, &out.Type); err != nil {
				return fmt.Errorf("decoding type: %w", err)
			}
		case "@context":
			out.Context = decodeContext(v)
		default:
			out.Attrs[k] = decodeAttribute(v)
		}
	}
	*e = out
	return nil
}

func decodeContext(v json.RawMessage) []string {
	var list []string
	if err := json.Unmarshal(v, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(v, &one); err == nil {
		return []string{one}
	}
	return nil
}

func decodeAttribute(v json.RawMessage) Attribute {
	trimmed := bytes.TrimSpace(v)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var keys map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &keys); err == nil {
			_, hasValue := keys["value"]
			_, hasObject := keys["object"]
			if hasValue || hasObject {
				var a Attribute
				if err := json.Unmarshal(trimmed, &a); err == nil {
					return a
				}
			}
			if t, ok := envelopeType(keys); ok {
				return Attribute{Type: t}
			}
		}
	}
	var bare any
	_ = json.Unmarshal(trimmed, &bare)
	return Property(bare)
}

// envelopeType reports the type of an envelope that carries nothing but
// its type, such as {"type":"Property"}.
func envelopeType(keys map[string]json.RawMessage) (string, bool) {
	if len(keys) != 1 {
		return "", false
	}
	var t string
	if err := json.Unmarshal(keys["type"], &t); err != nil {
		return "", false
	}
	switch t {
	case "Property", "Relationship", "GeoProperty":
		return t, true
	}
	return "", false
}
