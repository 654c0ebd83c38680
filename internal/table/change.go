package table

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Change is a committed store mutation: one of Insert, Update or Delete.
type Change interface {
	Ref() Ref
	isChange()
}

// Ref addresses a single entity.
type Ref struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

// RefOf returns the reference of e.
func RefOf(e Entity) Ref { return Ref{Kind: e.Kind(), ID: e.Meta().ID} }

type Insert struct{ Entity Entity }

type Update struct {
	Entity Entity
	Old    Entity
}

type Delete struct {
	Target Ref
	Old    Entity
}

func (c Insert) Ref() Ref { return RefOf(c.Entity) }
func (c Update) Ref() Ref { return RefOf(c.Entity) }
func (c Delete) Ref() Ref { return c.Target }

func (Insert) isChange() {}
func (Update) isChange() {}
func (Delete) isChange() {}

// Event types on the wire.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

type wireChange struct {
	EventType string          `json:"eventType"`
	Kind      Kind            `json:"kind"`
	New       json.RawMessage `json:"new"`
	Old       json.RawMessage `json:"old"`
}

var jsonNull = json.RawMessage("null")

// MarshalChange encodes c in the change-stream wire shape.
func MarshalChange(c Change) ([]byte, error) {
	w := wireChange{Kind: c.Ref().Kind, New: jsonNull, Old: jsonNull}
	var err error
	switch v := c.(type) {
	case Insert:
		w.EventType = EventInsert
		w.New, err = json.Marshal(v.Entity)
	case Update:
		w.EventType = EventUpdate
		if w.New, err = json.Marshal(v.Entity); err == nil && v.Old != nil {
			w.Old, err = json.Marshal(v.Old)
		}
	case Delete:
		w.EventType = EventDelete
		if v.Old != nil {
			w.Old, err = json.Marshal(v.Old)
		} else {
			w.Old, err = json.Marshal(map[string]string{"id": v.Target.ID})
		}
	default:
		return nil, fmt.Errorf("unsupported change %T", c)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s row: %w", w.Kind, err)
	}
	return json.Marshal(w)
}

// UnmarshalChange decodes the change-stream wire shape.
func UnmarshalChange(data []byte) (Change, error) {
	var w wireChange
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode change: %w", err)
	}
	kind, err := ParseKind(string(w.Kind))
	if err != nil {
		return nil, err
	}

	switch w.EventType {
	case EventInsert, EventUpdate:
		if isNull(w.New) {
			return nil, fmt.Errorf("%s event without new row", w.EventType)
		}
		e, err := DecodeEntity(kind, w.New)
		if err != nil {
			return nil, err
		}
		if w.EventType == EventInsert {
			return Insert{Entity: e}, nil
		}
		u := Update{Entity: e}
		if !isNull(w.Old) {
			if u.Old, err = DecodeEntity(kind, w.Old); err != nil {
				return nil, err
			}
		}
		return u, nil
	case EventDelete:
		if isNull(w.Old) {
			return nil, fmt.Errorf("DELETE event without old row")
		}
		old, err := DecodeEntity(kind, w.Old)
		if err != nil {
			return nil, err
		}
		return Delete{Target: RefOf(old), Old: old}, nil
	}
	return nil, fmt.Errorf("unknown event type %q", w.EventType)
}

// DecodeEntity decodes one row of the given kind.
func DecodeEntity(kind Kind, raw []byte) (Entity, error) {
	var (
		e   Entity
		err error
	)
	switch kind {
	case KindToken:
		var t Token
		err = json.Unmarshal(raw, &t)
		e = t
	case KindCard:
		var c Card
		err = json.Unmarshal(raw, &c)
		e = c
	case KindFog:
		var f FogShape
		err = json.Unmarshal(raw, &f)
		e = f
	case KindCounter:
		var c Counter
		err = json.Unmarshal(raw, &c)
		e = c
	default:
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	if e.Meta().ID == "" {
		return nil, fmt.Errorf("decode %s: missing id", kind)
	}
	return e, nil
}

// DecodeEntities decodes a JSON array of rows of the given kind.
func DecodeEntities(kind Kind, raw []byte) ([]Entity, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode %s rows: %w", kind, err)
	}
	out := make([]Entity, 0, len(rows))
	for _, r := range rows {
		e, err := DecodeEntity(kind, r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, jsonNull)
}

// Snapshot is the full persisted state of a room.
type Snapshot struct {
	Tokens []Token    `json:"tokens"`
	Cards  []Card     `json:"cards"`
	Fog    []FogShape `json:"fog"`
}

// Entities flattens the snapshot.
func (s Snapshot) Entities() []Entity {
	out := make([]Entity, 0, len(s.Tokens)+len(s.Cards)+len(s.Fog))
	for _, t := range s.Tokens {
		out = append(out, t)
	}
	for _, c := range s.Cards {
		out = append(out, c)
	}
	for _, f := range s.Fog {
		out = append(out, f)
	}
	return out
}

// Add appends e to the slice for its kind. Counters are ignored.
func (s *Snapshot) Add(e Entity) {
	switch v := e.(type) {
	case Token:
		s.Tokens = append(s.Tokens, v)
	case Card:
		s.Cards = append(s.Cards, v)
	case FogShape:
		s.Fog = append(s.Fog, v)
	}
}
