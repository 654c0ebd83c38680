package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"tablesync/internal/table"
)

var commonColumns = []string{"id", "room_id", "x", "y", "z_order", "owner_id"}

type kindSpec struct {
	table   string
	columns []string
}

var specs = map[table.Kind]kindSpec{
	table.KindToken: {table: "tokens", columns: []string{"size", "image_ref", "status_flags", "hidden"}},
	table.KindCard:  {table: "cards", columns: []string{"front_image_ref", "back_image_ref", "face_up", "tapped"}},
	table.KindFog:   {table: "fog_shapes", columns: []string{"points", "width"}},
}

func specFor(kind table.Kind) (kindSpec, error) {
	s, ok := specs[kind]
	if !ok {
		return kindSpec{}, fmt.Errorf("kind %q is not persisted", kind)
	}
	return s, nil
}

func (s kindSpec) allColumns() []string {
	return append(append([]string{}, commonColumns...), s.columns...)
}

func (s kindSpec) selectSQL(where string) string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(s.allColumns(), ", "), s.table, where)
}

func (s kindSpec) insertSQL() string {
	cols := s.allColumns()
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.table, strings.Join(cols, ", "), marks)
}

func (s kindSpec) updateSQL() string {
	cols := s.allColumns()[2:] // id and room_id never change
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	return fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND room_id = ?", s.table, strings.Join(sets, ", "))
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// rowValues returns the column values for e in allColumns order.
func rowValues(e table.Entity) ([]any, error) {
	m := e.Meta()
	vals := []any{m.ID, m.RoomID, m.Position.X, m.Position.Y, m.ZOrder, nullable(m.OwnerID)}
	switch v := e.(type) {
	case table.Token:
		flags := v.StatusFlags
		if flags == nil {
			flags = []string{}
		}
		raw, err := json.Marshal(flags)
		if err != nil {
			return nil, fmt.Errorf("encode status flags: %w", err)
		}
		vals = append(vals, v.Size, v.ImageRef, string(raw), v.Hidden)
	case table.Card:
		vals = append(vals, v.FrontImageRef, v.BackImageRef, v.FaceUp, v.Tapped)
	case table.FogShape:
		raw, err := json.Marshal(v.Points)
		if err != nil {
			return nil, fmt.Errorf("encode points: %w", err)
		}
		vals = append(vals, string(raw), v.Width)
	default:
		return nil, fmt.Errorf("kind %q is not persisted", e.Kind())
	}
	return vals, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(kind table.Kind, sc scanner) (table.Entity, error) {
	var (
		m     table.Synced
		owner sql.NullString
	)
	common := []any{&m.ID, &m.RoomID, &m.Position.X, &m.Position.Y, &m.ZOrder, &owner}

	switch kind {
	case table.KindToken:
		var (
			t     table.Token
			flags string
		)
		if err := sc.Scan(append(common, &t.Size, &t.ImageRef, &flags, &t.Hidden)...); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(flags), &t.StatusFlags); err != nil {
			return nil, fmt.Errorf("decode status flags of %s: %w", m.ID, err)
		}
		m.OwnerID = owner.String
		t.Synced = m
		return t, nil
	case table.KindCard:
		var c table.Card
		if err := sc.Scan(append(common, &c.FrontImageRef, &c.BackImageRef, &c.FaceUp, &c.Tapped)...); err != nil {
			return nil, err
		}
		m.OwnerID = owner.String
		c.Synced = m
		return c, nil
	case table.KindFog:
		var (
			f      table.FogShape
			points string
		)
		if err := sc.Scan(append(common, &points, &f.Width)...); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(points), &f.Points); err != nil {
			return nil, fmt.Errorf("decode points of %s: %w", m.ID, err)
		}
		m.OwnerID = owner.String
		f.Synced = m
		return f, nil
	}
	return nil, fmt.Errorf("kind %q is not persisted", kind)
}
