// Package store is the authoritative SQLite store. It holds one table per
// persisted entity kind and reports every committed row change to a Feed.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tablesync/internal/table"
)

// Feed receives committed changes, already ordered per row.
type Feed interface {
	Publish(roomID string, c table.Change)
}

// Store provides row-level access to rooms and their entities.
type Store struct {
	db   *sql.DB
	feed Feed

	// held from the start of a write until its changes are published so the
	// feed sees commits in order
	writeMu sync.Mutex
}

// Open creates or opens the database at path. feed may be nil.
func Open(path string, feed Feed) (*Store, error) {
	db, err := openDatabase(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, feed: feed}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) publish(roomID string, c table.Change) {
	if s.feed != nil {
		s.feed.Publish(roomID, c)
	}
}

// CreateRoom inserts a room, assigning an id and creation time when missing.
func (s *Store) CreateRoom(ctx context.Context, room table.Room) (table.Room, error) {
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now().UTC()
	}
	if room.Layout.Zones == nil {
		room.Layout.Zones = []table.Zone{}
	}
	zones, err := json.Marshal(room.Layout.Zones)
	if err != nil {
		return table.Room{}, fmt.Errorf("encode zones: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, created_by, created_at, cell_size, zones, fog_enabled, background_ref) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		room.ID, room.Name, room.CreatedBy, room.CreatedAt, room.Layout.CellSize, string(zones), room.FogEnabled, room.BackgroundRef)
	if err != nil {
		return table.Room{}, fmt.Errorf("insert room: %w", err)
	}
	return room, nil
}

// GetRoom loads a room by id.
func (s *Store) GetRoom(ctx context.Context, id string) (table.Room, error) {
	var (
		room  table.Room
		by    sql.NullString
		zones string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_by, created_at, cell_size, zones, fog_enabled, background_ref FROM rooms WHERE id = ?`, id).
		Scan(&room.ID, &room.Name, &by, &room.CreatedAt, &room.Layout.CellSize, &zones, &room.FogEnabled, &room.BackgroundRef)
	if errors.Is(err, sql.ErrNoRows) {
		return table.Room{}, table.ErrRoomNotFound
	}
	if err != nil {
		return table.Room{}, fmt.Errorf("load room: %w", err)
	}
	room.CreatedBy = by.String
	if err := json.Unmarshal([]byte(zones), &room.Layout.Zones); err != nil {
		return table.Room{}, fmt.Errorf("decode zones: %w", err)
	}
	return room, nil
}

// UpdateRoom replaces the mutable room settings.
func (s *Store) UpdateRoom(ctx context.Context, id string, settings table.RoomSettings) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET fog_enabled = ?, background_ref = ? WHERE id = ?`,
		settings.FogEnabled, settings.BackgroundRef, id)
	if err != nil {
		return fmt.Errorf("update room: %w", err)
	}
	return expectOne(res, table.ErrRoomNotFound)
}

// Insert writes each row on its own; a failure leaves earlier rows committed.
// Rows without an id get one. Every row must belong to an existing room.
func (s *Store) Insert(ctx context.Context, kind table.Kind, rows []table.Entity) error {
	spec, err := specFor(kind)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Kind() != kind {
			return fmt.Errorf("insert %s: got %s row", kind, row.Kind())
		}
		if row.Meta().ID == "" {
			meta := row.Meta()
			meta.ID = uuid.NewString()
			row = row.WithMeta(meta)
		}
		if err := s.insertRow(ctx, spec, row); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertRow(ctx context.Context, spec kindSpec, row table.Entity) error {
	vals, err := rowValues(row)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, spec.insertSQL(), vals...); err != nil {
		return fmt.Errorf("insert %s %s: %w", row.Kind(), row.Meta().ID, err)
	}
	s.publish(row.Meta().RoomID, table.Insert{Entity: row})
	return nil
}

// Update replaces row id wholesale. The row cannot move between rooms.
func (s *Store) Update(ctx context.Context, kind table.Kind, id string, row table.Entity) error {
	spec, err := specFor(kind)
	if err != nil {
		return err
	}
	meta := row.Meta()
	if row.Kind() != kind || meta.ID != id {
		return fmt.Errorf("update %s %s: row does not match target", kind, id)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	old, err := getRow(ctx, tx, spec, kind, id)
	if err != nil {
		return err
	}
	vals, err := rowValues(row)
	if err != nil {
		return err
	}
	args := append(vals[2:], id, meta.RoomID)
	res, err := tx.ExecContext(ctx, spec.updateSQL(), args...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	if err := expectOne(res, table.ErrNotFound); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	s.publish(meta.RoomID, table.Update{Entity: row, Old: old})
	return nil
}

// Delete removes a single row.
func (s *Store) Delete(ctx context.Context, kind table.Kind, id string) error {
	spec, err := specFor(kind)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	old, err := getRow(ctx, tx, spec, kind, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", spec.table), id); err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	s.publish(old.Meta().RoomID, table.Delete{Target: table.RefOf(old), Old: old})
	return nil
}

// DeleteWhere removes every row of kind in roomID in one transaction; either
// all rows go or none do.
func (s *Store) DeleteWhere(ctx context.Context, kind table.Kind, roomID string) error {
	spec, err := specFor(kind)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin bulk delete: %w", err)
	}
	defer tx.Rollback()

	old, err := queryRows(ctx, tx, spec, kind, "room_id = ?", roomID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE room_id = ?", spec.table), roomID); err != nil {
		return fmt.Errorf("bulk delete %s: %w", kind, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bulk delete: %w", err)
	}
	for _, e := range old {
		s.publish(roomID, table.Delete{Target: table.RefOf(e), Old: e})
	}
	return nil
}

// Get loads a single row.
func (s *Store) Get(ctx context.Context, kind table.Kind, id string) (table.Entity, error) {
	spec, err := specFor(kind)
	if err != nil {
		return nil, err
	}
	return getRow(ctx, s.db, spec, kind, id)
}

// Snapshot returns every persisted entity in roomID.
func (s *Store) Snapshot(ctx context.Context, roomID string) (table.Snapshot, error) {
	snap := table.Snapshot{Tokens: []table.Token{}, Cards: []table.Card{}, Fog: []table.FogShape{}}
	for _, kind := range table.PersistedKinds {
		spec, _ := specFor(kind)
		rows, err := queryRows(ctx, s.db, spec, kind, "room_id = ? ORDER BY z_order, id", roomID)
		if err != nil {
			return table.Snapshot{}, err
		}
		for _, e := range rows {
			snap.Add(e)
		}
	}
	return snap, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRow(ctx context.Context, q querier, spec kindSpec, kind table.Kind, id string) (table.Entity, error) {
	e, err := scanEntity(kind, q.QueryRowContext(ctx, spec.selectSQL("id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, table.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", kind, id, err)
	}
	return e, nil
}

func queryRows(ctx context.Context, q querier, spec kindSpec, kind table.Kind, where string, args ...any) ([]table.Entity, error) {
	rows, err := q.QueryContext(ctx, spec.selectSQL(where), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	defer rows.Close()

	var out []table.Entity
	for rows.Next() {
		e, err := scanEntity(kind, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
