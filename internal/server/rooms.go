package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"tablesync/internal/table"
)

const maxRoomNameLength = 100

type createRoomRequest struct {
	Name   string        `json:"name"`
	Layout *table.Layout `json:"layout,omitempty"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var payload createRoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	payload.Name = strings.TrimSpace(payload.Name)
	if payload.Name == "" {
		payload.Name = "Untitled"
	}
	if len(payload.Name) > maxRoomNameLength {
		writeError(w, http.StatusBadRequest, "room name too long")
		return
	}

	room := table.Room{
		Name:      payload.Name,
		CreatedBy: actorFromContext(r.Context()).UserID,
		Layout:    s.layout,
	}
	if payload.Layout != nil {
		room.Layout = *payload.Layout
	}

	created, err := s.store.CreateRoom(r.Context(), room)
	if err != nil {
		s.writeStoreError(w, "create room", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := s.loadRoom(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	room, ok := s.loadRoom(w, r)
	if !ok {
		return
	}
	if !canActAsGM(room, actorFromContext(r.Context())) {
		writeError(w, http.StatusForbidden, "only the room creator can change settings")
		return
	}

	var settings table.RoomSettings
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := s.store.UpdateRoom(r.Context(), room.ID, settings); err != nil {
		s.writeStoreError(w, "update room", err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	room, ok := s.loadRoom(w, r)
	if !ok {
		return
	}
	snap, err := s.store.Snapshot(r.Context(), room.ID)
	if err != nil {
		s.writeStoreError(w, "snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// entityKind resolves the {kind} path variable. Only persisted kinds have
// routes; counters never reach the server.
func entityKind(w http.ResponseWriter, r *http.Request) (table.Kind, bool) {
	kind, err := table.ParseKind(mux.Vars(r)["kind"])
	if err != nil || !kind.Persisted() {
		writeError(w, http.StatusBadRequest, "unknown entity kind")
		return "", false
	}
	return kind, true
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	return raw, true
}

// claimRoom assigns rows without a room to roomID and rejects rows that name
// another one.
func claimRoom(rows []table.Entity, roomID string) ([]table.Entity, bool) {
	out := make([]table.Entity, 0, len(rows))
	for _, row := range rows {
		meta := row.Meta()
		switch meta.RoomID {
		case "":
			meta.RoomID = roomID
			row = row.WithMeta(meta)
		case roomID:
		default:
			return nil, false
		}
		out = append(out, row)
	}
	return out, true
}

// Fog shapes are only appended or cleared for the whole room.
const errFogAppendOnly = "fog shapes are append-only"

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	room, ok := s.loadRoom(w, r)
	if !ok {
		return
	}
	kind, ok := entityKind(w, r)
	if !ok {
		return
	}
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}

	rows, err := table.DecodeEntities(kind, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusBadRequest, "no rows")
		return
	}
	rows, ok = claimRoom(rows, room.ID)
	if !ok {
		writeError(w, http.StatusBadRequest, "row belongs to another room")
		return
	}

	if err := s.store.Insert(r.Context(), kind, rows); err != nil {
		s.writeStoreError(w, "insert", err)
		return
	}
	writeJSON(w, http.StatusCreated, rows)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	room, ok := s.loadRoom(w, r)
	if !ok {
		return
	}
	kind, ok := entityKind(w, r)
	if !ok {
		return
	}
	if kind == table.KindFog {
		writeError(w, http.StatusMethodNotAllowed, errFogAppendOnly)
		return
	}
	raw, ok := s.readBody(w, r)
	if !ok {
		return
	}

	id := mux.Vars(r)["id"]
	row, err := table.DecodeEntity(kind, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if row.Meta().ID != id {
		writeError(w, http.StatusBadRequest, "row id does not match path")
		return
	}
	rows, ok := claimRoom([]table.Entity{row}, room.ID)
	if !ok {
		writeError(w, http.StatusBadRequest, "row belongs to another room")
		return
	}

	if err := s.store.Update(r.Context(), kind, id, rows[0]); err != nil {
		s.writeStoreError(w, "update", err)
		return
	}
	writeJSON(w, http.StatusOK, rows[0])
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	room, ok := s.loadRoom(w, r)
	if !ok {
		return
	}
	kind, ok := entityKind(w, r)
	if !ok {
		return
	}
	if kind == table.KindFog {
		writeError(w, http.StatusMethodNotAllowed, errFogAppendOnly)
		return
	}

	id := mux.Vars(r)["id"]
	existing, err := s.store.Get(r.Context(), kind, id)
	if err != nil {
		s.writeStoreError(w, "delete", err)
		return
	}
	if existing.Meta().RoomID != room.ID {
		writeError(w, http.StatusNotFound, "entity not found")
		return
	}
	if err := s.store.Delete(r.Context(), kind, id); err != nil {
		s.writeStoreError(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	room, ok := s.loadRoom(w, r)
	if !ok {
		return
	}
	kind, ok := entityKind(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteWhere(r.Context(), kind, room.ID); err != nil {
		s.writeStoreError(w, "delete all", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
