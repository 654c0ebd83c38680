package server

import (
	"context"
	"net/http"
	"strings"

	"tablesync/internal/table"
)

// Identity headers. Websocket clients that cannot set headers pass the same
// values as the user and role query parameters.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

type contextKey string

const actorContextKey contextKey = "actor"

// withActor attaches the caller's identity to the request. Reads may be
// anonymous; writes need a user id.
func (s *Server) withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := parseActor(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid role")
			return
		}
		if actor.UserID == "" && r.Method != http.MethodGet {
			writeError(w, http.StatusUnauthorized, "missing user")
			return
		}

		ctx := context.WithValue(r.Context(), actorContextKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func parseActor(r *http.Request) (table.Actor, bool) {
	user := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if user == "" {
		user = strings.TrimSpace(r.URL.Query().Get("user"))
	}
	role := r.Header.Get(HeaderUserRole)
	if role == "" {
		role = r.URL.Query().Get("role")
	}

	actor := table.Actor{UserID: user, Role: table.RolePlayer}
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "", string(table.RolePlayer):
	case string(table.RoleGM):
		actor.Role = table.RoleGM
	default:
		return table.Actor{}, false
	}
	return actor, true
}

func actorFromContext(ctx context.Context) table.Actor {
	if v := ctx.Value(actorContextKey); v != nil {
		if a, ok := v.(table.Actor); ok {
			return a
		}
	}
	return table.Actor{Role: table.RolePlayer}
}

// canActAsGM reports whether actor may use GM privileges in room. Only the
// creator can claim the role once a room has one.
func canActAsGM(room table.Room, actor table.Actor) bool {
	if !actor.IsGM() {
		return false
	}
	return room.CreatedBy == "" || room.CreatedBy == actor.UserID
}
