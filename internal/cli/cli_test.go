package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tablesync/internal/mirror"
	"tablesync/internal/presence"
	"tablesync/internal/table"
)

func TestRootCommandWiring(t *testing.T) {
	root := NewRootCommand()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["create-room"])
	assert.True(t, names["watch"])
}

func TestWatchRequiresRoom(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"watch", "--user", "bob"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "room")
}

func TestActorValidation(t *testing.T) {
	opts := &RootOptions{User: "bob", Role: "gm"}
	actor, err := opts.actor()
	require.NoError(t, err)
	assert.True(t, actor.IsGM())

	opts.Role = "dragon"
	_, err = opts.actor()
	assert.Error(t, err)

	opts = &RootOptions{Role: "player"}
	_, err = opts.actor()
	assert.Error(t, err)
}

func TestServeFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("DB_PATH", "env.db")
	opts := &ServeOptions{RootOptions: &RootOptions{}, Port: "9000", Origins: "https://a.example, https://b.example"}
	cfg := opts.config()
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "env.db", cfg.DBPath)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestRenderTableRespectsVisibility(t *testing.T) {
	m := mirror.New()
	m.Upsert(table.Card{Synced: table.Synced{ID: "mine", OwnerID: "bob"}, FrontImageRef: "ace.png", BackImageRef: "back.png"})
	m.Upsert(table.Card{Synced: table.Synced{ID: "theirs", OwnerID: "carol", ZOrder: 1}, FrontImageRef: "king.png", BackImageRef: "back.png"})
	m.Upsert(table.Card{Synced: table.Synced{ID: "pool", ZOrder: 2}, FrontImageRef: "queen.png", BackImageRef: "back.png", FaceUp: true})
	m.Upsert(table.Token{Synced: table.Synced{ID: "orc", ZOrder: 3}, ImageRef: "orc.png", Hidden: true})
	m.Upsert(table.Counter{Synced: table.Synced{ID: "hp", ZOrder: 4}, Label: "HP", Value: 7})

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tracker := presence.NewTracker("bob", time.Minute, func() time.Time { return now })
	tracker.ApplyCursor(table.PresenceEntry{UserID: "carol", DisplayLabel: "Carol", Position: table.Position{X: 10, Y: 20}})

	var out bytes.Buffer
	renderTable(&out, table.Room{Name: "Tavern"}, m, tracker, table.Actor{UserID: "bob", Role: table.RolePlayer})
	text := out.String()

	assert.Contains(t, text, "== Tavern")
	assert.Contains(t, text, "ace.png held by bob")
	assert.NotContains(t, text, "king.png")
	assert.Contains(t, text, "back.png held by carol")
	assert.Contains(t, text, "queen.png")
	assert.NotContains(t, text, "orc.png")
	assert.Contains(t, text, "HP = 7")
	assert.Contains(t, text, "Carol")

	out.Reset()
	renderTable(&out, table.Room{Name: "Tavern"}, m, tracker, table.Actor{UserID: "alice", Role: table.RoleGM})
	assert.Contains(t, out.String(), "king.png held by carol")
	assert.Contains(t, out.String(), "orc.png hidden")
}
