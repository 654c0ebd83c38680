package table

import (
	"fmt"
	"slices"
	"time"
)

// Kind names an entity table.
type Kind string

const (
	KindToken   Kind = "token"
	KindCard    Kind = "card"
	KindFog     Kind = "fog"
	KindCounter Kind = "counter"
)

// PersistedKinds lists the kinds that live in the authoritative store.
var PersistedKinds = []Kind{KindToken, KindCard, KindFog}

// Persisted reports whether entities of this kind are written to the store.
// Counters only exist in each client's mirror.
func (k Kind) Persisted() bool {
	return k == KindToken || k == KindCard || k == KindFog
}

// ParseKind validates a kind received over the wire.
func ParseKind(raw string) (Kind, error) {
	k := Kind(raw)
	switch k {
	case KindToken, KindCard, KindFog, KindCounter:
		return k, nil
	}
	return "", fmt.Errorf("unknown entity kind %q", raw)
}

// Role represents a user's role.
type Role string

const (
	RoleGM     Role = "gm"
	RolePlayer Role = "player"
)

// Actor identifies the user performing an action.
type Actor struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// IsGM reports whether the actor holds the game master role.
func (a Actor) IsGM() bool { return a.Role == RoleGM }

// Position captures placement in world units.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Synced holds the fields every synchronized entity shares.
// An empty OwnerID means the entity is in the table pool.
type Synced struct {
	ID       string   `json:"id"`
	RoomID   string   `json:"roomId"`
	Position Position `json:"position"`
	ZOrder   int      `json:"zOrder"`
	OwnerID  string   `json:"ownerId,omitempty"`
}

// Held reports whether some user holds the entity.
func (s Synced) Held() bool { return s.OwnerID != "" }

// Entity is implemented by Token, Card, FogShape and Counter.
type Entity interface {
	Kind() Kind
	Meta() Synced
	WithMeta(Synced) Entity
}

// Token is a map token.
type Token struct {
	Synced
	Size        float64  `json:"size"`
	ImageRef    string   `json:"imageRef"`
	StatusFlags []string `json:"statusFlags"`
	Hidden      bool     `json:"hidden"`
}

func (Token) Kind() Kind                 { return KindToken }
func (t Token) Meta() Synced             { return t.Synced }
func (t Token) WithMeta(s Synced) Entity { t.Synced = s; return t }

// HasStatus reports whether flag is set on the token.
func (t Token) HasStatus(flag string) bool {
	return slices.Contains(t.StatusFlags, flag)
}

// ToggleStatus returns a copy of the token with flag flipped. Flags stay sorted
// so two clients toggling the same set produce identical rows.
func (t Token) ToggleStatus(flag string) Token {
	flags := make([]string, 0, len(t.StatusFlags)+1)
	found := false
	for _, f := range t.StatusFlags {
		if f == flag {
			found = true
			continue
		}
		flags = append(flags, f)
	}
	if !found {
		flags = append(flags, flag)
	}
	slices.Sort(flags)
	t.StatusFlags = flags
	return t
}

// Card is a playing card on the table or in a hand.
type Card struct {
	Synced
	FrontImageRef string `json:"frontImageRef"`
	BackImageRef  string `json:"backImageRef"`
	FaceUp        bool   `json:"faceUp"`
	Tapped        bool   `json:"tapped"`
}

func (Card) Kind() Kind                 { return KindCard }
func (c Card) Meta() Synced             { return c.Synced }
func (c Card) WithMeta(s Synced) Entity { c.Synced = s; return c }

// FogShape is one revealed polyline. Shapes are append-only.
type FogShape struct {
	Synced
	Points []Position `json:"points"`
	Width  float64    `json:"width"`
}

func (FogShape) Kind() Kind                 { return KindFog }
func (f FogShape) Meta() Synced             { return f.Synced }
func (f FogShape) WithMeta(s Synced) Entity { f.Synced = s; return f }

// Counter is a local-only scalar. It is lost on reload.
type Counter struct {
	Synced
	Label string `json:"label"`
	Value int    `json:"value"`
}

func (Counter) Kind() Kind                 { return KindCounter }
func (c Counter) Meta() Synced             { return c.Synced }
func (c Counter) WithMeta(s Synced) Entity { c.Synced = s; return c }

// VisibleTo reports whether viewer may see the private side of e: the face of a
// held card or a hidden token. The GM sees everything.
func VisibleTo(e Entity, viewer Actor) bool {
	if viewer.IsGM() {
		return true
	}
	switch v := e.(type) {
	case Card:
		if v.OwnerID != "" {
			return v.OwnerID == viewer.UserID
		}
		return v.FaceUp
	case Token:
		if v.Hidden {
			return v.OwnerID != "" && v.OwnerID == viewer.UserID
		}
	}
	return true
}

// Zone labels used by card placement.
const (
	ZoneHand    = "hand"
	ZoneDeck    = "deck"
	ZoneDiscard = "discard"
	ZoneFree    = "free"
)

// Zone is a circular drop area on the table.
type Zone struct {
	Label  string   `json:"label" yaml:"label"`
	Center Position `json:"center" yaml:"center"`
	Radius float64  `json:"radius" yaml:"radius"`
}

// Layout is the spatial configuration of a room.
type Layout struct {
	CellSize float64 `json:"cellSize" yaml:"cellSize"`
	Zones    []Zone  `json:"zones" yaml:"zones"`
}

// ZoneCenter returns the center of the first zone with label.
func (l Layout) ZoneCenter(label string) (Position, bool) {
	for _, z := range l.Zones {
		if z.Label == label {
			return z.Center, true
		}
	}
	return Position{}, false
}

// Room represents a shared table.
type Room struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	CreatedBy     string    `json:"createdBy"`
	CreatedAt     time.Time `json:"createdAt"`
	Layout        Layout    `json:"layout"`
	FogEnabled    bool      `json:"fogEnabled"`
	BackgroundRef string    `json:"backgroundRef"`
}

// RoomSettings is the mutable part of a room.
type RoomSettings struct {
	FogEnabled    bool   `json:"fogEnabled"`
	BackgroundRef string `json:"backgroundRef"`
}

// PresenceEntry is one user's ephemeral cursor. Position is in percent of the
// viewport, not world units.
type PresenceEntry struct {
	UserID       string    `json:"userId"`
	Color        string    `json:"color"`
	DisplayLabel string    `json:"displayLabel"`
	Position     Position  `json:"position"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
}

// Ping is a short-lived marker. ExpiresAt is assigned by the receiver.
type Ping struct {
	ID        string    `json:"id"`
	Position  Position  `json:"position"`
	Color     string    `json:"color"`
	TTLMillis int64     `json:"ttlMillis"`
	ExpiresAt time.Time `json:"-"`
}
