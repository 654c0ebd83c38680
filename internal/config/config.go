// Package config loads runtime settings from the environment and the default
// room layout from an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tablesync/internal/table"
)

// Config holds runtime configuration loaded from environment variables.
type Config struct {
	Port             string
	AllowedOrigins   []string
	DBPath           string
	MaxBodySize      int64
	LayoutFile       string
	PresenceTTL      time.Duration
	PingTTL          time.Duration
	SubscriberBuffer int
}

const (
	defaultPort             = "8080"
	defaultAllowedOrigin    = "*"
	defaultDBPath           = "data/tablesync.db"
	defaultMaxBodySize      = int64(1 << 20) // 1 MiB
	defaultPresenceTTL      = 10 * time.Second
	defaultPingTTL          = 2 * time.Second
	defaultSubscriberBuffer = 256
)

// LoadConfig builds a Config instance using environment variables when present.
func LoadConfig() Config {
	cfg := Config{
		Port:             getEnv("PORT", defaultPort),
		AllowedOrigins:   parseAllowedOrigins(getEnv("ALLOWED_ORIGINS", defaultAllowedOrigin)),
		DBPath:           getEnv("DB_PATH", defaultDBPath),
		MaxBodySize:      defaultMaxBodySize,
		LayoutFile:       os.Getenv("LAYOUT_FILE"),
		PresenceTTL:      defaultPresenceTTL,
		PingTTL:          defaultPingTTL,
		SubscriberBuffer: defaultSubscriberBuffer,
	}

	if raw := os.Getenv("MAX_BODY_SIZE"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 {
			cfg.MaxBodySize = v
		}
	}

	if raw := os.Getenv("SUBSCRIBER_BUFFER"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.SubscriberBuffer = v
		}
	}

	cfg.PresenceTTL = getDuration("PRESENCE_TTL", cfg.PresenceTTL)
	cfg.PingTTL = getDuration("PING_TTL", cfg.PingTTL)

	return cfg
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if raw := os.Getenv(key); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}

func parseAllowedOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	var origins []string
	for _, origin := range parts {
		trimmed := strings.TrimSpace(origin)
		if trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = []string{defaultAllowedOrigin}
	}
	return origins
}

// DefaultLayout is used for rooms created without an explicit layout.
func DefaultLayout() table.Layout {
	return table.Layout{
		CellSize: 50,
		Zones: []table.Zone{
			{Label: table.ZoneDeck, Center: table.Position{X: 200, Y: 200}, Radius: 60},
			{Label: table.ZoneDiscard, Center: table.Position{X: 400, Y: 200}, Radius: 60},
			{Label: table.ZoneHand, Center: table.Position{X: 800, Y: 1000}, Radius: 200},
		},
	}
}

// LoadLayout reads a layout from a YAML file. An empty path returns the
// default layout.
func LoadLayout(path string) (table.Layout, error) {
	if path == "" {
		return DefaultLayout(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return table.Layout{}, fmt.Errorf("read layout: %w", err)
	}
	var layout table.Layout
	if err := yaml.Unmarshal(raw, &layout); err != nil {
		return table.Layout{}, fmt.Errorf("parse layout %s: %w", path, err)
	}
	if layout.CellSize < 0 {
		return table.Layout{}, fmt.Errorf("layout %s: cellSize must not be negative", path)
	}
	for _, z := range layout.Zones {
		if z.Label == "" || z.Radius <= 0 {
			return table.Layout{}, fmt.Errorf("layout %s: zone needs a label and a positive radius", path)
		}
	}
	return layout, nil
}
