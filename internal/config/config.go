package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SiegeServer holds all configuration for the siege server.
type SiegeServer struct {
	LogLevel string `yaml:"log_level"` // debug, info, warn, error

	// Database
	Database DatabaseConfig `yaml:"database"`

	// Economy backend: "postgres" or "memory"
	Economy string `yaml:"economy"`

	// Game host bridge
	Bridge BridgeConfig `yaml:"bridge"`

	// Host loop
	QueueSize       int           `yaml:"queue_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Siege rules
	Siege SiegeRules `yaml:"siege"`

	// Settlements known at boot
	Towns []TownEntry `yaml:"towns"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// BridgeConfig is the WebSocket listener game hosts connect to.
type BridgeConfig struct {
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`
	Token      string `yaml:"token"` // shared secret, empty = no auth
	SendQueue  int    `yaml:"send_queue"`
}

// Addr returns host:port.
func (b BridgeConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.ListenHost, b.ListenPort)
}

// SiegeRules is the siege configuration surface, in operator-friendly units.
type SiegeRules struct {
	MinAttackers           int           `yaml:"min_attackers"`
	MinDefenderOnlineRatio float64       `yaml:"min_defender_online_ratio"`
	SiegeDurationMinutes   int           `yaml:"siege_duration_minutes"`
	LootDurationMinutes    int           `yaml:"loot_duration_minutes"`
	CooldownHours          int           `yaml:"cooldown_hours"`
	SiegeCost              float64       `yaml:"siege_cost"`
	Currency               string        `yaml:"currency"`
	LootPercentage         float64       `yaml:"loot_percentage"`
	BackendTimeout         time.Duration `yaml:"backend_timeout"`
	MarkerRate             float64       `yaml:"marker_rate"` // placements per second per player
	MarkerBurst            int           `yaml:"marker_burst"`
}

// TownEntry seeds a settlement and its bank.
type TownEntry struct {
	ID            string          `yaml:"id"`
	Name          string          `yaml:"name"`
	Owner         string          `yaml:"owner"`
	Members       []string        `yaml:"members"`
	World         string          `yaml:"world"`
	MinX          int32           `yaml:"min_x"`
	MinZ          int32           `yaml:"min_z"`
	MaxX          int32           `yaml:"max_x"`
	MaxZ          int32           `yaml:"max_z"`
	DefenseMarker *MarkerEntry    `yaml:"defense_marker"`
	Balance       float64         `yaml:"balance"`
	Flags         map[string]bool `yaml:"flags"`
}

// MarkerEntry is a block position.
type MarkerEntry struct {
	X int32 `yaml:"x"`
	Y int32 `yaml:"y"`
	Z int32 `yaml:"z"`
}

// DefaultSiegeRules returns the stock siege rules.
func DefaultSiegeRules() SiegeRules {
	return SiegeRules{
		MinAttackers:           3,
		MinDefenderOnlineRatio: 0.30,
		SiegeDurationMinutes:   60,
		LootDurationMinutes:    15,
		CooldownHours:          24,
		SiegeCost:              1000,
		Currency:               "coins",
		LootPercentage:         0.5,
		BackendTimeout:         2 * time.Second,
		MarkerRate:             0.2,
		MarkerBurst:            2,
	}
}

// DefaultSiegeServer returns SiegeServer config with sensible defaults.
func DefaultSiegeServer() SiegeServer {
	return SiegeServer{
		LogLevel:        "info",
		Economy:         "postgres",
		QueueSize:       1024,
		ShutdownTimeout: 10 * time.Second,
		Database: DatabaseConfig{
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "citysiege",
			Password: "citysiege",
			DBName:   "citysiege",
			SSLMode:  "disable",
		},
		Bridge: BridgeConfig{
			ListenHost: "127.0.0.1",
			ListenPort: 7780,
			SendQueue:  64,
		},
		Siege: DefaultSiegeRules(),
	}
}

// Validate checks values the siege core does not validate itself.
func (c SiegeServer) Validate() error {
	var errs []error
	switch c.Economy {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("economy must be postgres or memory, got %q", c.Economy))
	}
	if c.Bridge.ListenPort < 0 || c.Bridge.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("bridge listen_port out of range: %d", c.Bridge.ListenPort))
	}
	seen := make(map[string]struct{}, len(c.Towns))
	for i, t := range c.Towns {
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("towns[%d]: id is empty", i))
			continue
		}
		if _, ok := seen[t.ID]; ok {
			errs = append(errs, fmt.Errorf("towns[%d]: duplicate id %q", i, t.ID))
		}
		seen[t.ID] = struct{}{}
		if t.MinX > t.MaxX || t.MinZ > t.MaxZ {
			errs = append(errs, fmt.Errorf("towns[%d]: inverted bounds", i))
		}
	}
	return errors.Join(errs...)
}

// LoadSiegeServer loads siege server config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadSiegeServer(path string) (SiegeServer, error) {
	cfg := DefaultSiegeServer()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}
