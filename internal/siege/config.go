package siege

import (
	"errors"
	"fmt"
	"time"
)

// Default siege configuration.
const (
	DefaultMinAttackers           = 3
	DefaultMinDefenderOnlineRatio = 0.30
	DefaultSiegeDuration          = 60 * time.Minute
	DefaultLootDuration           = 15 * time.Minute
	DefaultCooldown               = 24 * time.Hour
	DefaultSiegeCost              = 1000.0
	DefaultCurrency               = "coins"
	DefaultLootPercentage         = 0.5
	DefaultBackendTimeout         = 2 * time.Second
	DefaultMarkerRate             = 0.2 // placements per second per player
	DefaultMarkerBurst            = 2
)

// Config holds siege rules.
type Config struct {
	MinAttackers           int           // Online attackers required (default 3)
	MinDefenderOnlineRatio float64       // Online share of defenders required (default 0.30)
	SiegeDuration          time.Duration // Active phase length
	LootDuration           time.Duration // Loot phase length
	Cooldown               time.Duration // No-repeat window between the same two territories
	SiegeCost              float64       // Charged to the attacker territory at start
	Currency               string
	LootPercentage         float64       // Share of defender balance paid out on success
	BackendTimeout         time.Duration // Bound for each economy/protection call
	MarkerRate             float64       // Attack marker placements per second per player, 0 = unlimited
	MarkerBurst            int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinAttackers:           DefaultMinAttackers,
		MinDefenderOnlineRatio: DefaultMinDefenderOnlineRatio,
		SiegeDuration:          DefaultSiegeDuration,
		LootDuration:           DefaultLootDuration,
		Cooldown:               DefaultCooldown,
		SiegeCost:              DefaultSiegeCost,
		Currency:               DefaultCurrency,
		LootPercentage:         DefaultLootPercentage,
		BackendTimeout:         DefaultBackendTimeout,
		MarkerRate:             DefaultMarkerRate,
		MarkerBurst:            DefaultMarkerBurst,
	}
}

// Validate checks the configuration for out-of-range values.
func (c Config) Validate() error {
	var errs []error
	if c.MinAttackers < 1 {
		errs = append(errs, fmt.Errorf("min attackers must be >= 1, got %d", c.MinAttackers))
	}
	if c.MinDefenderOnlineRatio < 0 || c.MinDefenderOnlineRatio > 1 {
		errs = append(errs, fmt.Errorf("min defender online ratio must be in [0,1], got %v", c.MinDefenderOnlineRatio))
	}
	if c.SiegeDuration <= 0 {
		errs = append(errs, errors.New("siege duration must be positive"))
	}
	if c.LootDuration <= 0 {
		errs = append(errs, errors.New("loot duration must be positive"))
	}
	if c.Cooldown < 0 {
		errs = append(errs, errors.New("cooldown must not be negative"))
	}
	if c.SiegeCost < 0 {
		errs = append(errs, errors.New("siege cost must not be negative"))
	}
	if c.Currency == "" {
		errs = append(errs, errors.New("currency must be set"))
	}
	if c.LootPercentage < 0 || c.LootPercentage > 1 {
		errs = append(errs, fmt.Errorf("loot percentage must be in [0,1], got %v", c.LootPercentage))
	}
	if c.MarkerRate < 0 {
		errs = append(errs, errors.New("marker rate must not be negative"))
	}
	return errors.Join(errs...)
}
