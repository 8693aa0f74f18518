package session

import (
	"fmt"
	"time"

	"crawlparty.io/internal/sim/dungeon"
	"crawlparty.io/internal/sim/world"
)

type RemovalPolicy string

const (
	// RemoveToAI leaves the entity in the world under permanent AI control.
	RemoveToAI RemovalPolicy = "ai"
	// RemoveEntity despawns the entity when its participant is removed.
	RemoveEntity RemovalPolicy = "remove"
)

// HeroTemplate is what every joining participant spawns as.
type HeroTemplate struct {
	HP    int
	Stats world.Stats
}

// Config is fixed for the life of a session.
type Config struct {
	ActionsPerRound int
	MaxParticipants int

	Grace          time.Duration
	ResyncInterval time.Duration
	DriverTimeout  time.Duration
	OutboxSize     int

	Removal RemovalPolicy
	Rules   world.Rules
	Hero    HeroTemplate
	Dungeon dungeon.Config
	Seed    int64
}

func DefaultConfig() Config {
	return Config{
		ActionsPerRound: 4,
		MaxParticipants: 8,
		Grace:           120 * time.Second,
		ResyncInterval:  10 * time.Second,
		DriverTimeout:   2 * time.Second,
		OutboxSize:      64,
		Removal:         RemoveToAI,
		Rules:           world.DefaultRules(),
		Hero:            HeroTemplate{HP: 12, Stats: world.Stats{Attack: 3, Defense: 1, Mining: 1}},
		Dungeon:         dungeon.DefaultConfig(),
	}
}

// Normalize fills zero values from the defaults.
func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.ActionsPerRound <= 0 {
		c.ActionsPerRound = def.ActionsPerRound
	}
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = def.MaxParticipants
	}
	if c.Grace <= 0 {
		c.Grace = def.Grace
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = def.ResyncInterval
	}
	if c.DriverTimeout <= 0 {
		c.DriverTimeout = def.DriverTimeout
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = def.OutboxSize
	}
	if c.Removal == "" {
		c.Removal = def.Removal
	}
	if c.Rules.Conflict == "" {
		c.Rules.Conflict = world.ConflictFIFO
	}
	if c.Rules.MoveRange <= 0 {
		c.Rules.MoveRange = def.Rules.MoveRange
	}
	if c.Rules.AttackRange <= 0 {
		c.Rules.AttackRange = def.Rules.AttackRange
	}
	if c.Rules.MineRange <= 0 {
		c.Rules.MineRange = def.Rules.MineRange
	}
	if c.Hero.HP <= 0 {
		c.Hero = def.Hero
	}
	if c.Dungeon.Width <= 0 || c.Dungeon.Height <= 0 {
		c.Dungeon = def.Dungeon
	}
	return c
}

func (c Config) Validate() error {
	if c.ActionsPerRound < 1 {
		return fmt.Errorf("actions_per_round must be >= 1")
	}
	if c.MaxParticipants < 1 {
		return fmt.Errorf("max_participants must be >= 1")
	}
	switch c.Rules.Conflict {
	case world.ConflictFIFO, world.ConflictPush:
	default:
		return fmt.Errorf("unknown conflict policy %q", c.Rules.Conflict)
	}
	switch c.Removal {
	case RemoveToAI, RemoveEntity:
	default:
		return fmt.Errorf("unknown removal policy %q", c.Removal)
	}
	return nil
}
