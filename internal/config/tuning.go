// Package config loads server tuning from configs/tuning.yaml and
// configs/recipes.json, then applies CRAWL_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"crawlparty.io/internal/session"
	"crawlparty.io/internal/sim/dungeon"
	"crawlparty.io/internal/sim/world"
	"crawlparty.io/internal/transport/ws"
)

const (
	TuningFile  = "tuning.yaml"
	RecipesFile = "recipes.json"

	maxActionsPerRound = 64
	maxParticipants    = 8
)

type Tuning struct {
	Session     SessionTuning     `yaml:"session"`
	Registry    RegistryTuning    `yaml:"registry"`
	Rules       RulesTuning       `yaml:"rules"`
	Hero        HeroTuning        `yaml:"hero"`
	Dungeon     DungeonTuning     `yaml:"dungeon"`
	Transport   TransportTuning   `yaml:"transport"`
	Credentials CredentialsTuning `yaml:"credentials"`
}

type SessionTuning struct {
	ActionsPerRound int           `yaml:"actions_per_round"`
	MaxParticipants int           `yaml:"max_participants"`
	Grace           time.Duration `yaml:"grace"`
	ResyncInterval  time.Duration `yaml:"resync_interval"`
	DriverTimeout   time.Duration `yaml:"driver_timeout"`
	OutboxSize      int           `yaml:"outbox_size"`
	ConflictPolicy  string        `yaml:"conflict_policy"`
	RemovalPolicy   string        `yaml:"removal_policy"`
}

type RegistryTuning struct {
	MaxSessions       int           `yaml:"max_sessions"`
	EmptySessionGrace time.Duration `yaml:"empty_session_grace"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
}

type RulesTuning struct {
	MoveRange   int            `yaml:"move_range"`
	AttackRange int            `yaml:"attack_range"`
	MineRange   int            `yaml:"mine_range"`
	Cooldowns   map[string]int `yaml:"cooldowns"`
}

type HeroTuning struct {
	HP      int `yaml:"hp"`
	Attack  int `yaml:"attack"`
	Defense int `yaml:"defense"`
	Mining  int `yaml:"mining"`
}

type DungeonTuning struct {
	Width    int `yaml:"width"`
	Height   int `yaml:"height"`
	Monsters int `yaml:"monster_count"`
	Ores     int `yaml:"ore_count"`
}

type TransportTuning struct {
	MaxProtocolErrors int           `yaml:"max_protocol_errors"`
	OutboxSize        int           `yaml:"outbox_size"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
}

type CredentialsTuning struct {
	TTL time.Duration `yaml:"ttl"`
}

func Defaults() Tuning {
	sc := session.DefaultConfig()
	tc := ws.DefaultConfig()
	cooldowns := map[string]int{}
	for k, v := range sc.Rules.Cooldowns {
		cooldowns[string(k)] = v
	}
	return Tuning{
		Session: SessionTuning{
			ActionsPerRound: sc.ActionsPerRound,
			MaxParticipants: sc.MaxParticipants,
			Grace:           sc.Grace,
			ResyncInterval:  sc.ResyncInterval,
			DriverTimeout:   sc.DriverTimeout,
			OutboxSize:      sc.OutboxSize,
			ConflictPolicy:  string(sc.Rules.Conflict),
			RemovalPolicy:   string(sc.Removal),
		},
		Registry: RegistryTuning{
			MaxSessions:       64,
			EmptySessionGrace: 60 * time.Second,
			ReapInterval:      15 * time.Second,
		},
		Rules: RulesTuning{
			MoveRange:   sc.Rules.MoveRange,
			AttackRange: sc.Rules.AttackRange,
			MineRange:   sc.Rules.MineRange,
			Cooldowns:   cooldowns,
		},
		Hero: HeroTuning{
			HP:      sc.Hero.HP,
			Attack:  sc.Hero.Stats.Attack,
			Defense: sc.Hero.Stats.Defense,
			Mining:  sc.Hero.Stats.Mining,
		},
		Dungeon: DungeonTuning{
			Width:    sc.Dungeon.Width,
			Height:   sc.Dungeon.Height,
			Monsters: sc.Dungeon.Monsters,
			Ores:     sc.Dungeon.Ores,
		},
		Transport: TransportTuning{
			MaxProtocolErrors: tc.MaxProtocolErrors,
			OutboxSize:        tc.OutboxSize,
			HandshakeTimeout:  tc.HandshakeTimeout,
			ReadTimeout:       tc.ReadTimeout,
			WriteTimeout:      tc.WriteTimeout,
			PingInterval:      tc.PingInterval,
		},
		Credentials: CredentialsTuning{TTL: 24 * time.Hour},
	}
}

// LoadTuning reads a tuning file over the defaults. A missing file yields the
// defaults; an empty path does too.
func LoadTuning(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		t.Normalize()
		return t, nil
	}
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(b, &t); err != nil {
		return t, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return t, nil
}

// Normalize fills zero values from the defaults and clamps ranges.
func (t *Tuning) Normalize() {
	def := Defaults()

	s := &t.Session
	if s.ActionsPerRound <= 0 {
		s.ActionsPerRound = def.Session.ActionsPerRound
	}
	if s.ActionsPerRound > maxActionsPerRound {
		s.ActionsPerRound = maxActionsPerRound
	}
	if s.MaxParticipants <= 0 {
		s.MaxParticipants = def.Session.MaxParticipants
	}
	if s.MaxParticipants > maxParticipants {
		s.MaxParticipants = maxParticipants
	}
	if s.Grace <= 0 {
		s.Grace = def.Session.Grace
	}
	if s.ResyncInterval <= 0 {
		s.ResyncInterval = def.Session.ResyncInterval
	}
	if s.DriverTimeout <= 0 {
		s.DriverTimeout = def.Session.DriverTimeout
	}
	if s.OutboxSize <= 0 {
		s.OutboxSize = def.Session.OutboxSize
	}
	s.ConflictPolicy = strings.ToLower(strings.TrimSpace(s.ConflictPolicy))
	if s.ConflictPolicy == "" {
		s.ConflictPolicy = def.Session.ConflictPolicy
	}
	s.RemovalPolicy = strings.ToLower(strings.TrimSpace(s.RemovalPolicy))
	if s.RemovalPolicy == "" {
		s.RemovalPolicy = def.Session.RemovalPolicy
	}

	r := &t.Registry
	if r.MaxSessions <= 0 {
		r.MaxSessions = def.Registry.MaxSessions
	}
	if r.EmptySessionGrace <= 0 {
		r.EmptySessionGrace = def.Registry.EmptySessionGrace
	}
	if r.ReapInterval <= 0 {
		r.ReapInterval = def.Registry.ReapInterval
	}

	if t.Rules.MoveRange <= 0 {
		t.Rules.MoveRange = def.Rules.MoveRange
	}
	if t.Rules.AttackRange <= 0 {
		t.Rules.AttackRange = def.Rules.AttackRange
	}
	if t.Rules.MineRange <= 0 {
		t.Rules.MineRange = def.Rules.MineRange
	}
	if t.Rules.Cooldowns == nil {
		t.Rules.Cooldowns = def.Rules.Cooldowns
	}

	if t.Hero.HP <= 0 {
		t.Hero = def.Hero
	}
	if t.Dungeon.Width <= 0 || t.Dungeon.Height <= 0 {
		t.Dungeon.Width, t.Dungeon.Height = def.Dungeon.Width, def.Dungeon.Height
	}
	if t.Dungeon.Monsters < 0 {
		t.Dungeon.Monsters = 0
	}
	if t.Dungeon.Ores < 0 {
		t.Dungeon.Ores = 0
	}

	tr := &t.Transport
	if tr.MaxProtocolErrors <= 0 {
		tr.MaxProtocolErrors = def.Transport.MaxProtocolErrors
	}
	if tr.OutboxSize <= 0 {
		tr.OutboxSize = def.Transport.OutboxSize
	}
	if tr.HandshakeTimeout <= 0 {
		tr.HandshakeTimeout = def.Transport.HandshakeTimeout
	}
	if tr.ReadTimeout <= 0 {
		tr.ReadTimeout = def.Transport.ReadTimeout
	}
	if tr.WriteTimeout <= 0 {
		tr.WriteTimeout = def.Transport.WriteTimeout
	}
	if tr.PingInterval <= 0 {
		tr.PingInterval = def.Transport.PingInterval
	}
	if tr.PingInterval >= tr.ReadTimeout {
		tr.PingInterval = tr.ReadTimeout / 2
	}

	if t.Credentials.TTL <= 0 {
		t.Credentials.TTL = def.Credentials.TTL
	}
}

func (t Tuning) Validate() error {
	switch world.ConflictPolicy(t.Session.ConflictPolicy) {
	case world.ConflictFIFO, world.ConflictPush:
	default:
		return fmt.Errorf("session.conflict_policy: unknown policy %q", t.Session.ConflictPolicy)
	}
	switch session.RemovalPolicy(t.Session.RemovalPolicy) {
	case session.RemoveToAI, session.RemoveEntity:
	default:
		return fmt.Errorf("session.removal_policy: unknown policy %q", t.Session.RemovalPolicy)
	}
	for k, v := range t.Rules.Cooldowns {
		switch world.ActionKind(k) {
		case world.ActMove, world.ActAttack, world.ActMine, world.ActCraft, world.ActWait:
		default:
			return fmt.Errorf("rules.cooldowns: unknown action %q", k)
		}
		if v < 0 {
			return fmt.Errorf("rules.cooldowns.%s: must be >= 0", k)
		}
	}
	if _, err := dungeon.Terrain(world.MapRef{ID: dungeon.GeneratorID, Width: t.Dungeon.Width, Height: t.Dungeon.Height}); err != nil {
		return fmt.Errorf("dungeon: %w", err)
	}
	return nil
}

// SessionConfig is the template every new session starts from.
func (t Tuning) SessionConfig(recipes map[string]world.Recipe) session.Config {
	cooldowns := make(map[world.ActionKind]int, len(t.Rules.Cooldowns))
	for k, v := range t.Rules.Cooldowns {
		cooldowns[world.ActionKind(k)] = v
	}
	return session.Config{
		ActionsPerRound: t.Session.ActionsPerRound,
		MaxParticipants: t.Session.MaxParticipants,
		Grace:           t.Session.Grace,
		ResyncInterval:  t.Session.ResyncInterval,
		DriverTimeout:   t.Session.DriverTimeout,
		OutboxSize:      t.Session.OutboxSize,
		Removal:         session.RemovalPolicy(t.Session.RemovalPolicy),
		Rules: world.Rules{
			MoveRange:   t.Rules.MoveRange,
			AttackRange: t.Rules.AttackRange,
			MineRange:   t.Rules.MineRange,
			Cooldowns:   cooldowns,
			Recipes:     recipes,
			Conflict:    world.ConflictPolicy(t.Session.ConflictPolicy),
		},
		Hero: session.HeroTemplate{
			HP:    t.Hero.HP,
			Stats: world.Stats{Attack: t.Hero.Attack, Defense: t.Hero.Defense, Mining: t.Hero.Mining},
		},
		Dungeon: dungeon.Config{
			Width:    t.Dungeon.Width,
			Height:   t.Dungeon.Height,
			Monsters: t.Dungeon.Monsters,
			Ores:     t.Dungeon.Ores,
		},
	}
}

func (t Tuning) RegistryConfig(recipes map[string]world.Recipe) session.RegistryConfig {
	return session.RegistryConfig{
		MaxSessions:  t.Registry.MaxSessions,
		EmptyGrace:   t.Registry.EmptySessionGrace,
		ReapInterval: t.Registry.ReapInterval,
		Base:         t.SessionConfig(recipes),
	}
}

func (t Tuning) TransportConfig(accessKey string) ws.Config {
	return ws.Config{
		AccessKey:         accessKey,
		MaxProtocolErrors: t.Transport.MaxProtocolErrors,
		OutboxSize:        t.Transport.OutboxSize,
		HandshakeTimeout:  t.Transport.HandshakeTimeout,
		ReadTimeout:       t.Transport.ReadTimeout,
		WriteTimeout:      t.Transport.WriteTimeout,
		PingInterval:      t.Transport.PingInterval,
	}
}
