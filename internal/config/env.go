package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Env holds the CRAWL_* overrides. Zero values leave the tuning file alone.
type Env struct {
	ActionsPerRound int           `env:"CRAWL_ACTIONS_PER_ROUND"`
	MaxParticipants int           `env:"CRAWL_MAX_PARTICIPANTS"`
	MaxSessions     int           `env:"CRAWL_MAX_SESSIONS"`
	Grace           time.Duration `env:"CRAWL_GRACE"`
	ResyncInterval  time.Duration `env:"CRAWL_RESYNC_INTERVAL"`
	DriverTimeout   time.Duration `env:"CRAWL_DRIVER_TIMEOUT"`
	ConflictPolicy  string        `env:"CRAWL_CONFLICT_POLICY"`
	RemovalPolicy   string        `env:"CRAWL_REMOVAL_POLICY"`

	CredentialSecret string        `env:"CRAWL_CREDENTIAL_SECRET"`
	CredentialTTL    time.Duration `env:"CRAWL_CREDENTIAL_TTL"`
	AccessKey        string        `env:"CRAWL_ACCESS_KEY"`
}

// ParseEnv reads Env from the process environment, or from environ when it
// is non-nil.
func ParseEnv(environ map[string]string) (Env, error) {
	var e Env
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return e, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

func (e Env) apply(t *Tuning) {
	if e.ActionsPerRound > 0 {
		t.Session.ActionsPerRound = e.ActionsPerRound
	}
	if e.MaxParticipants > 0 {
		t.Session.MaxParticipants = e.MaxParticipants
	}
	if e.MaxSessions > 0 {
		t.Registry.MaxSessions = e.MaxSessions
	}
	if e.Grace > 0 {
		t.Session.Grace = e.Grace
	}
	if e.ResyncInterval > 0 {
		t.Session.ResyncInterval = e.ResyncInterval
	}
	if e.DriverTimeout > 0 {
		t.Session.DriverTimeout = e.DriverTimeout
	}
	if e.ConflictPolicy != "" {
		t.Session.ConflictPolicy = e.ConflictPolicy
	}
	if e.RemovalPolicy != "" {
		t.Session.RemovalPolicy = e.RemovalPolicy
	}
	if e.CredentialTTL > 0 {
		t.Credentials.TTL = e.CredentialTTL
	}
}

// Config is everything the server reads at startup.
type Config struct {
	Tuning  Tuning
	Recipes RecipeCatalog

	CredentialSecret string
	AccessKey        string
}

// Load reads tuning.yaml and recipes.json from dir, then applies environ
// (the process environment when nil).
func Load(dir string, environ map[string]string) (Config, error) {
	var cfg Config
	t, err := LoadTuning(filepath.Join(dir, TuningFile))
	if err != nil {
		return cfg, err
	}
	e, err := ParseEnv(environ)
	if err != nil {
		return cfg, err
	}
	e.apply(&t)
	t.Normalize()
	if err := t.Validate(); err != nil {
		return cfg, fmt.Errorf("environment overrides: %w", err)
	}
	recipes, err := LoadRecipes(filepath.Join(dir, RecipesFile))
	if err != nil {
		return cfg, err
	}
	cfg.Tuning = t
	cfg.Recipes = recipes
	cfg.CredentialSecret = e.CredentialSecret
	cfg.AccessKey = e.AccessKey
	return cfg, nil
}
