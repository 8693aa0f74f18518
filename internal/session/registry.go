package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crawlparty.io/internal/sim/world"
)

// RegistryConfig bounds the registry as a whole; Base is the template every
// session config starts from.
type RegistryConfig struct {
	MaxSessions int
	// EmptyGrace is how long a session with no participants survives.
	EmptyGrace time.Duration
	// ReapInterval is how often Run scans for abandoned sessions.
	ReapInterval time.Duration
	Base         Config
}

// CreateOptions are the per-session choices the creator may make.
type CreateOptions struct {
	ActionsPerRound int
	Conflict        world.ConflictPolicy
	Seed            int64
}

// Registry maps session ids to running sessions.
type Registry struct {
	mu       sync.RWMutex
	cfg      RegistryConfig
	deps     Deps
	logger   *log.Logger
	sessions map[string]*Session
	// pending counts sessions being built outside mu.
	pending int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	created uint64
	reaped  uint64
	failed  uint64
}

func NewRegistry(cfg RegistryConfig, deps Deps) *Registry {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 64
	}
	if cfg.EmptyGrace <= 0 {
		cfg.EmptyGrace = 5 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	cfg.Base = cfg.Base.Normalize()
	if deps.Now == nil {
		deps.Now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		deps:     deps,
		logger:   log.New(logger.Writer(), "[registry] ", logger.Flags()),
		sessions: map[string]*Session{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Create starts a new session and joins name to it as host.
func (r *Registry) Create(name string, opts CreateOptions, out *Outbox) (*Session, JoinResult, error) {
	cfg := r.cfg.Base
	if opts.ActionsPerRound > 0 {
		cfg.ActionsPerRound = opts.ActionsPerRound
	}
	if opts.Conflict != "" {
		cfg.Rules.Conflict = opts.Conflict
	}

	id := uuid.New()
	cfg.Seed = opts.Seed
	if cfg.Seed == 0 {
		cfg.Seed = int64(binary.BigEndian.Uint64(id[:8]) >> 1)
	}
	if err := cfg.Validate(); err != nil {
		return nil, JoinResult{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	// A slot is reserved under mu; the world is built and recorded outside it.
	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return nil, JoinResult{}, ErrSessionGone
	}
	if len(r.sessions)+r.pending >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, JoinResult{}, fmt.Errorf("%w: server holds %d sessions", ErrSessionFull, r.cfg.MaxSessions)
	}
	r.pending++
	r.mu.Unlock()

	s, err := New(id.String(), cfg, r.deps)

	r.mu.Lock()
	r.pending--
	if err != nil {
		r.failed++
		r.mu.Unlock()
		return nil, JoinResult{}, err
	}
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		// Run once so the recorder sees the end.
		go func() { _ = s.Run(r.ctx) }()
		s.Close("server shutting down")
		return nil, JoinResult{}, ErrSessionGone
	}
	r.sessions[s.ID()] = s
	r.created++
	r.wg.Add(1)
	r.mu.Unlock()

	go r.run(s)
	r.logger.Printf("session %s created (k=%d conflict=%s seed=%d)", s.ID(), cfg.ActionsPerRound, cfg.Rules.Conflict, cfg.Seed)

	res, err := s.Join(name, out)
	if err != nil {
		s.Close("creator could not join")
		return nil, JoinResult{}, err
	}
	return s, res, nil
}

func (r *Registry) run(s *Session) {
	defer r.wg.Done()
	if err := s.Run(r.ctx); err != nil && r.ctx.Err() == nil {
		r.logger.Printf("session %s ended: %v", s.ID(), err)
	}
	r.mu.Lock()
	delete(r.sessions, s.ID())
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	s := r.sessions[strings.TrimSpace(id)]
	r.mu.RUnlock()
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Join adds name to an existing session.
func (r *Registry) Join(id, name string, out *Outbox) (*Session, JoinResult, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, JoinResult{}, err
	}
	res, err := s.Join(name, out)
	if err != nil {
		return nil, JoinResult{}, err
	}
	return s, res, nil
}

// Reconnect routes a credential to its session and re-binds the participant.
// sessionID may be empty; when given it must match the credential. A
// credential for a session that no longer exists fails with ErrSessionGone,
// never with a silent fresh start.
func (r *Registry) Reconnect(sessionID, token string, out *Outbox) (*Session, JoinResult, error) {
	if r.deps.Credentials == nil {
		return nil, JoinResult{}, fmt.Errorf("%w: reconnection disabled", ErrAuthFailed)
	}
	cred, err := r.deps.Credentials.Verify(token)
	if err != nil {
		return nil, JoinResult{}, err
	}
	if sessionID = strings.TrimSpace(sessionID); sessionID != "" && sessionID != cred.SessionID {
		return nil, JoinResult{}, fmt.Errorf("%w: credential is for another session", ErrAuthFailed)
	}
	s, err := r.Get(cred.SessionID)
	if err != nil {
		return nil, JoinResult{}, ErrSessionGone
	}
	res, err := s.Attach(token, out)
	if err != nil {
		return nil, JoinResult{}, err
	}
	return s, res, nil
}

func (r *Registry) Leave(id, pid string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	return s.Leave(pid)
}

// List returns a summary of every session, oldest first.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Summary())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Destroy ends a session and waits for it to finish.
func (r *Registry) Destroy(id, reason string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	s.Close(reason)
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	return nil
}

// Reap destroys sessions that have had no participants for longer than the
// empty grace. It returns the ids it destroyed.
func (r *Registry) Reap(now time.Time) []string {
	var victims []*Session
	r.mu.RLock()
	for _, s := range r.sessions {
		sum := s.Summary()
		if sum.Participants == 0 && !sum.EmptySince.IsZero() && now.Sub(sum.EmptySince) >= r.cfg.EmptyGrace {
			victims = append(victims, s)
		}
	}
	r.mu.RUnlock()

	ids := make([]string, 0, len(victims))
	for _, s := range victims {
		s.Close("abandoned")
		r.mu.Lock()
		delete(r.sessions, s.ID())
		r.reaped++
		r.mu.Unlock()
		ids = append(ids, s.ID())
		r.logger.Printf("reaped empty session %s", s.ID())
	}
	sort.Strings(ids)
	return ids
}

// Run reaps abandoned sessions until ctx is done, then closes the registry.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.ReapInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return ctx.Err()
		case <-r.ctx.Done():
			return nil
		case <-t.C:
			r.Reap(r.deps.Now())
		}
	}
}

// Close ends every session and waits for their goroutines.
func (r *Registry) Close() {
	r.mu.Lock()
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
}

// Metrics is an aggregate over the live sessions plus registry counters.
type Metrics struct {
	Sessions       int
	Lobby          int
	Active         int
	Paused         int
	Participants   int
	Connected      int
	Spectators     int
	Rounds         uint64
	Deltas         uint64
	DriverTimeouts uint64
	Created        uint64
	Reaped         uint64
	Failed         uint64
}

func (r *Registry) Metrics() Metrics {
	r.mu.RLock()
	m := Metrics{Created: r.created, Reaped: r.reaped, Failed: r.failed}
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		sum := s.Summary()
		m.Sessions++
		switch sum.Status {
		case StatusLobby:
			m.Lobby++
		case StatusActive:
			m.Active++
		}
		if sum.Paused {
			m.Paused++
		}
		m.Participants += sum.Participants
		m.Connected += sum.Connected
		m.Spectators += sum.Spectators
		m.Rounds += sum.Rounds
		m.Deltas += sum.Deltas
		m.DriverTimeouts += sum.DriverTimeouts
	}
	return m
}
