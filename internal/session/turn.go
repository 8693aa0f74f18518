package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"crawlparty.io/internal/sim/world"
)

// Driver advances monsters and hazards once per round. It receives a private
// clone of the state and proposes a delta; the coordinator commits it.
type Driver interface {
	Step(ctx context.Context, st *world.State) (world.Delta, error)
}

type Phase string

const (
	PhaseAwaitingActions      Phase = "awaiting_actions"
	PhaseResolvingEnvironment Phase = "resolving_environment"
)

// Outcome is everything one submission produced, in commit order.
type Outcome struct {
	Result world.Result
	// Environment is set when this submission completed the round.
	Environment *world.Delta
	// DriverErr explains why the environment proposal was replaced by an empty one.
	DriverErr error
}

// Coordinator enforces "K accepted actions per round, then one environment
// step". It owns no goroutine; the session calls it from its single writer.
type Coordinator struct {
	k        int
	phase    Phase
	st       *world.State
	rules    world.Rules
	formulas world.Formulas
	driver   Driver
	timeout  time.Duration
	logger   *log.Logger

	rounds         uint64
	driverTimeouts uint64
}

func NewCoordinator(k int, st *world.State, rules world.Rules, f world.Formulas, d Driver, timeout time.Duration, logger *log.Logger) *Coordinator {
	if k < 1 {
		k = 1
	}
	return &Coordinator{
		k:        k,
		phase:    PhaseAwaitingActions,
		st:       st,
		rules:    rules,
		formulas: f,
		driver:   d,
		timeout:  timeout,
		logger:   logger,
	}
}

func (c *Coordinator) K() int       { return c.k }
func (c *Coordinator) Phase() Phase { return c.phase }

// Count is the number of accepted actions in the current round.
func (c *Coordinator) Count() int { return c.st.RoundActionCount() }

// Rounds is the number of environment steps resolved so far.
func (c *Coordinator) Rounds() uint64 { return c.rounds }

func (c *Coordinator) DriverTimeouts() uint64 { return c.driverTimeouts }

// Submit applies act for pid in receipt order. An accepted action that fills
// the round triggers the environment step before Submit returns, so no
// further player action can slip in between.
func (c *Coordinator) Submit(ctx context.Context, pid string, act world.Action) (Outcome, error) {
	if c.phase != PhaseAwaitingActions {
		return Outcome{}, fmt.Errorf("submit during %s", c.phase)
	}
	if c.st.RoundActionCount() >= c.k {
		return Outcome{}, fmt.Errorf("%w: round already holds %d of %d actions", world.ErrInvariant, c.st.RoundActionCount(), c.k)
	}

	res, err := world.Apply(c.st, c.rules, c.formulas, pid, act)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Result: res}
	if !res.Accepted() || c.st.RoundActionCount() < c.k {
		return out, nil
	}

	c.phase = PhaseResolvingEnvironment
	env, drvErr, err := c.resolve(ctx)
	c.phase = PhaseAwaitingActions
	if err != nil {
		return out, err
	}
	out.Environment = &env
	out.DriverErr = drvErr
	return out, nil
}

// resolve runs the driver on a clone with a deadline. A slow, failing or
// panicking driver yields an empty environment delta; the turn still advances.
func (c *Coordinator) resolve(ctx context.Context) (world.Delta, error, error) {
	var proposal world.Delta
	var drvErr error
	shutdown := false

	if c.driver != nil {
		type stepResult struct {
			d   world.Delta
			err error
		}
		clone := c.st.Clone()
		stepCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		ch := make(chan stepResult, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					ch <- stepResult{err: fmt.Errorf("driver panic: %v", r)}
				}
			}()
			d, err := c.driver.Step(stepCtx, clone)
			ch <- stepResult{d: d, err: err}
		}()

		select {
		case r := <-ch:
			proposal, drvErr = r.d, r.err
		case <-stepCtx.Done():
			if ctx.Err() != nil {
				// Parent cancelled: a shutdown, not a timeout.
				drvErr, shutdown = ctx.Err(), true
				break
			}
			drvErr = fmt.Errorf("%w after %s", ErrDriverTimeout, c.timeout)
			c.driverTimeouts++
		}
		if drvErr != nil {
			proposal = world.Delta{}
		}
	}

	d, scopeErr, err := c.st.ApplyEnvironment(proposal)
	if err != nil {
		return world.Delta{}, drvErr, err
	}
	if drvErr == nil {
		drvErr = scopeErr
	}
	if drvErr != nil && !shutdown && c.logger != nil {
		c.logger.Printf("WARN environment step for turn %d replaced by empty delta: %v", d.Turn, drvErr)
	}
	c.rounds++
	return d, drvErr, nil
}
