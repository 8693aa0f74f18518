// Package npc is the default environment driver. Once per round it moves
// monsters toward the nearest living hero and lets heroes under fallback
// control defend themselves.
package npc

import (
	"context"
	"fmt"
	"sort"

	"crawlparty.io/internal/sim/world"
)

type Driver struct {
	Formulas world.Formulas
	// Sight is the Chebyshev radius within which monsters notice heroes.
	Sight int
}

func New(f world.Formulas) *Driver {
	return &Driver{Formulas: f, Sight: 8}
}

// Step proposes the environment delta for st. st must be a private clone; it
// is only read.
func (d *Driver) Step(ctx context.Context, st *world.State) (world.Delta, error) {
	ents := st.Entities()
	s := &step{
		st:    st,
		byID:  map[string]*world.Entity{},
		solid: map[world.Pos]string{},
	}
	for i := range ents {
		e := &ents[i]
		s.byID[e.ID] = e
		if e.Solid() {
			s.solid[e.Pos] = e.ID
		}
	}

	for i := range ents {
		if err := ctx.Err(); err != nil {
			return world.Delta{}, err
		}
		e := &ents[i]
		if !e.Alive() || e.Controller != world.AISentinel {
			continue
		}
		var err error
		switch e.Kind {
		case world.KindMonster:
			err = d.monster(s, e)
		case world.KindHero:
			err = d.defend(s, e)
		}
		if err != nil {
			return world.Delta{}, err
		}
	}
	return world.Delta{
		Kind:     world.DeltaEnvironment,
		Origin:   world.OriginEnvironment,
		Changes:  s.changes,
		Messages: s.msgs,
	}, nil
}

type step struct {
	st      *world.State
	byID    map[string]*world.Entity
	solid   map[world.Pos]string
	changes []world.Change
	msgs    []string
}

func (s *step) free(p world.Pos) bool {
	if !s.st.Terrain().Walkable(p) {
		return false
	}
	_, taken := s.solid[p]
	return !taken
}

func (s *step) move(e *world.Entity, to world.Pos) {
	delete(s.solid, e.Pos)
	e.Pos = to
	s.solid[to] = e.ID
	dst := to
	s.changes = append(s.changes, world.Change{Op: world.OpMove, Entity: e.ID, Pos: &dst})
}

func (s *step) hit(d *Driver, attacker, target *world.Entity) error {
	atk, items := attacker.StatsFor()
	out, err := d.Formulas.Evaluate(atk, target.Stats, items, world.Attack{ActorID: attacker.ID, TargetID: target.ID})
	if err != nil {
		return fmt.Errorf("%s attacks %s: %w", attacker.ID, target.ID, err)
	}
	if !out.Hit || out.Damage <= 0 {
		s.msgs = append(s.msgs, fmt.Sprintf("%s misses %s", attacker.Name, target.Name))
		return nil
	}
	target.HP -= out.Damage
	if target.HP < 0 {
		target.HP = 0
	}
	s.changes = append(s.changes, world.Change{Op: world.OpHP, Entity: target.ID, Value: target.HP})
	s.msgs = append(s.msgs, fmt.Sprintf("%s hits %s for %d", attacker.Name, target.Name, out.Damage))
	if target.HP > 0 {
		return nil
	}
	delete(s.solid, target.Pos)
	if target.Kind == world.KindHero {
		s.msgs = append(s.msgs, fmt.Sprintf("%s falls", target.Name))
		return nil
	}
	s.changes = append(s.changes, world.Change{Op: world.OpDespawn, Entity: target.ID})
	s.msgs = append(s.msgs, fmt.Sprintf("%s is slain", target.Name))
	return nil
}

func (d *Driver) monster(s *step, m *world.Entity) error {
	target := s.nearest(m.Pos, world.KindHero, d.Sight)
	if target == nil {
		return nil
	}
	if world.Dist(m.Pos, target.Pos) <= 1 {
		return s.hit(d, m, target)
	}
	dir := world.Step(m.Pos, target.Pos)
	for _, try := range []world.Pos{dir, {X: dir.X}, {Y: dir.Y}} {
		if try == (world.Pos{}) {
			continue
		}
		next := m.Pos.Add(try)
		if s.free(next) {
			s.move(m, next)
			return nil
		}
	}
	return nil
}

// defend attacks an adjacent monster, otherwise holds position.
func (d *Driver) defend(s *step, h *world.Entity) error {
	target := s.nearest(h.Pos, world.KindMonster, 1)
	if target == nil {
		return nil
	}
	return s.hit(d, h, target)
}

// nearest returns the closest living entity of kind within radius, ties broken by id.
func (s *step) nearest(from world.Pos, kind world.EntityKind, radius int) *world.Entity {
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var best *world.Entity
	bestDist := radius + 1
	for _, id := range ids {
		e := s.byID[id]
		if e.Kind != kind || !e.Alive() {
			continue
		}
		if dist := world.Dist(from, e.Pos); dist < bestDist {
			best, bestDist = e, dist
		}
	}
	return best
}
