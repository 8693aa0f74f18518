package world

import (
	"errors"
	"fmt"
)

// ApplyEnvironment commits the driver's proposal for the end of the round and
// advances turn_count by one. The proposal is checked first; if any change is
// not allowed for the environment, or does not apply cleanly, the whole
// proposal is dropped and the returned driverErr says why. The turn still
// advances so the session never stalls on a bad driver.
func (s *State) ApplyEnvironment(proposal Delta) (d Delta, driverErr error, err error) {
	changes := proposal.Changes
	if driverErr = s.checkEnvironment(changes); driverErr != nil {
		changes = nil
	}

	d = Delta{
		Kind:     DeltaEnvironment,
		Origin:   OriginEnvironment,
		Changes:  append(append([]Change(nil), changes...), Change{Op: OpTurn, Turn: s.turn + 1}),
		Messages: append([]string(nil), proposal.Messages...),
	}
	if driverErr != nil {
		d.Messages = nil
	}
	if err := s.commit(&d); err != nil {
		return Delta{}, driverErr, err
	}
	return d, driverErr, nil
}

var errEnvironmentScope = errors.New("change outside environment scope")

// ErrNoSpace means no free tile was left to spawn on.
var ErrNoSpace = errors.New("no free tile")

// checkEnvironment dry-runs changes on a clone. The environment may move and
// spawn only AI-controlled entities, may damage anyone, and may never touch
// controllers or round accounting.
func (s *State) checkEnvironment(changes []Change) error {
	c := s.Clone()
	for i, ch := range changes {
		switch ch.Op {
		case OpRound, OpTurn, OpController, OpCooldown:
			return fmt.Errorf("change %d (%s): %w", i, ch.Op, errEnvironmentScope)
		case OpSpawn:
			if ch.Spawn == nil || ch.Spawn.Kind == KindHero || ch.Spawn.Controller != AISentinel {
				return fmt.Errorf("change %d: spawn must be a non-hero AI entity: %w", i, errEnvironmentScope)
			}
			if !c.Free(ch.Spawn.Pos) {
				return fmt.Errorf("change %d: spawn at %s is not free", i, ch.Spawn.Pos)
			}
		case OpMove, OpItem, OpRemaining:
			e := c.entities[ch.Entity]
			if e != nil && e.Controller != AISentinel {
				return fmt.Errorf("change %d (%s) on player entity %s: %w", i, ch.Op, ch.Entity, errEnvironmentScope)
			}
			if ch.Op == OpMove && ch.Pos != nil && !c.Free(*ch.Pos) {
				return fmt.Errorf("change %d: move of %s to %s is not free", i, ch.Entity, *ch.Pos)
			}
		case OpDespawn:
			if e := c.entities[ch.Entity]; e != nil && e.Kind == KindHero {
				return fmt.Errorf("change %d: despawn hero %s: %w", i, ch.Entity, errEnvironmentScope)
			}
		case OpHP:
			if e := c.entities[ch.Entity]; e != nil && (ch.Value < 0 || ch.Value > e.MaxHP) {
				return fmt.Errorf("change %d: hp %d out of range for %s", i, ch.Value, ch.Entity)
			}
		}
		if err := c.applyChange(ch); err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
	}
	return nil
}

// SpawnHero places a new hero for controller on the first free tile among
// candidates, falling back to the nearest free tile around the first one.
func (s *State) SpawnHero(name, controller string, hp int, stats Stats, candidates []Pos) (Delta, string, error) {
	pos, ok := s.freeNear(candidates)
	if !ok {
		return Delta{}, "", fmt.Errorf("spawn %s: %w", name, ErrNoSpace)
	}
	e := &Entity{
		ID:         s.peekEntityID(KindHero),
		Kind:       KindHero,
		Name:       name,
		Pos:        pos,
		HP:         hp,
		MaxHP:      hp,
		Stats:      stats,
		Controller: controller,
	}
	d := Delta{
		Kind:     DeltaSession,
		Origin:   controller,
		Changes:  []Change{{Op: OpSpawn, Spawn: e}},
		Messages: []string{fmt.Sprintf("%s enters the dungeon at %s", name, pos)},
	}
	if err := s.commit(&d); err != nil {
		return Delta{}, "", err
	}
	return d, e.ID, nil
}

// SetController hands entity id to controller (a participant id or AISentinel).
func (s *State) SetController(id, controller, message string) (Delta, error) {
	e := s.entities[id]
	if e == nil {
		return Delta{}, fmt.Errorf("set controller: unknown entity %q", id)
	}
	d := Delta{
		Kind:    DeltaSession,
		Origin:  controller,
		Changes: []Change{{Op: OpController, Entity: id, Controller: controller}},
	}
	if message != "" {
		d.Messages = []string{message}
	}
	if err := s.commit(&d); err != nil {
		return Delta{}, err
	}
	return d, nil
}

// RemoveEntity despawns id, e.g. when a participant's grace window expires
// under the remove policy.
func (s *State) RemoveEntity(id, message string) (Delta, error) {
	if s.entities[id] == nil {
		return Delta{}, fmt.Errorf("remove: unknown entity %q", id)
	}
	d := Delta{
		Kind:    DeltaSession,
		Changes: []Change{{Op: OpDespawn, Entity: id}},
	}
	if message != "" {
		d.Messages = []string{message}
	}
	if err := s.commit(&d); err != nil {
		return Delta{}, err
	}
	return d, nil
}

func (s *State) freeNear(candidates []Pos) (Pos, bool) {
	for _, p := range candidates {
		if s.Free(p) {
			return p, true
		}
	}
	origin := Pos{}
	if len(candidates) > 0 {
		origin = candidates[0]
	}
	ref := s.terrain.Ref()
	maxR := ref.Width
	if ref.Height > maxR {
		maxR = ref.Height
	}
	for r := 1; r <= maxR; r++ {
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				if abs(dx) != r && abs(dy) != r {
					continue
				}
				p := Pos{X: origin.X + dx, Y: origin.Y + dy}
				if s.Free(p) {
					return p, true
				}
			}
		}
	}
	return Pos{}, false
}
