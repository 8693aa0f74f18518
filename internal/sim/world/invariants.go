package world

import (
	"errors"
	"fmt"
)

// ErrInvariant marks a violated world invariant. Sessions treat it as fatal.
var ErrInvariant = errors.New("world invariant violated")

// CheckInvariants verifies the structural invariants of the state. isLive
// reports whether a participant id is currently a member of the session.
func (s *State) CheckInvariants(k int, isLive func(pid string) bool) error {
	if s.round < 0 || s.round > k {
		return fmt.Errorf("%w: round_action_count %d outside [0,%d]", ErrInvariant, s.round, k)
	}
	occupied := map[Pos]string{}
	for _, id := range s.sortedIDs() {
		e := s.entities[id]
		if e.ID != id {
			return fmt.Errorf("%w: entity keyed %s has id %s", ErrInvariant, id, e.ID)
		}
		switch {
		case e.Controller == AISentinel:
		case e.Kind != KindHero:
			return fmt.Errorf("%w: %s %s controlled by %q", ErrInvariant, e.Kind, id, e.Controller)
		case isLive == nil || !isLive(e.Controller):
			return fmt.Errorf("%w: %s controlled by unknown participant %q", ErrInvariant, id, e.Controller)
		}
		if !s.terrain.InBounds(e.Pos) {
			return fmt.Errorf("%w: %s out of bounds at %s", ErrInvariant, id, e.Pos)
		}
		if e.HP < 0 || e.HP > e.MaxHP {
			return fmt.Errorf("%w: %s hp %d outside [0,%d]", ErrInvariant, id, e.HP, e.MaxHP)
		}
		if e.Remaining < 0 {
			return fmt.Errorf("%w: %s remaining %d", ErrInvariant, id, e.Remaining)
		}
		if !e.Solid() {
			continue
		}
		if other, ok := occupied[e.Pos]; ok {
			return fmt.Errorf("%w: %s and %s share %s", ErrInvariant, other, id, e.Pos)
		}
		occupied[e.Pos] = id
	}
	return nil
}
