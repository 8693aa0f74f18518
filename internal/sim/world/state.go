package world

import (
	"fmt"
	"sort"
	"strconv"
)

// State is the authoritative world of one session. It is not safe for
// concurrent use; the owning session goroutine is its only writer. Readers on
// other goroutines must work on a Clone.
type State struct {
	turn  uint64
	round int
	seq   uint64

	entities   map[string]*Entity
	terrain    Terrain
	nextEntity uint64
}

// Snapshot is the full serializable view sent to clients as "state".
type Snapshot struct {
	Seq              uint64   `json:"seq"`
	TurnCount        uint64   `json:"turn_count"`
	RoundActionCount int      `json:"round_action_count"`
	Map              MapRef   `json:"map"`
	Entities         []Entity `json:"entities"`
	NextEntity       uint64   `json:"next_entity"`
}

// New builds the initial state from a generator layout.
func New(layout Layout) (*State, error) {
	if layout.Terrain == nil {
		return nil, fmt.Errorf("layout has no terrain")
	}
	s := &State{
		entities: map[string]*Entity{},
		terrain:  layout.Terrain,
	}
	for _, p := range layout.Placements {
		if !s.terrain.Walkable(p.Pos) {
			return nil, fmt.Errorf("placement %s at %s is not walkable", p.Name, p.Pos)
		}
		if occ := s.OccupantAt(p.Pos); occ != nil {
			return nil, fmt.Errorf("placement %s at %s overlaps %s", p.Name, p.Pos, occ.ID)
		}
		e := &Entity{
			ID:         s.newEntityID(p.Kind),
			Kind:       p.Kind,
			Name:       p.Name,
			Pos:        p.Pos,
			HP:         p.HP,
			MaxHP:      p.HP,
			Stats:      p.Stats,
			Controller: AISentinel,
			Remaining:  p.Remaining,
		}
		s.entities[e.ID] = e
	}
	return s, nil
}

// FromSnapshot restores a state. The terrain must be the one the snapshot's map ref names.
func FromSnapshot(snap Snapshot, terrain Terrain) (*State, error) {
	if terrain == nil {
		return nil, fmt.Errorf("nil terrain")
	}
	if terrain.Ref() != snap.Map {
		return nil, fmt.Errorf("terrain %+v does not match snapshot map %+v", terrain.Ref(), snap.Map)
	}
	s := &State{
		turn:       snap.TurnCount,
		round:      snap.RoundActionCount,
		seq:        snap.Seq,
		entities:   make(map[string]*Entity, len(snap.Entities)),
		terrain:    terrain,
		nextEntity: snap.NextEntity,
	}
	for i := range snap.Entities {
		e := snap.Entities[i]
		s.entities[e.ID] = e.clone()
	}
	return s, nil
}

func (s *State) TurnCount() uint64     { return s.turn }
func (s *State) RoundActionCount() int { return s.round }
func (s *State) Seq() uint64           { return s.seq }
func (s *State) Terrain() Terrain      { return s.terrain }

// Entity returns a copy of the entity with the given id.
func (s *State) Entity(id string) (Entity, bool) {
	e := s.entities[id]
	if e == nil {
		return Entity{}, false
	}
	return *e.clone(), true
}

// Entities returns copies of all entities ordered by id.
func (s *State) Entities() []Entity {
	out := make([]Entity, 0, len(s.entities))
	for _, id := range s.sortedIDs() {
		out = append(out, *s.entities[id].clone())
	}
	return out
}

// ControlledBy returns the ids of entities whose controller is the given id.
func (s *State) ControlledBy(controller string) []string {
	var out []string
	for _, id := range s.sortedIDs() {
		if s.entities[id].Controller == controller {
			out = append(out, id)
		}
	}
	return out
}

// PartyWiped reports whether heroes exist and none of them is alive.
func (s *State) PartyWiped() bool {
	heroes := 0
	for _, e := range s.entities {
		if e.Kind != KindHero {
			continue
		}
		if e.Alive() {
			return false
		}
		heroes++
	}
	return heroes > 0
}

// OccupantAt returns the solid entity standing on p, if any.
func (s *State) OccupantAt(p Pos) *Entity {
	for _, id := range s.sortedIDs() {
		e := s.entities[id]
		if e.Pos == p && e.Solid() {
			return e.clone()
		}
	}
	return nil
}

// Free reports whether p is walkable and unoccupied.
func (s *State) Free(p Pos) bool {
	return s.terrain.InBounds(p) && s.terrain.Walkable(p) && s.OccupantAt(p) == nil
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Seq:              s.seq,
		TurnCount:        s.turn,
		RoundActionCount: s.round,
		Map:              s.terrain.Ref(),
		Entities:         s.Entities(),
		NextEntity:       s.nextEntity,
	}
}

// Clone returns an independent copy sharing only the immutable terrain.
func (s *State) Clone() *State {
	c := &State{
		turn:       s.turn,
		round:      s.round,
		seq:        s.seq,
		entities:   make(map[string]*Entity, len(s.entities)),
		terrain:    s.terrain,
		nextEntity: s.nextEntity,
	}
	for id, e := range s.entities {
		c.entities[id] = e.clone()
	}
	return c
}

func (s *State) sortedIDs() []string {
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *State) newEntityID(kind EntityKind) string {
	s.nextEntity++
	prefix := "E"
	switch kind {
	case KindHero:
		prefix = "H"
	case KindMonster:
		prefix = "M"
	case KindOre:
		prefix = "O"
	}
	return prefix + strconv.FormatUint(s.nextEntity, 10)
}

// AllocEntityID hands out a fresh entity id. Drivers call it on their clone
// to name spawned entities; the id is reserved on commit.
func (s *State) AllocEntityID(kind EntityKind) string { return s.newEntityID(kind) }

// peekEntityID predicts the id newEntityID would hand out without consuming it.
func (s *State) peekEntityID(kind EntityKind) string {
	id := s.newEntityID(kind)
	s.nextEntity--
	return id
}

func (s *State) bumpEntityCounter(id string) {
	if len(id) < 2 {
		return
	}
	n, err := strconv.ParseUint(id[1:], 10, 64)
	if err != nil {
		return
	}
	if n > s.nextEntity {
		s.nextEntity = n
	}
}
