package world

import "fmt"

type ChangeOp string

const (
	OpMove       ChangeOp = "move"
	OpHP         ChangeOp = "hp"
	OpItem       ChangeOp = "item"
	OpRemaining  ChangeOp = "remaining"
	OpCooldown   ChangeOp = "cooldown"
	OpController ChangeOp = "controller"
	OpSpawn      ChangeOp = "spawn"
	OpDespawn    ChangeOp = "despawn"
	OpRound      ChangeOp = "round"
	OpTurn       ChangeOp = "turn"
)

// Change is one atomic state change. Values are absolute so that applying the
// same change twice is harmless.
type Change struct {
	Op         ChangeOp   `json:"op"`
	Entity     string     `json:"entity,omitempty"`
	Pos        *Pos       `json:"pos,omitempty"`
	Value      int        `json:"value,omitempty"`
	Item       string     `json:"item,omitempty"`
	Action     ActionKind `json:"action,omitempty"`
	Turn       uint64     `json:"turn,omitempty"`
	Controller string     `json:"controller,omitempty"`
	Spawn      *Entity    `json:"spawn,omitempty"`
}

type DeltaKind string

const (
	DeltaAction      DeltaKind = "action"
	DeltaFault       DeltaKind = "fault"
	DeltaEnvironment DeltaKind = "environment"
	DeltaSession     DeltaKind = "session"
)

// OriginEnvironment marks deltas produced by the environment step.
const OriginEnvironment = "env"

// Delta is the ordered, immutable result of one mutation.
type Delta struct {
	Seq      uint64    `json:"seq"`
	Turn     uint64    `json:"turn"`
	Kind     DeltaKind `json:"kind"`
	Origin   string    `json:"origin,omitempty"`
	Changes  []Change  `json:"changes"`
	Messages []string  `json:"messages"`
}

func (d Delta) Empty() bool { return len(d.Changes) == 0 }

func (s *State) applyChange(c Change) error {
	switch c.Op {
	case OpRound:
		s.round = c.Value
		return nil
	case OpTurn:
		s.turn = c.Turn
		s.round = 0
		return nil
	case OpSpawn:
		if c.Spawn == nil || c.Spawn.ID == "" {
			return fmt.Errorf("spawn: missing entity")
		}
		if _, exists := s.entities[c.Spawn.ID]; exists {
			return fmt.Errorf("spawn: entity %s already exists", c.Spawn.ID)
		}
		s.entities[c.Spawn.ID] = c.Spawn.clone()
		s.bumpEntityCounter(c.Spawn.ID)
		return nil
	}

	e := s.entities[c.Entity]
	if e == nil {
		return fmt.Errorf("%s: unknown entity %q", c.Op, c.Entity)
	}
	switch c.Op {
	case OpMove:
		if c.Pos == nil {
			return fmt.Errorf("move: missing pos")
		}
		e.Pos = *c.Pos
	case OpHP:
		e.HP = c.Value
	case OpItem:
		if c.Value <= 0 {
			delete(e.Inventory, c.Item)
			break
		}
		if e.Inventory == nil {
			e.Inventory = map[string]int{}
		}
		e.Inventory[c.Item] = c.Value
	case OpRemaining:
		e.Remaining = c.Value
	case OpCooldown:
		if e.ReadyAt == nil {
			e.ReadyAt = map[ActionKind]uint64{}
		}
		e.ReadyAt[c.Action] = c.Turn
	case OpController:
		e.Controller = c.Controller
	case OpDespawn:
		delete(s.entities, c.Entity)
	default:
		return fmt.Errorf("unknown change op %q", c.Op)
	}
	return nil
}

// commit stamps and applies a delta produced inside this package. Changes are
// built against the current state, so a failure here is an invariant breach.
func (s *State) commit(d *Delta) error {
	for _, c := range d.Changes {
		if err := s.applyChange(c); err != nil {
			return fmt.Errorf("commit seq %d: %w", s.seq+1, err)
		}
	}
	s.seq++
	d.Seq = s.seq
	d.Turn = s.turn
	if d.Changes == nil {
		d.Changes = []Change{}
	}
	if d.Messages == nil {
		d.Messages = []string{}
	}
	return nil
}

// Replay applies a recorded delta. Deltas must arrive in seq order.
func (s *State) Replay(d Delta) error {
	if d.Seq != s.seq+1 {
		return fmt.Errorf("replay: expected seq %d, got %d", s.seq+1, d.Seq)
	}
	for _, c := range d.Changes {
		if err := s.applyChange(c); err != nil {
			return fmt.Errorf("replay seq %d: %w", d.Seq, err)
		}
	}
	s.seq = d.Seq
	if s.turn != d.Turn {
		return fmt.Errorf("replay seq %d: turn mismatch: state=%d delta=%d", d.Seq, s.turn, d.Turn)
	}
	return nil
}
