package world

import "fmt"

type ConflictPolicy string

const (
	// ConflictFIFO: the earlier action in receipt order keeps the tile; later movers are rejected.
	ConflictFIFO ConflictPolicy = "fifo"
	// ConflictPush: a mover displaces the occupant one tile further along the move direction.
	ConflictPush ConflictPolicy = "push"
)

// Rules are the per-session validation parameters. They never change mid-session.
type Rules struct {
	MoveRange   int
	AttackRange int
	MineRange   int
	// Cooldowns in turns, keyed by action kind. Zero or missing means none.
	Cooldowns map[ActionKind]int
	Recipes   map[string]Recipe
	Conflict  ConflictPolicy
}

func DefaultRules() Rules {
	return Rules{
		MoveRange:   1,
		AttackRange: 1,
		MineRange:   1,
		Cooldowns:   map[ActionKind]int{ActCraft: 1},
		Recipes:     map[string]Recipe{},
		Conflict:    ConflictFIFO,
	}
}

const (
	RejectNoEntity         = "NO_ENTITY"
	RejectEntityDead       = "ENTITY_DEAD"
	RejectMalformed        = "MALFORMED"
	RejectOutOfBounds      = "OUT_OF_BOUNDS"
	RejectOutOfRange       = "OUT_OF_RANGE"
	RejectBlocked          = "BLOCKED"
	RejectTileOccupied     = "TILE_OCCUPIED"
	RejectInvalidTarget    = "INVALID_TARGET"
	RejectMissingMaterials = "MISSING_MATERIALS"
	RejectCooldown         = "COOLDOWN"
)

// Rejection explains why an action was refused. It is reported only to the originator.
type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (r *Rejection) Error() string { return r.Code + ": " + r.Message }

func reject(code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validate prechecks act for participant pid. It never mutates st and may run
// on a cloned view from any goroutine; only the session goroutine's result is
// authoritative.
func Validate(st *State, rules Rules, pid string, act Action) *Rejection {
	if act == nil {
		return reject(RejectMalformed, "empty action")
	}

	// 1) participant controls a living entity.
	actor := st.entities[act.Actor()]
	if actor == nil || actor.Kind != KindHero || actor.Controller != pid {
		return reject(RejectNoEntity, "participant %s does not control entity %q", pid, act.Actor())
	}
	if !actor.Alive() {
		return reject(RejectEntityDead, "entity %s is dead", actor.ID)
	}

	// 2) structural well-formedness.
	switch a := act.(type) {
	case Move:
		if a.To == actor.Pos {
			return reject(RejectMalformed, "move destination equals current position")
		}
	case Attack:
		if a.TargetID == "" {
			return reject(RejectMalformed, "attack requires target_id")
		}
		if a.TargetID == actor.ID {
			return reject(RejectMalformed, "cannot attack self")
		}
	case Mine:
		if a.TargetID == "" {
			return reject(RejectMalformed, "mine requires target_id")
		}
	case Craft:
		if a.Recipe == "" {
			return reject(RejectMalformed, "craft requires recipe")
		}
	case Wait:
	default:
		return reject(RejectMalformed, "unsupported action %T", act)
	}

	// 3) bounds, range and target rules.
	if rej := checkTarget(st, rules, actor, act); rej != nil {
		return rej
	}

	// 4) cooldown.
	if ready, ok := actor.ReadyAt[act.Kind()]; ok && st.turn < ready {
		return reject(RejectCooldown, "%s ready at turn %d (now %d)", act.Kind(), ready, st.turn)
	}
	return nil
}

func checkTarget(st *State, rules Rules, actor *Entity, act Action) *Rejection {
	switch a := act.(type) {
	case Move:
		if !st.terrain.InBounds(a.To) {
			return reject(RejectOutOfBounds, "%s is outside the map", a.To)
		}
		if d := Dist(actor.Pos, a.To); d > rules.MoveRange {
			return reject(RejectOutOfRange, "move distance %d exceeds range %d", d, rules.MoveRange)
		}
		if !st.terrain.Walkable(a.To) {
			return reject(RejectBlocked, "%s is not walkable", a.To)
		}
		occ := st.OccupantAt(a.To)
		if occ == nil {
			return nil
		}
		if rules.Conflict == ConflictPush {
			if _, ok := pushTarget(st, actor.Pos, a.To, occ); ok {
				return nil
			}
		}
		return reject(RejectTileOccupied, "%s is occupied by %s", a.To, occ.ID)
	case Attack:
		target := st.entities[a.TargetID]
		if target == nil || !target.Alive() || target.Kind != KindMonster {
			return reject(RejectInvalidTarget, "no living monster %q", a.TargetID)
		}
		if d := Dist(actor.Pos, target.Pos); d > rules.AttackRange {
			return reject(RejectOutOfRange, "target %s at distance %d exceeds range %d", target.ID, d, rules.AttackRange)
		}
	case Mine:
		target := st.entities[a.TargetID]
		if target == nil || target.Kind != KindOre || target.Remaining <= 0 {
			return reject(RejectInvalidTarget, "no ore node %q", a.TargetID)
		}
		if d := Dist(actor.Pos, target.Pos); d > rules.MineRange {
			return reject(RejectOutOfRange, "ore %s at distance %d exceeds range %d", target.ID, d, rules.MineRange)
		}
	case Craft:
		recipe, ok := rules.Recipes[a.Recipe]
		if !ok {
			return reject(RejectInvalidTarget, "unknown recipe %q", a.Recipe)
		}
		for item, n := range recipe.Cost {
			if actor.Inventory[item] < n {
				return reject(RejectMissingMaterials, "%s needs %d %s, have %d", a.Recipe, n, item, actor.Inventory[item])
			}
		}
	}
	return nil
}

// pushTarget returns where occ would be displaced to when a mover at from steps onto to.
func pushTarget(st *State, from, to Pos, occ *Entity) (Pos, bool) {
	if occ.Kind == KindOre {
		return Pos{}, false
	}
	dest := to.Add(Step(from, to))
	if !st.Free(dest) {
		return Pos{}, false
	}
	return dest, true
}
