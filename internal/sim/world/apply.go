package world

import (
	"fmt"
	"sort"
)

// Result is the outcome of one Apply call.
//
// Exactly one of the following holds:
//   - Rejection != nil: nothing changed and no budget was consumed.
//   - Fault != nil: Delta is a committed no-op that still consumed a round slot.
//   - otherwise Delta holds the committed changes.
type Result struct {
	Delta     Delta
	Rejection *Rejection
	Fault     error
}

// Accepted reports whether the action consumed a slot of the round.
func (r Result) Accepted() bool { return r.Rejection == nil }

// Apply validates act against st and, if accepted, commits its effects. It is
// the only code path that mutates st on behalf of a player.
//
// The returned error is fatal for the session: it means a built delta could not
// be committed, i.e. the state is no longer trustworthy.
func Apply(st *State, rules Rules, f Formulas, pid string, act Action) (Result, error) {
	if rej := Validate(st, rules, pid, act); rej != nil {
		return Result{Rejection: rej}, nil
	}

	changes, msgs, fault := plan(st, rules, f, act)
	round := Change{Op: OpRound, Value: st.round + 1}

	d := Delta{Kind: DeltaAction, Origin: pid}
	if fault != nil {
		d.Kind = DeltaFault
		d.Changes = []Change{round}
		d.Messages = []string{fmt.Sprintf("%s's %s fizzled", actorName(st, act.Actor()), act.Kind())}
	} else {
		d.Changes = append(changes, round)
		d.Messages = msgs
	}
	if err := st.commit(&d); err != nil {
		return Result{}, err
	}
	return Result{Delta: d, Fault: fault}, nil
}

// plan computes the changes act would make without touching st. A panic in
// here or in the formula evaluator becomes a fault.
func plan(st *State, rules Rules, f Formulas, act Action) (changes []Change, msgs []string, fault error) {
	defer func() {
		if r := recover(); r != nil {
			changes, msgs = nil, nil
			fault = fmt.Errorf("apply %s by %s panicked: %v", act.Kind(), act.Actor(), r)
		}
	}()

	actor := st.entities[act.Actor()]
	p := &planner{st: st}

	switch a := act.(type) {
	case Move:
		if occ := st.OccupantAt(a.To); occ != nil {
			if rules.Conflict != ConflictPush {
				return nil, nil, fmt.Errorf("move onto occupied %s", a.To)
			}
			dest, ok := pushTarget(st, actor.Pos, a.To, occ)
			if !ok {
				return nil, nil, fmt.Errorf("push of %s blocked", occ.ID)
			}
			p.move(occ.ID, dest)
			p.msg("%s shoves %s to %s", actor.Name, occ.Name, dest)
		}
		p.move(actor.ID, a.To)
		p.msg("%s moves to %s", actor.Name, a.To)

	case Attack:
		target := st.entities[a.TargetID]
		out, err := evaluate(f, actor, target, act)
		if err != nil {
			return nil, nil, err
		}
		if !out.Hit || out.Damage <= 0 {
			p.msg("%s misses %s", actor.Name, target.Name)
			break
		}
		hp := target.HP - out.Damage
		if hp < 0 {
			hp = 0
		}
		p.add(Change{Op: OpHP, Entity: target.ID, Value: hp})
		p.msg("%s hits %s for %d", actor.Name, target.Name, out.Damage)
		if hp == 0 {
			p.add(Change{Op: OpDespawn, Entity: target.ID})
			p.msg("%s is slain", target.Name)
		}

	case Mine:
		target := st.entities[a.TargetID]
		out, err := evaluate(f, actor, target, act)
		if err != nil {
			return nil, nil, err
		}
		progress := out.Progress
		if progress > target.Remaining {
			progress = target.Remaining
		}
		if progress < 0 {
			progress = 0
		}
		left := target.Remaining - progress
		p.add(Change{Op: OpRemaining, Entity: target.ID, Value: left})
		if err := p.items(actor, nil, out.Produce); err != nil {
			return nil, nil, err
		}
		p.msg("%s mines %s (%d left)", actor.Name, target.Name, left)
		if left == 0 {
			p.add(Change{Op: OpDespawn, Entity: target.ID})
			p.msg("%s is exhausted", target.Name)
		}

	case Craft:
		recipe := rules.Recipes[a.Recipe]
		out, err := evaluate(f, actor, nil, act)
		if err != nil {
			return nil, nil, err
		}
		consume, produce := out.Consume, out.Produce
		if consume == nil && produce == nil {
			consume, produce = recipe.Cost, recipe.Produce
		}
		if err := p.items(actor, consume, produce); err != nil {
			return nil, nil, err
		}
		p.msg("%s crafts %s", actor.Name, a.Recipe)

	case Wait:
		out, err := evaluate(f, actor, nil, act)
		if err != nil {
			return nil, nil, err
		}
		hp := actor.HP + out.Heal
		if hp > actor.MaxHP {
			hp = actor.MaxHP
		}
		if hp != actor.HP {
			p.add(Change{Op: OpHP, Entity: actor.ID, Value: hp})
			p.msg("%s rests (+%d hp)", actor.Name, hp-actor.HP)
		} else {
			p.msg("%s waits", actor.Name)
		}

	default:
		return nil, nil, fmt.Errorf("unsupported action %T", act)
	}

	if cd := rules.Cooldowns[act.Kind()]; cd > 0 {
		p.add(Change{Op: OpCooldown, Entity: actor.ID, Action: act.Kind(), Turn: st.turn + uint64(cd)})
	}
	return p.changes, p.msgs, nil
}

func evaluate(f Formulas, actor, target *Entity, act Action) (Outcome, error) {
	if f == nil {
		return Outcome{}, fmt.Errorf("no formula evaluator")
	}
	atk, items := actor.StatsFor()
	var def Stats
	if target != nil {
		def = target.Stats
	}
	out, err := f.Evaluate(atk, def, items, act)
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate %s: %w", act.Kind(), err)
	}
	return out, nil
}

type planner struct {
	st      *State
	changes []Change
	msgs    []string
}

func (p *planner) add(c Change) { p.changes = append(p.changes, c) }

func (p *planner) msg(format string, args ...any) {
	p.msgs = append(p.msgs, fmt.Sprintf(format, args...))
}

func (p *planner) move(id string, to Pos) {
	dst := to
	p.add(Change{Op: OpMove, Entity: id, Pos: &dst})
}

// items emits absolute inventory counts for e after consuming and producing,
// in item name order.
func (p *planner) items(e *Entity, consume, produce map[string]int) error {
	next := map[string]int{}
	for item, n := range consume {
		have := e.Inventory[item]
		if n > have {
			return fmt.Errorf("consume %d %s: only %d held", n, item, have)
		}
		next[item] = have - n
	}
	for item, n := range produce {
		if n < 0 {
			return fmt.Errorf("negative yield %d %s", n, item)
		}
		if _, ok := next[item]; !ok {
			next[item] = e.Inventory[item]
		}
		next[item] += n
	}
	names := make([]string, 0, len(next))
	for item := range next {
		names = append(names, item)
	}
	sort.Strings(names)
	for _, item := range names {
		if next[item] == e.Inventory[item] {
			continue
		}
		p.add(Change{Op: OpItem, Entity: e.ID, Item: item, Value: next[item]})
	}
	return nil
}

func actorName(st *State, id string) string {
	if e := st.entities[id]; e != nil && e.Name != "" {
		return e.Name
	}
	return id
}
