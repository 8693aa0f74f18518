// Package combat holds the default formula evaluator and recipe catalog.
package combat

import (
	"fmt"

	"crawlparty.io/internal/sim/world"
)

// Standard is a pure, deterministic evaluator: every attack hits, damage is
// attack minus defense with a floor of one.
type Standard struct {
	// Bonuses granted by held items, keyed by item name.
	AttackItems map[string]int
	MiningItems map[string]int
	RestHeal    int
}

var _ world.Formulas = Standard{}

func NewStandard() Standard {
	return Standard{
		AttackItems: map[string]int{"sword": 2},
		MiningItems: map[string]int{"pick": 1},
		RestHeal:    1,
	}
}

func (s Standard) Evaluate(atk, def world.Stats, items map[string]int, act world.Action) (world.Outcome, error) {
	switch act.(type) {
	case world.Attack:
		dmg := atk.Attack + bonus(s.AttackItems, items) - def.Defense
		if dmg < 1 {
			dmg = 1
		}
		return world.Outcome{Hit: true, Damage: dmg}, nil
	case world.Mine:
		return world.Outcome{
			Progress: 1 + atk.Mining + bonus(s.MiningItems, items),
			Produce:  map[string]int{"ore": 1},
		}, nil
	case world.Craft:
		// Recipe cost and yield apply unchanged.
		return world.Outcome{}, nil
	case world.Wait:
		return world.Outcome{Heal: s.RestHeal}, nil
	case world.Move:
		return world.Outcome{}, nil
	}
	return world.Outcome{}, fmt.Errorf("no formula for %T", act)
}

// bonus sums the best bonus per item held; counts above one do not stack.
func bonus(table, items map[string]int) int {
	n := 0
	for item, b := range table {
		if items[item] > 0 {
			n += b
		}
	}
	return n
}

// DefaultRecipes is the catalog used when the tuning file names none.
func DefaultRecipes() map[string]world.Recipe {
	return map[string]world.Recipe{
		"pick":   {Name: "pick", Cost: map[string]int{"ore": 2}, Produce: map[string]int{"pick": 1}},
		"sword":  {Name: "sword", Cost: map[string]int{"ore": 3}, Produce: map[string]int{"sword": 1}},
		"potion": {Name: "potion", Cost: map[string]int{"ore": 1}, Produce: map[string]int{"potion": 1}},
	}
}
