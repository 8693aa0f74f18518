package combat

import (
	"testing"

	"crawlparty.io/internal/sim/world"
)

func TestStandard_AttackFloorAndItemBonus(t *testing.T) {
	s := NewStandard()
	out, err := s.Evaluate(world.Stats{Attack: 1}, world.Stats{Defense: 5}, nil, world.Attack{})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !out.Hit || out.Damage != 1 {
		t.Fatalf("expected floor damage 1, got %+v", out)
	}

	out, _ = s.Evaluate(world.Stats{Attack: 3}, world.Stats{Defense: 1}, map[string]int{"sword": 2}, world.Attack{})
	if out.Damage != 4 {
		t.Fatalf("damage=%d, want 4", out.Damage)
	}
}

func TestStandard_MiningWithPick(t *testing.T) {
	s := NewStandard()
	out, _ := s.Evaluate(world.Stats{Mining: 1}, world.Stats{}, map[string]int{"pick": 1}, world.Mine{})
	if out.Progress != 3 || out.Produce["ore"] != 1 {
		t.Fatalf("unexpected mining outcome %+v", out)
	}
}

func TestDefaultRecipes_Consistent(t *testing.T) {
	for name, r := range DefaultRecipes() {
		if r.Name != name {
			t.Fatalf("recipe %s has name %s", name, r.Name)
		}
		if len(r.Produce) == 0 {
			t.Fatalf("recipe %s produces nothing", name)
		}
	}
}
