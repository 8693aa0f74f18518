package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"crawlparty.io/internal/sim/combat"
	"crawlparty.io/internal/sim/world"
)

type RecipeDef struct {
	RecipeID string         `json:"recipe_id"`
	Cost     map[string]int `json:"cost"`
	Produce  map[string]int `json:"produce"`
}

type RecipeCatalog struct {
	ByID   map[string]world.Recipe
	Digest string
}

// LoadRecipes reads recipes.json. A missing file yields the built-in catalog.
func LoadRecipes(path string) (RecipeCatalog, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) || path == "" {
		return builtinRecipes(), nil
	}
	if err != nil {
		return RecipeCatalog{}, err
	}

	var defs []RecipeDef
	if err := json.Unmarshal(raw, &defs); err != nil {
		return RecipeCatalog{}, fmt.Errorf("recipes.json: %w", err)
	}
	out := RecipeCatalog{ByID: map[string]world.Recipe{}, Digest: sha256Hex(raw)}
	for _, r := range defs {
		if r.RecipeID == "" {
			return RecipeCatalog{}, fmt.Errorf("recipes.json: empty recipe_id")
		}
		if _, dup := out.ByID[r.RecipeID]; dup {
			return RecipeCatalog{}, fmt.Errorf("recipes.json: duplicate recipe_id %q", r.RecipeID)
		}
		if len(r.Produce) == 0 {
			return RecipeCatalog{}, fmt.Errorf("recipes.json: %s produces nothing", r.RecipeID)
		}
		for item, n := range r.Cost {
			if n <= 0 {
				return RecipeCatalog{}, fmt.Errorf("recipes.json: %s: cost of %s must be > 0", r.RecipeID, item)
			}
		}
		out.ByID[r.RecipeID] = world.Recipe{Name: r.RecipeID, Cost: r.Cost, Produce: r.Produce}
	}
	return out, nil
}

func builtinRecipes() RecipeCatalog {
	byID := combat.DefaultRecipes()
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	defs := make([]RecipeDef, 0, len(ids))
	for _, id := range ids {
		r := byID[id]
		defs = append(defs, RecipeDef{RecipeID: id, Cost: r.Cost, Produce: r.Produce})
	}
	b, _ := json.Marshal(defs)
	return RecipeCatalog{ByID: byID, Digest: sha256Hex(b)}
}

func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}
