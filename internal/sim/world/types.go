package world

import "fmt"

// AISentinel is the controller id used for entities driven by the environment
// (monsters, ore nodes, and heroes parked under fallback control).
const AISentinel = "ai"

type Pos struct {
	X int `json:"x"`
	Y int `json:"y"`
}

func (p Pos) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Y) }

// Add returns p shifted by d.
func (p Pos) Add(d Pos) Pos { return Pos{X: p.X + d.X, Y: p.Y + d.Y} }

// Chebyshev distance: diagonal steps cost the same as orthogonal ones.
func Dist(a, b Pos) int {
	dx := abs(a.X - b.X)
	dy := abs(a.Y - b.Y)
	if dx > dy {
		return dx
	}
	return dy
}

// Step returns the unit direction from a towards b.
func Step(a, b Pos) Pos {
	return Pos{X: sign(b.X - a.X), Y: sign(b.Y - a.Y)}
}

type EntityKind string

const (
	KindHero    EntityKind = "hero"
	KindMonster EntityKind = "monster"
	KindOre     EntityKind = "ore"
)

// Stats are the combat/work numbers handed to the formula evaluator.
type Stats struct {
	Attack  int `json:"attack"`
	Defense int `json:"defense"`
	Mining  int `json:"mining"`
}

type Entity struct {
	ID         string     `json:"id"`
	Kind       EntityKind `json:"kind"`
	Name       string     `json:"name"`
	Pos        Pos        `json:"pos"`
	HP         int        `json:"hp"`
	MaxHP      int        `json:"max_hp"`
	Stats      Stats      `json:"stats"`
	Controller string     `json:"controller"`

	// Ore nodes: remaining work before the node is exhausted.
	Remaining int `json:"remaining,omitempty"`

	Inventory map[string]int `json:"inventory,omitempty"`
	// ReadyAt maps an action kind to the first turn it may be used again.
	ReadyAt map[ActionKind]uint64 `json:"ready_at,omitempty"`
}

func (e *Entity) Alive() bool { return e != nil && e.HP > 0 }

// Solid entities block movement into their tile.
func (e *Entity) Solid() bool {
	if e == nil {
		return false
	}
	if e.Kind == KindOre {
		return e.Remaining > 0
	}
	return e.Alive()
}

func (e *Entity) clone() *Entity {
	c := *e
	if e.Inventory != nil {
		c.Inventory = make(map[string]int, len(e.Inventory))
		for k, v := range e.Inventory {
			c.Inventory[k] = v
		}
	}
	if e.ReadyAt != nil {
		c.ReadyAt = make(map[ActionKind]uint64, len(e.ReadyAt))
		for k, v := range e.ReadyAt {
			c.ReadyAt[k] = v
		}
	}
	return &c
}

// StatsFor returns the evaluator view of an entity, including held items.
func (e *Entity) StatsFor() (Stats, map[string]int) {
	items := make(map[string]int, len(e.Inventory))
	for k, v := range e.Inventory {
		items[k] = v
	}
	return e.Stats, items
}

// MapRef identifies the generated map; clients fetch or regenerate it from the seed.
type MapRef struct {
	ID     string `json:"id"`
	Seed   int64  `json:"seed"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Terrain is the opaque map produced by the external generator.
type Terrain interface {
	Ref() MapRef
	InBounds(p Pos) bool
	Walkable(p Pos) bool
}

// Placement is an initial entity produced by the generator.
type Placement struct {
	Kind      EntityKind
	Name      string
	Pos       Pos
	HP        int
	Stats     Stats
	Remaining int
}

// Layout is the generator output consumed once at session start.
type Layout struct {
	Terrain    Terrain
	Spawns     []Pos
	Placements []Placement
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func sign(x int) int {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}
