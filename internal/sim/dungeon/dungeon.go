// Package dungeon is the default world generator: seed in, layout out.
// Terrain depends only on the map reference, so any process can rebuild it
// from a snapshot's map ref.
package dungeon

import (
	"fmt"
	"sort"

	"crawlparty.io/internal/sim/world"
)

const (
	// GeneratorID tags maps produced by this package in world.MapRef.ID.
	GeneratorID = "dungeon-v1"

	pillarPercent = 10
	spawnClear    = 2
)

type Config struct {
	Width    int
	Height   int
	Monsters int
	Ores     int
}

func DefaultConfig() Config {
	return Config{Width: 24, Height: 16, Monsters: 4, Ores: 4}
}

// Map is the generated terrain. Immutable after construction.
type Map struct {
	ref   world.MapRef
	walls []bool
}

var _ world.Terrain = (*Map)(nil)

func (m *Map) Ref() world.MapRef { return m.ref }

func (m *Map) InBounds(p world.Pos) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < m.ref.Width && p.Y < m.ref.Height
}

func (m *Map) Walkable(p world.Pos) bool {
	return m.InBounds(p) && !m.walls[p.Y*m.ref.Width+p.X]
}

// Rows renders the map as text, '#' for walls and '.' for floor.
func (m *Map) Rows() []string {
	out := make([]string, 0, m.ref.Height)
	for y := 0; y < m.ref.Height; y++ {
		row := make([]byte, m.ref.Width)
		for x := 0; x < m.ref.Width; x++ {
			row[x] = '.'
			if m.walls[y*m.ref.Width+x] {
				row[x] = '#'
			}
		}
		out = append(out, string(row))
	}
	return out
}

// Terrain rebuilds the terrain named by ref.
func Terrain(ref world.MapRef) (*Map, error) {
	if ref.ID != GeneratorID {
		return nil, fmt.Errorf("unknown generator %q", ref.ID)
	}
	if ref.Width < 2*spawnClear+3 || ref.Height < 2*spawnClear+3 {
		return nil, fmt.Errorf("map %dx%d too small", ref.Width, ref.Height)
	}
	m := &Map{ref: ref, walls: make([]bool, ref.Width*ref.Height)}
	c := m.center()
	for y := 0; y < ref.Height; y++ {
		for x := 0; x < ref.Width; x++ {
			border := x == 0 || y == 0 || x == ref.Width-1 || y == ref.Height-1
			nearSpawn := world.Dist(world.Pos{X: x, Y: y}, c) <= spawnClear
			pillar := !nearSpawn && hash2(ref.Seed, x, y)%100 < pillarPercent
			m.walls[y*ref.Width+x] = border || pillar
		}
	}
	return m, nil
}

func (m *Map) center() world.Pos {
	return world.Pos{X: m.ref.Width / 2, Y: m.ref.Height / 2}
}

// Generate produces the initial layout for a session. Hero spawns sit in the
// clear area at the centre; monsters and ore nodes are scattered over the
// remaining floor in hash order.
func Generate(seed int64, cfg Config) (world.Layout, error) {
	m, err := Terrain(world.MapRef{ID: GeneratorID, Seed: seed, Width: cfg.Width, Height: cfg.Height})
	if err != nil {
		return world.Layout{}, err
	}
	c := m.center()

	var spawns []world.Pos
	for r := 0; r <= 1; r++ {
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				if max(absInt(dx), absInt(dy)) != r {
					continue
				}
				spawns = append(spawns, world.Pos{X: c.X + dx, Y: c.Y + dy})
			}
		}
	}

	type cell struct {
		p world.Pos
		h uint64
	}
	var floor []cell
	for y := 0; y < cfg.Height; y++ {
		for x := 0; x < cfg.Width; x++ {
			p := world.Pos{X: x, Y: y}
			if !m.Walkable(p) || world.Dist(p, c) <= spawnClear+1 {
				continue
			}
			floor = append(floor, cell{p: p, h: hash2(seed^0x5eed, x, y)})
		}
	}
	sort.Slice(floor, func(i, j int) bool {
		if floor[i].h != floor[j].h {
			return floor[i].h < floor[j].h
		}
		if floor[i].p.Y != floor[j].p.Y {
			return floor[i].p.Y < floor[j].p.Y
		}
		return floor[i].p.X < floor[j].p.X
	})
	if len(floor) < cfg.Monsters+cfg.Ores {
		return world.Layout{}, fmt.Errorf("map too crowded: %d floor tiles for %d placements", len(floor), cfg.Monsters+cfg.Ores)
	}

	var placements []world.Placement
	for i := 0; i < cfg.Monsters; i++ {
		kind := monsterKinds[floor[i].h%uint64(len(monsterKinds))]
		placements = append(placements, world.Placement{
			Kind:  world.KindMonster,
			Name:  kind.name,
			Pos:   floor[i].p,
			HP:    kind.hp,
			Stats: kind.stats,
		})
	}
	for i := cfg.Monsters; i < cfg.Monsters+cfg.Ores; i++ {
		placements = append(placements, world.Placement{
			Kind:      world.KindOre,
			Name:      "ore vein",
			Pos:       floor[i].p,
			Remaining: 3 + int(floor[i].h%3),
		})
	}
	return world.Layout{Terrain: m, Spawns: spawns, Placements: placements}, nil
}

type monsterKind struct {
	name  string
	hp    int
	stats world.Stats
}

var monsterKinds = []monsterKind{
	{name: "rat", hp: 4, stats: world.Stats{Attack: 2, Defense: 0}},
	{name: "goblin", hp: 7, stats: world.Stats{Attack: 3, Defense: 1}},
	{name: "skeleton", hp: 10, stats: world.Stats{Attack: 4, Defense: 2}},
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func hash2(seed int64, x, y int) uint64 {
	ux := uint64(uint32(int32(x)))
	uy := uint64(uint32(int32(y)))
	v := uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uy * 0xbf58476d1ce4e5b9)
	return mix64(v)
}

func absInt(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
