package engine

import (
	"fmt"
	"math"
)

// Hex is an axial grid coordinate.
type Hex struct {
	Q int `json:"q"`
	R int `json:"r"`
}

func (h Hex) String() string { return fmt.Sprintf("(%d, %d)", h.Q, h.R) }

var directions = [6]Hex{{1, 0}, {1, -1}, {0, -1}, {-1, 0}, {-1, 1}, {0, 1}}

func (h Hex) Add(o Hex) Hex { return Hex{h.Q + o.Q, h.R + o.R} }

func (h Hex) Neighbors() []Hex {
	out := make([]Hex, 0, 6)
	for _, d := range directions {
		out = append(out, h.Add(d))
	}
	return out
}

// Distance is the hex step count between a and b.
func Distance(a, b Hex) int {
	dq := a.Q - b.Q
	dr := a.R - b.R
	return (abs(dq) + abs(dq+dr) + abs(dr)) / 2
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type TerrainKind string

const (
	TerrainTower     TerrainKind = "broadcast_tower"
	TerrainPerimeter TerrainKind = "shark_perimeter"
	TerrainHazard    TerrainKind = "hazard"
)

type Terrain struct {
	Hex  Hex         `json:"hex"`
	Kind TerrainKind `json:"kind"`
}

var (
	TowerHex       = Hex{5, 5}
	UserSpawns     = []Hex{{2, 4}, {2, 5}, {2, 6}}
	OpponentSpawns = []Hex{{9, 4}, {9, 5}, {9, 6}}
	hazardHexes    = []Hex{{6, 2}, {5, 9}}
)

// DefaultTerrain lays out the arena: a central tower, impassable perimeter
// rows at the top and bottom edges, and two hazard hexes.
func DefaultTerrain(cols, rows int) []Terrain {
	out := []Terrain{{Hex: TowerHex, Kind: TerrainTower}}
	for q := 0; q < cols; q++ {
		out = append(out, Terrain{Hex: Hex{q, 0}, Kind: TerrainPerimeter})
		out = append(out, Terrain{Hex: Hex{q, rows - 1}, Kind: TerrainPerimeter})
	}
	for _, h := range hazardHexes {
		out = append(out, Terrain{Hex: h, Kind: TerrainHazard})
	}
	return out
}

func (c *Context) InBounds(h Hex) bool {
	return h.Q >= 0 && h.Q < c.Cols && h.R >= 0 && h.R < c.Rows
}

func (c *Context) terrainAt(h Hex) (TerrainKind, bool) {
	for _, t := range c.Terrain {
		if t.Hex == h {
			return t.Kind, true
		}
	}
	return "", false
}

// Blocked reports whether nothing may stand on h.
func (c *Context) Blocked(h Hex) bool {
	if !c.InBounds(h) {
		return true
	}
	k, ok := c.terrainAt(h)
	return ok && (k == TerrainTower || k == TerrainPerimeter)
}

func (c *Context) IsHazard(h Hex) bool {
	k, ok := c.terrainAt(h)
	return ok && k == TerrainHazard
}

// Occupant returns the living character standing on h.
func (c *Context) Occupant(h Hex) (string, bool) {
	for _, ch := range c.Characters {
		if !ch.Dead && ch.Position == h {
			return ch.ID, true
		}
	}
	return "", false
}

// Path finds a shortest walkable route from one hex to another, excluding
// the start. Living characters block every hex they stand on.
func (c *Context) Path(from, to Hex) ([]Hex, error) {
	if from == to {
		return nil, nil
	}
	if c.Blocked(to) {
		return nil, fmt.Errorf("%w: %s is blocked", ErrNoPath, to)
	}
	if id, ok := c.Occupant(to); ok {
		return nil, fmt.Errorf("%w: %s is occupied by %s", ErrNoPath, to, id)
	}

	prev := map[Hex]Hex{from: from}
	frontier := []Hex{from}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if cur == to {
			break
		}
		for _, n := range cur.Neighbors() {
			if _, seen := prev[n]; seen || c.Blocked(n) {
				continue
			}
			if _, occupied := c.Occupant(n); occupied {
				continue
			}
			prev[n] = cur
			frontier = append(frontier, n)
		}
	}
	if _, ok := prev[to]; !ok {
		return nil, fmt.Errorf("%w: %s unreachable from %s", ErrNoPath, to, from)
	}

	var path []Hex
	for h := to; h != from; h = prev[h] {
		path = append(path, h)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// LineOfSight reports whether no tower sits strictly between a and b.
func (c *Context) LineOfSight(a, b Hex) bool {
	n := Distance(a, b)
	for i := 1; i < n; i++ {
		t := float64(i) / float64(n)
		h := hexRound(lerp(float64(a.Q), float64(b.Q), t), lerp(float64(a.R), float64(b.R), t))
		if k, ok := c.terrainAt(h); ok && k == TerrainTower {
			return false
		}
	}
	return true
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func hexRound(q, r float64) Hex {
	s := -q - r
	rq, rr, rs := math.Round(q), math.Round(r), math.Round(s)
	dq, dr, ds := math.Abs(rq-q), math.Abs(rr-r), math.Abs(rs-s)
	if dq > dr && dq > ds {
		rq = -rr - rs
	} else if dr > ds {
		rr = -rq - rs
	}
	return Hex{int(rq), int(rr)}
}
