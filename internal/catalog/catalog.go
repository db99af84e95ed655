// Package catalog resolves attack types, abilities and items by id.
package catalog

type AttackType struct {
	ID               string  `json:"id"`
	Label            string  `json:"label"`
	APCost           int     `json:"ap_cost"`
	DamageMultiplier float64 `json:"damage_multiplier"`
	AccuracyModifier int     `json:"accuracy_modifier"`
	Range            int     `json:"range"`
}

type AbilityKind string

const (
	KindPower AbilityKind = "power"
	KindSpell AbilityKind = "spell"
)

// Ability is a power or spell. Positive Multiplier deals damage scaled from
// attack (powers) or magic (spells); HealPercent restores a share of the
// target's max health.
type Ability struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Kind        AbilityKind `json:"kind"`
	APCost      int         `json:"ap_cost"`
	Range       int         `json:"range"`
	Multiplier  float64     `json:"multiplier"`
	HealPercent int         `json:"heal_percent"`
	Cooldown    int         `json:"cooldown"`
	TargetsAlly bool        `json:"targets_ally"`
}

type Item struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	APCost int    `json:"ap_cost"`
	Heal   int    `json:"heal"`
}

// Catalog is the lookup boundary to ability and item data.
type Catalog interface {
	Attack(id string) (AttackType, bool)
	Ability(id string) (Ability, bool)
	Item(id string) (Item, bool)
	Attacks() []AttackType
}

// Static is an in-process catalog.
type Static struct {
	attacks   map[string]AttackType
	order     []string
	abilities map[string]Ability
	items     map[string]Item
}

func NewStatic(attacks []AttackType, abilities []Ability, items []Item) *Static {
	s := &Static{
		attacks:   make(map[string]AttackType, len(attacks)),
		abilities: make(map[string]Ability, len(abilities)),
		items:     make(map[string]Item, len(items)),
	}
	for _, a := range attacks {
		s.attacks[a.ID] = a
		s.order = append(s.order, a.ID)
	}
	for _, a := range abilities {
		s.abilities[a.ID] = a
	}
	for _, it := range items {
		s.items[it.ID] = it
	}
	return s
}

func (s *Static) Attack(id string) (AttackType, bool) {
	a, ok := s.attacks[id]
	return a, ok
}

func (s *Static) Ability(id string) (Ability, bool) {
	a, ok := s.abilities[id]
	return a, ok
}

func (s *Static) Item(id string) (Item, bool) {
	it, ok := s.items[id]
	return it, ok
}

// Attacks returns attack types cheapest first.
func (s *Static) Attacks() []AttackType {
	out := make([]AttackType, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.attacks[id])
	}
	return out
}

// Default is the built-in combat catalog.
func Default() *Static {
	return NewStatic(
		[]AttackType{
			{ID: "jab", Label: "Jab", APCost: 1, DamageMultiplier: 0.6, AccuracyModifier: 10, Range: 1},
			{ID: "strike", Label: "Strike", APCost: 2, DamageMultiplier: 1.0, Range: 1},
			{ID: "heavy", Label: "Heavy Attack", APCost: 3, DamageMultiplier: 1.5, AccuracyModifier: -10, Range: 1},
			{ID: "all_out", Label: "All-Out Attack", APCost: 4, DamageMultiplier: 2.0, AccuracyModifier: -20, Range: 1},
		},
		[]Ability{
			{ID: "fireball", Name: "Fireball", Kind: KindSpell, APCost: 2, Range: 4, Multiplier: 1.2, Cooldown: 2},
			{ID: "lightning", Name: "Lightning", Kind: KindSpell, APCost: 3, Range: 5, Multiplier: 1.6, Cooldown: 3},
			{ID: "mend", Name: "Mend", Kind: KindSpell, APCost: 2, Range: 3, HealPercent: 25, Cooldown: 2, TargetsAlly: true},
			{ID: "power_slam", Name: "Power Slam", Kind: KindPower, APCost: 2, Range: 1, Multiplier: 1.4, Cooldown: 2},
			{ID: "second_wind", Name: "Second Wind", Kind: KindPower, APCost: 1, Range: 0, HealPercent: 20, Cooldown: 3, TargetsAlly: true},
		},
		[]Item{
			{ID: "potion", Name: "Health Potion", APCost: 1, Heal: 30},
			{ID: "elixir", Name: "Elixir", APCost: 2, Heal: 60},
		},
	)
}
