package matchmaking

import (
	"context"
	"fmt"
	"math"

	"github.com/DoyleJ11/hex-arena-backend/internal/config"
	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
)

// AIRoster is a computer-controlled team.
type AIRoster struct {
	ID     string             `json:"id"`
	Name   string             `json:"name"`
	Rating int                `json:"rating"`
	Roster []engine.Combatant `json:"roster"`
}

// ActorID is the synthetic actor id the AI side plays under.
func (a AIRoster) ActorID() string { return "ai:" + a.ID }

type AIRosters interface {
	// Pick returns the roster with the given id, or the one rated closest to
	// rating when id is empty.
	Pick(ctx context.Context, id string, rating int) (AIRoster, error)
}

// StaticAIRosters serves a fixed set of teams.
type StaticAIRosters struct {
	rosters []AIRoster
}

func NewStaticAIRosters(rosters ...AIRoster) *StaticAIRosters {
	if len(rosters) == 0 {
		rosters = defaultRosters()
	}
	return &StaticAIRosters{rosters: rosters}
}

func (s *StaticAIRosters) Pick(ctx context.Context, id string, rating int) (AIRoster, error) {
	if err := ctx.Err(); err != nil {
		return AIRoster{}, err
	}
	if id != "" {
		for _, r := range s.rosters {
			if r.ID == id {
				return r, nil
			}
		}
		return AIRoster{}, fmt.Errorf("unknown ai roster %q", id)
	}
	best := s.rosters[0]
	for _, r := range s.rosters[1:] {
		if abs(r.Rating-rating) < abs(best.Rating-rating) {
			best = r
		}
	}
	return best, nil
}

// ScaleRoster sizes an AI team to the human roster it faces. The factor is
// the human average level over the AI baseline level, jittered and floored.
func ScaleRoster(human []engine.Combatant, ai AIRoster, cfg config.Matchmaking, rng engine.Roller) []engine.Combatant {
	avg := cfg.AIBaselineLevel
	if len(human) > 0 {
		sum := 0
		for _, c := range human {
			sum += c.Level
		}
		avg = float64(sum) / float64(len(human))
	}
	jitter := 1 - cfg.AIJitter + rng.Float64()*2*cfg.AIJitter
	scale := math.Max(cfg.AIMinScale, avg/cfg.AIBaselineLevel*jitter)

	stat := func(v int, floor int) int {
		return max(floor, int(math.Round(float64(v)*scale)))
	}
	out := make([]engine.Combatant, 0, len(ai.Roster))
	for _, c := range ai.Roster {
		c = c.Normalized()
		c.ID = "ai:" + ai.ID + ":" + c.ID
		c.Level = max(1, int(math.Round(avg)))
		c.MaxHealth = stat(c.MaxHealth, 50)
		c.Health = c.MaxHealth
		c.Attack = stat(c.Attack, 10)
		c.Defense = stat(c.Defense, 10)
		c.Speed = stat(c.Speed, 10)
		c.Magic = stat(c.Magic, 5)
		out = append(out, c)
	}
	return out
}

func defaultRosters() []AIRoster {
	return []AIRoster{
		{ID: "sparring", Name: "Sparring Partners", Rating: 800, Roster: []engine.Combatant{
			{ID: "brawler", Name: "Brawler", Level: 10, MaxHealth: 120, Attack: 40, Defense: 20, Speed: 25, Magic: 5, Adherence: 90},
			{ID: "scout", Name: "Scout", Level: 10, MaxHealth: 90, Attack: 30, Defense: 15, Speed: 45, Magic: 10, Adherence: 90},
		}},
		{ID: "arena_regulars", Name: "Arena Regulars", Rating: 1100, Roster: []engine.Combatant{
			{ID: "gladiator", Name: "Gladiator", Level: 10, MaxHealth: 140, Attack: 50, Defense: 30, Speed: 30, Magic: 5, Adherence: 85, Powers: []string{"power_slam"}},
			{ID: "mystic", Name: "Mystic", Level: 10, MaxHealth: 90, Attack: 20, Defense: 15, Speed: 35, Magic: 50, Adherence: 85, Spells: []string{"fireball", "mend"}},
			{ID: "warden", Name: "Warden", Level: 10, MaxHealth: 160, Attack: 35, Defense: 40, Speed: 20, Magic: 10, Adherence: 85, Powers: []string{"second_wind"}},
		}},
		{ID: "champions", Name: "Champions", Rating: 1500, Roster: []engine.Combatant{
			{ID: "berserker", Name: "Berserker", Level: 10, MaxHealth: 150, Attack: 65, Defense: 25, Speed: 40, Magic: 5, Adherence: 75, Powers: []string{"power_slam"}},
			{ID: "archmage", Name: "Archmage", Level: 10, MaxHealth: 100, Attack: 20, Defense: 20, Speed: 38, Magic: 70, Adherence: 80, Spells: []string{"fireball", "lightning"}},
			{ID: "sentinel", Name: "Sentinel", Level: 10, MaxHealth: 180, Attack: 40, Defense: 50, Speed: 22, Magic: 15, Adherence: 85, Powers: []string{"second_wind"}},
		}},
	}
}
