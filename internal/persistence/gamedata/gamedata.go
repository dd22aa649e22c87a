// Package gamedata defines the saved document that contributors read from and
// write into.
package gamedata

const (
	CurrentVersion = 1

	DefaultHealth = 100
)

type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// GameData is everything persisted for one profile. Contributors own disjoint
// keys inside the collections; the scalar fields belong to the player.
type GameData struct {
	Version     int    `json:"version"`
	SaveID      string `json:"save_id,omitempty"`
	LastUpdated int64  `json:"last_updated,omitempty"` // unix ms

	Health     int  `json:"health"`
	Position   Vec2 `json:"position"`
	DeathCount int  `json:"death_count"`

	Collected map[string]bool `json:"collected"`
	Counters  map[string]int  `json:"counters"`
}

// New returns the state a fresh game starts from.
func New() *GameData {
	return &GameData{
		Version:   CurrentVersion,
		Health:    DefaultHealth,
		Collected: map[string]bool{},
		Counters:  map[string]int{},
	}
}

// Normalize fills collections that an older or hand-edited file omitted.
func (d *GameData) Normalize() {
	if d.Version == 0 {
		d.Version = CurrentVersion
	}
	if d.Collected == nil {
		d.Collected = map[string]bool{}
	}
	if d.Counters == nil {
		d.Counters = map[string]int{}
	}
}

func (d *GameData) Clone() *GameData {
	if d == nil {
		return nil
	}
	out := *d
	out.Collected = make(map[string]bool, len(d.Collected))
	for k, v := range d.Collected {
		out.Collected[k] = v
	}
	out.Counters = make(map[string]int, len(d.Counters))
	for k, v := range d.Counters {
		out.Counters[k] = v
	}
	return &out
}

// CollectedCount is the number of keys flagged true.
func (d *GameData) CollectedCount() int {
	n := 0
	for _, v := range d.Collected {
		if v {
			n++
		}
	}
	return n
}

// CompletionPercent reports collected items as a whole percentage of total.
func (d *GameData) CompletionPercent(total int) int {
	if total <= 0 {
		return 0
	}
	p := d.CollectedCount() * 100 / total
	if p > 100 {
		return 100
	}
	return p
}
