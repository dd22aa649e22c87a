// Package game holds the in-process components that take part in save and
// load. Each one copies its own slice of state in and out of the document.
package game

import (
	"fmt"
	"strings"
	"sync"

	"keepsake.gg/internal/persistence/gamedata"
	"keepsake.gg/internal/persistence/manager"
)

// Coin is a collectible with a stable id. Collected coins stay collected
// across sessions.
type Coin struct {
	id string

	mu        sync.Mutex
	collected bool
}

func NewCoin(id string) (*Coin, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("coin: empty id")
	}
	return &Coin{id: id}, nil
}

func (c *Coin) Name() string { return "coin:" + c.id }
func (c *Coin) ID() string   { return c.id }

func (c *Coin) Collect() {
	c.mu.Lock()
	c.collected = true
	c.mu.Unlock()
}

func (c *Coin) Collected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collected
}

func (c *Coin) Pull(d *gamedata.GameData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	collected, ok := d.Collected[c.id]
	if !ok {
		if d.Collected == nil {
			d.Collected = map[string]bool{}
		}
		d.Collected[c.id] = false
	}
	c.collected = collected
	return nil
}

func (c *Coin) Push(d *gamedata.GameData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d.Collected == nil {
		d.Collected = map[string]bool{}
	}
	d.Collected[c.id] = c.collected
	return nil
}

type Player struct {
	mu       sync.Mutex
	health   int
	position gamedata.Vec2
	deaths   int
}

func NewPlayer() *Player { return &Player{health: gamedata.DefaultHealth} }

func (p *Player) Name() string { return "player" }

type PlayerState struct {
	Health   int
	Position gamedata.Vec2
	Deaths   int
}

func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PlayerState{Health: p.health, Position: p.position, Deaths: p.deaths}
}

func (p *Player) MoveTo(pos gamedata.Vec2) {
	p.mu.Lock()
	p.position = pos
	p.mu.Unlock()
}

// Damage lowers health. Reaching zero counts a death and respawns at full
// health.
func (p *Player) Damage(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.health -= n
	if p.health <= 0 {
		p.deaths++
		p.health = gamedata.DefaultHealth
	}
}

func (p *Player) Pull(d *gamedata.GameData) error {
	if d.Health < 0 {
		return fmt.Errorf("player: negative health %d", d.Health)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if d.Health == 0 {
		d.Health = gamedata.DefaultHealth
	}
	p.health = d.Health
	p.position = d.Position
	p.deaths = d.DeathCount
	return nil
}

func (p *Player) Push(d *gamedata.GameData) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	d.Health = p.health
	d.Position = p.position
	d.DeathCount = p.deaths
	return nil
}

// Tally is a named counter stored in GameData.Counters.
type Tally struct {
	key string

	mu sync.Mutex
	n  int
}

func NewTally(key string) *Tally { return &Tally{key: key} }

func (t *Tally) Name() string { return "tally:" + t.key }

func (t *Tally) Add(n int) {
	t.mu.Lock()
	t.n += n
	t.mu.Unlock()
}

func (t *Tally) Value() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func (t *Tally) Pull(d *gamedata.GameData) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d.Counters == nil {
		d.Counters = map[string]int{}
	}
	n, ok := d.Counters[t.key]
	if !ok {
		d.Counters[t.key] = 0
	}
	t.n = n
	return nil
}

func (t *Tally) Push(d *gamedata.GameData) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d.Counters == nil {
		d.Counters = map[string]int{}
	}
	d.Counters[t.key] = t.n
	return nil
}

// World is the default set of contributors wired into the server.
type World struct {
	Player *Player
	Coins  []*Coin
	Plays  *Tally
}

func NewWorld(coinIDs ...string) (*World, error) {
	w := &World{Player: NewPlayer(), Plays: NewTally("sessions")}
	seen := map[string]bool{}
	for _, id := range coinIDs {
		c, err := NewCoin(id)
		if err != nil {
			return nil, err
		}
		if seen[c.id] {
			return nil, fmt.Errorf("coin: duplicate id %q", c.id)
		}
		seen[c.id] = true
		w.Coins = append(w.Coins, c)
	}
	return w, nil
}

// Coin returns the coin with the given id, or nil.
func (w *World) Coin(id string) *Coin {
	for _, c := range w.Coins {
		if c.id == id {
			return c
		}
	}
	return nil
}

// Contributors lists the components in registration order: player, coins,
// then the session tally.
func (w *World) Contributors() []manager.Contributor {
	out := []manager.Contributor{w.Player}
	for _, c := range w.Coins {
		out = append(out, c)
	}
	return append(out, w.Plays)
}

func (w *World) CompletionPercent(d *gamedata.GameData) int {
	return d.CompletionPercent(len(w.Coins))
}
