package game

import (
	"errors"
	"testing"

	"keepsake.gg/internal/persistence/codec"
	"keepsake.gg/internal/persistence/filestore"
	"keepsake.gg/internal/persistence/gamedata"
	"keepsake.gg/internal/persistence/manager"
)

func newStore(t *testing.T, root string) *filestore.Store {
	t.Helper()
	cd, err := codec.New(codec.Options{Obfuscate: true, Key: []byte("word")})
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	s, err := filestore.New(filestore.Config{
		Root:              root,
		DataDirectoryName: "saves",
		PrimaryFileName:   "data.game",
		BackupFileName:    "data.game.bak",
	}, cd, nil)
	if err != nil {
		t.Fatalf("filestore: %v", err)
	}
	return s
}

func TestCoinCollectedSurvivesRestart(t *testing.T) {
	root := t.TempDir()

	// Session 1: first run, collect coin-42, save.
	w1, err := NewWorld("coin-42", "coin-43")
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	m1, err := manager.New(newStore(t, root), w1.Contributors(), manager.Config{}, nil)
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	if _, err := m1.LoadGame(); !errors.Is(err, manager.ErrNotFound) {
		t.Fatalf("first run err=%v want ErrNotFound", err)
	}
	m1.NewGame()
	w1.Coin("coin-42").Collect()
	w1.Player.Damage(30)
	w1.Player.MoveTo(gamedata.Vec2{X: 3, Y: -1})
	w1.Plays.Add(1)
	if err := m1.SaveGame(); err != nil {
		t.Fatalf("SaveGame: %v", err)
	}

	// Session 2: fresh components, same disk.
	w2, err := NewWorld("coin-42", "coin-43")
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	m2, err := manager.New(newStore(t, root), w2.Contributors(), manager.Config{}, nil)
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	if _, err := m2.LoadGame(); err != nil {
		t.Fatalf("LoadGame: %v", err)
	}
	if !w2.Coin("coin-42").Collected() {
		t.Fatalf("coin-42 should stay collected")
	}
	if w2.Coin("coin-43").Collected() {
		t.Fatalf("coin-43 should not be collected")
	}
	st := w2.Player.State()
	if st.Health != 70 || st.Position != (gamedata.Vec2{X: 3, Y: -1}) || st.Deaths != 0 {
		t.Fatalf("player state=%+v", st)
	}
	if w2.Plays.Value() != 1 {
		t.Fatalf("plays=%d", w2.Plays.Value())
	}
	if got := w2.CompletionPercent(m2.Current()); got != 50 {
		t.Fatalf("completion=%v want 50", got)
	}
}

func TestCoin_PullMissingKeyDefaultsToNotCollected(t *testing.T) {
	c, err := NewCoin("coin-7")
	if err != nil {
		t.Fatalf("NewCoin: %v", err)
	}
	c.Collect()
	d := gamedata.New()
	if err := c.Pull(d); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if c.Collected() {
		t.Fatalf("missing key should reset to not collected")
	}
	if v, ok := d.Collected["coin-7"]; !ok || v {
		t.Fatalf("default not written: %v", d.Collected)
	}

	d = &gamedata.GameData{}
	if err := c.Pull(d); err != nil {
		t.Fatalf("Pull into nil map: %v", err)
	}
	if _, ok := d.Collected["coin-7"]; !ok {
		t.Fatalf("default not written into nil map: %v", d.Collected)
	}
}

func TestCoin_PushWritesKey(t *testing.T) {
	c, _ := NewCoin("coin-7")
	d := &gamedata.GameData{Collected: map[string]bool{"coin-7": true, "other": true}}
	if err := c.Push(d); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if v, ok := d.Collected["coin-7"]; !ok || v || !d.Collected["other"] {
		t.Fatalf("collected=%v", d.Collected)
	}
	c.Collect()
	d = &gamedata.GameData{}
	if err := c.Push(d); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !d.Collected["coin-7"] {
		t.Fatalf("push into nil map: %v", d.Collected)
	}
}

func TestPlayer_DamageAndDeath(t *testing.T) {
	p := NewPlayer()
	p.Damage(0)
	p.Damage(-5)
	if p.State().Health != gamedata.DefaultHealth {
		t.Fatalf("non-positive damage should be ignored")
	}
	p.Damage(gamedata.DefaultHealth)
	st := p.State()
	if st.Deaths != 1 || st.Health != gamedata.DefaultHealth {
		t.Fatalf("state after death=%+v", st)
	}
}

func TestPlayer_PullRejectsNegativeHealth(t *testing.T) {
	p := NewPlayer()
	d := gamedata.New()
	d.Health = -1
	if err := p.Pull(d); err == nil {
		t.Fatalf("expected error")
	}
	d.Health = 0
	if err := p.Pull(d); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if p.State().Health != gamedata.DefaultHealth {
		t.Fatalf("zero health should default")
	}
}

func TestNewWorld_Validation(t *testing.T) {
	if _, err := NewWorld("a", "a"); err == nil {
		t.Fatalf("duplicate coin ids should fail")
	}
	if _, err := NewWorld(" "); err == nil {
		t.Fatalf("empty coin id should fail")
	}
	w, err := NewWorld("a", "b")
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	cs := w.Contributors()
	if len(cs) != 4 || cs[0] != w.Player || cs[3] != w.Plays {
		t.Fatalf("contributor order wrong: %v", cs)
	}
	if w.Coin("missing") != nil {
		t.Fatalf("unknown coin should be nil")
	}
}

func TestWorld_PlayerFailureAbortsLoad(t *testing.T) {
	root := t.TempDir()
	s := newStore(t, root)
	d := gamedata.New()
	d.Health = -10
	if err := s.Save("0", d); err != nil {
		t.Fatalf("seed: %v", err)
	}
	w, _ := NewWorld("coin-1")
	m, err := manager.New(s, w.Contributors(), manager.Config{ProfileID: "0"}, nil)
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	_, err = m.LoadGame()
	var ce *manager.ContributorError
	if !errors.As(err, &ce) || ce.Name != "player" || ce.Phase != manager.PhasePull {
		t.Fatalf("err=%v", err)
	}
	if m.HasGameData() {
		t.Fatalf("failed load should not install a document")
	}
}

func TestTally_PullWritesDefault(t *testing.T) {
	tl := NewTally("sessions")
	tl.Add(3)
	d := &gamedata.GameData{}
	if err := tl.Pull(d); err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if tl.Value() != 0 {
		t.Fatalf("value=%d want 0", tl.Value())
	}
	if v, ok := d.Counters["sessions"]; !ok || v != 0 {
		t.Fatalf("default not written: %v", d.Counters)
	}
}
