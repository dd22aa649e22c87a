package filestore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"keepsake.gg/internal/persistence/codec"
	"keepsake.gg/internal/persistence/gamedata"
)

func newStore(t *testing.T, opts codec.Options) *Store {
	t.Helper()
	c, err := codec.New(opts)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	s, err := New(Config{
		Root:              t.TempDir(),
		DataDirectoryName: "saves",
		PrimaryFileName:   "data.game",
		BackupFileName:    "data.game.bak",
	}, c, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func doc(health int, coins ...string) *gamedata.GameData {
	d := gamedata.New()
	d.Health = health
	d.Position = gamedata.Vec2{X: 3, Y: 4}
	for _, c := range coins {
		d.Collected[c] = true
	}
	return d
}

func mustPaths(t *testing.T, s *Store, id string) (string, string) {
	t.Helper()
	p, b, err := s.paths(id)
	if err != nil {
		t.Fatalf("paths: %v", err)
	}
	return p, b
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	for name, opts := range map[string]codec.Options{
		"plain":      {},
		"obfuscated": {Obfuscate: true, Key: []byte("word")},
		"zstd":       {Obfuscate: true, Key: []byte("word"), Compression: codec.CompressionZstd},
	} {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, opts)
			want := doc(80, "coin-1", "coin-2")
			want.Counters["keys"] = 4
			if err := s.Save("p1", want); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, info, err := s.Load("p1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if info.Recovered {
				t.Fatalf("unexpected recovered flag")
			}
			if !reflect.DeepEqual(got, want) {
				t.Fatalf("mismatch:\n got=%+v\nwant=%+v", got, want)
			}
		})
	}
}

func TestStore_FirstRunNotFound(t *testing.T) {
	s := newStore(t, codec.Options{})
	if _, _, err := s.Load("fresh"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ok, err := s.Exists("fresh")
	if err != nil || ok {
		t.Fatalf("exists=%v err=%v", ok, err)
	}
}

func TestStore_SaveWritesIdenticalBackup(t *testing.T) {
	s := newStore(t, codec.Options{Obfuscate: true, Key: []byte("word")})
	if err := s.Save("p", doc(10)); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Saving again into an existing directory must work too.
	if err := s.Save("p", doc(20)); err != nil {
		t.Fatalf("second save: %v", err)
	}
	primary, backup := mustPaths(t, s, "p")
	a, err := os.ReadFile(primary)
	if err != nil {
		t.Fatalf("read primary: %v", err)
	}
	b, err := os.ReadFile(backup)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("backup differs from primary")
	}
	ents, _ := os.ReadDir(filepath.Dir(primary))
	if len(ents) != 2 {
		t.Fatalf("expected exactly primary+backup, got %d entries", len(ents))
	}
}

func TestStore_CorruptPrimaryRecoversFromBackup(t *testing.T) {
	s := newStore(t, codec.Options{Obfuscate: true, Key: []byte("word")})
	want := doc(55, "coin-42")
	if err := s.Save("p", want); err != nil {
		t.Fatalf("save: %v", err)
	}
	primary, _ := mustPaths(t, s, "p")
	if err := os.WriteFile(primary, []byte("\x00garbage\xff"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	got, info, err := s.Load("p")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !info.Recovered || !info.RolledBack {
		t.Fatalf("expected recovered+rolled back, got %+v", info)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %+v want %+v", got, want)
	}

	// The primary was restored, so the next load is clean.
	got, info, err = s.Load("p")
	if err != nil || info.Recovered {
		t.Fatalf("second load: info=%+v err=%v", info, err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("second load mismatch")
	}
}

func TestStore_MissingPrimaryIsNotFound(t *testing.T) {
	s := newStore(t, codec.Options{})
	if err := s.Save("p", doc(12)); err != nil {
		t.Fatalf("save: %v", err)
	}
	primary, backup := mustPaths(t, s, "p")
	if err := os.Remove(primary); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, _, err := s.Load("p"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if ok, err := s.Exists("p"); err != nil || ok {
		t.Fatalf("exists=%v err=%v", ok, err)
	}
	if fileExists(primary) || !fileExists(backup) {
		t.Fatalf("load must not touch files when reporting not found")
	}
}

func TestStore_MissingPrimaryRecoversWhenEnabled(t *testing.T) {
	s := newStore(t, codec.Options{})
	s.cfg.RecoverMissingPrimary = true
	if err := s.Save("p", doc(12)); err != nil {
		t.Fatalf("save: %v", err)
	}
	primary, _ := mustPaths(t, s, "p")
	if err := os.Remove(primary); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if ok, err := s.Exists("p"); err != nil || !ok {
		t.Fatalf("exists=%v err=%v", ok, err)
	}
	got, info, err := s.Load("p")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !info.Recovered || !info.RolledBack || got.Health != 12 {
		t.Fatalf("info=%+v health=%d", info, got.Health)
	}
	if !fileExists(primary) {
		t.Fatalf("primary not restored from backup")
	}
}

func TestStore_BothCorruptIsIOError(t *testing.T) {
	s := newStore(t, codec.Options{})
	if err := s.Save("p", doc(1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	primary, backup := mustPaths(t, s, "p")
	_ = os.WriteFile(primary, []byte("{"), 0o644)
	_ = os.WriteFile(backup, []byte("null"), 0o644)

	_, _, err := s.Load("p")
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected *IOError, got %T %v", err, err)
	}
	if ioErr.Op != "load" || ioErr.Profile != "p" {
		t.Fatalf("unexpected error fields: %+v", ioErr)
	}
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt in chain: %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("total failure must not look like first run")
	}
}

func TestStore_CorruptPrimaryWithoutBackupIsIOError(t *testing.T) {
	s := newStore(t, codec.Options{})
	primary, _ := mustPaths(t, s, "p")
	if err := os.MkdirAll(filepath.Dir(primary), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_ = os.WriteFile(primary, []byte("[]"), 0o644)

	_, _, err := s.Load("p")
	var ioErr *IOError
	if !errors.As(err, &ioErr) {
		t.Fatalf("expected *IOError, got %v", err)
	}
}

func TestStore_WriteFailureLeavesBackup(t *testing.T) {
	s := newStore(t, codec.Options{})
	if err := s.Save("p", doc(1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	primary, backup := mustPaths(t, s, "p")
	before, _ := os.ReadFile(backup)

	// A non-empty directory where the primary should be makes the rename fail.
	_ = os.Remove(primary)
	if err := os.MkdirAll(filepath.Join(primary, "blocker"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	err := s.Save("p", doc(2))
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Op != "write" {
		t.Fatalf("expected write IOError, got %v", err)
	}
	after, _ := os.ReadFile(backup)
	if !bytes.Equal(before, after) {
		t.Fatalf("backup was touched by a failed write")
	}
}

func TestStore_VerificationFailureLeavesBackup(t *testing.T) {
	s := newStore(t, codec.Options{})
	if err := s.Save("p", doc(1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, backup := mustPaths(t, s, "p")
	before, _ := os.ReadFile(backup)

	s.writeFile = func(path string, _ []byte) error {
		return atomicWrite(path, []byte("{\"version\":"))
	}
	err := s.Save("p", doc(2))
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Op != "verify" {
		t.Fatalf("expected verify IOError, got %v", err)
	}
	after, _ := os.ReadFile(backup)
	if !bytes.Equal(before, after) {
		t.Fatalf("backup overwritten after failed verification")
	}

	// The broken primary is still recoverable from the previous backup.
	got, info, err := s.Load("p")
	if err != nil || !info.Recovered || got.Health != 1 {
		t.Fatalf("load after failed verify: health=%v info=%+v err=%v", got, info, err)
	}
}

func TestStore_ProfilesAreIsolated(t *testing.T) {
	s := newStore(t, codec.Options{})
	if err := s.Save("A", doc(11, "a-only")); err != nil {
		t.Fatalf("save A: %v", err)
	}
	if _, _, err := s.Load("B"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("B should be empty, got %v", err)
	}
	if err := s.Save("B", doc(22)); err != nil {
		t.Fatalf("save B: %v", err)
	}
	b, _, err := s.Load("B")
	if err != nil {
		t.Fatalf("load B: %v", err)
	}
	if b.Health != 22 || b.Collected["a-only"] {
		t.Fatalf("profile B sees A's data: %+v", b)
	}
}

func TestStore_InvalidProfileIDs(t *testing.T) {
	s := newStore(t, codec.Options{})
	for _, id := range []string{"", ".", "..", "a/b", `a\b`, "../escape"} {
		if err := s.Save(id, doc(1)); !errors.Is(err, ErrInvalidProfile) {
			t.Fatalf("save %q: expected ErrInvalidProfile, got %v", id, err)
		}
		if _, _, err := s.Load(id); !errors.Is(err, ErrInvalidProfile) {
			t.Fatalf("load %q: expected ErrInvalidProfile, got %v", id, err)
		}
	}
}

func TestStore_ProfilesDeleteAndMostRecent(t *testing.T) {
	s := newStore(t, codec.Options{})
	if id, ok, err := s.MostRecentProfileID(); err != nil || ok || id != "" {
		t.Fatalf("empty store: id=%q ok=%v err=%v", id, ok, err)
	}

	for id, at := range map[string]int64{"0": 100, "1": 300, "2": 200} {
		d := doc(1)
		d.LastUpdated = at
		if err := s.Save(id, d); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	// A stray file in the data directory is not a profile.
	_ = os.WriteFile(filepath.Join(s.Dir(), "README"), []byte("x"), 0o644)

	ids, err := s.Profiles()
	if err != nil {
		t.Fatalf("profiles: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"0", "1", "2"}) {
		t.Fatalf("profiles=%v", ids)
	}

	id, ok, err := s.MostRecentProfileID()
	if err != nil || !ok || id != "1" {
		t.Fatalf("most recent: id=%q ok=%v err=%v", id, ok, err)
	}

	if err := s.Delete("1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("1"); err != nil {
		t.Fatalf("deleting twice should be fine: %v", err)
	}
	if id, _, _ := s.MostRecentProfileID(); id != "2" {
		t.Fatalf("most recent after delete=%q want 2", id)
	}

	all, err := s.LoadAllProfiles()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 2 || all["0"] == nil || all["2"] == nil {
		t.Fatalf("load all=%v", all)
	}
}

func TestStore_LoadAllSkipsUnreadable(t *testing.T) {
	s := newStore(t, codec.Options{})
	_ = s.Save("good", doc(1))
	_ = s.Save("bad", doc(2))
	primary, backup := mustPaths(t, s, "bad")
	_ = os.WriteFile(primary, []byte("x"), 0o644)
	_ = os.WriteFile(backup, []byte("y"), 0o644)

	all, err := s.LoadAllProfiles()
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 1 || all["good"] == nil {
		t.Fatalf("load all=%v", all)
	}
}

func TestStore_RestoreBackup(t *testing.T) {
	s := newStore(t, codec.Options{})
	_ = s.Save("p", doc(9))
	primary, _ := mustPaths(t, s, "p")
	_ = os.WriteFile(primary, []byte("junk"), 0o644)

	if err := s.RestoreBackup("p"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	got, info, err := s.Load("p")
	if err != nil || info.Recovered || got.Health != 9 {
		t.Fatalf("after restore: %+v %+v %v", got, info, err)
	}
	if err := s.RestoreBackup("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	c, _ := codec.New(codec.Options{})
	bad := []Config{
		{Root: "", PrimaryFileName: "a", BackupFileName: "b"},
		{Root: "/tmp", PrimaryFileName: "", BackupFileName: "b"},
		{Root: "/tmp", PrimaryFileName: "a", BackupFileName: "a"},
		{Root: "/tmp", PrimaryFileName: "a/b", BackupFileName: "c"},
		{Root: "/tmp", DataDirectoryName: "..", PrimaryFileName: "a", BackupFileName: "b"},
	}
	for i, cfg := range bad {
		if _, err := New(cfg, c, nil); err == nil {
			t.Fatalf("config %d: expected error", i)
		}
	}
	if _, err := New(Config{Root: "/tmp", PrimaryFileName: "a", BackupFileName: "b"}, nil, nil); err == nil {
		t.Fatalf("expected error for nil codec")
	}
}
