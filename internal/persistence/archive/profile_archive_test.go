package archive

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"keepsake.gg/internal/persistence/gamedata"
)

func TestArchiveProfile_CopiesFilesAndMeta(t *testing.T) {
	dir := t.TempDir()
	profileDir := filepath.Join(dir, "saves", "0")
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	want := []byte("primary-bytes")
	if err := os.WriteFile(filepath.Join(profileDir, "data.game"), want, 0o644); err != nil {
		t.Fatalf("write primary: %v", err)
	}

	d := gamedata.New()
	d.SaveID = "save-1"
	d.LastUpdated = 1234
	now := time.Date(2026, 4, 2, 3, 4, 5, 0, time.UTC)

	out, err := ArchiveProfile(filepath.Join(dir, "archives"), profileDir, "0", []string{"data.game", "data.game.bak"}, d, "delete", now)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if filepath.Base(out) != "0-20260402T030405.000Z" {
		t.Fatalf("archive dir=%s", out)
	}
	got, err := os.ReadFile(filepath.Join(out, "data.game"))
	if err != nil {
		t.Fatalf("read archived: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("archived bytes mismatch")
	}
	if _, err := os.Stat(filepath.Join(out, "data.game.bak")); !os.IsNotExist(err) {
		t.Fatalf("missing backup should be skipped, stat err=%v", err)
	}

	b, err := os.ReadFile(filepath.Join(out, "meta.json"))
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	var meta ProfileArchiveMeta
	if err := json.Unmarshal(b, &meta); err != nil {
		t.Fatalf("unmarshal meta: %v", err)
	}
	if meta.Profile != "0" || meta.SaveID != "save-1" || meta.LastUpdated != 1234 || len(meta.Files) != 1 || meta.Reason != "delete" {
		t.Fatalf("meta=%+v", meta)
	}
}

func TestArchiveProfile_NothingToArchive(t *testing.T) {
	dir := t.TempDir()
	if _, err := ArchiveProfile(filepath.Join(dir, "archives"), dir, "0", []string{"data.game"}, nil, "", time.Now()); err == nil {
		t.Fatalf("expected error")
	}
}
