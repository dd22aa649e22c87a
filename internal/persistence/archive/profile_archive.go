// Package archive keeps copies of a profile's save files outside the live
// save directory, so a deleted profile can still be inspected or restored by
// hand.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"keepsake.gg/internal/persistence/gamedata"
)

type ProfileArchiveMeta struct {
	Profile     string   `json:"profile"`
	SaveID      string   `json:"save_id,omitempty"`
	LastUpdated int64    `json:"last_updated,omitempty"`
	Files       []string `json:"files"`
	Reason      string   `json:"reason,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

// ArchiveProfile copies the named files from profileDir into
// archiveRoot/<profile>-<UTC timestamp>/ with a meta.json beside them.
// Missing files are skipped; it is an error if none exist. d may be nil when
// the profile no longer decodes.
func ArchiveProfile(archiveRoot, profileDir, profileID string, files []string, d *gamedata.GameData, reason string, now time.Time) (string, error) {
	var present []string
	for _, name := range files {
		if st, err := os.Stat(filepath.Join(profileDir, name)); err == nil && st.Mode().IsRegular() {
			present = append(present, name)
		}
	}
	if len(present) == 0 {
		return "", fmt.Errorf("archive profile %s: no save files in %s", profileID, profileDir)
	}

	dir := filepath.Join(archiveRoot, fmt.Sprintf("%s-%s", profileID, now.UTC().Format("20060102T150405.000Z")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	for _, name := range present {
		if err := copyFile(filepath.Join(profileDir, name), filepath.Join(dir, name)); err != nil {
			return "", err
		}
	}

	meta := ProfileArchiveMeta{
		Profile:   profileID,
		Files:     present,
		Reason:    reason,
		CreatedAt: now.UTC().Format(time.RFC3339Nano),
	}
	if d != nil {
		meta.SaveID = d.SaveID
		meta.LastUpdated = d.LastUpdated
	}
	if b, err := json.MarshalIndent(meta, "", "  "); err == nil {
		_ = os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644)
	}
	return dir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
