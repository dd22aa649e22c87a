// Package filestore keeps one save file per profile on local disk, plus a
// single last-known-good backup next to it.
//
// Layout:
//
//	<root>/<data dir>/<profile>/<primary>
//	<root>/<data dir>/<profile>/<backup>
//
// Save writes the primary, re-reads it, and only then copies it over the
// backup. Load falls back to the backup when the primary cannot be decoded and
// reports that through LoadInfo.Recovered. A missing primary is ErrNotFound
// unless Config.RecoverMissingPrimary is set.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"keepsake.gg/internal/persistence/codec"
	"keepsake.gg/internal/persistence/gamedata"
)

var (
	ErrNotFound       = errors.New("filestore: no save data")
	ErrInvalidProfile = errors.New("filestore: invalid profile id")
	ErrCorrupt        = codec.ErrCorrupt
)

// IOError is returned when a save could not be written or verified, or when
// neither the primary nor the backup could be read.
type IOError struct {
	Op      string
	Profile string
	Path    string
	Err     error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("filestore: %s profile %q (%s): %v", e.Op, e.Profile, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

type Config struct {
	Root              string
	DataDirectoryName string
	PrimaryFileName   string
	BackupFileName    string

	// RecoverMissingPrimary makes Load use the backup when the primary file
	// is absent. By default an absent primary is ErrNotFound.
	RecoverMissingPrimary bool
}

type LoadInfo struct {
	Path string
	// Recovered is set when the primary was unreadable and the document came
	// from the backup.
	Recovered  bool
	RolledBack bool
}

type Store struct {
	cfg   Config
	codec *codec.Codec
	log   *log.Logger

	writeFile func(path string, b []byte) error
}

func New(cfg Config, c *codec.Codec, logger *log.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("filestore: empty root")
	}
	if c == nil {
		return nil, fmt.Errorf("filestore: nil codec")
	}
	for _, name := range []string{cfg.PrimaryFileName, cfg.BackupFileName} {
		if !validComponent(name) {
			return nil, fmt.Errorf("filestore: invalid file name %q", name)
		}
	}
	if cfg.PrimaryFileName == cfg.BackupFileName {
		return nil, fmt.Errorf("filestore: primary and backup file names must differ")
	}
	if cfg.DataDirectoryName != "" && !validComponent(cfg.DataDirectoryName) {
		return nil, fmt.Errorf("filestore: invalid data directory name %q", cfg.DataDirectoryName)
	}
	return &Store{cfg: cfg, codec: c, log: logger, writeFile: atomicWrite}, nil
}

// Dir is the directory holding one subdirectory per profile.
func (s *Store) Dir() string {
	return filepath.Join(s.cfg.Root, s.cfg.DataDirectoryName)
}

func (s *Store) ProfileDir(profileID string) (string, error) {
	if !validComponent(profileID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidProfile, profileID)
	}
	return filepath.Join(s.Dir(), profileID), nil
}

func (s *Store) paths(profileID string) (primary, backup string, err error) {
	dir, err := s.ProfileDir(profileID)
	if err != nil {
		return "", "", err
	}
	return filepath.Join(dir, s.cfg.PrimaryFileName), filepath.Join(dir, s.cfg.BackupFileName), nil
}

// Exists reports whether Load would find anything for the profile.
func (s *Store) Exists(profileID string) (bool, error) {
	primary, backup, err := s.paths(profileID)
	if err != nil {
		return false, err
	}
	if fileExists(primary) {
		return true, nil
	}
	return s.cfg.RecoverMissingPrimary && fileExists(backup), nil
}

func (s *Store) Save(profileID string, d *gamedata.GameData) error {
	primary, backup, err := s.paths(profileID)
	if err != nil {
		return err
	}
	b, err := s.codec.Encode(d)
	if err != nil {
		return &IOError{Op: "encode", Profile: profileID, Path: primary, Err: err}
	}
	if err := os.MkdirAll(filepath.Dir(primary), 0o755); err != nil {
		return &IOError{Op: "write", Profile: profileID, Path: primary, Err: err}
	}
	if err := s.writeFile(primary, b); err != nil {
		return &IOError{Op: "write", Profile: profileID, Path: primary, Err: err}
	}
	if _, err := s.loadFile(primary); err != nil {
		s.logf("save %s: verification failed, backup left untouched: %v", profileID, err)
		return &IOError{Op: "verify", Profile: profileID, Path: primary, Err: err}
	}
	if err := copyFile(primary, backup); err != nil {
		return &IOError{Op: "backup", Profile: profileID, Path: backup, Err: err}
	}
	return nil
}

func (s *Store) Load(profileID string) (*gamedata.GameData, LoadInfo, error) {
	primary, backup, err := s.paths(profileID)
	if err != nil {
		return nil, LoadInfo{}, err
	}
	hasPrimary, hasBackup := fileExists(primary), fileExists(backup)
	if !hasPrimary && (!hasBackup || !s.cfg.RecoverMissingPrimary) {
		return nil, LoadInfo{}, ErrNotFound
	}

	var primaryErr error
	if hasPrimary {
		d, err := s.loadFile(primary)
		if err == nil {
			return d, LoadInfo{Path: primary}, nil
		}
		primaryErr = err
	} else {
		primaryErr = fmt.Errorf("primary missing: %w", os.ErrNotExist)
	}
	if !hasBackup {
		return nil, LoadInfo{}, &IOError{Op: "load", Profile: profileID, Path: primary, Err: primaryErr}
	}

	d, err := s.loadFile(backup)
	if err != nil {
		return nil, LoadInfo{}, &IOError{Op: "load", Profile: profileID, Path: primary, Err: errors.Join(primaryErr, err)}
	}
	s.logf("load %s: primary unreadable (%v); recovered from backup", profileID, primaryErr)

	info := LoadInfo{Path: backup, Recovered: true}
	if err := copyFile(backup, primary); err != nil {
		s.logf("load %s: restore primary from backup: %v", profileID, err)
	} else {
		info.RolledBack = true
	}
	return d, info, nil
}

// LoadBackup decodes the backup file only.
func (s *Store) LoadBackup(profileID string) (*gamedata.GameData, error) {
	_, backup, err := s.paths(profileID)
	if err != nil {
		return nil, err
	}
	if !fileExists(backup) {
		return nil, ErrNotFound
	}
	d, err := s.loadFile(backup)
	if err != nil {
		return nil, &IOError{Op: "load", Profile: profileID, Path: backup, Err: err}
	}
	return d, nil
}

// RestoreBackup overwrites the primary with the backup after checking that
// the backup decodes.
func (s *Store) RestoreBackup(profileID string) error {
	primary, backup, err := s.paths(profileID)
	if err != nil {
		return err
	}
	if _, err := s.LoadBackup(profileID); err != nil {
		return err
	}
	if err := copyFile(backup, primary); err != nil {
		return &IOError{Op: "restore", Profile: profileID, Path: primary, Err: err}
	}
	return nil
}

// Delete removes the profile directory. A missing profile is not an error.
func (s *Store) Delete(profileID string) error {
	dir, err := s.ProfileDir(profileID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return &IOError{Op: "delete", Profile: profileID, Path: dir, Err: err}
	}
	return nil
}

// Profiles lists profile ids that have save data, sorted.
func (s *Store) Profiles() ([]string, error) {
	ents, err := os.ReadDir(s.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if !e.IsDir() || !validComponent(e.Name()) {
			continue
		}
		if ok, _ := s.Exists(e.Name()); ok {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// LoadAllProfiles loads every profile. Profiles that cannot be loaded are
// logged and skipped.
func (s *Store) LoadAllProfiles() (map[string]*gamedata.GameData, error) {
	ids, err := s.Profiles()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*gamedata.GameData, len(ids))
	for _, id := range ids {
		d, _, err := s.Load(id)
		if err != nil {
			s.logf("load all: skipping profile %s: %v", id, err)
			continue
		}
		out[id] = d
	}
	return out, nil
}

// MostRecentProfileID returns the profile with the newest LastUpdated. Ties
// go to the lexically smallest id.
func (s *Store) MostRecentProfileID() (string, bool, error) {
	all, err := s.LoadAllProfiles()
	if err != nil {
		return "", false, err
	}
	var (
		best   string
		bestAt int64
		found  bool
	)
	for id, d := range all {
		if !found || d.LastUpdated > bestAt || (d.LastUpdated == bestAt && id < best) {
			best, bestAt, found = id, d.LastUpdated, true
		}
	}
	return best, found, nil
}

func (s *Store) loadFile(path string) (*gamedata.GameData, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return s.codec.Decode(b)
}

func (s *Store) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}

func validComponent(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`+"\x00") {
		return false
	}
	return filepath.Base(name) == name
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

func atomicWrite(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
