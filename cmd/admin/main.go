package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"keepsake.gg/internal/config"
	"keepsake.gg/internal/persistence/archive"
	"keepsake.gg/internal/persistence/filestore"
	"keepsake.gg/internal/persistence/gamedata"
	persistlog "keepsake.gg/internal/persistence/log"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "list":
			listCmd(os.Args[2:])
			return
		case "decode":
			decodeCmd(os.Args[2:])
			return
		case "restore":
			restoreCmd(os.Args[2:])
			return
		case "delete":
			deleteCmd(os.Args[2:])
			return
		case "journal":
			journalCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "save":
			saveCmd(os.Args[2:])
			return
		case "switch":
			switchCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

type storeFlags struct {
	configPath *string
	dataDir    *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		configPath: fs.String("config", "./configs/keepsake.yaml", "path to keepsake.yaml (empty for defaults)"),
		dataDir:    fs.String("data", "", "data root (overrides persistence.data_dir)"),
	}
}

func (f storeFlags) load() (config.Config, *filestore.Store) {
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(2)
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	if v := strings.TrimSpace(*f.dataDir); v != "" {
		cfg.SetDataDir(v)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	st, err := cfg.OpenStore(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(2)
	}
	return cfg, st
}

type profileLine struct {
	Profile     string `json:"profile"`
	SaveID      string `json:"save_id,omitempty"`
	LastUpdated int64  `json:"last_updated,omitempty"`
	Health      int    `json:"health,omitempty"`
	Collected   int    `json:"collected,omitempty"`
	Error       string `json:"error,omitempty"`
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	sf := addStoreFlags(fs)
	_ = fs.Parse(args)

	_, st := sf.load()
	lines, err := listProfiles(st)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	for _, l := range lines {
		printJSON(l)
	}
}

// listProfiles reports every profile directory, including ones that fail to
// load.
func listProfiles(st *filestore.Store) ([]profileLine, error) {
	ids, err := st.Profiles()
	if err != nil {
		return nil, err
	}
	out := make([]profileLine, 0, len(ids))
	for _, id := range ids {
		l := profileLine{Profile: id}
		d, _, err := st.Load(id)
		if err != nil {
			l.Error = err.Error()
		} else {
			l.SaveID = d.SaveID
			l.LastUpdated = d.LastUpdated
			l.Health = d.Health
			l.Collected = d.CollectedCount()
		}
		out = append(out, l)
	}
	return out, nil
}

func decodeCmd(args []string) {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	sf := addStoreFlags(fs)
	profile := fs.String("profile", "0", "profile id")
	backup := fs.Bool("backup", false, "decode the backup file instead of the primary")
	_ = fs.Parse(args)

	_, st := sf.load()
	var (
		d   *gamedata.GameData
		err error
	)
	if *backup {
		d, err = st.LoadBackup(*profile)
	} else {
		var info filestore.LoadInfo
		d, info, err = st.Load(*profile)
		if err == nil && info.Recovered {
			fmt.Fprintln(os.Stderr, "warning: primary unreadable; showing backup (primary restored from it)")
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}
	printJSON(d)
}

func restoreCmd(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	sf := addStoreFlags(fs)
	profile := fs.String("profile", "", "profile id (required)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*profile) == "" {
		fmt.Fprintln(os.Stderr, "missing -profile")
		os.Exit(2)
	}
	_, st := sf.load()
	if err := st.RestoreBackup(*profile); err != nil {
		fmt.Fprintln(os.Stderr, "restore:", err)
		os.Exit(1)
	}
	fmt.Printf("restored profile %s from backup\n", *profile)
}

func deleteCmd(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	sf := addStoreFlags(fs)
	profile := fs.String("profile", "", "profile id (required)")
	noArchive := fs.Bool("no_archive", false, "delete without keeping a copy under <data>/archives")
	_ = fs.Parse(args)

	if strings.TrimSpace(*profile) == "" {
		fmt.Fprintln(os.Stderr, "missing -profile")
		os.Exit(2)
	}
	cfg, st := sf.load()
	if !*noArchive {
		dir, err := archiveBeforeDelete(cfg, st, *profile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "archive:", err, "(use -no_archive to delete anyway)")
			os.Exit(1)
		}
		fmt.Printf("archived profile %s to %s\n", *profile, dir)
	}
	if err := st.Delete(*profile); err != nil {
		fmt.Fprintln(os.Stderr, "delete:", err)
		os.Exit(1)
	}
	fmt.Printf("deleted profile %s\n", *profile)
}

func archiveBeforeDelete(cfg config.Config, st *filestore.Store, profile string) (string, error) {
	profileDir, err := st.ProfileDir(profile)
	if err != nil {
		return "", err
	}
	d, _, _ := st.Load(profile)
	files := []string{cfg.Persistence.PrimaryFileName, cfg.Persistence.BackupFileName}
	return archive.ArchiveProfile(filepath.Join(cfg.Persistence.DataDir, "archives"), profileDir, profile, files, d, "delete", time.Now())
}

func journalCmd(args []string) {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	sf := addStoreFlags(fs)
	profile := fs.String("profile", "", "profile filter (optional)")
	kind := fs.String("kind", "", "event kind filter (optional)")
	_ = fs.Parse(args)

	cfg, _ := sf.load()
	entries, err := readJournal(filepath.Join(cfg.Persistence.DataDir, "journal"), *profile, *kind)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read journal:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		printJSON(e)
	}
}

// readJournal returns journal entries from every hourly file in name order,
// which is also time order.
func readJournal(dir, profile, kind string) ([]persistlog.JournalEntry, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl.zst") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)

	var out []persistlog.JournalEntry
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		sc := bufio.NewScanner(dec)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for sc.Scan() {
			var e persistlog.JournalEntry
			if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
				continue
			}
			if profile != "" && e.Profile != profile {
				continue
			}
			if kind != "" && e.Kind != kind {
				continue
			}
			out = append(out, e)
		}
		scanErr := sc.Err()
		dec.Close()
		_ = f.Close()
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), scanErr)
		}
	}
	return out, nil
}
