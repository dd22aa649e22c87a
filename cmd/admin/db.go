package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	sf := addStoreFlags(fs)
	dbPath := fs.String("db", "", "sqlite index path (default: index.path from config)")
	profile := fs.String("profile", "", "profile filter (events)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "profiles"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		cfg, _ := sf.load()
		path = cfg.Index.Path
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "index:", err)
		os.Exit(2)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if *limit <= 0 {
		*limit = 20
	}
	switch q {
	case "profiles":
		rows, err := db.Query(`SELECT profile,save_id,last_updated,health,collected,saves,recoveries,deleted,last_event,updated_at
			FROM profiles ORDER BY last_updated DESC LIMIT ?`, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Profile     string `json:"profile"`
				SaveID      string `json:"save_id"`
				LastUpdated int64  `json:"last_updated"`
				Health      int    `json:"health"`
				Collected   int    `json:"collected"`
				Saves       int    `json:"saves"`
				Recoveries  int    `json:"recoveries"`
				Deleted     bool   `json:"deleted"`
				LastEvent   string `json:"last_event"`
				UpdatedAt   string `json:"updated_at"`
			}
			if err := rows.Scan(&r.Profile, &r.SaveID, &r.LastUpdated, &r.Health, &r.Collected, &r.Saves, &r.Recoveries, &r.Deleted, &r.LastEvent, &r.UpdatedAt); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
	case "events":
		query := `SELECT seq,at,kind,profile,save_id,error FROM events`
		qargs := []any{}
		if p := strings.TrimSpace(*profile); p != "" {
			query += ` WHERE profile=?`
			qargs = append(qargs, p)
		}
		query += ` ORDER BY seq DESC LIMIT ?`
		qargs = append(qargs, *limit)
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Seq     int64  `json:"seq"`
				At      string `json:"at"`
				Kind    string `json:"kind"`
				Profile string `json:"profile"`
				SaveID  string `json:"save_id,omitempty"`
				Err     string `json:"error,omitempty"`
			}
			if err := rows.Scan(&r.Seq, &r.At, &r.Kind, &r.Profile, &r.SaveID, &r.Err); err != nil {
				fmt.Fprintln(os.Stderr, "scan:", err)
				os.Exit(1)
			}
			printJSON(r)
		}
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(want profiles|events)")
		os.Exit(2)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}
