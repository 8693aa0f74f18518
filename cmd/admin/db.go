package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// dbCmd queries the session index directly, read-only, so it is safe to run
// next to a live server (the index is in WAL mode).
func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	sessionID := fs.String("session", "", "session id (participants, rounds, deltas, snapshots)")
	limit := fs.Int("limit", 20, "result limit")
	origin := fs.String("origin", "", "origin filter (deltas)")
	_ = fs.Parse(args)

	q := "sessions"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	if *limit <= 0 {
		*limit = 20
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "sessions.sqlite")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if q != "sessions" && strings.TrimSpace(*sessionID) == "" {
		fmt.Fprintln(os.Stderr, "missing -session")
		os.Exit(2)
	}

	switch q {
	case "sessions":
		rows, err := db.Query(`SELECT id,created_at,actions_per_round,conflict_policy,seed,map_id,COALESCE(ended_at,''),COALESCE(end_reason,''),COALESCE(final_turn,0)
			FROM sessions ORDER BY created_at DESC LIMIT ?`, *limit)
		if err != nil {
			fail("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				ID              string `json:"id"`
				CreatedAt       string `json:"created_at"`
				ActionsPerRound int    `json:"actions_per_round"`
				Conflict        string `json:"conflict_policy"`
				Seed            int64  `json:"seed"`
				MapID           string `json:"map_id"`
				EndedAt         string `json:"ended_at,omitempty"`
				EndReason       string `json:"end_reason,omitempty"`
				FinalTurn       uint64 `json:"final_turn,omitempty"`
			}
			if err := rows.Scan(&r.ID, &r.CreatedAt, &r.ActionsPerRound, &r.Conflict, &r.Seed, &r.MapID, &r.EndedAt, &r.EndReason, &r.FinalTurn); err != nil {
				fail("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fail("rows", err)
		}

	case "participants":
		rows, err := db.Query(`SELECT at,participant_id,name,entity_id,status FROM participants WHERE session_id=? ORDER BY at, rowid`, *sessionID)
		if err != nil {
			fail("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				At            string `json:"at"`
				ParticipantID string `json:"participant_id"`
				Name          string `json:"name"`
				EntityID      string `json:"entity_id"`
				Status        string `json:"status"`
			}
			if err := rows.Scan(&r.At, &r.ParticipantID, &r.Name, &r.EntityID, &r.Status); err != nil {
				fail("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fail("rows", err)
		}

	case "rounds":
		rows, err := db.Query(`SELECT turn,seq,at,changes FROM rounds WHERE session_id=? ORDER BY turn DESC LIMIT ?`, *sessionID, *limit)
		if err != nil {
			fail("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Turn    uint64 `json:"turn"`
				Seq     uint64 `json:"seq"`
				At      string `json:"at"`
				Changes int    `json:"changes"`
			}
			if err := rows.Scan(&r.Turn, &r.Seq, &r.At, &r.Changes); err != nil {
				fail("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fail("rows", err)
		}

	case "deltas":
		query := `SELECT seq,turn,kind,origin,changes FROM deltas WHERE session_id=?`
		qargs := []any{*sessionID}
		if o := strings.TrimSpace(*origin); o != "" {
			query += ` AND origin=?`
			qargs = append(qargs, o)
		}
		query += ` ORDER BY seq DESC LIMIT ?`
		qargs = append(qargs, *limit)
		rows, err := db.Query(query, qargs...)
		if err != nil {
			fail("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Seq     uint64 `json:"seq"`
				Turn    uint64 `json:"turn"`
				Kind    string `json:"kind"`
				Origin  string `json:"origin"`
				Changes int    `json:"changes"`
			}
			if err := rows.Scan(&r.Seq, &r.Turn, &r.Kind, &r.Origin, &r.Changes); err != nil {
				fail("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fail("rows", err)
		}

	case "snapshots":
		rows, err := db.Query(`SELECT seq,kind,path,written_at FROM snapshots WHERE session_id=? ORDER BY seq DESC LIMIT ?`, *sessionID, *limit)
		if err != nil {
			fail("query", err)
		}
		defer rows.Close()
		for rows.Next() {
			var r struct {
				Seq       uint64 `json:"seq"`
				Kind      string `json:"kind"`
				Path      string `json:"path"`
				WrittenAt string `json:"written_at"`
			}
			if err := rows.Scan(&r.Seq, &r.Kind, &r.Path, &r.WrittenAt); err != nil {
				fail("scan", err)
			}
			printJSON(r)
		}
		if err := rows.Err(); err != nil {
			fail("rows", err)
		}

	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(sessions|participants|rounds|deltas|snapshots)")
		os.Exit(2)
	}
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
