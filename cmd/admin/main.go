package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"crawlparty.io/internal/persistence/archive"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "db":
			dbCmd(os.Args[2:])
			return
		case "sessions":
			sessionsCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		case "destroy":
			destroyCmd(os.Args[2:])
			return
		case "history":
			historyCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the archived sessions under the data directory, newest first.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "sessions")
	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	metas := make([]archive.SessionMeta, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m, err := archive.ReadMeta(filepath.Join(base, e.Name()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", e.Name(), err)
			continue
		}
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })

	for _, m := range metas {
		state := "live"
		if m.EndedAt != nil {
			state = "ended: " + m.EndReason
		}
		fmt.Printf("%s  %s  k=%d %s seed=%d deltas=%d turn=%d  %s\n",
			m.ID, m.CreatedAt.Format("2006-01-02 15:04:05"), m.ActionsPerRound, m.Conflict, m.Seed, m.Deltas, m.FinalTurn, state)
	}
}
