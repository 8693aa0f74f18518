package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"crawlparty.io/internal/persistence/archive"
	persistlog "crawlparty.io/internal/persistence/log"
	"crawlparty.io/internal/persistence/snapshot"
	"crawlparty.io/internal/sim/dungeon"
	"crawlparty.io/internal/sim/world"
)

var errStop = errors.New("stop")

func main() {
	var (
		sessDir  = flag.String("session", "", "archived session directory (contains meta.json)")
		snapPath = flag.String("snapshot", "", "start from this snapshot instead of the initial one (optional)")
		toSeq    = flag.Uint64("to_seq", 0, "stop after this seq (inclusive, optional)")
		verbose  = flag.Bool("v", false, "print every delta")
	)
	flag.Parse()

	if *sessDir == "" {
		fmt.Fprintln(os.Stderr, "missing -session")
		os.Exit(2)
	}

	meta, err := archive.ReadMeta(*sessDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read meta:", err)
		os.Exit(1)
	}
	start := *snapPath
	if start == "" {
		start = filepath.Join(*sessDir, meta.Initial)
	}
	snap, err := snapshot.ReadSnapshot(start)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("session %s kind=%s seq=%d turn=%d k=%d conflict=%s map=%s seed=%d entities=%d\n",
		snap.Header.SessionID, snap.Header.Kind, snap.Header.Seq, snap.Header.TurnCount,
		snap.Session.ActionsPerRound, snap.Session.Conflict, snap.State.Map.ID, snap.State.Map.Seed, len(snap.State.Entities))

	terrain, err := dungeon.Terrain(snap.State.Map)
	if err != nil {
		fmt.Fprintln(os.Stderr, "terrain:", err)
		os.Exit(1)
	}
	st, err := world.FromSnapshot(snap.State, terrain)
	if err != nil {
		fmt.Fprintln(os.Stderr, "restore:", err)
		os.Exit(1)
	}

	var applied int
	err = persistlog.ReadEntries(filepath.Join(*sessDir, meta.Log), func(e persistlog.Entry) error {
		switch e.Kind {
		case persistlog.EntryParticipant:
			if *verbose && e.Participant != nil {
				fmt.Printf("  participant %s (%s) %s\n", e.Participant.Name, e.Participant.ID, e.Participant.Status)
			}
			return nil
		case persistlog.EntryEnd:
			if *verbose {
				fmt.Printf("  end: %s\n", e.Reason)
			}
			return nil
		case persistlog.EntryDelta:
		default:
			return nil
		}
		d := e.Delta
		if d == nil || d.Seq <= st.Seq() {
			return nil
		}
		if *toSeq != 0 && d.Seq > *toSeq {
			return errStop
		}
		if err := st.Replay(*d); err != nil {
			return err
		}
		applied++
		if *verbose {
			fmt.Printf("  seq=%d turn=%d kind=%s origin=%s changes=%d\n", d.Seq, d.Turn, d.Kind, d.Origin, len(d.Changes))
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	digest := st.Digest()
	fmt.Printf("replayed %d deltas: seq=%d turn=%d digest=%s\n", applied, st.Seq(), st.TurnCount(), digest)

	if *toSeq != 0 || meta.Final == "" {
		return
	}
	final, err := snapshot.ReadSnapshot(filepath.Join(*sessDir, meta.Final))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read final snapshot:", err)
		os.Exit(1)
	}
	want, err := world.FromSnapshot(final.State, terrain)
	if err != nil {
		fmt.Fprintln(os.Stderr, "restore final:", err)
		os.Exit(1)
	}
	if want.Digest() != digest {
		fmt.Fprintf(os.Stderr, "digest mismatch against final snapshot (seq=%d): got=%s want=%s\n", final.Header.Seq, digest, want.Digest())
		os.Exit(1)
	}
	fmt.Printf("replay ok: matches final snapshot (%s)\n", meta.EndReason)
}
