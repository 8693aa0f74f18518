package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"crawlparty.io/internal/sim/world"
)

const Version = 1

type Kind string

const (
	KindInitial Kind = "initial"
	KindFinal   Kind = "final"
	KindManual  Kind = "manual"
)

// Header is written as a plain JSON line ahead of the gob body so tools can
// identify a file without decoding the state.
type Header struct {
	Version   int       `json:"version"`
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`
	Seq       uint64    `json:"seq"`
	TurnCount uint64    `json:"turn_count"`
	WrittenAt time.Time `json:"written_at"`
}

// Session carries the settings needed to resume or replay a session.
type Session struct {
	CreatedAt       time.Time    `json:"created_at"`
	ActionsPerRound int          `json:"actions_per_round"`
	Conflict        string       `json:"conflict_policy"`
	Seed            int64        `json:"seed"`
	Map             world.MapRef `json:"map"`
}

type SnapshotV1 struct {
	Header  Header         `json:"header"`
	Session Session        `json:"session"`
	State   world.Snapshot `json:"state"`
}

// New fills the header from the state it wraps.
func New(sessionID string, kind Kind, sess Session, st world.Snapshot, now time.Time) SnapshotV1 {
	return SnapshotV1{
		Header: Header{
			Version:   Version,
			SessionID: sessionID,
			Kind:      kind,
			Seq:       st.Seq,
			TurnCount: st.TurnCount,
			WrittenAt: now.UTC(),
		},
		Session: sess,
		State:   st,
	}
}

// FileName is the conventional name of a snapshot inside a session directory.
func FileName(kind Kind, seq uint64) string {
	if kind == KindManual {
		return fmt.Sprintf("%s-%d.snap.zst", kind, seq)
	}
	return string(kind) + ".snap.zst"
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}

	bw := bufio.NewWriterSize(enc, 64*1024)
	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Close()
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)

	// The gob body repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading JSON line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}
