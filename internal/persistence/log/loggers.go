package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"crawlparty.io/internal/sim/world"
)

// FileName is the delta log inside a session directory.
const FileName = "deltas.jsonl.zst"

// JSONLZstdWriter appends one JSON document per line to a zstd stream. The
// file is opened on the first write.
type JSONLZstdWriter struct {
	path string

	mu  sync.Mutex
	f   *os.File
	enc *zstd.Encoder
	w   *bufio.Writer
}

func NewJSONLZstdWriter(path string) *JSONLZstdWriter {
	return &JSONLZstdWriter{path: path}
}

func (w *JSONLZstdWriter) Path() string { return w.path }

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.w == nil {
		if err := w.openLocked(); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) openLocked() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

type EntryKind string

const (
	EntryStart       EntryKind = "start"
	EntryDelta       EntryKind = "delta"
	EntryParticipant EntryKind = "participant"
	EntryEnd         EntryKind = "end"
)

// Participant is a membership transition as it appears in the log.
type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	EntityID string `json:"entity_id"`
	Status   string `json:"status"`
}

// Entry is one line of a session's delta log.
type Entry struct {
	Kind        EntryKind     `json:"kind"`
	At          time.Time     `json:"at"`
	SessionID   string        `json:"session_id"`
	Map         *world.MapRef `json:"map,omitempty"`
	Delta       *world.Delta  `json:"delta,omitempty"`
	Participant *Participant  `json:"participant,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

// DeltaLogger writes the replay log of one session.
type DeltaLogger struct {
	w         *JSONLZstdWriter
	sessionID string
	now       func() time.Time
}

func NewDeltaLogger(sessionDir, sessionID string) *DeltaLogger {
	return &DeltaLogger{
		w:         NewJSONLZstdWriter(filepath.Join(sessionDir, FileName)),
		sessionID: sessionID,
		now:       time.Now,
	}
}

func (l *DeltaLogger) Start(ref world.MapRef) error {
	return l.w.Write(Entry{Kind: EntryStart, At: l.now().UTC(), SessionID: l.sessionID, Map: &ref})
}

func (l *DeltaLogger) WriteDelta(d world.Delta) error {
	return l.w.Write(Entry{Kind: EntryDelta, At: l.now().UTC(), SessionID: l.sessionID, Delta: &d})
}

func (l *DeltaLogger) WriteParticipant(p Participant) error {
	return l.w.Write(Entry{Kind: EntryParticipant, At: l.now().UTC(), SessionID: l.sessionID, Participant: &p})
}

// End writes the closing entry and closes the file.
func (l *DeltaLogger) End(reason string) error {
	err := l.w.Write(Entry{Kind: EntryEnd, At: l.now().UTC(), SessionID: l.sessionID, Reason: reason})
	if cerr := l.w.Close(); err == nil {
		err = cerr
	}
	return err
}

func (l *DeltaLogger) Path() string { return l.w.Path() }
func (l *DeltaLogger) Close() error { return l.w.Close() }

// ReadEntries streams a delta log in file order. fn sees every intact line
// before the first damaged one.
func ReadEntries(path string, fn func(Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %v", io.ErrUnexpectedEOF, err)
	}
	return nil
}

// ReadDeltas returns the deltas of a log in commit order.
func ReadDeltas(path string) ([]world.Delta, error) {
	var out []world.Delta
	err := ReadEntries(path, func(e Entry) error {
		if e.Kind == EntryDelta && e.Delta != nil {
			out = append(out, *e.Delta)
		}
		return nil
	})
	return out, err
}
