package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"crawlparty.io/internal/session"
	"crawlparty.io/internal/sim/world"
)

const schemaVersion = "1"

// SQLiteIndex is a queryable read model of sessions, participants, rounds and
// deltas. Writes go through a buffered channel to a single writer goroutine;
// when the writer falls behind, records are dropped and counted. The delta
// log stays the source of truth.
type SQLiteIndex struct {
	db     *sql.DB
	logger *log.Logger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropped [reqKinds]atomic.Uint64
	written atomic.Uint64
	failed  atomic.Uint64
}

var _ session.Recorder = (*SQLiteIndex)(nil)

type reqKind int

const (
	reqSessionStart reqKind = iota
	reqSessionEnd
	reqParticipant
	reqDelta
	reqSnapshot
	reqKinds
)

func (k reqKind) String() string {
	switch k {
	case reqSessionStart:
		return "session_start"
	case reqSessionEnd:
		return "session_end"
	case reqParticipant:
		return "participant"
	case reqDelta:
		return "delta"
	case reqSnapshot:
		return "snapshot"
	}
	return "unknown"
}

type req struct {
	kind      reqKind
	sessionID string

	info        session.SessionInfo
	end         endRow
	participant session.ParticipantEvent
	delta       world.Delta
	at          time.Time
	snapshot    snapshotRow
}

type endRow struct {
	At     time.Time
	Reason string
	Seq    uint64
	Turn   uint64
}

type snapshotRow struct {
	Seq  uint64
	Kind string
	Path string
	At   time.Time
}

// Options tune the writer. Zero values take defaults.
type Options struct {
	QueueSize     int
	CommitEvery   int
	CommitMaxWait time.Duration
	Logger        *log.Logger
}

func OpenSQLite(path string, opts Options) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 65536
	}
	if opts.CommitEvery <= 0 {
		opts.CommitEvery = 500
	}
	if opts.CommitMaxWait <= 0 {
		opts.CommitMaxWait = time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:     db,
		logger: log.New(logger.Writer(), "[indexdb] ", logger.Flags()),
		ch:     make(chan req, opts.QueueSize),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(opts.CommitEvery, opts.CommitMaxWait)
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			actions_per_round INTEGER NOT NULL,
			conflict_policy TEXT NOT NULL,
			seed INTEGER NOT NULL,
			map_id TEXT NOT NULL,
			map_width INTEGER NOT NULL,
			map_height INTEGER NOT NULL,
			ended_at TEXT,
			end_reason TEXT,
			final_seq INTEGER,
			final_turn INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);`,
		`CREATE TABLE IF NOT EXISTS participants (
			session_id TEXT NOT NULL,
			at TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			status TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_participants_session ON participants(session_id, participant_id);`,
		`CREATE TABLE IF NOT EXISTS rounds (
			session_id TEXT NOT NULL,
			turn INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			at TEXT NOT NULL,
			changes INTEGER NOT NULL,
			PRIMARY KEY (session_id, turn)
		);`,
		`CREATE TABLE IF NOT EXISTS deltas (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			turn INTEGER NOT NULL,
			kind TEXT NOT NULL,
			origin TEXT NOT NULL,
			changes INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deltas_origin ON deltas(session_id, origin, seq);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			path TEXT NOT NULL,
			written_at TEXT NOT NULL,
			PRIMARY KEY (session_id, kind, seq)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version',?)`, schemaVersion)
	return err
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) enqueue(r req) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		s.dropped[r.kind].Add(1)
	}
}

func (s *SQLiteIndex) SessionStarted(info session.SessionInfo, _ world.Snapshot) {
	s.enqueue(req{kind: reqSessionStart, sessionID: info.ID, info: info})
}

func (s *SQLiteIndex) Delta(sessionID string, d world.Delta) {
	s.enqueue(req{kind: reqDelta, sessionID: sessionID, delta: d, at: time.Now()})
}

func (s *SQLiteIndex) Participant(sessionID string, ev session.ParticipantEvent) {
	s.enqueue(req{kind: reqParticipant, sessionID: sessionID, participant: ev})
}

func (s *SQLiteIndex) SessionEnded(sessionID string, final world.Snapshot, reason string) {
	s.enqueue(req{kind: reqSessionEnd, sessionID: sessionID, end: endRow{
		At:     time.Now(),
		Reason: reason,
		Seq:    final.Seq,
		Turn:   final.TurnCount,
	}})
}

// RecordSnapshot indexes a snapshot file written for a session.
func (s *SQLiteIndex) RecordSnapshot(sessionID, kind string, seq uint64, path string) {
	s.enqueue(req{kind: reqSnapshot, sessionID: sessionID, snapshot: snapshotRow{Seq: seq, Kind: kind, Path: path, At: time.Now()}})
}

type Stats struct {
	QueueDepth    int               `json:"queue_depth"`
	QueueCapacity int               `json:"queue_capacity"`
	Written       uint64            `json:"written"`
	Failed        uint64            `json:"failed"`
	Dropped       map[string]uint64 `json:"dropped"`
}

func (s *SQLiteIndex) Stats() Stats {
	st := Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		Written:       s.written.Load(),
		Failed:        s.failed.Load(),
		Dropped:       map[string]uint64{},
	}
	for k := reqKind(0); k < reqKinds; k++ {
		if n := s.dropped[k].Load(); n > 0 {
			st.Dropped[k.String()] = n
		}
	}
	return st
}

func (s *SQLiteIndex) loop(commitEvery int, commitMaxWait time.Duration) {
	ctx := context.Background()

	var (
		tx      *sql.Tx
		opCount int
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.logger.Printf("begin: %v", err)
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.logger.Printf("commit: %v", err)
			s.failed.Add(uint64(opCount))
		} else {
			s.written.Add(uint64(opCount))
		}
		tx = nil
		opCount = 0
	}

	t := time.NewTicker(commitMaxWait)
	defer t.Stop()
	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			begin()
			if tx == nil {
				s.failed.Add(1)
				continue
			}
			if err := apply(tx, r); err != nil {
				s.logger.Printf("%s %s: %v", r.kind, r.sessionID, err)
				s.failed.Add(1)
				continue
			}
			opCount++
			if opCount >= commitEvery {
				commit()
			}
		case <-t.C:
			commit()
		}
	}
}

func apply(tx *sql.Tx, r req) error {
	switch r.kind {
	case reqSessionStart:
		i := r.info
		_, err := tx.Exec(`INSERT OR REPLACE INTO sessions(id,created_at,actions_per_round,conflict_policy,seed,map_id,map_width,map_height) VALUES(?,?,?,?,?,?,?,?)`,
			i.ID, stamp(i.CreatedAt), i.ActionsPerRound, i.Conflict, i.Seed, i.Map.ID, i.Map.Width, i.Map.Height)
		return err

	case reqSessionEnd:
		e := r.end
		_, err := tx.Exec(`UPDATE sessions SET ended_at=?, end_reason=?, final_seq=?, final_turn=? WHERE id=?`,
			stamp(e.At), e.Reason, int64(e.Seq), int64(e.Turn), r.sessionID)
		return err

	case reqParticipant:
		p := r.participant
		_, err := tx.Exec(`INSERT INTO participants(session_id,at,participant_id,name,entity_id,status) VALUES(?,?,?,?,?,?)`,
			r.sessionID, stamp(p.At), p.ParticipantID, p.Name, p.EntityID, p.Status)
		return err

	case reqDelta:
		d := r.delta
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT OR REPLACE INTO deltas(session_id,seq,turn,kind,origin,changes,raw_json) VALUES(?,?,?,?,?,?,?)`,
			r.sessionID, int64(d.Seq), int64(d.Turn), string(d.Kind), d.Origin, len(d.Changes), string(raw)); err != nil {
			return err
		}
		if d.Kind != world.DeltaEnvironment {
			return nil
		}
		_, err = tx.Exec(`INSERT OR REPLACE INTO rounds(session_id,turn,seq,at,changes) VALUES(?,?,?,?,?)`,
			r.sessionID, int64(d.Turn), int64(d.Seq), stamp(r.at), len(d.Changes))
		return err

	case reqSnapshot:
		sn := r.snapshot
		_, err := tx.Exec(`INSERT OR REPLACE INTO snapshots(session_id,seq,kind,path,written_at) VALUES(?,?,?,?,?)`,
			r.sessionID, int64(sn.Seq), sn.Kind, sn.Path, stamp(sn.At))
		return err
	}
	return fmt.Errorf("unknown request kind %d", r.kind)
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// SessionRow is one indexed session.
type SessionRow struct {
	ID              string `json:"id"`
	CreatedAt       string `json:"created_at"`
	ActionsPerRound int    `json:"actions_per_round"`
	Conflict        string `json:"conflict_policy"`
	Seed            int64  `json:"seed"`
	MapID           string `json:"map_id"`
	EndedAt         string `json:"ended_at,omitempty"`
	EndReason       string `json:"end_reason,omitempty"`
	FinalSeq        uint64 `json:"final_seq,omitempty"`
	FinalTurn       uint64 `json:"final_turn,omitempty"`
	Rounds          int    `json:"rounds"`
	Deltas          int    `json:"deltas"`
	Participants    int    `json:"participants"`
}

const sessionCols = `s.id, s.created_at, s.actions_per_round, s.conflict_policy, s.seed, s.map_id,
	COALESCE(s.ended_at,''), COALESCE(s.end_reason,''), COALESCE(s.final_seq,0), COALESCE(s.final_turn,0),
	(SELECT COUNT(*) FROM rounds r WHERE r.session_id = s.id),
	(SELECT COUNT(*) FROM deltas d WHERE d.session_id = s.id),
	(SELECT COUNT(DISTINCT p.participant_id) FROM participants p WHERE p.session_id = s.id)`

func scanSession(sc interface{ Scan(...any) error }) (SessionRow, error) {
	var (
		r         SessionRow
		seq, turn int64
	)
	err := sc.Scan(&r.ID, &r.CreatedAt, &r.ActionsPerRound, &r.Conflict, &r.Seed, &r.MapID,
		&r.EndedAt, &r.EndReason, &seq, &turn, &r.Rounds, &r.Deltas, &r.Participants)
	r.FinalSeq, r.FinalTurn = uint64(seq), uint64(turn)
	return r, err
}

// ErrNotFound is returned by Session for unknown ids.
var ErrNotFound = errors.New("not found")

func (s *SQLiteIndex) Session(ctx context.Context, id string) (SessionRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions s WHERE s.id = ?`, id)
	r, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrNotFound
	}
	return r, err
}

// RecentSessions lists the newest sessions first.
func (s *SQLiteIndex) RecentSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionCols+` FROM sessions s ORDER BY s.created_at DESC, s.id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Deltas returns the indexed deltas of a session from seq onwards.
func (s *SQLiteIndex) Deltas(ctx context.Context, sessionID string, fromSeq uint64) ([]world.Delta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT raw_json FROM deltas WHERE session_id = ? AND seq >= ? ORDER BY seq`, sessionID, int64(fromSeq))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []world.Delta
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var d world.Delta
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
