package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crawlparty.io/internal/persistence/archive"
	"crawlparty.io/internal/persistence/indexdb"
	"crawlparty.io/internal/protocol"
	"crawlparty.io/internal/session"
	"crawlparty.io/internal/sim/combat"
	"crawlparty.io/internal/sim/dungeon"
	"crawlparty.io/internal/sim/npc"
	"crawlparty.io/internal/transport/observer"
	"crawlparty.io/internal/transport/ws"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	dir := t.TempDir()
	logger := log.New(io.Discard, "", 0)

	creds, err := session.NewCredentials([]byte("0123456789abcdef0123456789abcdef"), time.Hour)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	schemas, err := protocol.LoadSchemas()
	if err != nil {
		t.Fatalf("schemas: %v", err)
	}
	idx, err := indexdb.OpenSQLite(filepath.Join(dir, "index.sqlite"), indexdb.Options{Logger: logger, CommitMaxWait: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	arc := archive.New(filepath.Join(dir, "sessions"), logger)

	formulas := combat.NewStandard()
	reg := session.NewRegistry(session.RegistryConfig{Base: session.DefaultConfig()}, session.Deps{
		Generate:    dungeon.Generate,
		Formulas:    formulas,
		Driver:      npc.New(formulas),
		Credentials: creds,
		Recorder:    session.MultiRecorder{arc, idx},
		Logger:      logger,
	})
	t.Cleanup(func() {
		reg.Close()
		_ = idx.Close()
	})
	return &app{
		reg:     reg,
		ws:      ws.NewServer(reg, schemas, ws.DefaultConfig(), logger),
		watch:   observer.NewServer(reg, observer.DefaultConfig(), logger),
		archive: arc,
		index:   idx,
		logger:  logger,
		started: time.Now(),
	}
}

func do(t *testing.T, h http.Handler, method, path, remote string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remote
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const local = "127.0.0.1:50000"

func TestHealthzAndMetrics(t *testing.T) {
	a := newTestApp(t)
	h := a.routes(true)

	if rr := do(t, h, http.MethodGet, "/healthz", local); rr.Code != 200 || rr.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rr.Code, rr.Body.String())
	}

	if _, _, err := a.reg.Create("alice", session.CreateOptions{Seed: 9}, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	rr := do(t, h, http.MethodGet, "/metrics", local)
	if rr.Code != 200 {
		t.Fatalf("metrics status %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"crawlparty_sessions_created_total 1\n",
		`crawlparty_sessions{status="lobby"} 1`,
		"# TYPE crawlparty_ws_open gauge\n",
		"# TYPE crawlparty_index_dropped_total counter\n",
		"crawlparty_spectators 0\n",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestAdmin_LoopbackOnly(t *testing.T) {
	a := newTestApp(t)
	h := a.routes(true)

	if rr := do(t, h, http.MethodGet, "/admin/v1/sessions", "203.0.113.7:4000"); rr.Code != http.StatusForbidden {
		t.Fatalf("remote admin status %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/admin/v1/sessions", "[::1]:4000"); rr.Code != http.StatusOK {
		t.Fatalf("ipv6 loopback admin status %d", rr.Code)
	}

	off := a.routes(false)
	if rr := do(t, off, http.MethodGet, "/admin/v1/sessions", local); rr.Code != http.StatusNotFound {
		t.Fatalf("admin disabled status %d", rr.Code)
	}
}

func TestAdmin_SnapshotListDestroy(t *testing.T) {
	a := newTestApp(t)
	h := a.routes(true)

	s, _, err := a.reg.Create("alice", session.CreateOptions{Seed: 9}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rr := do(t, h, http.MethodGet, "/admin/v1/sessions", local)
	var list struct {
		Sessions []session.Summary `json:"sessions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].ID != s.ID() {
		t.Fatalf("list: %+v", list.Sessions)
	}

	rr = do(t, h, http.MethodPost, "/admin/v1/sessions/"+s.ID()+"/snapshot", local)
	if rr.Code != http.StatusOK {
		t.Fatalf("snapshot status %d: %s", rr.Code, rr.Body.String())
	}
	var snap struct {
		OK   bool   `json:"ok"`
		Seq  uint64 `json:"seq"`
		Path string `json:"path"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if !snap.OK || snap.Seq == 0 {
		t.Fatalf("snapshot response: %+v", snap)
	}
	if _, err := os.Stat(snap.Path); err != nil {
		t.Fatalf("snapshot file: %v", err)
	}

	if rr := do(t, h, http.MethodPost, "/admin/v1/sessions/nope/snapshot", local); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown snapshot status %d", rr.Code)
	}

	if rr := do(t, h, http.MethodDelete, "/admin/v1/sessions/"+s.ID(), local); rr.Code != http.StatusOK {
		t.Fatalf("destroy status %d", rr.Code)
	}
	if rr := do(t, h, http.MethodDelete, "/admin/v1/sessions/"+s.ID(), local); rr.Code != http.StatusNotFound {
		t.Fatalf("second destroy status %d", rr.Code)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rr = do(t, h, http.MethodGet, "/admin/v1/history?limit=5", local)
		var hist struct {
			Sessions []indexdb.SessionRow `json:"sessions"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &hist); err != nil {
			t.Fatalf("decode history: %v", err)
		}
		if len(hist.Sessions) == 1 && hist.Sessions[0].EndReason != "" {
			if hist.Sessions[0].ID != s.ID() {
				t.Fatalf("history row: %+v", hist.Sessions[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never showed the ended session: %s", rr.Body.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80":   true,
		"[::1]:80":       true,
		"::1":            true,
		"10.0.0.1:80":    false,
		"example.com:80": false,
		"":               false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q) = %v, want %v", in, got, want)
		}
	}
}
