package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"crawlparty.io/internal/persistence/archive"
	"crawlparty.io/internal/persistence/indexdb"
	"crawlparty.io/internal/persistence/snapshot"
	"crawlparty.io/internal/session"
	"crawlparty.io/internal/transport/observer"
	"crawlparty.io/internal/transport/ws"
)

type app struct {
	reg     *session.Registry
	ws      *ws.Server
	watch   *observer.Server
	archive *archive.Archive
	index   *indexdb.SQLiteIndex
	logger  *log.Logger
	started time.Time
}

func (a *app) routes(admin bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", a.handleMetrics)
	mux.HandleFunc("/v1/ws", a.ws.Handler())
	mux.HandleFunc("/v1/observe", a.watch.WSHandler())
	mux.HandleFunc("/v1/observe/summary", a.watch.SummaryHandler())

	if admin {
		// Local-only admin endpoints.
		mux.HandleFunc("GET /admin/v1/sessions", loopbackOnly(a.handleListSessions))
		mux.HandleFunc("DELETE /admin/v1/sessions/{id}", loopbackOnly(a.handleDestroySession))
		mux.HandleFunc("POST /admin/v1/sessions/{id}/snapshot", loopbackOnly(a.handleSnapshot))
		mux.HandleFunc("GET /admin/v1/history", loopbackOnly(a.handleHistory))
	}
	return mux
}

func (a *app) handleMetrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	m := a.reg.Metrics()
	st := a.ws.Stats()

	// Minimal Prometheus exposition format.
	gauge(rw, "crawlparty_sessions", "Live sessions by status.", "")
	fmt.Fprintf(rw, "crawlparty_sessions{status=%q} %d\n", "lobby", m.Lobby)
	fmt.Fprintf(rw, "crawlparty_sessions{status=%q} %d\n", "active", m.Active)
	gauge(rw, "crawlparty_sessions_paused", "Active sessions currently paused.", fmt.Sprint(m.Paused))
	gauge(rw, "crawlparty_participants", "Participants across all sessions.", fmt.Sprint(m.Participants))
	gauge(rw, "crawlparty_participants_connected", "Participants with a live connection.", fmt.Sprint(m.Connected))
	gauge(rw, "crawlparty_spectators", "Read-only spectators across all sessions.", fmt.Sprint(m.Spectators))

	counter(rw, "crawlparty_rounds_total", "Rounds completed by live sessions.", m.Rounds)
	counter(rw, "crawlparty_deltas_total", "Deltas committed by live sessions.", m.Deltas)
	counter(rw, "crawlparty_driver_timeouts_total", "Environment driver steps that hit the deadline.", m.DriverTimeouts)
	counter(rw, "crawlparty_sessions_created_total", "Sessions created.", m.Created)
	counter(rw, "crawlparty_sessions_reaped_total", "Empty sessions destroyed by the reaper.", m.Reaped)
	counter(rw, "crawlparty_sessions_failed_total", "Sessions that failed to start.", m.Failed)

	gauge(rw, "crawlparty_ws_open", "Open websocket connections.", fmt.Sprint(st.Open))
	counter(rw, "crawlparty_ws_accepted_total", "Connections that completed the handshake.", st.Accepted)
	counter(rw, "crawlparty_ws_handshake_failures_total", "Connections rejected during the handshake.", st.HandshakeFails)
	counter(rw, "crawlparty_ws_protocol_errors_total", "Malformed or unknown frames.", st.ProtocolErrors)
	counter(rw, "crawlparty_ws_dropped_total", "Connections dropped for repeated protocol errors.", st.Dropped)
	counter(rw, "crawlparty_observer_served_total", "Spectator streams opened.", a.watch.Served())

	if a.index != nil {
		is := a.index.Stats()
		gauge(rw, "crawlparty_index_queue_depth", "Index writer backlog.", fmt.Sprint(is.QueueDepth))
		counter(rw, "crawlparty_index_written_total", "Index records committed.", is.Written)
		counter(rw, "crawlparty_index_failed_total", "Index records that failed to commit.", is.Failed)
		kinds := make([]string, 0, len(is.Dropped))
		for k := range is.Dropped {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		fmt.Fprintf(rw, "# HELP crawlparty_index_dropped_total Index records dropped because the queue was full.\n")
		fmt.Fprintf(rw, "# TYPE crawlparty_index_dropped_total counter\n")
		for _, k := range kinds {
			fmt.Fprintf(rw, "crawlparty_index_dropped_total{kind=%q} %d\n", k, is.Dropped[k])
		}
	}

	gauge(rw, "crawlparty_uptime_seconds", "Seconds since the server started.", fmt.Sprintf("%.0f", time.Since(a.started).Seconds()))
}

// gauge writes HELP/TYPE and, when value is non-empty, an unlabelled sample.
func gauge(rw http.ResponseWriter, name, help, value string) {
	fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
	fmt.Fprintf(rw, "# TYPE %s gauge\n", name)
	if value != "" {
		fmt.Fprintf(rw, "%s %s\n", name, value)
	}
}

func counter(rw http.ResponseWriter, name, help string, v uint64) {
	fmt.Fprintf(rw, "# HELP %s %s\n", name, help)
	fmt.Fprintf(rw, "# TYPE %s counter\n", name)
	fmt.Fprintf(rw, "%s %d\n", name, v)
}

func (a *app) handleListSessions(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]any{"sessions": a.reg.List()})
}

func (a *app) handleDestroySession(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := a.reg.Destroy(id, "destroyed by admin"); err != nil {
		writeJSON(rw, statusFor(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	a.logger.Printf("admin destroyed session %s", id)
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true})
}

func (a *app) handleSnapshot(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, err := a.reg.Get(id)
	if err != nil {
		writeJSON(rw, statusFor(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	snap, err := s.Snapshot()
	if err != nil {
		writeJSON(rw, statusFor(err), map[string]any{"ok": false, "error": err.Error()})
		return
	}
	path, err := a.archive.WriteManual(id, snap)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "seq": snap.Seq, "error": err.Error()})
		return
	}
	if a.index != nil {
		a.index.RecordSnapshot(id, string(snapshot.KindManual), snap.Seq, path)
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "seq": snap.Seq, "turn_count": snap.TurnCount, "path": path})
}

func (a *app) handleHistory(rw http.ResponseWriter, r *http.Request) {
	if a.index == nil {
		writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": "index disabled"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := a.index.RecentSessions(r.Context(), limit)
	if err != nil {
		writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "sessions": rows})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionGone):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
