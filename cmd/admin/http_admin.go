package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

func sessionsCmd(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	adminDo(http.MethodGet, adminURL(*baseURL, "/admin/v1/sessions"), 5*time.Second)
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	id := fs.String("session", "", "session id")
	_ = fs.Parse(args)

	adminDo(http.MethodPost, adminURL(*baseURL, "/admin/v1/sessions/"+requireSession(*id)+"/snapshot"), 10*time.Second)
}

func destroyCmd(args []string) {
	fs := flag.NewFlagSet("destroy", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	id := fs.String("session", "", "session id")
	_ = fs.Parse(args)

	adminDo(http.MethodDelete, adminURL(*baseURL, "/admin/v1/sessions/"+requireSession(*id)), 10*time.Second)
}

func historyCmd(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	adminDo(http.MethodGet, adminURL(*baseURL, "/admin/v1/history?limit="+strconv.Itoa(*limit)), 5*time.Second)
}

func requireSession(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		fmt.Fprintln(os.Stderr, "missing -session")
		os.Exit(2)
	}
	return url.PathEscape(id)
}

func adminURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}

func adminDo(method, u string, timeout time.Duration) {
	req, err := http.NewRequest(method, u, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(2)
	}
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}
