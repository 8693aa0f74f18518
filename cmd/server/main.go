package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"crawlparty.io/internal/config"
	"crawlparty.io/internal/persistence/archive"
	"crawlparty.io/internal/protocol"
	"crawlparty.io/internal/session"
	"crawlparty.io/internal/sim/combat"
	"crawlparty.io/internal/sim/dungeon"
	"crawlparty.io/internal/sim/npc"
	"crawlparty.io/internal/transport/observer"
	"crawlparty.io/internal/transport/ws"
)

func main() {
	var (
		addr      = flag.String("addr", ":8080", "http listen address")
		configDir = flag.String("configs", "./configs", "config directory (tuning.yaml, recipes.json)")
		dataDir   = flag.String("data", "./data", "runtime data directory")
		disableDB = flag.Bool("disable_db", false, "disable the sqlite session index")
		adminHTTP = flag.Bool("admin", defaultEnableAdminHTTP(), "serve loopback-only /admin/v1 endpoints")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configDir, nil)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("config: k=%d max_participants=%d grace=%s conflict=%s recipes=%d (%s)",
		cfg.Tuning.Session.ActionsPerRound, cfg.Tuning.Session.MaxParticipants, cfg.Tuning.Session.Grace,
		cfg.Tuning.Session.ConflictPolicy, len(cfg.Recipes.ByID), shortDigest(cfg.Recipes.Digest))

	secret := []byte(cfg.CredentialSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			logger.Fatalf("credential secret: %v", err)
		}
		logger.Printf("CRAWL_CREDENTIAL_SECRET not set; using a random secret (credentials die with this process)")
	}
	creds, err := session.NewCredentials(secret, cfg.Tuning.Credentials.TTL)
	if err != nil {
		logger.Fatalf("credentials: %v", err)
	}

	schemas, err := protocol.LoadSchemas()
	if err != nil {
		logger.Fatalf("load schemas: %v", err)
	}

	// Optional read model; the archive below is the source of truth.
	idx, err := openRuntimeIndex(*dataDir, *disableDB, logger)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	arc := archive.New(filepath.Join(*dataDir, "sessions"), logger)
	recorders := session.MultiRecorder{arc}
	if idx != nil {
		recorders = append(recorders, idx)
	}

	formulas := combat.NewStandard()
	reg := session.NewRegistry(cfg.Tuning.RegistryConfig(cfg.Recipes.ByID), session.Deps{
		Generate:    dungeon.Generate,
		Formulas:    formulas,
		Driver:      npc.New(formulas),
		Credentials: creds,
		Recorder:    recorders,
		Logger:      logger,
	})
	tc := cfg.Tuning.TransportConfig(cfg.AccessKey)
	wsSrv := ws.NewServer(reg, schemas, tc, logger)
	watchSrv := observer.NewServer(reg, observer.Config{
		AccessKey:    cfg.AccessKey,
		ReadTimeout:  tc.ReadTimeout,
		WriteTimeout: tc.WriteTimeout,
		PingInterval: tc.PingInterval,
	}, logger)

	a := &app{
		reg:     reg,
		ws:      wsSrv,
		watch:   watchSrv,
		archive: arc,
		index:   idx,
		logger:  logger,
		started: time.Now(),
	}
	srv := &http.Server{
		Addr:              *addr,
		Handler:           a.routes(*adminHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if !*adminHTTP {
		logger.Printf("admin endpoints disabled")
	}

	ctx, cancel := signalContext()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reg.Run(gctx)
	})
	g.Go(func() error {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})

	err = g.Wait()
	// Sessions record their final snapshots while the registry closes, so
	// the index goes last.
	reg.Close()
	if idx != nil {
		if cerr := idx.Close(); cerr != nil {
			logger.Printf("close index: %v", cerr)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("server: %v", err)
	}
	logger.Printf("stopped")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
