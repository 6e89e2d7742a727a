package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"claimcraft.ai/internal/persistence/claimdb"
	persistlog "claimcraft.ai/internal/persistence/log"
	"claimcraft.ai/internal/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to claims.yaml (default: <configs>/claims.yaml)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		dbPath     = flag.String("db", "", "sqlite database path (default: <data>/claims.sqlite)")
		wsToken    = flag.String("ws_token", "", "shared token required in HELLO (or set CLAIMCRAFT_WS_TOKEN)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "claims.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		if tune, err = tuning.Load(""); err != nil {
			logger.Fatalf("load tuning: %v", err)
		}
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "claims.sqlite")
	}
	db, err := claimdb.Open(path)
	if err != nil {
		logger.Fatalf("open claim db: %v", err)
	}
	defer db.Close()

	auditLog := persistlog.NewAuditLogger(*dataDir, tune.LogRetention())
	defer auditLog.Close()
	upkeepLog := persistlog.NewUpkeepLogger(*dataDir, tune.LogRetention())
	defer upkeepLog.Close()

	token := strings.TrimSpace(*wsToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("CLAIMCRAFT_WS_TOKEN"))
	}
	rt := newRuntime(db, tune, runtimeDeps{
		Audit:     auditLog,
		UpkeepLog: upkeepLog,
		Token:     token,
		Logger:    logger,
	})

	ctx, cancel := signalContext()
	defer cancel()
	rt.start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", rt.handleMetrics)
	rt.routes(mux)

	enableAdminHTTP := envBool("CLAIMCRAFT_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("CLAIMCRAFT_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		rt.adminRoutes(mux)
	} else {
		logger.Printf("admin endpoints disabled (CLAIMCRAFT_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s db=%s grid=%d price_per_hour=%.2f", *addr, path, tune.GridSize, tune.PricePerHour)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
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
