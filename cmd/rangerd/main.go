package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openrangelab/rangerd/infrastructure/logging"
	"github.com/openrangelab/rangerd/infrastructure/metrics"
	"github.com/openrangelab/rangerd/infrastructure/middleware"
	"github.com/openrangelab/rangerd/internal/accounts"
	"github.com/openrangelab/rangerd/internal/backend"
	"github.com/openrangelab/rangerd/internal/config"
	"github.com/openrangelab/rangerd/internal/distributor"
	"github.com/openrangelab/rangerd/internal/housekeeping"
	"github.com/openrangelab/rangerd/internal/pipeline"
	"github.com/openrangelab/rangerd/internal/platform/database"
	"github.com/openrangelab/rangerd/internal/platform/migrations"
	"github.com/openrangelab/rangerd/internal/store"
	"github.com/openrangelab/rangerd/internal/wsink"
	"github.com/openrangelab/rangerd/pkg/pgnotify"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (overrides CONFIG_FILE)")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("CONFIG_FILE", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("rangerd", cfg.Logging.Level, cfg.Logging.Format)
	m := metrics.New("rangerd")

	rootCtx := context.Background()

	db, err := database.Open(rootCtx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal(rootCtx, "connect to postgres", err)
	}
	defer db.Close()
	configurePool(db, cfg)

	if cfg.Database.MigrateOnStart {
		if err := migrations.Apply(rootCtx, db); err != nil {
			logger.Fatal(rootCtx, "apply migrations", err)
		}
	}

	hub := wsink.New(logger)
	var watcher store.Watcher = hub
	if bus, err := pgnotify.NewWithDB(db, cfg.Database.DSN, logger); err != nil {
		logger.WithError(err).Warn("pgnotify bus unavailable; sink events stay local to this process")
	} else {
		defer bus.Close()
		if err := hub.Subscribe(bus); err != nil {
			logger.WithError(err).Warn("subscribing sink hub to pgnotify failed")
		}
		watcher = wsink.NewPublisher(bus, logger)
	}
	st := store.New(db, watcher)
	acct := accounts.New(db)

	dist := distributor.New(logger, m)
	connectBackends(rootCtx, dist, cfg.Deployers, logger)

	mgr := pipeline.New(dist, st, acct, logger, m, cfg.FileStoragePath)
	_ = mgr // held for the lifetime of the process; invoked by the external, non-goal REST surface this binary does not implement.

	reaper := housekeeping.New(st, cfg.Housekeeping.Schedule, time.Duration(cfg.Housekeeping.GracePeriodSeconds)*time.Second, logger, m)
	if err := reaper.Start(rootCtx); err != nil {
		logger.Fatal(rootCtx, "start housekeeping reaper", err)
	}
	defer reaper.Stop()

	router := mux.NewRouter()
	health := middleware.NewHealthChecker("rangerd")
	health.RegisterCheck("database", func() error {
		ctx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	})
	router.Handle("/healthz", health.Handler()).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/sink", hub.ServeHTTP)

	addr := serverAddr(cfg)
	srv := &http.Server{Addr: addr, Handler: router}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info(rootCtx, "rangerd listening", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(rootCtx, "http server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(rootCtx, "http shutdown failed", err, nil)
	}
	wg.Wait()
}

func serverAddr(cfg *config.Config) string {
	host := cfg.Server.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func connectBackends(ctx context.Context, dist *distributor.Distributor, deployers map[string]string, logger *logging.Logger) {
	for name, addr := range deployers {
		conn, err := backend.Connect(ctx, name, addr)
		if err != nil {
			logger.WithError(err).WithFields(map[string]interface{}{"backend": name, "addr": addr}).Warn("backend unreachable at startup; it is not registered for selection")
			continue
		}
		dist.AddBackend(conn)
	}
}
