package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcjsscripts/jspm-registry/config"
	"github.com/mcjsscripts/jspm-registry/gitstore"
	"github.com/mcjsscripts/jspm-registry/handler"
	"github.com/mcjsscripts/jspm-registry/mojang"
	"github.com/mcjsscripts/jspm-registry/registry"
	"github.com/mcjsscripts/jspm-registry/routes"
	"github.com/mcjsscripts/jspm-registry/service"
	"github.com/mcjsscripts/jspm-registry/store/postgres"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	//----------------------------------------------------------------------
	// 1. env config
	//----------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		log.Error("config", "error", err)
		os.Exit(1)
	}

	//----------------------------------------------------------------------
	// 2. Postgres (credential store)
	//----------------------------------------------------------------------
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("pgxpool.New", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	//----------------------------------------------------------------------
	// 3. content tree — bound once at startup, fatal if unresolvable
	//----------------------------------------------------------------------
	tree, err := gitstore.Open(cfg.RepoPath, cfg.RepoBranch, cfg.CommitterName, cfg.CommitterEmail)
	if err != nil {
		log.Error("open content repository", "path", cfg.RepoPath, "error", err)
		os.Exit(1)
	}

	//----------------------------------------------------------------------
	// 4. domain → service → API handlers
	//----------------------------------------------------------------------
	repo := registry.New(tree, cfg.PublicRepoURL, cfg.BanListFailClosed)
	verifier := mojang.NewClient(mojang.WithBaseURL(cfg.SessionServerURL))
	svc := service.New(postgres.NewStore(pool), verifier, repo, service.Options{
		NonceTTL: cfg.NonceTTL,
		TokenTTL: cfg.TokenTTL,
	})
	srv := handler.New(svc, log, cfg.MaxBundleBytes)
	api := routes.Setup(srv, log, cfg.PublishPerMinute)

	//----------------------------------------------------------------------
	// 5. HTTP server with graceful shutdown
	//----------------------------------------------------------------------
	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("jspm registry listening", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ListenAndServe", "error", err)
			os.Exit(1)
		}
	}()

	// CTRL-C → graceful stop
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", "error", err)
		os.Exit(1)
	}
}
