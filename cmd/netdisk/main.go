// cmd/netdisk/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Gammanik/netdisk/internal/api"
	"github.com/Gammanik/netdisk/internal/config"
	"github.com/Gammanik/netdisk/internal/database"
	"github.com/Gammanik/netdisk/internal/download"
	"github.com/Gammanik/netdisk/internal/files"
	"github.com/Gammanik/netdisk/internal/metastore"
	"github.com/Gammanik/netdisk/internal/storage"
	"github.com/Gammanik/netdisk/internal/task"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to the YAML configuration file")
	listen := pflag.String("listen", "", "HTTP listen address (overrides the config file)")
	logLevel := pflag.String("log-level", "", "Log level: debug, info, warn or error")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "netdisk: %v\n", err)
		os.Exit(2)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "netdisk: log level: %v\n", err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(cfg, logger); err != nil {
		logger.Error("netdisk stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	for _, dir := range []string{cfg.Paths.StoreRoot, cfg.Paths.PublicRoot, cfg.DownloadDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	records, err := metastore.NewBoltStore(cfg.Paths.MetaDB)
	if err != nil {
		return fmt.Errorf("opening metastore: %w", err)
	}
	defer records.Close()

	db, err := database.Open(cfg.Paths.TaskDB)
	if err != nil {
		return fmt.Errorf("opening task database: %w", err)
	}
	defer db.Close()
	repo, err := download.NewSQLiteRepository(db)
	if err != nil {
		return fmt.Errorf("preparing task table: %w", err)
	}

	store, err := storage.New(storage.Options{
		Type:       cfg.Store.Type,
		UserRoot:   cfg.UserRoot,
		UniqueRoot: cfg.UniqueRoot(),
		ShardDepth: cfg.Store.ShardDepth,
		ShardWidth: cfg.Store.ShardWidth,
		Logger:     logger.With("component", "storage"),
	})
	if err != nil {
		return err
	}

	fileService := files.NewService(store, records, files.Options{
		SpoolDir:   filepath.Join(filepath.Dir(cfg.DownloadDir()), "upload"),
		StoreRoot:  cfg.Paths.StoreRoot,
		PublicRoot: cfg.Paths.PublicRoot,
		Logger:     logger.With("component", "files"),
	})

	manager := task.NewManager(task.Options{
		MaxConcurrent: cfg.Tasks.MaxConcurrent,
		Logger:        logger.With("component", "task"),
	})

	downloads := download.NewService(repo, records, records, fileService, manager, download.Options{
		Dir:              cfg.DownloadDir(),
		BufferSize:       cfg.Download.BufferSize,
		ProgressInterval: cfg.Download.ProgressInterval,
		Timeout:          cfg.Download.Timeout,
		UserAgent:        cfg.Download.UserAgent,
		Logger:           logger.With("component", "download"),
	})

	router := api.NewRouter(&api.Handler{
		Files:     fileService,
		Downloads: downloads,
		Proxies:   records,
		Store:     store,
		Logger:    logger.With("component", "api"),
	})

	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       300 * time.Second,
		WriteTimeout:      300 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("netdisk listening", "addr", cfg.Listen, "store_type", store.StoreType(),
			"store_root", cfg.Paths.StoreRoot)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "running_tasks", manager.Len())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("task shutdown", "error", err)
	}
	return nil
}
