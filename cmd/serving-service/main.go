package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/synaptica-ai/ctscan/pkg/common/config"
	"github.com/synaptica-ai/ctscan/pkg/common/database"
	"github.com/synaptica-ai/ctscan/pkg/common/logger"
	"github.com/synaptica-ai/ctscan/pkg/pipeline"
	"github.com/synaptica-ai/ctscan/pkg/serving"
	"github.com/synaptica-ai/ctscan/pkg/serving/predictor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, closeLog, err := logger.New(logger.Options{
		Dir:     cfg.LogDir,
		File:    cfg.LogFile,
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Console: true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()

	p, err := predictor.New(cfg.ModelPath, cfg.InputImage, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load model")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() {
		if err := p.Watch(ctx); err != nil {
			log.WithError(err).Warn("Model file watch disabled")
		}
	}()

	opts := serving.Options{
		UploadDir:      cfg.UploadDir,
		MaxRequestBody: cfg.MaxRequestBody,
		Train: func(ctx context.Context) error {
			_, err := pipeline.RunEntry(ctx, pipeline.EntryFull, cfg, log)
			return err
		},
	}
	if cfg.PredictionLogURL != "" {
		db, err := database.Open(cfg.PredictionLogURL, log)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to prediction log")
		}
		defer database.Close(db)
		repo := serving.NewRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			log.WithError(err).Fatal("Failed to migrate prediction log tables")
		}
		opts.Repository = repo
	}

	router := mux.NewRouter()
	serving.NewHTTPHandler(p, opts, log).Register(router)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	go func() {
		log.WithFields(map[string]interface{}{
			"host":  cfg.ServerHost,
			"port":  cfg.ServerPort,
			"model": cfg.ModelPath,
		}).Info("Serving Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Serving Service...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
	}

	log.Info("Serving Service stopped")
}
