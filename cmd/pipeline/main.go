package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/synaptica-ai/ctscan/pkg/common/config"
	"github.com/synaptica-ai/ctscan/pkg/common/logger"
	"github.com/synaptica-ai/ctscan/pkg/pipeline"
)

func main() {
	entryFlag := flag.String("entry", string(pipeline.EntryFull),
		"entry point: full, ingestion, prepare_base_model, training, evaluation or train_only")
	flag.Parse()

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

	entry, err := pipeline.ParseEntry(*entryFlag)
	if err != nil {
		log.WithError(err).Error("Invalid entry point")
		closeLog()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	written, err := pipeline.RunEntry(ctx, entry, cfg, log)
	if err != nil {
		log.WithError(err).Error("Pipeline failed")
		stop()
		closeLog()
		os.Exit(1)
	}
	for name, path := range written {
		log.WithField("artifact", name).Info(path)
	}
}
