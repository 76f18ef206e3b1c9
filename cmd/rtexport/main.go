package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/sync/errgroup"

	"github.com/caio-sobreiro/rtexport/anonymize"
	"github.com/caio-sobreiro/rtexport/archive"
	"github.com/caio-sobreiro/rtexport/config"
	"github.com/caio-sobreiro/rtexport/export"
	"github.com/caio-sobreiro/rtexport/receiver"
)

func main() {
	configPath := flag.String("config", "rtexport.yaml", "Path to the export job file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "rtexport: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(ctx, configPath, envconfig.OsLookuper())
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	runID := uuid.NewString()
	logger = logger.With("run_id", runID)

	var anonymizer anonymize.Anonymizer
	if cfg.Anonymize {
		keys := anonymize.NewKeyStore(cfg.KeyFile, cfg.AnonymizationSalt, logger)
		anonymizer = anonymize.NewHashAnonymizer(keys, cfg.AnonymizationSalt)
		logger.Info("Anonymization enabled", "key_file", keys.Path())
	}

	recv, err := receiver.New(receiver.Config{
		AETitle:    cfg.Local.AETitle,
		ExportRoot: cfg.ExportRoot,
		RunID:      runID,
		Anonymize:  cfg.Anonymize,
		Anonymizer: anonymizer,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Local.ListenAddress())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Local.ListenAddress(), err)
	}

	remote := archive.New(archive.Config{
		Address:         cfg.Archive.Address(),
		CalledAETitle:   cfg.Archive.AETitle,
		CallingAETitle:  cfg.Local.AETitle,
		MoveDestination: cfg.Local.AETitle,
		ConnectRetries:  cfg.Archive.ConnectRetries,
		RetryInterval:   cfg.Archive.RetryInterval,
		ReadTimeout:     cfg.Archive.Timeout,
		Logger:          logger,
	})

	orchestrator, err := export.New(export.Session{
		RunID:      runID,
		ExportRoot: cfg.ExportRoot,
		Anonymize:  cfg.Anonymize,
		Anonymizer: anonymizer,
		Toggles:    *cfg.DataTypes,
		Modalities: cfg.RegisteredModalities,
		Settle:     cfg.Settle,
	}, remote, recv.Routes(),
		export.WithLogger(logger),
		export.WithProgress(func(p export.Progress) {
			logger.Info("Export progress",
				"overall", fmt.Sprintf("%.0f%%", p.Overall),
				"item", fmt.Sprintf("%.0f%%", p.Item),
				"status", p.Status,
				"detail", p.Detail)
		}))
	if err != nil {
		_ = listener.Close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	receiverCtx, stopReceiver := context.WithCancel(gctx)
	defer stopReceiver()

	g.Go(func() error {
		return recv.Serve(receiverCtx, listener)
	})

	var report *export.Report
	g.Go(func() error {
		defer stopReceiver()
		rep, err := orchestrator.Run(gctx, cfg.Requests)
		report = rep
		return err
	})

	err = g.Wait()
	if report != nil {
		stored, failed := recv.Stats()
		logger.Info("Export report",
			"outcome", report.Outcome.String(),
			"exported", report.Count(export.ItemExported),
			"skipped", report.Count(export.ItemSkipped),
			"failed", report.Count(export.ItemFailed),
			"objects_stored", stored,
			"objects_rejected", failed,
			"unrouted_dir", recv.UnroutedDir())
		if report.Outcome == export.OutcomeCancelled {
			return errors.New("export cancelled")
		}
	}
	return err
}
