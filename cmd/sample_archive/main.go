package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caio-sobreiro/rtexport/client"
	"github.com/caio-sobreiro/rtexport/server"
	"github.com/caio-sobreiro/rtexport/services"
	"github.com/caio-sobreiro/rtexport/types"
)

func main() {
	port := flag.Int("port", 4242, "TCP port to listen on")
	aeTitle := flag.String("ae", "SAMPLE_ARCHIVE", "Archive AE title")
	dir := flag.String("dir", "data", "Directory of DICOM Part 10 files to serve")
	destinations := map[string]string{}
	flag.Func("dest", "Move destination as AE=host:port (repeatable)", func(v string) error {
		ae, address, ok := strings.Cut(v, "=")
		if !ok || ae == "" || address == "" {
			return fmt.Errorf("expected AE=host:port, got %q", v)
		}
		destinations[ae] = address
		return nil
	})
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	source, err := loadDir(*dir, logger)
	if err != nil {
		logger.Error("Failed to load archive", "error", err)
		os.Exit(1)
	}
	logger.Info("Archive loaded", "dir", *dir, "instances", len(source.records), "sop_classes", len(source.SOPClasses()))

	open := func(ctx context.Context, destinationAE, address string) (services.StoreAssociation, error) {
		assoc, err := client.Connect(ctx, address, client.Config{
			CallingAETitle:    *aeTitle,
			CalledAETitle:     destinationAE,
			ConnectTimeout:    10 * time.Second,
			AbstractSyntaxes:  []string{types.VerificationSOPClass},
			StorageSOPClasses: source.SOPClasses(),
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		return assoc, nil
	}

	registry := services.NewRegistry(logger)
	registry.RegisterHandler(types.CEchoRQ, services.NewEchoService(logger))
	registry.RegisterHandler(types.CFindRQ, services.NewFindService(source, logger))
	registry.RegisterHandler(types.CMoveRQ, services.NewMoveService(source, destinations, open, logger))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	address := fmt.Sprintf(":%d", *port)
	logger.Info("Starting sample archive", "address", address, "ae_title", *aeTitle, "destinations", destinations)
	if err := server.ListenAndServe(ctx, address, *aeTitle, registry, server.WithLogger(logger)); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}
}
