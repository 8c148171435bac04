package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/phuslu/log"

	"github.com/matteso1/distkv/internal/server"
	"github.com/matteso1/distkv/internal/storage"
)

func main() {
	// Parse flags
	port := flag.Int("port", 7070, "gRPC port")
	textPort := flag.Int("text-port", 12345, "Line protocol port (0 to disable)")
	metricsPort := flag.Int("metrics-port", 9100, "Metrics port (0 to disable)")
	dataDir := flag.String("data", "./storage", "Data directory")
	fileName := flag.String("file", "data.log", "Log file name inside the data directory")
	compactInterval := flag.Duration("compact-interval", 0, "Compact the log periodically (0 to disable)")
	syncMode := flag.String("sync", "always", "fsync policy: always or none")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	logger := &log.Logger{
		Level:      log.ParseLevel(*logLevel),
		TimeFormat: "15:04:05",
		Writer: &log.ConsoleWriter{
			ColorOutput:    true,
			EndWithMessage: true,
		},
	}

	mode, err := storage.ParseSyncMode(*syncMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid -sync: %v\n", err)
		os.Exit(1)
	}

	// Create config
	config := server.DefaultServerConfig()
	config.Port = *port
	config.TextPort = *textPort
	config.MetricsPort = *metricsPort
	config.DataDir = *dataDir
	config.Storage.FileName = *fileName
	config.Storage.SyncMode = mode
	config.CompactInterval = *compactInterval
	config.Logger = logger

	// Create server
	srv, err := server.NewServer(config)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create server")
		os.Exit(1)
	}

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := serveUntilStopped(srv, sigChan, logger); err != nil {
		os.Exit(1)
	}
}

type service interface {
	Start() error
	Stop()
}

// serveUntilStopped runs srv until a signal arrives on sigChan or Start
// fails, and returns only after Stop has finished closing the engine.
func serveUntilStopped(srv service, sigChan chan os.Signal, logger *log.Logger) error {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if sig, ok := <-sigChan; ok {
			logger.Info().Str("signal", sig.String()).Msg("shutting down")
		}
		srv.Stop()
	}()

	err := srv.Start()
	if err != nil {
		logger.Error().Err(err).Msg("server error")
	}

	// Start returns as soon as Stop begins; wait for it to complete.
	signal.Stop(sigChan)
	close(sigChan)
	<-stopped
	return err
}
