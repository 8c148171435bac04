package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/phuslu/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matteso1/distkv/internal/metrics"
	"github.com/matteso1/distkv/internal/rpc"
	"github.com/matteso1/distkv/internal/storage"
)

// Server runs the storage engine behind the gRPC and line protocol
// transports, plus the metrics endpoint and the compaction scheduler.
type Server struct {
	// Storage engine
	store *storage.Engine

	// Transports
	grpc    *grpc.Server
	text    *TextServer
	http    *http.Server
	metrics *metrics.Metrics

	// Config
	config ServerConfig
	logger *log.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ServerConfig configures the server.
type ServerConfig struct {
	// Port is the gRPC port.
	Port int
	// TextPort is the line protocol port; 0 disables it.
	TextPort int
	// MetricsPort serves /metrics over HTTP; 0 disables it.
	MetricsPort int
	DataDir     string
	Storage     storage.Config
	// CompactInterval runs Persist periodically; 0 disables it.
	CompactInterval time.Duration
	// IdleTimeout closes line protocol connections that stay silent this long.
	IdleTimeout time.Duration
	Logger      *log.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:        7070,
		TextPort:    12345,
		MetricsPort: 9100,
		DataDir:     "./storage",
		Storage:     storage.DefaultConfig(),
		IdleTimeout: 5 * time.Minute,
	}
}

// NewServer opens the storage engine and builds both transports.
func NewServer(config ServerConfig) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = &log.DefaultLogger
	}
	if config.Storage.Logger == nil {
		config.Storage.Logger = logger
	}

	// Open storage
	store, err := storage.Open(config.DataDir, config.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	m := metrics.NewMetrics()
	m.SetEngineStats(func() metrics.EngineStats {
		stats := store.Stats()
		return metrics.EngineStats{
			Keys:        stats.Keys,
			LogBytes:    stats.LogBytes,
			Compactions: stats.Compactions,
		}
	})

	s := &Server{
		store:   store,
		metrics: m,
		config:  config,
		logger:  logger,
		done:    make(chan struct{}),
	}

	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.unaryInterceptor))
	rpc.RegisterKVServer(s.grpc, &kvService{store: store})

	s.text = NewTextServer(store, m, logger, config.IdleTimeout)

	return s, nil
}

// Start listens on the configured ports and serves until Stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	var textLis net.Listener
	if s.config.TextPort > 0 {
		textLis, err = net.Listen("tcp", fmt.Sprintf(":%d", s.config.TextPort))
		if err != nil {
			lis.Close()
			return fmt.Errorf("failed to listen for line protocol: %w", err)
		}
	}

	if s.config.MetricsPort > 0 {
		s.startMetrics(fmt.Sprintf(":%d", s.config.MetricsPort))
	}

	return s.Serve(lis, textLis)
}

// Serve runs the transports on the given listeners. textLis may be nil.
// It blocks until the gRPC server stops.
func (s *Server) Serve(grpcLis, textLis net.Listener) error {
	if textLis != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Info().Str("addr", textLis.Addr().String()).Msg("line protocol listening")
			if err := s.text.Serve(textLis); err != nil {
				s.logger.Error().Err(err).Msg("line protocol server stopped")
			}
		}()
	}

	if s.config.CompactInterval > 0 {
		s.wg.Add(1)
		go s.compactLoop(s.config.CompactInterval)
	}

	s.logger.Info().Str("addr", grpcLis.Addr().String()).Str("data", s.config.DataDir).Msg("DistKV server listening")
	if err := s.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func (s *Server) startMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	s.http = &http.Server{Addr: addr, Handler: mux}

	go func() {
		s.logger.Info().Str("addr", addr).Msg("metrics listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

// compactLoop calls Persist on every tick until the server stops.
func (s *Server) compactLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			start := time.Now()
			err := s.store.Persist()
			recordResult(s.metrics, metrics.OpPersist, time.Since(start), err)
			if err != nil {
				s.logger.Error().Err(err).Msg("scheduled compaction failed")
			}
		}
	}
}

// unaryInterceptor records metrics and debug-logs every gRPC call.
func (s *Server) unaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	elapsed := time.Since(start)

	if op, ok := opForMethod(info.FullMethod); ok {
		recordResult(s.metrics, op, elapsed, err)
	}
	s.logger.Debug().Str("method", info.FullMethod).Dur("elapsed", elapsed).
		Str("code", status.Code(err).String()).Msg("rpc")
	return resp, err
}

func opForMethod(method string) (metrics.Op, bool) {
	switch method {
	case "/" + rpc.ServiceName + "/Put":
		return metrics.OpPut, true
	case "/" + rpc.ServiceName + "/Get":
		return metrics.OpGet, true
	case "/" + rpc.ServiceName + "/Delete":
		return metrics.OpDelete, true
	case "/" + rpc.ServiceName + "/Persist":
		return metrics.OpPersist, true
	default:
		return 0, false
	}
}

// recordResult counts an operation, separating not-found from failures.
func recordResult(m *metrics.Metrics, op metrics.Op, latency time.Duration, err error) {
	m.RecordOp(op, latency)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrKeyNotFound), status.Code(err) == codes.NotFound:
		m.RecordNotFound()
	default:
		m.RecordError()
	}
}

// Stop gracefully stops the server and closes the engine.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)

		if s.grpc != nil {
			s.grpc.GracefulStop()
		}
		if s.text != nil {
			s.text.Close()
		}
		if s.http != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.http.Shutdown(ctx)
			cancel()
		}
		s.wg.Wait()

		if s.store != nil {
			if err := s.store.Close(); err != nil {
				s.logger.Error().Err(err).Msg("failed to close storage")
			}
		}
	})
}
