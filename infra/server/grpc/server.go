// Package grpc hosts the relay's gRPC operational surface: standard
// grpc/health and grpc/reflection services wrapped with recovery and
// logging interceptors plus an OTel stats handler. The health status
// follows the server's own Start and Stop; the Orchestrator's state
// transitions do not change it. The relay's client-facing wire
// protocol travels over WebSocket/long-poll (internal/transport); this
// server carries only operational concerns.
package grpc

import (
	"context"
	"log/slog"
	"net"

	logging "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server wraps a *grpc.Server with the health service whose serving status
// Start sets to SERVING and Stop sets to NOT_SERVING.
type Server struct {
	Server *grpc.Server
	health *health.Server
	logger *slog.Logger
	addr   string
	lis    net.Listener
}

// Options configures Server construction.
type Options struct {
	Addr   string
	Logger *slog.Logger
}

// New constructs a Server with recovery + logging interceptors and an OTel
// stats handler installed, health and reflection registered.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	recoveryOpt := recovery.WithRecoveryHandlerContext(func(ctx context.Context, p any) error {
		logger.Error("grpc panic recovered", slog.Any("panic", p))
		return nil
	})

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			logging.UnaryServerInterceptor(slogLogger(logger)),
			recovery.UnaryServerInterceptor(recoveryOpt),
		),
		grpc.ChainStreamInterceptor(
			logging.StreamServerInterceptor(slogLogger(logger)),
			recovery.StreamServerInterceptor(recoveryOpt),
		),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)

	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	reflection.Register(srv)

	return &Server{Server: srv, health: healthSrv, logger: logger, addr: opts.Addr}
}

// SetServing flips the health service's overall serving status. Start calls
// it with true and Stop with false; nothing else in the process calls it.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Start listens on Addr and serves until the listener closes or Stop is
// called. Intended to run in its own goroutine under fx.Lifecycle.OnStart.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.lis = lis
	s.SetServing(true)
	return s.Server.Serve(lis)
}

// Stop gracefully stops the server, flipping health to NOT_SERVING first so
// in-flight health checks observe the transition before connections drain.
func (s *Server) Stop(ctx context.Context) error {
	s.SetServing(false)
	stopped := make(chan struct{})
	go func() {
		s.Server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		s.Server.Stop()
		return ctx.Err()
	}
}

func slogLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, level logging.Level, msg string, fields ...any) {
		switch level {
		case logging.LevelDebug:
			l.Debug(msg, fields...)
		case logging.LevelInfo:
			l.Info(msg, fields...)
		case logging.LevelWarn:
			l.Warn(msg, fields...)
		case logging.LevelError:
			l.Error(msg, fields...)
		}
	})
}
