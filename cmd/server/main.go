// Command mk-server holds the operator session and serves it to mk over gRPC.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/mdmkeeper/internal/config"
	"github.com/and161185/mdmkeeper/internal/crypto"
	"github.com/and161185/mdmkeeper/internal/graph"
	"github.com/and161185/mdmkeeper/internal/identity"
	"github.com/and161185/mdmkeeper/internal/metrics"
	"github.com/and161185/mdmkeeper/internal/migrate"
	"github.com/and161185/mdmkeeper/internal/repository"
	"github.com/and161185/mdmkeeper/internal/repository/memory"
	"github.com/and161185/mdmkeeper/internal/repository/postgres"
	"github.com/and161185/mdmkeeper/internal/rpc"
	grpcserver "github.com/and161185/mdmkeeper/internal/server/grpc"
	"github.com/and161185/mdmkeeper/internal/server/ops"
	"github.com/and161185/mdmkeeper/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const tokenLeeway = 30 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("listen", cfg.Listen),
		zap.Bool("tls", cfg.TLS()),
		zap.Bool("journal", cfg.DSN != ""),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exit", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.LogFile != "" {
		zc.OutputPaths = append(zc.OutputPaths, cfg.LogFile)
	}
	return zc.Build()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	secret, err := crypto.LoadOrCreateSecret(cfg.ControlKey)
	if err != nil {
		return err
	}
	signKey, err := crypto.DeriveSigningKey(secret)
	if err != nil {
		return err
	}

	// Journal
	var (
		journal repository.OutcomeRepository = repository.NopOutcomes{}
		pinger  ops.Pinger
	)
	if cfg.DSN != "" {
		ver, err := migrate.Up(ctx, cfg.DSN)
		if err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		logger.Info("journal schema", zap.Int64("version", ver))
		db, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer db.Close()
		journal = postgres.NewOutcomeRepo(db)
		pinger = db
	}

	// Remote clients
	hc := &http.Client{Timeout: cfg.HTTPTimeout}
	idp := identity.New(cfg.Authority, hc)
	gc, err := graph.New(cfg.GraphBaseURL, hc)
	if err != nil {
		return err
	}

	// Services
	m := metrics.New()
	var mws []service.Middleware
	if cfg.ActionRetries > 0 {
		mws = append(mws, service.Retry(cfg.ActionRetries, cfg.RetryBase))
	}
	session := service.NewSession(
		service.NewTokenManager(idp, memory.NewTokenStore(), cfg.Scopes, logger.Named("auth"), m),
		service.NewDeviceCatalog(gc, logger.Named("catalog"), m),
		service.NewActionExecutor(gc, cfg.ActionWorkers, logger.Named("actions"), m, mws...),
		journal,
		logger.Named("session"),
	)

	// gRPC
	verify := func(tok string) (string, error) { return crypto.ParseOperatorToken(signKey, tok, tokenLeeway) }
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary(verify),
		),
		grpc.ChainStreamInterceptor(
			grpcserver.RecoverStream(logger),
			grpcserver.LoggingStream(logger),
			grpcserver.AuthStream(verify),
		),
	}
	if cfg.TLS() {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	s := grpc.NewServer(opts...)
	rpc.Register(s, grpcserver.New(session, logger.Named("grpc")))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening", zap.String("addr", lis.Addr().String()))
		errCh <- s.Serve(lis)
	}()

	var opsSrv *http.Server
	if cfg.MetricsAddr != "" {
		opsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           ops.Router(logger.Named("ops"), m, pinger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("ops listening", zap.String("addr", cfg.MetricsAddr))
			if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	hs.Shutdown()
	if opsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = opsSrv.Shutdown(sctx)
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.Stop()
	}
	return runErr
}
