// Package relayer implements app.Runner for the relayer process.
package relayer

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chainsafe/cspr-bridge-relayer/pkg/amount"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/app"
	apphttp "github.com/chainsafe/cspr-bridge-relayer/pkg/app/http"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/app/httpserver"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/auth"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/config"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/db"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/pgutil"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/queue"
	"github.com/chainsafe/cspr-bridge-relayer/pkg/relayer"
)

const (
	defaultHTTPMiddlewareTimeout = 60 * time.Second
	defaultHTTPReadTimeout       = 15 * time.Second
	defaultHTTPWriteTimeout      = 15 * time.Second
	defaultHTTPIdleTimeout       = 60 * time.Second
)

// Server holds configuration for the relayer process.
type Server struct {
	cfg *config.Config
}

var _ app.Runner = (*Server)(nil)

// NewServer initializes a new relayer Server.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Run starts the relayer engine and the HTTP server.
// It blocks until an OS shutdown signal is received or a fatal error occurs.
func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("nil config")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting Casper-Ethereum Bridge Relayer",
		zap.String("eth_chain_id", cfg.Ethereum.ChainID),
		zap.String("cspr_chain_id", cfg.Casper.ChainID))

	bunDB, err := pgutil.ConnectDB(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("connect relayer db: %w", err)
	}
	defer func() { _ = bunDB.Close() }()
	logger.Info("Database connection established")

	idem, closeIdem, err := newIdempotencyStore(cfg, bunDB, logger)
	if err != nil {
		return err
	}
	defer closeIdem()

	q, err := queue.NewPostgresQueue(bunDB, queue.Options{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Lease:       cfg.Queue.Lease,
	})
	if err != nil {
		return fmt.Errorf("create relay queue: %w", err)
	}

	exec, err := newExecutor(cfg, logger)
	if err != nil {
		return err
	}

	watchers, err := newWatchers(cfg, logger)
	if err != nil {
		return err
	}

	policy := amount.NewPolicy(cfg.Ethereum.AssetDecimals, cfg.Casper.AssetDecimals)

	engine, err := relayer.NewEngine(relayer.EngineConfig{
		Pool: queue.PoolConfig{
			Concurrency:    cfg.Queue.Concurrency,
			BaseBackoff:    cfg.Queue.BaseBackoff,
			MaxBackoff:     cfg.Queue.MaxBackoff,
			PollInterval:   cfg.Queue.PollInterval,
			HandlerTimeout: cfg.Queue.HandlerTimeout,
		},
		CompletedRetention: cfg.Queue.CompletedRetention,
		FailedRetention:    cfg.Queue.FailedRetention,
		PruneInterval:      cfg.Queue.PruneInterval,
	}, watchers, db.NewStore(bunDB), q, idem, exec, policy, logger)
	if err != nil {
		return fmt.Errorf("create relayer engine: %w", err)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.newRouter(engine, logger),
		ReadTimeout:  defaultHTTPReadTimeout,
		WriteTimeout: defaultHTTPWriteTimeout,
		IdleTimeout:  defaultHTTPIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := engine.Run(gctx); err != nil {
			return fmt.Errorf("relayer engine: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return httpserver.ServeAndWait(gctx, logger, httpServer, cfg.Server.ShutdownTimeout)
	})

	err = g.Wait()
	logger.Info("Relayer stopped")
	return err
}

func (s *Server) newRouter(engine *relayer.Engine, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(defaultHTTPMiddlewareTimeout))

	r.Get("/", healthHandler)

	if s.cfg.Monitoring.Enabled {
		r.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics enabled", zap.String("path", "/metrics"))
	}

	r.Route("/api/v1", func(r chi.Router) {
		if url := s.cfg.Admin.JWKSURL; url != "" {
			r.Use(auth.Middleware(auth.NewJWTValidator(url, s.cfg.Admin.JWTIssuer), logger.Named("auth")))
		} else {
			logger.Warn("ADMIN_JWKS_URL is not set, operator endpoints are unauthenticated")
		}
		relayer.RegisterRoutes(r, engine, logger.Named("http"))
	})

	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	apphttp.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
