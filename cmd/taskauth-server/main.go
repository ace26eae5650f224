// Command taskauth-server serves the taskauth HTTP API, the browser OAuth2
// redirect flow and, optionally, a gRPC listener guarded by the session
// token interceptors.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/datastore"
	"github.com/alexedwards/scs/v2"
	"github.com/alexedwards/scs/v2/memstore"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/panyam/taskauth"
	authgrpc "github.com/panyam/taskauth/grpc"
	"github.com/panyam/taskauth/internal/config"
	"github.com/panyam/taskauth/oauth2"
	"github.com/panyam/taskauth/session"
	"github.com/panyam/taskauth/stores/fs"
	"github.com/panyam/taskauth/stores/gae"
	gormstore "github.com/panyam/taskauth/stores/gorm"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tokens, err := taskauth.NewTokenIssuer([]byte(cfg.JWT.Secret),
		taskauth.WithIssuer(cfg.JWT.Issuer),
		taskauth.WithExpiry(cfg.JWT.Expiry))
	if err != nil {
		return err
	}

	gateway := newGateway(cfg, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := taskauth.NewMetrics(registry)

	service := taskauth.NewService(store, tokens, gateway,
		taskauth.WithHasher(taskauth.NewBcryptHasher(cfg.BcryptCost)),
		taskauth.WithLogger(logger),
		taskauth.WithMetrics(metrics))

	auth := taskauth.New(service, logger)
	auth.BaseURL = cfg.BaseURL
	auth.CookieDomains = cfg.CookieDomains
	auth.TokenInRedirect = cfg.TokenInRedirect

	sessions, closeSessions := newSessionManager(cfg)
	defer closeSessions()

	flow := oauth2.NewRedirectFlow(gateway, sessions, auth.CompleteLogin, logger)
	flow.CallbackBase = cfg.BaseURL + "/oauth2"
	auth.AddAuth("/oauth2", flow)

	router := auth.Router()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           auth.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpLis, grpcLis, err := listen(cfg)
	if err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() {
		logger.Info("http server listening", "addr", httpLis.Addr().String())
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if grpcLis != nil {
		grpcServer = newGRPCServer(tokens)
		go func() {
			logger.Info("grpc server listening", "addr", grpcLis.Addr().String())
			if err := grpcServer.Serve(grpcLis); err != nil {
				errc <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", "err", serr)
	}
	return err
}

// listen binds the HTTP and, when configured, the gRPC address. Nothing is
// left open when either bind fails.
func listen(cfg *config.Config) (httpLis, grpcLis net.Listener, err error) {
	httpLis, err = net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("http listen: %w", err)
	}
	if cfg.GRPCAddr == "" {
		return httpLis, nil, nil
	}
	grpcLis, err = net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		httpLis.Close()
		return nil, nil, fmt.Errorf("grpc listen: %w", err)
	}
	return httpLis, grpcLis, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (taskauth.UserStore, func(), error) {
	noop := func() {}
	switch cfg.DB.Driver {
	case "fs":
		store, err := fs.NewFSUserStore(cfg.DB.DSN)
		return store, noop, err

	case "datastore":
		client, err := datastore.NewClient(ctx, cfg.Datastore.Project)
		if err != nil {
			return nil, noop, fmt.Errorf("datastore client: %w", err)
		}
		logger.Info("using datastore", "project", cfg.Datastore.Project, "namespace", cfg.Datastore.Namespace)
		return gae.NewUserStore(client, cfg.Datastore.Namespace), func() { client.Close() }, nil

	default:
		dialector := sqlite.Open(cfg.DB.DSN)
		if cfg.DB.Driver == "postgres" {
			dialector = postgres.Open(cfg.DB.DSN)
		}
		db, err := gorm.Open(dialector, &gorm.Config{
			TranslateError: true,
			Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		})
		if err != nil {
			return nil, noop, fmt.Errorf("open %s: %w", cfg.DB.Driver, err)
		}
		if err := gormstore.AutoMigrate(db); err != nil {
			return nil, noop, fmt.Errorf("migrate: %w", err)
		}
		closer := func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}
		return gormstore.NewUserStore(db), closer, nil
	}
}

func newGateway(cfg *config.Config, logger *slog.Logger) *oauth2.Gateway {
	gateway := oauth2.NewGateway(logger)
	gateway.Timeout = cfg.ProviderTimeout
	if cfg.Google.Enabled() {
		gateway.Register(oauth2.NewGoogleProvider(cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.RedirectURI(cfg.Google)))
	}
	if cfg.GitHub.Enabled() {
		gateway.Register(oauth2.NewGithubProvider(cfg.GitHub.ClientID, cfg.GitHub.ClientSecret, cfg.RedirectURI(cfg.GitHub)))
	}
	return gateway
}

func newSessionManager(cfg *config.Config) (*scs.SessionManager, func()) {
	sessions := scs.New()
	sessions.Lifetime = cfg.Session.Lifetime
	sessions.Cookie.Name = "taskauth_oauth"
	sessions.Cookie.HttpOnly = true
	sessions.Cookie.SameSite = http.SameSiteLaxMode

	if cfg.Session.Store == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Session.RedisAddr})
		sessions.Store = session.NewRedisStore(client, "")
		return sessions, func() { client.Close() }
	}
	store := memstore.New()
	sessions.Store = store
	return sessions, store.StopCleanup
}

func newGRPCServer(tokens *taskauth.TokenIssuer) *grpc.Server {
	interceptors := authgrpc.NewPublicMethodsConfig(tokens,
		healthpb.Health_Check_FullMethodName,
		healthpb.Health_Watch_FullMethodName)
	server := grpc.NewServer(
		grpc.UnaryInterceptor(authgrpc.UnaryAuthInterceptor(interceptors)),
		grpc.StreamInterceptor(authgrpc.StreamAuthInterceptor(interceptors)),
	)
	healthpb.RegisterHealthServer(server, health.NewServer())
	return server
}
