package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/example/mri-check/internal/auth"
	"github.com/example/mri-check/internal/config"
	"github.com/example/mri-check/internal/handlers"
	"github.com/example/mri-check/internal/healthprobe"
	"github.com/example/mri-check/internal/inference"
	"github.com/example/mri-check/internal/logging"
	"github.com/example/mri-check/internal/preview"
	"github.com/example/mri-check/internal/session"
	"github.com/example/mri-check/internal/upload"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		panic(err)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		os.Exit(runHealthcheck(cfg, logger))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startCtx, startCancel := context.WithTimeout(ctx, 5*time.Second)
	defer startCancel()
	cache := initPreviewCache(startCtx, cfg, logger)

	previews := preview.NewStore(cache, cfg.PreviewTTL, logger)
	client := inference.NewHTTPClient(cfg.InferenceURL, logger)

	registry := session.NewRegistry(func(id string) *upload.Controller {
		return upload.NewController(id, client, previews, logger)
	}, cfg.SessionTTL, logger)
	registryDone := make(chan struct{})
	go func() {
		defer close(registryDone)
		registry.Run(ctx, sweepInterval(cfg.SessionTTL))
	}()

	grpcServer := startHealthServer(ctx, cfg, client, logger)

	router := newRouter(cfg, client, previews, registry, logger)
	server := &http.Server{
		Addr:              cfg.ServerAddress(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("MRI classifier listening",
		zap.String("addr", cfg.ServerAddress()),
		zap.String("inference_url", cfg.InferenceURL))
	serveErr := serveHTTPServer(server, cfg.ShutdownTimeout, logger)

	cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	<-registryDone

	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
}

func newRouter(cfg *config.Config, client inference.Client, previews *preview.Store, registry *session.Registry, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))
	r.MaxMultipartMemory = cfg.MaxUploadBytes

	if len(cfg.CORSAllowedOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = cfg.CORSAllowedOrigins
		corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
		corsConfig.ExposeHeaders = []string{auth.TokenHeader, handlers.RequestIDHeader}
		corsConfig.AllowCredentials = true
		r.Use(cors.New(corsConfig))
	}

	constraints := upload.DefaultConstraints()
	constraints.MaxBytes = cfg.MaxUploadBytes

	issuer := auth.NewIssuer(cfg.SessionSecret, cfg.SessionTTL)
	handlers.RegisterRoutes(r, handlers.Deps{
		Client:      client,
		Previews:    previews,
		Constraints: constraints,
		Sessions:    auth.SessionMiddleware(issuer, registry, cfg.SecureCookies, logger),
		Logger:      logger,
	})
	return r
}

func initPreviewCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) preview.Cache {
	if cfg.RedisAddr == "" {
		logger.Info("using in-memory preview cache")
		return preview.NewMemoryCache()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err), zap.String("addr", cfg.RedisAddr))
	}
	logger.Info("using redis preview cache", zap.String("addr", cfg.RedisAddr))
	return preview.NewRedisCache(client)
}

func startHealthServer(ctx context.Context, cfg *config.Config, client inference.Client, logger *zap.Logger) *grpc.Server {
	if cfg.GRPCHealthAddr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", cfg.GRPCHealthAddr)
	if err != nil {
		logger.Fatal("failed to listen for grpc health", zap.Error(err), zap.String("addr", cfg.GRPCHealthAddr))
	}

	hs := health.NewServer()
	srv := healthprobe.NewServer(hs)
	go func() {
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc health server stopped", zap.Error(err))
		}
	}()
	go healthprobe.New(client, hs, cfg.HealthProbeInterval, logger).Run(ctx)

	logger.Info("grpc health listening", zap.String("addr", cfg.GRPCHealthAddr))
	return srv
}

func runHealthcheck(cfg *config.Config, logger *zap.Logger) int {
	if cfg.GRPCHealthAddr == "" {
		logger.Error("grpc health is disabled")
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := healthprobe.Healthy(ctx, dialAddress(cfg.GRPCHealthAddr), "", logger); err != nil {
		logger.Error("healthcheck failed", zap.Error(err))
		return 1
	}
	return 0
}

// dialAddress turns a listen address like ":9090" into something dialable.
func dialAddress(listenAddr string) string {
	host, port, err := net.SplitHostPort(listenAddr)
	if err != nil || (host != "" && host != "0.0.0.0" && host != "::") {
		return listenAddr
	}
	return net.JoinHostPort("127.0.0.1", port)
}

func sweepInterval(ttl time.Duration) time.Duration {
	if interval := ttl / 4; interval > time.Second {
		return interval
	}
	return time.Second
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
