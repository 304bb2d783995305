package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/formwarden/waf/internal/common/config"
	"github.com/formwarden/waf/internal/common/configtypes"
	"github.com/formwarden/waf/internal/common/logger"
	"github.com/formwarden/waf/internal/common/metricsserver"
	"github.com/formwarden/waf/internal/common/redis"
	"github.com/formwarden/waf/internal/waf/captcha"
	"github.com/formwarden/waf/internal/waf/defenses"
	"github.com/formwarden/waf/internal/waf/events"
	"github.com/formwarden/waf/internal/waf/hotcache"
	"github.com/formwarden/waf/internal/waf/metrics"
	"github.com/formwarden/waf/internal/waf/profile"
	"github.com/formwarden/waf/internal/waf/ratelimit"
	"github.com/formwarden/waf/internal/waf/resolver"
	"github.com/formwarden/waf/internal/waf/server"
	"github.com/formwarden/waf/internal/waf/store"
	wafsync "github.com/formwarden/waf/internal/waf/sync"
	waftls "github.com/formwarden/waf/internal/waf/tls"
	"github.com/formwarden/waf/internal/waf/upstream"
	"github.com/formwarden/waf/pkg/types"
)

func main() {
	configPath := flag.String("c", "configs/waf-gateway.yaml", "path to configuration file")
	flag.Parse()

	initialLogger, err := logger.NewDefaultLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	initialLogger.Info("Starting WAF Gateway", zap.String("config_path", *configPath))

	cfg, err := config.Load(*configPath)
	if err != nil {
		initialLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	dynamicLogger, err := logger.NewLoggerWithStartupOverride(cfg.Log)
	if err != nil {
		initialLogger.Fatal("Failed to create configured logger", zap.Error(err))
	}
	defer dynamicLogger.Sync()

	instanceID := cfg.InstanceID
	if instanceID == "" {
		if host, err := os.Hostname(); err == nil {
			instanceID = host
		} else {
			instanceID = "waf"
		}
	}
	wafLogger := dynamicLogger.With(zap.String("instance", instanceID))

	redisClient, err := redis.NewClient(&cfg.Redis, wafLogger)
	if err != nil {
		wafLogger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()

	// Config plane: store client, hot cache, sync coordinator.
	storeClient := store.NewClient(redisClient, wafLogger)
	cache := hotcache.NewCache()

	// Defense plane: rate limiter, builtin defenses, executor.
	limiter, err := ratelimit.NewLimiter(redisClient, wafLogger)
	if err != nil {
		wafLogger.Fatal("Failed to create rate limiter", zap.Error(err))
	}

	builtins, err := defenses.New(limiter, wafLogger)
	if err != nil {
		wafLogger.Fatal("Failed to create builtin defenses", zap.Error(err))
	}
	registry := profile.NewRegistry()
	builtins.Register(registry)
	executor := profile.NewExecutor(registry, wafLogger)

	coordinator, err := wafsync.NewCoordinator(
		storeClient,
		cache,
		redisClient,
		&cfg.Sync,
		instanceID,
		store.SeedDefaults{
			Routing:  routingFromConfig(&cfg.Upstream),
			Profiles: defenses.BuiltinProfiles(),
		},
		wafLogger,
	)
	if err != nil {
		wafLogger.Fatal("Failed to create sync coordinator", zap.Error(err))
	}

	metricsCollector := metrics.NewPrometheusMetrics(cfg.Metrics.Namespace, wafLogger)
	coordinator.WithObserver(func(ok bool, version uint64) {
		var tickErr error
		if !ok {
			tickErr = errSyncTickFailed
		}
		metricsCollector.RecordSyncTick(tickErr)
		metricsCollector.SetSnapshotVersion(version)
	})

	metricsServer, err := metricsserver.Start(cfg.Metrics, metricsCollector, wafLogger)
	if err != nil {
		wafLogger.Fatal("Failed to start metrics server", zap.Error(err))
	}

	captchaService, err := captcha.NewService(redisClient, &cfg.Trust, wafLogger)
	if err != nil {
		wafLogger.Fatal("Failed to create captcha service", zap.Error(err))
	}

	proxy, err := upstream.NewProxy(wafLogger)
	if err != nil {
		wafLogger.Fatal("Failed to create upstream proxy", zap.Error(err))
	}

	var eventEmitter events.EventEmitter = events.NoopEmitter{}
	if cfg.EventLogging != nil && cfg.EventLogging.File.Enabled {
		fileEmitter, err := events.NewFileEmitter(cfg.EventLogging.File, wafLogger)
		if err != nil {
			wafLogger.Fatal("Failed to create event emitter", zap.Error(err))
		}
		eventEmitter = events.NewMultiEmitter([]events.EventEmitter{fileEmitter}, wafLogger)
		wafLogger.Info("Decision event logging initialized",
			zap.String("path", cfg.EventLogging.File.Path))
	}

	srv, err := server.NewServer(
		cfg,
		cache,
		resolver.NewResolver(&cfg.Upstream),
		executor,
		limiter,
		captchaService,
		proxy,
		metricsCollector,
		redisClient,
		eventEmitter,
		wafLogger,
	)
	if err != nil {
		wafLogger.Fatal("Failed to create server", zap.Error(err))
	}

	// The initial snapshot must be in place before traffic is accepted;
	// Start seeds the store on a cold deployment.
	syncCtx, cancelSync := context.WithCancel(context.Background())
	defer cancelSync()

	startCtx, cancelStart := context.WithTimeout(syncCtx, 30*time.Second)
	err = coordinator.Start(startCtx)
	cancelStart()
	if err != nil {
		wafLogger.Fatal("Failed to load initial config snapshot", zap.Error(err))
	}
	go coordinator.Run(syncCtx)

	// Fail fast on TLS misconfiguration before the HTTP listener opens.
	var tlsListener net.Listener
	if cfg.Server.TLS.Enabled {
		tlsListener, err = waftls.Listen(&cfg.Server.TLS)
		if err != nil {
			wafLogger.Fatal("Failed to create TLS listener", zap.Error(err))
		}
	}

	serverErrors := make(chan error, 2)

	httpLifecycle := &serverLifecycle{
		server:  newFastHTTPServer(srv.HandleRequest, time.Duration(cfg.Server.Timeout)),
		name:    "HTTP",
		address: cfg.Server.Listen,
		logger:  wafLogger,
	}
	httpLifecycle.Start(serverErrors)

	var httpsLifecycle *serverLifecycle
	if cfg.Server.TLS.Enabled {
		httpsLifecycle = &serverLifecycle{
			server:   newFastHTTPServer(srv.HandleRequest, time.Duration(cfg.Server.Timeout)),
			listener: tlsListener,
			name:     "HTTPS",
			address:  cfg.Server.TLS.Listen,
			logger:   wafLogger,
		}
		httpsLifecycle.Start(serverErrors)
	}

	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-serverErrors:
		wafLogger.Fatal("Server failed to start", zap.Error(err))
	default:
	}

	wafLogger.Info("WAF Gateway started",
		zap.String("http_addr", cfg.Server.Listen),
		zap.Bool("tls", cfg.Server.TLS.Enabled),
		zap.Uint64("snapshot_version", cache.Version()))

	dynamicLogger.SwitchToConfiguredLevel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		dynamicLogger.EnsureInfoLevelForShutdown()
		wafLogger.Info("Shutting down WAF Gateway...")
	case err := <-serverErrors:
		dynamicLogger.EnsureInfoLevelForShutdown()
		wafLogger.Error("Server failed, initiating shutdown", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelSync()

	if metricsServer != nil {
		if err := metricsServer.ShutdownWithContext(shutdownCtx); err != nil {
			wafLogger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		httpLifecycle.Shutdown(shutdownCtx)
	}()
	if httpsLifecycle != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			httpsLifecycle.Shutdown(shutdownCtx)
		}()
	}
	wg.Wait()

	if err := srv.Shutdown(); err != nil {
		wafLogger.Error("Server shutdown error", zap.Error(err))
	}

	wafLogger.Info("WAF Gateway stopped")
}

var errSyncTickFailed = errors.New("sync tick failed")

// routingFromConfig derives the seeded global routing record from the
// environment-level upstream settings.
func routingFromConfig(cfg *configtypes.UpstreamConfig) types.RoutingConfig {
	useTLS := cfg.UseTLS
	return types.RoutingConfig{
		Upstream:    cfg.Addr,
		UpstreamSSL: cfg.AddrSSL,
		UseTLS:      &useTLS,
		Timeout:     int(time.Duration(cfg.Timeout) / time.Second),
	}
}

const serverName = "FormWarden/1.0"

func newFastHTTPServer(handler fasthttp.RequestHandler, timeout time.Duration) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:                      handler,
		Name:                         serverName,
		ReadTimeout:                  timeout,
		WriteTimeout:                 timeout,
		IdleTimeout:                  timeout,
		DisablePreParseMultipartForm: true,
		NoDefaultServerHeader:        true,
		NoDefaultDate:                true,
	}
}

type serverLifecycle struct {
	server   *fasthttp.Server
	listener net.Listener // nil for HTTP (uses ListenAndServe), set for HTTPS
	name     string
	address  string
	logger   *zap.Logger
}

func (s *serverLifecycle) Start(errChan chan<- error) {
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe(s.address)
		}
		if err != nil {
			s.logger.Error("Server error", zap.String("name", s.name), zap.Error(err))
			if errChan != nil {
				errChan <- fmt.Errorf("%s server failed: %w", s.name, err)
			}
		}
	}()
	s.logger.Info("Server started", zap.String("name", s.name), zap.String("address", s.address))
}

func (s *serverLifecycle) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server", zap.String("name", s.name))
	err := s.server.ShutdownWithContext(ctx)
	if err != nil {
		s.logger.Error("Server shutdown error", zap.String("name", s.name), zap.Error(err))
	}
	return err
}
