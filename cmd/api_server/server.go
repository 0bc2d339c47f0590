package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"comicfeed/pkg/aggregator"
	"comicfeed/pkg/auth"
	"comicfeed/pkg/breaker"
	"comicfeed/pkg/cache"
	"comicfeed/pkg/config"
	"comicfeed/pkg/executor"
	"comicfeed/pkg/limiter"
	"comicfeed/pkg/logger"
	"comicfeed/pkg/provider/rest"
	"comicfeed/pkg/scheduler"
	"comicfeed/pkg/telemetry"
	"comicfeed/pkg/transport"
)

// APIServer 以 JSON 形式暴露聚合客户端的操作
type APIServer struct {
	cfg       *config.Config
	client    *aggregator.Client
	exec      *executor.Executor
	cache     cache.Cache[*transport.Response]
	recorder  *telemetry.Recorder
	scheduler *scheduler.DefaultJobScheduler

	redisClient *redis.Client
	influx      *telemetry.InfluxObserver
	memCache    *cache.MemoryCache[*transport.Response]

	router *gin.Engine
	server *http.Server
	logger *logrus.Entry
}

// NewAPIServer 按配置组装缓存、执行器、客户端和维护任务
func NewAPIServer(cfg *config.Config, adapters []rest.Config) (*APIServer, error) {
	s := &APIServer{
		cfg:       cfg,
		recorder:  telemetry.NewRecorder(),
		scheduler: scheduler.NewJobScheduler(),
		logger:    logger.WithComponent("APIServer"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.memCache = cache.NewMemoryCache[*transport.Response](cache.MemoryCacheConfig{
		MaxSize:    cfg.Cache.MaxSize,
		DefaultTTL: cfg.Cache.DefaultTTL,
	})
	s.cache = s.memCache
	var sweeper cache.Sweeper = s.memCache
	var store auth.CredentialStore = auth.NewMemoryStore()

	if cfg.Cache.Redis.Enabled {
		s.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		if err := s.redisClient.Ping(ctx).Err(); err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		remote := cache.NewRedisCache[*transport.Response](s.redisClient, cache.RedisCacheConfig{
			Prefix:     cfg.Cache.Redis.Prefix,
			DefaultTTL: cfg.Cache.DefaultTTL,
		})
		layered := cache.NewLayeredCache[*transport.Response](s.memCache, remote, cache.DefaultLayeredCacheConfig())
		s.cache = layered
		sweeper = layered
		store = auth.NewRedisStore(s.redisClient, cfg.Cache.Redis.Prefix, 0)
		s.logger.WithField("addr", cfg.Cache.Redis.Addr).Info("Redis cache tier enabled")
	}

	observers := []telemetry.Observer{telemetry.NewLogObserver(), s.recorder}
	if influx := cfg.Telemetry.InfluxDB; influx.Enabled {
		obs, err := telemetry.NewInfluxObserver(ctx, telemetry.InfluxConfig{
			URL:    influx.URL,
			Token:  influx.Token,
			Org:    influx.Org,
			Bucket: influx.Bucket,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.influx = obs
		observers = append(observers, obs)
		s.logger.WithField("url", influx.URL).Info("InfluxDB telemetry enabled")
	}

	s.exec = executor.New(executor.Config{
		MaxAttempts: cfg.Executor.MaxAttempts,
		BackoffBase: cfg.Executor.BackoffBase,
		BackoffMax:  cfg.Executor.BackoffMax,
		JitterRatio: cfg.Executor.JitterRatio,
	}, executor.Deps{
		Transport: transport.NewRestyTransport(transport.RestyConfig{
			Timeout:   cfg.Executor.Timeout,
			UserAgent: cfg.Executor.UserAgent,
		}),
		Limiter: limiter.NewRateLimiter(cfg.Limiter.DefaultRPS),
		Breakers: breaker.NewRegistry(breaker.Settings{
			Threshold:    cfg.Breaker.Threshold,
			BaseCooldown: cfg.Breaker.BaseCooldown,
			MaxCooldown:  cfg.Breaker.MaxCooldown,
		}),
		Cache:    s.cache,
		Observer: telemetry.Multi(observers...),
	})

	s.client = aggregator.NewClient(aggregator.ClientConfig{
		Config:   cfg,
		Executor: s.exec,
		Store:    store,
	})
	for _, a := range adapters {
		p, err := rest.New(a)
		if err != nil {
			s.Close()
			return nil, err
		}
		if err := s.client.RegisterProvider(p); err != nil {
			s.Close()
			return nil, fmt.Errorf("register provider %s: %w", a.Descriptor.Key, err)
		}
	}

	s.scheduler.SetExecutor(scheduler.NewMaintenanceExecutor(sweeper, s.client, s.exec))
	for _, job := range scheduler.DefaultJobs(cfg) {
		if err := s.scheduler.AddJob(job); err != nil {
			s.logger.WithError(err).WithField("job", job.Name).Warn("skipping maintenance job")
		}
	}

	s.router = s.routes()
	return s, nil
}

func (s *APIServer) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.logger))
	router.Use(corsMiddleware())

	router.GET("/health", s.healthCheck)
	router.GET("/stats", s.getStats)

	v1 := router.Group("/api/v1")
	v1.Use(rateLimitMiddleware(s.cfg.Server.RateLimit, s.cfg.Server.Burst))
	{
		v1.GET("/providers", s.listProviders)
		v1.GET("/providers/:provider/lists/:kind", s.getList)
		v1.GET("/providers/:provider/comics/:id", s.getDetails)
		v1.GET("/providers/:provider/comics/:id/chapters/:chapter/pages", s.getPages)
		v1.GET("/providers/:provider/comics/:id/comments", s.getComments)
		v1.POST("/providers/:provider/login", s.login)
		v1.POST("/providers/:provider/logout", s.logout)
		v1.GET("/circuits", s.getCircuits)
	}
	return router
}

// Start 启动维护任务和 HTTP 服务
func (s *APIServer) Start() error {
	if err := s.scheduler.Start(); err != nil {
		return err
	}

	s.server = &http.Server{
		Addr:    ":" + s.cfg.Server.Port,
		Handler: s.router,
	}
	s.logger.WithField("port", s.cfg.Server.Port).Info("Starting API server...")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()
	return nil
}

// Stop 优雅关闭 HTTP 服务与调度器
func (s *APIServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			s.logger.WithError(err).Error("Failed to gracefully shutdown server")
		}
	}
	if err := s.scheduler.Stop(); err != nil {
		s.logger.WithError(err).Warn("Failed to stop scheduler")
	}
}

// Close 释放外部连接
func (s *APIServer) Close() {
	if s.influx != nil {
		s.influx.Close()
	}
	if s.redisClient != nil {
		_ = s.redisClient.Close()
	}
	if s.memCache != nil {
		_ = s.memCache.Close()
	}
}
