package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"comicfeed/pkg/config"
	"comicfeed/pkg/logger"
	"comicfeed/pkg/provider/rest"
)

var (
	configPath   = flag.String("config", "", "配置文件路径 (例如 ./config/comicfeed.yaml)")
	adaptersPath = flag.String("adapters", "", "提供商适配配置文件路径")
	logLevel     = flag.String("log-level", "", "日志级别 (debug, info, warn, error)，覆盖配置文件")
	redisAddr    = flag.String("redis", "", "Redis 地址，格式 host:port；设置后启用二级缓存")
	withMock     = flag.Bool("mock", false, "启动内置模拟站点并注册为 mock 提供商")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithComponent("APIServer").WithError(err).Fatal("Failed to load configuration")
	}
	if *logLevel != "" {
		cfg.SetLogLevel(*logLevel)
	}
	if *redisAddr != "" {
		cfg.Cache.Redis.Enabled = true
		cfg.Cache.Redis.Addr = *redisAddr
	}
	logger.Init(cfg.Logger)
	log := logger.WithComponent("APIServer")

	gin.SetMode(cfg.Server.Mode)

	adapters, err := loadAdapters(*adaptersPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load provider adapters")
	}
	if *withMock {
		site := rest.NewMockSite()
		defer site.Close()
		adapters = append(adapters, rest.MockConfig("mock", site.GetURL()))
		log.WithField("url", site.GetURL()).Info("mock site started")
	}

	server, err := NewAPIServer(cfg, adapters)
	if err != nil {
		log.WithError(err).Fatal("Failed to create API server")
	}
	defer server.Close()

	if err := server.Start(); err != nil {
		log.WithError(err).Fatal("Failed to start API server")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down API server...")
	server.Stop()
}
