package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leonaiuv/ai-chat-app/internal/config"
	"github.com/leonaiuv/ai-chat-app/internal/handler"
	"github.com/leonaiuv/ai-chat-app/internal/middleware"
	"github.com/leonaiuv/ai-chat-app/internal/model"
	"github.com/leonaiuv/ai-chat-app/internal/observability"
	"github.com/leonaiuv/ai-chat-app/internal/service"
	"github.com/leonaiuv/ai-chat-app/pkg/logger"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}

	metrics := observability.NewRelayMetrics(nil)
	chatService := service.NewChatService(cfg, metrics)
	chatHandler := handler.NewChatHandler(chatService, metrics)

	router := setupRouter(cfg, chatHandler, metrics)

	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		logger.Infof("中继服务启动在端口 %d，上游 %s", cfg.Server.Port, cfg.Upstream.BaseURL)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("服务器启动失败: %v", err)
		}
	}()

	// 等待信号优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("服务器正在关闭...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("服务器关闭失败: %v", err)
		_ = server.Close()
	}
	logger.Info("服务器已关闭")
}

func setupRouter(cfg *config.Config, chatHandler *handler.ChatHandler, metrics *observability.RelayMetrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())

	corsConfig := cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    cfg.CORS.ExposedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           time.Duration(cfg.CORS.MaxAge) * time.Second,
	}
	router.Use(cors.New(corsConfig))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, model.HealthResponse{
			Status:    "ok",
			Timestamp: time.Now().Unix(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/models", chatHandler.ListModels)

		chat := api.Group("/chat")
		if cfg.RateLimit.Enabled {
			chat.Use(middleware.NewRateLimiter(cfg.RateLimit, metrics).Middleware())
		}
		chat.POST("", chatHandler.StreamChat)
	}

	return router
}
