package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/VINIT-INAMKE/Vauice-Backend/internal/config"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/db"
	clog "github.com/VINIT-INAMKE/Vauice-Backend/internal/log"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/membership"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/notify"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/pipeline"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/presence"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/registry"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/server"
	"github.com/VINIT-INAMKE/Vauice-Backend/internal/ws"

	"github.com/rs/zerolog/log"
)

func main() {
	// main 负责加载配置、初始化日志、连接数据库、装配各领域组件
	// 并以可优雅停机的方式启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	reg := registry.NewRegistry()
	members := membership.NewAuthority(gdb)
	tracker := presence.NewTracker(gdb, reg, members, time.Duration(cfg.TypingTimeoutSeconds)*time.Second)
	// 最后一个连接下线时把该用户标记为离线并清理输入指针。
	reg.OnIdentityOffline(tracker.HandleOffline)
	notifier := notify.ForConfig(cfg)
	pipe := pipeline.NewPipeline(gdb, reg, members, notifier)
	gw := ws.NewGateway(cfg, gdb, reg, members, tracker, pipe)
	h := server.NewHandler(gdb, members, pipe, tracker, notifier)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.SetupRouter(cfg, gdb, h, gw),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("port", cfg.Port).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	// 先停新连接与 REST，再断开既有 WebSocket 会话。
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	reg.Shutdown()
	log.Info().Msg("server stopped")
}
