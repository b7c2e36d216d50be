package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"memberchat/internal/cache"
	"memberchat/internal/config"
	"memberchat/internal/db"
	"memberchat/internal/events"
	clog "memberchat/internal/log"
	"memberchat/internal/server"
	"memberchat/internal/ws"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库与外部依赖并启动 Gin 服务。
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}
	if err := db.Seed(gdb, cfg); err != nil {
		log.Fatal().Err(err).Msg("db seed")
	}

	deps := server.Deps{Limiter: server.NewLimiter(cfg)}
	rdb, err := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, room cache disabled")
	}
	roomCache := cache.New(rdb, "memberchat:", cfg.RoomCacheTTL)
	deps.Cache = roomCache

	pub, err := events.NewPublisher(cfg.AMQPURL)
	if err != nil {
		log.Warn().Err(err).Msg("amqp unavailable, message events disabled")
	}
	if pub != nil {
		deps.Events = pub
	}

	reg := ws.NewRegistry()
	r := server.SetupRouter(cfg, gdb, reg, deps)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).
			Bool("cache", roomCache.Enabled()).Bool("events", pub != nil).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	wait := gfshutdown.GracefulShutdown(context.Background(), shutdownTimeout, map[string]gfshutdown.Operation{
		"memberchat": func(ctx context.Context) error {
			log.Info().Msg("shutting down")
			// 先停止接收新请求，再断开实时连接，最后释放外部资源。
			err := srv.Shutdown(ctx)
			log.Info().Int("sessions", reg.CloseAll()).Msg("live sessions closed")
			deps.Limiter.Stop()
			if cerr := roomCache.Close(); cerr != nil {
				log.Warn().Err(cerr).Msg("redis close")
			}
			if cerr := pub.Close(); cerr != nil {
				log.Warn().Err(cerr).Msg("amqp close")
			}
			if cerr := db.Close(gdb); cerr != nil {
				log.Warn().Err(cerr).Msg("db close")
			}
			return err
		},
	})
	os.Exit(<-wait)
}
