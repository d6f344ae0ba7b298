package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"strangertalk/backend/internal/api/handler"
	"strangertalk/backend/internal/chathub"
	"strangertalk/backend/internal/config"
	"strangertalk/backend/internal/storage"
)

const shutdownGrace = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file, using environment as-is")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr(),
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect Redis")
	}
	store := storage.NewStorageService(rdb)

	// Analytics are strictly best-effort: when disabled (or the database
	// is down at boot) signaling runs without them.
	var audit storage.RoomAuditor = storage.NopAuditor{}
	var recorder *storage.Recorder
	if cfg.Analytics.Enabled {
		db, err := gorm.Open(postgres.Open(cfg.Analytics.DSN), &gorm.Config{})
		if err != nil {
			log.Error().Err(err).Msg("analytics store unavailable, continuing without it")
		} else if err := storage.AutoMigrate(db); err != nil {
			log.Error().Err(err).Msg("analytics migration failed, continuing without it")
		} else {
			recorder = storage.NewRecorder(db, log.Logger)
			go recorder.Run()
			audit = recorder
		}
	}

	hub := chathub.NewManagerService(log.Logger)
	matcher := chathub.NewMatcherService(store, audit, log.Logger)
	h := handler.NewHandler(hub, matcher, store, cfg, log.Logger)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	corsCfg := cors.DefaultConfig()
	if cfg.CORSOrigin == "*" {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = []string{cfg.CORSOrigin}
	}
	r.Use(cors.New(corsCfg))

	r.GET("/anonid", h.GetAnonID)
	r.GET("/ws", h.ServeWebSocket)
	r.GET("/healthz", h.Healthz)
	r.GET("/stats", h.GetStats)

	srv := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Port),
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("signaling server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	hub.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shut down")
	}
	if recorder != nil {
		recorder.Close()
	}
	log.Info().Msg("server exited")
}
