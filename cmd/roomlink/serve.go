package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/roomlink/config"
	"github.com/mossy-p/roomlink/internal/feed"
	"github.com/mossy-p/roomlink/internal/handlers"
	"github.com/mossy-p/roomlink/internal/middleware"
	"github.com/mossy-p/roomlink/internal/redis"
	"github.com/mossy-p/roomlink/internal/roster"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	flagPort      string
	flagRedisHost string
	flagRedisPort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the room API and WebSocket signal bridge",
	Long: `Serve the room, chat and roster HTTP API and bridge WebSocket clients
onto the Redis-backed signal feed of each room.

Examples:
  roomlink serve
  roomlink serve --port 9000 --redis-host redis`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd, func(cfg *config.Config) {
			if cmd.Flags().Changed("port") {
				cfg.Port = flagPort
			}
			if cmd.Flags().Changed("redis-host") {
				cfg.Redis.Host = flagRedisHost
			}
			if cmd.Flags().Changed("redis-port") {
				cfg.Redis.Port = flagRedisPort
			}
		})
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&flagPort, "port", "p", "", "HTTP listen port (default $PORT)")
	serveCmd.Flags().StringVar(&flagRedisHost, "redis-host", "", "Redis host (default $REDIS_HOST)")
	serveCmd.Flags().StringVar(&flagRedisPort, "redis-port", "", "Redis port (default $REDIS_PORT)")
}

func serve(ctx context.Context, cfg *config.Config) error {
	client, err := redis.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()
	log.Infow("redis connection established", "addr", cfg.RedisAddr())

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(middleware.OriginFilter(cfg.AllowedOrigins))

	signals := feed.NewRedis(client, feed.RedisOptions{
		MaxLen: cfg.Signaling.BacklogLimit,
		TTL:    cfg.Signaling.SignalTTL,
	})
	handlers.New(roster.NewStore(client), signals, cfg.JWTSecret).Register(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Infow("starting signaling server", "port", cfg.Port, "environment", cfg.Environment)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
