package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/sitelink-hq/sitelink/sdk/golang/devserver"
)

var (
	devAddr      string
	devRedisAddr string
	devSecret    string
)

func init() {
	devserverCmd.Flags().StringVar(&devAddr, "addr", "localhost:8787", "Listen address")
	devserverCmd.Flags().StringVar(&devRedisAddr, "redis", "", "Redis address for push tokens (default in-memory)")
	devserverCmd.Flags().StringVar(&devSecret, "jwt-secret", "dev-secret", "HS256 secret for session tokens")
	rootCmd.AddCommand(devserverCmd)
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local development backend",
	Long: "Run an in-process Sitelink API with seeded accounts (jane@example.com, joe@example.com, admin@example.com; password \"password\").\n" +
		"Point the CLI at it with 'sitelink init local'.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		logger := cliLogger(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := devserver.Options{Secret: []byte(devSecret), Logger: &logger}
		if devRedisAddr != "" {
			rdb := redis.NewClient(&redis.Options{Addr: devRedisAddr})
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis ping failed: %w", err)
			}
			opts.Tokens = devserver.NewRedisTokenStore(rdb)
			logger.Info().Str("redis", devRedisAddr).Msg("push tokens stored in redis")
		}

		srv := &http.Server{
			Addr:              devAddr,
			Handler:           devserver.New(opts),
			ReadHeaderTimeout: 5 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		logger.Info().Str("addr", devAddr).Msg("devserver listening")

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("devserver failed: %w", err)
			}
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}
