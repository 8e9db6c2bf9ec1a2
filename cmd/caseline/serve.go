package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseline/internal/db"
	"caseline/internal/engine"
	"caseline/internal/jobs"
	"caseline/internal/observability"
	"caseline/internal/presence"
	"caseline/internal/ratelimit"
	"caseline/internal/repo"
	"caseline/internal/server"
	"caseline/internal/worker"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook and HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			ctx := cmd.Context()
			shutdownTracing, err := observability.InitTracing(ctx, logger,
				viper.GetString("otlp-endpoint"), "caseline", viper.GetString("environment"))
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(sctx)
			}()

			return withDB(ctx, func(ctx context.Context, conn *sql.DB, dialect db.Dialect) error {
				e := engine.New(conn, dialect, logger)
				clock := presence.New(conn, dialect, logger)
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")}
				if authCfg.JWTSecret == "" {
					logger.Warn("CASELINE_JWT_SECRET not set; bearer tokens will be rejected")
				}
				webhookLimiter, apiLimiter, closeLimiters, err := buildLimiters(ctx, logger)
				if err != nil {
					return err
				}
				defer closeLimiters()

				handler, err := server.New(server.Config{
					Engine:       e,
					Clock:        clock,
					BasePath:     viper.GetString("base-path"),
					Auth:         authCfg,
					Logger:       logger,
					WebhookLimit: &ratelimit.Guard{Limiter: webhookLimiter, Scope: "webhook", Logger: logger},
					APILimit:     &ratelimit.Guard{Limiter: apiLimiter, Scope: "api", Logger: logger},
				})
				if err != nil {
					return err
				}
				if viper.GetBool("worker") {
					go newRunner(conn, dialect, logger).Run(ctx)
				}

				addr := viper.GetString("addr")
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				logger.Info("serving caseline", "addr", addr, "base_path", viper.GetString("base-path"), "dialect", string(dialect))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/v1", "API base path")
	cmd.Flags().String("redis-addr", "", "Redis address for shared rate limits; in-process limits when empty")
	cmd.Flags().Float64("webhook-rps", 20, "webhook deliveries per second per channel instance")
	cmd.Flags().Int("webhook-burst", 40, "webhook burst per channel instance")
	cmd.Flags().Float64("api-rps", 10, "API requests per second per client address")
	cmd.Flags().Int("api-burst", 20, "API burst per client address")
	cmd.Flags().Bool("worker", false, "run the job delivery loop in-process")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace endpoint (host:port)")
	cmd.Flags().String("environment", "dev", "deployment environment reported on traces")
	for _, name := range []string{"addr", "base-path", "redis-addr", "webhook-rps", "webhook-burst",
		"api-rps", "api-burst", "worker", "otlp-endpoint", "environment"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func workerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Deliver queued jobs to the endpoints configured per tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			return withDB(cmd.Context(), func(ctx context.Context, conn *sql.DB, dialect db.Dialect) error {
				runner := newRunner(conn, dialect, logger)
				if viper.GetBool("once") {
					n, err := runner.RunOnce(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("delivered %d job(s)\n", n)
					return nil
				}
				logger.Info("job runner started", "interval", runner.Interval)
				runner.Run(ctx)
				return nil
			})
		},
	}
	cmd.Flags().Bool("once", false, "run a single delivery pass and exit")
	cmd.Flags().Duration("worker-interval", 2*time.Second, "poll interval")
	_ = viper.BindPFlag("once", cmd.Flags().Lookup("once"))
	_ = viper.BindPFlag("worker-interval", cmd.Flags().Lookup("worker-interval"))
	return cmd
}

func newRunner(conn *sql.DB, dialect db.Dialect, logger *slog.Logger) worker.Runner {
	r := repo.Repo{DB: conn, Dialect: dialect}
	return worker.Runner{
		Repo:       r,
		Dispatcher: jobs.Dispatcher{Repo: r, Logger: logger},
		Client:     &http.Client{},
		Interval:   viper.GetDuration("worker-interval"),
		Logger:     logger,
	}
}

// buildLimiters shares buckets through Redis when configured and falls back to process memory
// when Redis is unset or unreachable at startup.
func buildLimiters(ctx context.Context, logger *slog.Logger) (ratelimit.Limiter, ratelimit.Limiter, func(), error) {
	webhookPolicy := ratelimit.Policy{RPS: viper.GetFloat64("webhook-rps"), Burst: viper.GetInt("webhook-burst")}
	apiPolicy := ratelimit.Policy{RPS: viper.GetFloat64("api-rps"), Burst: viper.GetInt("api-burst")}
	local := func() (ratelimit.Limiter, ratelimit.Limiter, func(), error) {
		return ratelimit.NewLocal(webhookPolicy), ratelimit.NewLocal(apiPolicy), func() {}, nil
	}
	addr := viper.GetString("redis-addr")
	if addr == "" {
		return local()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		logger.Warn("redis unavailable; using in-process rate limits", "addr", addr, "error", err)
		client.Close()
		return local()
	}
	webhook := ratelimit.NewRedis(client, webhookPolicy)
	webhook.Prefix = "caseline:ratelimit:webhook:"
	api := ratelimit.NewRedis(client, apiPolicy)
	api.Prefix = "caseline:ratelimit:api:"
	return webhook, api, func() { client.Close() }, nil
}
