// Mitski orchestrator server — Telegram webhook ingress, queue workers
// and the periodic sweeper in one process.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"

	"github.com/vkultra/mitski/pkg/api"
	"github.com/vkultra/mitski/pkg/blocks"
	"github.com/vkultra/mitski/pkg/config"
	"github.com/vkultra/mitski/pkg/crypto"
	"github.com/vkultra/mitski/pkg/database"
	"github.com/vkultra/mitski/pkg/engine"
	"github.com/vkultra/mitski/pkg/faults"
	"github.com/vkultra/mitski/pkg/kv"
	"github.com/vkultra/mitski/pkg/llm"
	"github.com/vkultra/mitski/pkg/masking"
	"github.com/vkultra/mitski/pkg/metrics"
	"github.com/vkultra/mitski/pkg/pix"
	"github.com/vkultra/mitski/pkg/pricing"
	"github.com/vkultra/mitski/pkg/queue"
	"github.com/vkultra/mitski/pkg/ratelimit"
	"github.com/vkultra/mitski/pkg/services"
	"github.com/vkultra/mitski/pkg/store"
	"github.com/vkultra/mitski/pkg/telegram"
	"github.com/vkultra/mitski/pkg/version"
	"github.com/vkultra/mitski/pkg/whisper"
)

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(masking.NewHandler(inner))
}

// encryptionKey returns the configured key, or an ephemeral one in dev so
// the process still boots without ENCRYPTION_KEY. Tokens encrypted with an
// ephemeral key do not survive a restart.
func encryptionKey(cfg *config.Config, logger *slog.Logger) []byte {
	if len(cfg.EncryptionKey) == 32 {
		return cfg.EncryptionKey
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		logger.Error("generating ephemeral key failed", "error", err)
		os.Exit(1)
	}
	logger.Warn("ENCRYPTION_KEY not set, using ephemeral key; stored tokens will not survive restart")
	return key
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file, continuing with existing environment")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting", "app", version.Full(), "env", cfg.AppEnv, "port", cfg.ServerPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	dbClient, err := database.NewClient(ctx, database.Config{
		URL:             cfg.DBURL,
		MaxOpenConns:    cfg.DBPoolSize + cfg.DBMaxOverflow,
		MaxIdleConns:    cfg.DBPoolSize,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	if err != nil {
		logger.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	logger.Info("connected to postgres, migrations applied")

	kvStore, err := kv.New(cfg.RedisURL, cfg.RedisMaxConnections, cfg.KVTimeout)
	if err != nil {
		logger.Error("redis init failed", "error", err)
		os.Exit(1)
	}
	defer kvStore.Close()

	box, err := crypto.NewBox(encryptionKey(cfg, logger))
	if err != nil {
		logger.Error("crypto init failed", "error", err)
		os.Exit(1)
	}

	st := store.New(dbClient.DB(), cfg.SQLTimeout)
	tg := telegram.New(cfg.TelegramTimeout, cfg.CircuitBreakerFailMax, cfg.CircuitBreakerTimeout)

	model, err := llm.New(llm.Config{
		APIKey:        cfg.LLMAPIKey,
		BaseURL:       cfg.LLMBaseURL,
		Model:         cfg.LLMModel,
		Timeout:       cfg.LLMTimeout,
		CharsPerToken: cfg.EstimatedCharsPerToken,
		FailMax:       cfg.CircuitBreakerFailMax,
		BreakerReset:  cfg.CircuitBreakerTimeout,
	})
	if err != nil {
		logger.Error("llm init failed", "error", err)
		os.Exit(1)
	}

	wh := whisper.New(whisper.Config{
		APIKey:       cfg.WhisperAPIKey,
		BaseURL:      cfg.WhisperAPIBase,
		Model:        cfg.WhisperModel,
		Timeout:      cfg.WhisperTimeout,
		FailMax:      cfg.CircuitBreakerFailMax,
		BreakerReset: cfg.CircuitBreakerTimeout,
	})

	pixClient := pix.New(cfg.PixBaseURL, cfg.PixTimeout, cfg.CircuitBreakerFailMax, cfg.CircuitBreakerTimeout)

	rates := pricing.Rates{
		TextInputPerMTokUSD:  cfg.PriceTextInputPerMTokUSD,
		TextOutputPerMTokUSD: cfg.PriceTextOutputPerMTokUSD,
		TextCachedPerMTokUSD: cfg.PriceTextCachedPerMTokUSD,
		WhisperPerMinuteUSD:  cfg.WhisperCostPerMinuteUSD,
		USDToBRL:             cfg.USDToBRLRate,
		CharsPerToken:        cfg.EstimatedCharsPerToken,
	}

	rt := queue.New(cfg.Queue, kvStore, logger)
	limiter := ratelimit.NewLimiter(kvStore, cfg.RateLimits)
	locks := ratelimit.NewLockManager(kvStore)
	sender := blocks.NewSender(st, tg, rt, cfg.ManagerBotToken, logger)

	svc := services.New(cfg, st, kvStore, tg, sender, pixClient, wh, box, rt, limiter, locks, rates, logger)
	eng := engine.New(cfg, st, model, tg, sender, svc, limiter, rates, logger)
	svc.SetEngine(eng)
	svc.Register(rt)

	rt.Start(ctx)
	logger.Info("queue runtime started")

	registerWebhooks(ctx, cfg, st, tg, box, logger)

	go svc.RunSweeper(ctx, cfg.Queue.SweepInterval)

	srv := api.NewServer(cfg, dbClient, kvStore, st, svc, rt, logger)
	httpServer := srv.HTTPServer()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("http server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	rt.Stop()
	logger.Info("shutdown complete")
}

// setWebhookRetrying registers one webhook with exponential backoff. The
// Telegram API is often the last dependency to become reachable on a cold
// deploy.
func setWebhookRetrying(ctx context.Context, tg *telegram.Client, token, url, secret string) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 15 * time.Second
	return backoff.Retry(func() error {
		err := tg.SetWebhook(ctx, token, url, secret)
		if err != nil && !faults.IsRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, 4), ctx))
}

// registerWebhooks points every active bot and the manager bot at this
// deployment's ingress. Failures are logged and skipped; a bot with a
// stale webhook recovers on its next /addbot or restart.
func registerWebhooks(ctx context.Context, cfg *config.Config, st *store.Store,
	tg *telegram.Client, box *crypto.Box, logger *slog.Logger) {
	if cfg.ManagerBotToken != "" {
		url := cfg.WebhookBaseURL + "/webhook/manager"
		if err := setWebhookRetrying(ctx, tg, cfg.ManagerBotToken, url, cfg.TelegramWebhookSecret); err != nil {
			logger.Error("manager webhook registration failed", "error", err)
		}
	}

	bots, err := st.ListActiveBots(ctx)
	if err != nil {
		logger.Error("listing active bots failed", "error", err)
		return
	}
	for _, bot := range bots {
		token, err := box.Decrypt(bot.TokenEncrypted)
		if err != nil {
			logger.Error("bot token decrypt failed", "bot_id", bot.ID, "error", err)
			continue
		}
		url := fmt.Sprintf("%s/webhook/%d", cfg.WebhookBaseURL, bot.ID)
		if err := setWebhookRetrying(ctx, tg, token, url, bot.WebhookSecret); err != nil {
			logger.Error("bot webhook registration failed", "bot_id", bot.ID, "error", err)
		}
	}
	metrics.ActiveBots.Set(float64(len(bots)))
	logger.Info("webhooks registered", "bots", len(bots))
}
