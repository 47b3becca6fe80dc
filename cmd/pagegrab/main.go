// Command pagegrab is a Telegram bot that turns a web page into
// self-contained offline files and answers questions about it.
//
// Usage:
//
//	pagegrab                          # config from environment only
//	pagegrab -config pagegrab.yaml    # plus YAML config file
//
// Required environment: TELEGRAM_BOT_TOKEN. Optional: OPENROUTER_API_KEY
// (without it the bot still delivers page files but cannot answer
// questions).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hazyhaar/pagegrab/bot"
	"github.com/hazyhaar/pagegrab/capture"
	"github.com/hazyhaar/pagegrab/convo"
	"github.com/hazyhaar/pagegrab/fetch"
	"github.com/hazyhaar/pagegrab/llm"
	"github.com/hazyhaar/pagegrab/ocr"
)

func main() {
	configPath := flag.String("config", "", "path to pagegrab.yaml config file")
	envPath := flag.String("env", "", "path to a .env file to load")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *envPath); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pagegrab: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, envPath string) error {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else {
		// Best-effort: a local .env is optional.
		godotenv.Load()
	}

	cfg := &bot.FileConfig{}
	if configPath != "" {
		loaded, err := bot.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return fmt.Errorf("переменная окружения TELEGRAM_BOT_TOKEN не установлена")
	}

	engine := ocr.Detect(logger)
	if t, ok := engine.(*ocr.Tesseract); ok && cfg.OCR.Languages != "" {
		t.Languages = cfg.OCR.Languages
	}

	svc := capture.New(capture.Config{
		Fetcher:   fetch.New(fetch.Config{Logger: logger}),
		Annotator: ocr.NewAnnotator(engine, logger),
		Workers:   cfg.Workers,
		Logger:    logger,
	})

	tg, err := bot.NewTelegram(token, logger)
	if err != nil {
		return err
	}

	handler := bot.NewHandler(bot.Config{
		Capture: svc,
		Convo:   convo.NewManager(convo.Config{MaxMessages: cfg.HistorySize, Logger: logger}),
		LLM: llm.New(llm.Config{
			APIKey: os.Getenv("OPENROUTER_API_KEY"),
			Model:  cfg.Model,
			Logger: logger,
		}),
		Replier:    tg,
		ChunkLimit: cfg.ChunkLimit,
		Logger:     logger,
	})

	if cfg.Ops.Listen != "" {
		ops := &http.Server{
			Addr:              cfg.Ops.Listen,
			Handler:           bot.NewOpsHandler(handler),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("ops: listening", "addr", cfg.Ops.Listen)
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops: server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ops.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("pagegrab: starting", "ocr_available", engine != nil)
	return tg.Run(ctx, handler)
}
