// Command lifequery runs the single-user memory engine: SQLite-backed
// message and vector stores, the ingestion pipeline, the Telegram bridge
// client and the HTTP gateway, all in one process.
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
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"

	"github.com/nikira-studio/lifequery/chat"
	"github.com/nikira-studio/lifequery/config"
	"github.com/nikira-studio/lifequery/embed"
	"github.com/nikira-studio/lifequery/gateway"
	"github.com/nikira-studio/lifequery/ingest"
	"github.com/nikira-studio/lifequery/rag"
	"github.com/nikira-studio/lifequery/store"
	"github.com/nikira-studio/lifequery/tasks"
	"github.com/nikira-studio/lifequery/telegram"
	"github.com/nikira-studio/lifequery/vecstore"
)

// bootstrap is the process-level configuration: where to listen and
// where things live on disk. Everything tunable at runtime lives in the
// settings table instead and is managed through the API.
type bootstrap struct {
	Listen    string `yaml:"listen"`
	DataDir   string `yaml:"data_dir"`
	ImportDir string `yaml:"import_dir"`
	BridgeURL string `yaml:"bridge_url"`
	LogLevel  string `yaml:"log_level"`
}

func defaults() bootstrap {
	return bootstrap{
		Listen:    env("LISTEN", ":8000"),
		DataDir:   env("DATA_DIR", "data"),
		ImportDir: env("IMPORT_DIR", "import"),
		BridgeURL: env("BRIDGE_URL", "http://localhost:8010"),
		LogLevel:  env("LOG_LEVEL", "info"),
	}
}

func loadBootstrap(path string) (bootstrap, error) {
	cfg := defaults()
	buf, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	configPath := flag.String("config", env("CONFIG_FILE", "lifequery.yaml"), "path to the bootstrap config file")
	flag.Parse()

	cfg, err := loadBootstrap(*configPath)
	if err != nil {
		slog.Error("bootstrap config", "error", err)
		os.Exit(1)
	}

	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := store.Open(filepath.Join(cfg.DataDir, "messages.db"))
	if err != nil {
		slog.Error("message store", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	st := store.New(db, logger)
	if err := st.Init(ctx); err != nil {
		slog.Error("message store init", "error", err)
		os.Exit(1)
	}

	vs, err := vecstore.Open(filepath.Join(cfg.DataDir, "vectors.db"), logger)
	if err != nil {
		slog.Error("vector store", "error", err)
		os.Exit(1)
	}
	defer vs.Close()

	cs := config.NewStore(db, logger)

	embedderFor := func(set config.Settings) embed.Embedder {
		return embed.New(embed.Config{
			Endpoint: set.OllamaURL,
			Model:    set.EmbeddingModel,
			Logger:   logger,
		})
	}
	pipeline := ingest.NewPipeline(st, vs, cs, embedderFor, logger)
	manager := tasks.NewManager(st, logger)
	bridge := telegram.NewBridge(cfg.BridgeURL, logger)
	orch := chat.NewOrchestrator(rag.NewEngine(st, vs, logger), logger)

	srv := gateway.NewServer(gateway.Config{
		Store:     st,
		Vectors:   vs,
		Settings:  cs,
		Pipeline:  pipeline,
		Manager:   manager,
		Bridge:    bridge,
		Orch:      orch,
		ImportDir: cfg.ImportDir,
		Logger:    logger,
	})

	syncOp := func(ctx context.Context, emit func(ingest.Progress)) (ingest.Counts, error) {
		set, err := cs.Snapshot(ctx)
		if err != nil {
			return ingest.Counts{}, err
		}
		return pipeline.Run(ctx, telegram.NewSource(bridge, st, set, logger), emit)
	}
	go tasks.NewAutoSync(manager, cs, bridge.Connected, syncOp, logger).Run(ctx)

	// No WriteTimeout: chat and sync responses are open-ended SSE streams.
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen, "data_dir", cfg.DataDir, "bridge", cfg.BridgeURL)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
