package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/apiforward/apiforward/internal/api"
	"github.com/apiforward/apiforward/internal/background"
	"github.com/apiforward/apiforward/internal/config"
	"github.com/apiforward/apiforward/internal/declarative"
	"github.com/apiforward/apiforward/internal/forward"
	"github.com/apiforward/apiforward/internal/log"
	"github.com/apiforward/apiforward/internal/model"
	"github.com/apiforward/apiforward/internal/statistics"
	"github.com/apiforward/apiforward/internal/store"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background service and its API",
	RunE:  runServe,
}

// startBackground opens the store and starts the authoritative context.
// Resources are registered on the shutdown chain.
func startBackground(ctx context.Context, cfg *config.Config, engine *declarative.Engine) (*background.Service, error) {
	st, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, err
	}
	addShutdown("store.Close", st.Close)

	statsFile := cfg.StatsFile
	if statsFile == "" {
		statsFile = log.GetStatsFilePath("match_stats")
	}
	svc := background.New(background.Options{
		Store:     st,
		Installer: engine,
		Forward:   forward.NewClient(cfg.ForwardTimeout),
		Stats:     statistics.NewMatchRecordList(statsFile),
		ExportDir: cfg.ExportDir,
	})
	if err := svc.Start(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

func readRulesFile(path string) ([]model.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rules []model.Rule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return rules, nil
}

func loadRulesFile(ctx context.Context, svc *background.Service, path string) {
	rules, err := readRulesFile(path)
	if err != nil {
		slog.Error("Failed to read rules file", slog.String("file", path), slog.Any("error", err))
		return
	}
	if err := svc.SetRules(ctx, rules); err != nil {
		slog.Error("svc.SetRules", slog.Any("error", err))
		return
	}
	slog.Info("Rules loaded", slog.String("file", path), slog.Int("rules", len(rules)))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lb := log.NewBroadcaster()
	log.SetLogConf(cfg.LogLevel, cfg.LogFile, lb)
	log.LogHeader(AppVersion, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	addShutdown("cancel", func() error {
		cancel()
		return nil
	})

	svc, err := startBackground(ctx, cfg, declarative.NewEngine())
	if err != nil {
		slog.Error("startBackground", slog.Any("error", err))
		shutdown()
		return err
	}
	if cfg.RulesFile != "" {
		loadRulesFile(ctx, svc, cfg.RulesFile)
	}

	srv := api.New(AppVersion, cfg, svc, lb)
	addShutdown("srv.Close", srv.Close)
	if err := srv.Start(); err != nil {
		slog.Error("srv.Start", slog.Any("error", err))
		shutdown()
		return err
	}

	cleanup := make(chan os.Signal, 1)
	signal.Notify(cleanup, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM)
	for {
		s := <-cleanup
		slog.Info("Received signal", slog.String("signal", s.String()))
		switch s {
		case syscall.SIGQUIT, syscall.SIGINT, syscall.SIGTERM:
			shutdown()
			slog.Info("apiforward exit")
			return nil
		case syscall.SIGHUP:
			if cfg.RulesFile != "" {
				loadRulesFile(ctx, svc, cfg.RulesFile)
			}
		default:
			return nil
		}
	}
}
