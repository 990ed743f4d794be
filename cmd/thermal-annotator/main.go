package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/menta2k/thermal-annotator/internal/config"
	"github.com/menta2k/thermal-annotator/internal/logging"
	"github.com/menta2k/thermal-annotator/pkg/client"
	"github.com/menta2k/thermal-annotator/pkg/store/httpstore"
	"github.com/menta2k/thermal-annotator/pkg/store/memstore"
	"github.com/menta2k/thermal-annotator/pkg/store/sqlstore"
	"github.com/menta2k/thermal-annotator/pkg/types"
)

// app carries what every subcommand needs once the root has initialized
type app struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	closeLog   func() error
	actor      types.Actor
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{v: config.NewViper()}
	if err := rootCommand(a).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}

func rootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "thermal-annotator",
		Short:        "Review, export and render thermal inspection anomalies",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initialize()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default ~/.config/thermal-annotator/config.yaml)")
	flags.String("store", config.StoreMemory, "anomaly store: http, sqlite or memory")
	flags.String("base-url", "", "inspection service URL for the http store")
	flags.String("db", "", "database path for the sqlite store")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.StringVar(&a.actor.UserID, "user-id", "", "ID of the reviewing user")
	flags.StringVar(&a.actor.UserName, "user-name", "", "display name of the reviewing user")

	bind := map[string]string{
		"store.kind":        "store",
		"store.base_url":    "base-url",
		"store.sqlite_path": "db",
		"logging.level":     "log-level",
		"logging.format":    "log-format",
	}
	for key, flag := range bind {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("error binding flag %s: %v", flag, err))
		}
	}

	rootCmd.AddCommand(
		exportCommand(a),
		overlayCommand(a),
		detectCommand(a),
		demoCommand(a),
	)
	return rootCmd
}

// initialize loads the configuration and sets up logging
func (a *app) initialize() error {
	cfg, err := config.Load(a.v, a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, closeLog, err := logging.Init(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	a.logger, a.closeLog = logger, closeLog
	a.logger.Debug("configuration loaded", "store", cfg.Store.Kind, "timezone", cfg.Export.Timezone)
	return nil
}

// openStore builds the configured anomaly store. The returned close function
// is never nil.
func (a *app) openStore() (client.AnomalyStore, func() error, error) {
	noop := func() error { return nil }
	switch a.cfg.Store.Kind {
	case config.StoreHTTP:
		s, err := httpstore.New(a.cfg.Store.BaseURL, httpstore.Options{
			HTTPClient: &http.Client{},
			Timeout:    a.cfg.Store.Timeout,
			Logger:     a.logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case config.StoreSQLite:
		s, err := sqlstore.Open(a.cfg.Store.SQLitePath, sqlstore.Options{
			Logger: a.logger,
			Debug:  logging.ParseLevel(a.cfg.Logging.Level) == slog.LevelDebug,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		return memstore.New(0), noop, nil
	}
}

func imageRef(args []string) types.ImageRef {
	return types.NewImageRef(args[0], args[1])
}
