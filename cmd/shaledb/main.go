// Command shaledb opens a database directory and operates on it: one-shot
// key operations, range scans, manual compaction, and a serve mode that
// keeps the database open behind the debug HTTP server.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	dbghttp "shaledb/internal/http"
	"shaledb/pkg/config"
	"shaledb/pkg/metrics"
	"shaledb/pkg/store"
)

var (
	configPath string
	dbPath     string
	syncWrites bool
)

func main() {
	root := &cobra.Command{
		Use:           "shaledb",
		Short:         "Embedded ordered key-value store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to yaml config")
	root.PersistentFlags().StringVar(&dbPath, "path", "", "database directory (overrides config)")
	root.PersistentFlags().BoolVar(&syncWrites, "sync", false, "fsync the WAL on every write")

	root.AddCommand(
		serveCmd(),
		getCmd(),
		putCmd(),
		delCmd(),
		scanCmd(),
		compactCmd(),
		propertyCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "shaledb:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		cfg := config.Default()
		if dbPath != "" {
			cfg.DB.Path = dbPath
		}
		return cfg, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if dbPath != "" {
		cfg.DB.Path = dbPath
	}
	return cfg, nil
}

func newLogger(cfg config.LoggerConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.JSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// openDB opens the configured database; the caller closes it.
func openDB(cfg config.Config, met *metrics.Metrics, logger *slog.Logger) (*store.DB, error) {
	opts := store.FromConfig(cfg.DB)
	opts.Logger = logger
	opts.Metrics = met
	return store.Open(cfg.DB.Path, opts)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Open the database and run the debug HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logger)
			met := metrics.New()

			db, err := openDB(cfg, met, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			srv := dbghttp.NewServer(db, met.Registry(), logger, cfg.Server.Port)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-stop:
				logger.Info("shutting down")
				return srv.Stop()
			case err := <-errCh:
				return err
			}
		},
	}
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print the value of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *store.DB) error {
				value, err := db.Get(store.ReadOptions{}, []byte(args[0]))
				if err != nil {
					return err
				}
				fmt.Println(string(value))
				return nil
			})
		},
	}
}

func putCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Set a key to a value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *store.DB) error {
				return db.Put(store.WriteOptions{Sync: syncWrites}, []byte(args[0]), []byte(args[1]))
			})
		},
	}
}

func delCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *store.DB) error {
				return db.Delete(store.WriteOptions{Sync: syncWrites}, []byte(args[0]))
			})
		},
	}
}

func scanCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "scan [start]",
		Short: "Print key-value pairs in order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *store.DB) error {
				it := db.NewIterator(store.ReadOptions{})
				defer it.Close()

				if len(args) == 1 {
					it.Seek([]byte(args[0]))
				} else {
					it.First()
				}
				for n := 0; it.Valid() && (limit <= 0 || n < limit); n++ {
					fmt.Printf("%s\t%s\n", it.Key(), it.Value())
					it.Next()
				}
				return it.Err()
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after N entries (0 = all)")
	return cmd
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Compact the whole key range down to the deepest level holding data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *store.DB) error {
				return db.CompactRange(nil, nil)
			})
		},
	}
}

func propertyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "property <name>",
		Short: "Print an engine property (e.g. stats, sstables)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDB(func(db *store.DB) error {
				value, ok := db.GetProperty("shaledb." + args[0])
				if !ok {
					return fmt.Errorf("unknown property %q", args[0])
				}
				fmt.Println(value)
				return nil
			})
		},
	}
}

func withDB(fn func(*store.DB) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cfg, nil, newLogger(cfg.Logger))
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db)
}
