// Command devdash-sync runs the DevDash offline sync engine from the
// terminal: background sync loops, one-shot flush/refresh, and conflict
// inspection and resolution.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nacer-hammami2025/devdash-sync/offstore"
	"github.com/nacer-hammami2025/devdash-sync/offsync"
	"github.com/nacer-hammami2025/devdash-sync/wsfeed"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "devdash-sync",
		Short:         "DevDash offline-first sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(cfgFile)
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.devdash-sync.yaml)")
	root.PersistentFlags().String("db", "devdash.db", "local cache database path (empty disables persistence)")
	root.PersistentFlags().String("server", "http://localhost:3000", "DevDash API base URL")
	root.PersistentFlags().String("token", "", "bearer token for API requests")
	root.PersistentFlags().String("realtime", "", "websocket URL for realtime change events")
	for _, key := range []string{"db", "server", "token", "realtime"} {
		_ = viper.BindPFlag(key, root.PersistentFlags().Lookup(key))
	}

	root.AddCommand(newRunCmd(), newStatusCmd(), newFlushCmd(), newRefreshCmd(), newConflictsCmd())
	return root
}

func initConfig(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".devdash-sync")
		}
	}
	viper.SetEnvPrefix("DEVDASH")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func buildEngine(logger *slog.Logger) (*offsync.Engine, offstore.Store, error) {
	store := offstore.NewProvider(viper.GetString("db"), logger).Store()
	token := func(ctx context.Context) (string, error) {
		return viper.GetString("token"), nil
	}
	server := offsync.NewHTTPServer(viper.GetString("server"), token)

	engine, err := offsync.New(store, server, nil)
	if err != nil {
		return nil, nil, err
	}
	engine.Logger = logger
	return engine, store, nil
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync loops until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			engine, store, err := buildEngine(logger)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if wsURL := viper.GetString("realtime"); wsURL != "" {
				feed := wsfeed.New(wsURL)
				feed.Logger = logger
				feed.Token = func(ctx context.Context) (string, error) {
					return viper.GetString("token"), nil
				}
				engine.Events = feed
				go func() {
					if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
						logger.Error("realtime feed stopped", "error", err)
					}
				}()
			}

			if err := engine.Start(ctx); err != nil {
				return err
			}
			logger.Info("sync engine running", "degraded", store.Degraded())
			<-ctx.Done()
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status (pending outbox, backoff, conflicts)",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, store, err := buildEngine(slog.Default())
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := engine.Status(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(st, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Flush the outbox once",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, store, err := buildEngine(slog.Default())
			if err != nil {
				return err
			}
			defer store.Close()

			if err := engine.Flush(cmd.Context()); err != nil {
				return err
			}
			depth, err := store.OutboxDepth(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("flush complete, %d item(s) still pending\n", depth)
			return nil
		},
	}
}

func newRefreshCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "refresh [projects|tasks]",
		Short: "Fetch changed entities since the last cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, store, err := buildEngine(slog.Default())
			if err != nil {
				return err
			}
			defer store.Close()

			var scope offsync.Scope
			switch args[0] {
			case "projects":
				scope = offsync.Scope{Entity: offstore.EntityProject}
			case "tasks":
				scope = offsync.Scope{Entity: offstore.EntityTask, ProjectID: projectID}
			default:
				return fmt.Errorf("unknown collection %q", args[0])
			}
			return engine.Refresh(cmd.Context(), scope)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "restrict task refresh to one project")
	return cmd
}

func newConflictsCmd() *cobra.Command {
	conflicts := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List conflicts, unresolved first",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, store, err := buildEngine(slog.Default())
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := engine.Conflicts(cmd.Context())
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no conflicts")
				return nil
			}
			for _, c := range records {
				state := "unresolved"
				if c.Resolved {
					state = "resolved"
				}
				fmt.Printf("#%d  %s %s  %s  server=v%d client=v%d  [%s]\n",
					c.ID, c.Entity, c.EntityID, c.Reason, c.ServerVersion, c.ClientVersion, state)
			}
			return nil
		},
	}

	var strategy, mergeFile string
	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve one conflict (accept server, replay client, or manual merge)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conflict id %q", args[0])
			}
			engine, store, err := buildEngine(slog.Default())
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			switch strategy {
			case "server":
				return engine.ApplyServer(ctx, id)
			case "client":
				return engine.ReplayClient(ctx, id)
			case "merge":
				if mergeFile == "" {
					return fmt.Errorf("--payload is required for merge")
				}
				merged, err := os.ReadFile(mergeFile)
				if err != nil {
					return fmt.Errorf("failed to read merge payload: %w", err)
				}
				return engine.ManualMerge(ctx, id, merged)
			default:
				return fmt.Errorf("unknown strategy %q (server|client|merge)", strategy)
			}
		},
	}
	resolve.Flags().StringVar(&strategy, "strategy", "server", "resolution strategy: server, client or merge")
	resolve.Flags().StringVar(&mergeFile, "payload", "", "JSON file with the merged payload (merge strategy)")

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Delete resolved conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, store, err := buildEngine(slog.Default())
			if err != nil {
				return err
			}
			defer store.Close()
			return engine.ClearResolved(cmd.Context())
		},
	}

	conflicts.AddCommand(list, resolve, clear)
	return conflicts
}
