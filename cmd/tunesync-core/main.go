// tunesync-core is the command-line host for the download and reconciliation
// engine: it wires configuration, logging, and the component stack, then
// drives batches, playlist syncs, and library trims from subcommands.
package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tunesync/tunesync-go/internal/config"
	"github.com/tunesync/tunesync-go/internal/monitoring"
	"github.com/tunesync/tunesync-go/internal/pipeline"
	"github.com/tunesync/tunesync-go/internal/syncer"
)

var flagConfigPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "tunesync-core",
		Short:         "Music download orchestration and library reconciliation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "Config file path")

	rootCmd.AddCommand(downloadCommand())
	rootCmd.AddCommand(trackCommand())
	rootCmd.AddCommand(syncCommand())
	rootCmd.AddCommand(trimCommand())
	rootCmd.AddCommand(undoCommand())
	rootCmd.AddCommand(historyCommand())
	rootCmd.AddCommand(tokenCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads configuration, builds the logger and the engine, and starts the
// background consumers for progress events and manual link requests.
func setup() (*Engine, *zap.Logger, error) {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return nil, nil, err
	}

	logger, err := monitoring.NewLogger(&monitoring.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, nil, err
	}

	engine, err := NewEngine(cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	go consumeEvents(engine)
	go answerManualRequests(engine)

	return engine, logger, nil
}

// consumeEvents renders the progress stream on stderr
func consumeEvents(engine *Engine) {
	for event := range engine.Events() {
		eta := "--:--"
		if event.ETASeconds >= 0 {
			eta = fmt.Sprintf("%02d:%02d", event.ETASeconds/60, event.ETASeconds%60)
		}
		phase := "resolve"
		if event.Phase == pipeline.PhaseFetch {
			phase = "fetch"
		}
		fmt.Fprintf(os.Stderr, "\r[%s] %5.1f%% eta %s  %s (%.0f%%)        ",
			phase, event.Percent, eta, event.ItemName, event.ItemPercent)
	}
}

// answerManualRequests prompts on stdin for tracks no search could resolve.
// An empty answer declines the request.
func answerManualRequests(engine *Engine) {
	reader := bufio.NewReader(os.Stdin)
	for req := range engine.ManualRequests() {
		fmt.Printf("\nNo source found for %q (query: %s).\nPaste a URL, or press enter to skip: ", req.DisplayName, req.Query)
		line, err := reader.ReadString('\n')
		if err != nil {
			req.Cancel()
			continue
		}
		if url := strings.TrimSpace(line); url != "" {
			req.Respond(url)
		} else {
			req.Cancel()
		}
	}
}

func downloadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "download <link-or-query>...",
		Short: "Download tracks from catalog links, direct URLs, or search queries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := setup()
			if err != nil {
				return err
			}
			defer engine.Close()
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			items, err := engine.BuildQueue(ctx, args)
			if err != nil {
				return err
			}

			result, err := engine.Download(ctx, items)
			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stderr)
			fmt.Printf("Done: %d succeeded, %d failed\n", result.Succeeded, result.Failed)
			for _, failure := range result.Failures {
				fmt.Printf("  failed: %s: %v\n", failure.Name, failure.Err)
			}
			return nil
		},
	}
}

func trackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "track <playlist-link>",
		Short: "Start following a remote playlist and run the first sync",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := setup()
			if err != nil {
				return err
			}
			defer engine.Close()
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			folder, result, err := engine.Track(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stderr)
			fmt.Printf("Tracking %s\n", folder)
			printSyncResult(result)
			return nil
		},
	}
}

func syncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <playlist-folder>",
		Short: "Reconcile a tracked playlist folder with its remote source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := setup()
			if err != nil {
				return err
			}
			defer engine.Close()
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := engine.Sync(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(os.Stderr)
			printSyncResult(result)
			return nil
		},
	}
}

func trimCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trim",
		Short: "Trim leading and trailing silence across the library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := setup()
			if err != nil {
				return err
			}
			defer engine.Close()
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := engine.TrimLibrary(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Processed %d files: %d trimmed, %d unchanged, %d failed\n",
				result.Processed, result.Trimmed, result.Skipped, result.Failed)
			if result.ManifestID != "" {
				fmt.Printf("Undo with: tunesync-core undo %s\n", result.ManifestID)
			}
			return nil
		},
	}
}

func undoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "undo [manifest-id]",
		Short: "Undo a library trim; without an id, lists available manifests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := setup()
			if err != nil {
				return err
			}
			defer engine.Close()
			defer logger.Sync()

			if len(args) == 0 {
				manifests, err := engine.TrimManifests()
				if err != nil {
					return err
				}
				if len(manifests) == 0 {
					fmt.Println("No trim manifests found")
					return nil
				}
				for _, m := range manifests {
					fmt.Printf("%s  %s  %d files\n", m.ID, m.CreatedAt.Format("2006-01-02 15:04"), len(m.Records))
				}
				return nil
			}

			result, err := engine.RestoreTrim(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Restored %d files\n", result.RestoredCount)
			for _, failed := range result.Failed {
				fmt.Printf("  still outstanding: %s\n", failed.OriginalPath)
			}
			return nil
		},
	}
}

func historyCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent downloads and sync runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := setup()
			if err != nil {
				return err
			}
			defer engine.Close()
			defer logger.Sync()

			downloads, err := engine.history.RecentDownloads(limit)
			if err != nil {
				return err
			}
			for _, d := range downloads {
				fmt.Printf("%s  %s - %s\n", d.DownloadedAt.Format("2006-01-02 15:04"), d.Artist, d.Name)
			}

			syncs, err := engine.history.RecentSyncs(limit)
			if err != nil {
				return err
			}
			for _, s := range syncs {
				fmt.Printf("%s  sync %s: +%d ~%d -%d\n",
					s.SyncedAt.Format("2006-01-02 15:04"), s.PlaylistPath, s.Added, s.Changed, s.Removed)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries per section")
	return cmd
}

func tokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token <catalog-token>",
		Short: "Store the remote catalog token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, logger, err := setup()
			if err != nil {
				return err
			}
			defer engine.Close()
			defer logger.Sync()

			if err := engine.SaveToken(args[0]); err != nil {
				return err
			}
			fmt.Println("Token saved")
			return nil
		},
	}
}

func printSyncResult(result *syncer.Result) {
	fmt.Printf("Added %d, changed %d, removed %d (%d files trashed)\n",
		result.Added, result.Changed, result.Removed, result.FilesRemoved)
	if result.FetchFailed > 0 {
		fmt.Printf("%d tracks could not be fetched; their prior state is kept\n", result.FetchFailed)
	}
	if result.RenameConflict {
		fmt.Println("Remote name changed but the target folder already exists; rename skipped")
	}
}
