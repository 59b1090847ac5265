package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tetherhq/tether/internal/config"
	"github.com/tetherhq/tether/internal/db"
	"github.com/tetherhq/tether/internal/engine"
	"github.com/tetherhq/tether/internal/logging"
	"github.com/tetherhq/tether/internal/orchestrator"
	"github.com/tetherhq/tether/internal/platform"
	"github.com/tetherhq/tether/internal/snapshot"
	"github.com/tetherhq/tether/internal/source"
)

var (
	version    = "dev"
	commit     = "none"
	buildDate  = "unknown"
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tether",
		Short: "Platform-context synchronization engine",
		Long: `Tether keeps a local, time-bounded mirror of your collaboration
platforms (Slack, Gmail, Notion, Google Calendar) incrementally
current, decides cheaply whether it is fresh enough to use, and
records exactly which slice of it fed any generated output.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	// version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version info",
		Run: func(cmd *cobra.Command, args []string) {
			if jsonOutput {
				printJSON(map[string]string{
					"version": version,
					"commit":  commit,
					"date":    buildDate,
				})
			} else {
				fmt.Printf("tether %s (%s, %s)\n", version, commit, buildDate)
			}
		},
	})

	// init command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Initialize tether config and database",
		Run: func(cmd *cobra.Command, args []string) {
			configDir, err := config.GetConfigDir()
			if err != nil {
				fail("failed to get config directory: %v", err)
			}
			dataDir, err := config.GetDataDir()
			if err != nil {
				fail("failed to get data directory: %v", err)
			}
			if err := os.MkdirAll(configDir, 0755); err != nil {
				fail("failed to create config directory: %v", err)
			}
			if err := os.MkdirAll(dataDir, 0755); err != nil {
				fail("failed to create data directory: %v", err)
			}
			if err := db.Init(); err != nil {
				fail("failed to initialize database: %v", err)
			}
			dbPath, _ := db.GetPath()

			if jsonOutput {
				printJSON(map[string]string{
					"config_dir": configDir,
					"data_dir":   dataDir,
					"db_path":    dbPath,
				})
			} else {
				fmt.Printf("✓ Config directory: %s\n", configDir)
				fmt.Printf("✓ Data directory: %s\n", dataDir)
				fmt.Printf("✓ Database: %s\n", dbPath)
				fmt.Println("\nTether initialized successfully!")
			}
		},
	})

	// discover command
	discoverCmd := &cobra.Command{
		Use:   "discover <platform>",
		Short: "List syncable resources on a platform (metadata only)",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			userID, _ := cmd.Flags().GetString("user")
			eng, database := mustEngine()
			defer database.Close()

			landscape, err := eng.Discoverer.Discover(cmd.Context(), userID, args[0])
			if err != nil {
				fail("discovery failed: %v", err)
			}
			if jsonOutput {
				printJSON(landscape)
				return
			}
			for _, r := range landscape.Resources {
				fmt.Printf("%-14s %-10s %s\n", r.ID, r.Kind, r.Name)
			}
			if landscape.Truncated {
				fmt.Println("(listing truncated)")
			}
		},
	}
	discoverCmd.Flags().String("user", "default", "User ID")
	rootCmd.AddCommand(discoverCmd)

	// sources command
	sourcesCmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage selected sources",
	}
	sourcesAddCmd := &cobra.Command{
		Use:   "add <platform> <kind> <resource-id>",
		Short: "Select a resource for syncing",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			userID, _ := cmd.Flags().GetString("user")
			eng, database := mustEngine()
			defer database.Close()

			src := source.Source{UserID: userID, Platform: args[0], ResourceKind: args[1], ResourceID: args[2]}
			if err := eng.AddSource(src); err != nil {
				fail("failed to add source: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]string{"added": src.Key()})
			} else {
				fmt.Printf("✓ Added %s\n", src.Key())
			}
		},
	}
	sourcesAddCmd.Flags().String("user", "default", "User ID")
	sourcesRemoveCmd := &cobra.Command{
		Use:   "remove <source-key>",
		Short: "Deselect a source and drop its mirror",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			eng, database := mustEngine()
			defer database.Close()

			src, err := source.ParseKey(args[0])
			if err != nil {
				fail("%v", err)
			}
			if err := eng.RemoveSource(src); err != nil {
				fail("failed to remove source: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]string{"removed": src.Key()})
			} else {
				fmt.Printf("✓ Removed %s\n", src.Key())
			}
		},
	}
	sourcesListCmd := &cobra.Command{
		Use:   "list",
		Short: "List selected sources",
		Run: func(cmd *cobra.Command, args []string) {
			userID, _ := cmd.Flags().GetString("user")
			eng, database := mustEngine()
			defer database.Close()

			sources, err := eng.ListSources(userID)
			if err != nil {
				fail("failed to list sources: %v", err)
			}
			if jsonOutput {
				printJSON(sources)
				return
			}
			for _, s := range sources {
				fmt.Println(s.Key())
			}
		},
	}
	sourcesListCmd.Flags().String("user", "", "Filter by user ID")
	sourcesCmd.AddCommand(sourcesAddCmd, sourcesRemoveCmd, sourcesListCmd)
	rootCmd.AddCommand(sourcesCmd)

	// check command
	checkCmd := &cobra.Command{
		Use:   "check [source-key...]",
		Short: "Check which sources are stale (metadata probes only)",
		Run: func(cmd *cobra.Command, args []string) {
			eng, database := mustEngine()
			defer database.Close()

			sources := resolveSources(eng, args)
			report, err := eng.Checker.Check(cmd.Context(), sources)
			if err != nil {
				fail("freshness check failed: %v", err)
			}
			if jsonOutput {
				printJSON(report)
				return
			}
			for _, sf := range report.Fresh {
				fmt.Printf("fresh    %s\n", sf.Source.Key())
			}
			for _, sf := range report.Syncing {
				fmt.Printf("syncing  %s\n", sf.Source.Key())
			}
			for _, sf := range report.Stale {
				fmt.Printf("stale    %s (%s)\n", sf.Source.Key(), sf.Reason)
			}
		},
	}
	rootCmd.AddCommand(checkCmd)

	// sync command
	syncCmd := &cobra.Command{
		Use:   "sync [source-key...]",
		Short: "Run a freshness check and sync the stale sources",
		Run: func(cmd *cobra.Command, args []string) {
			all, _ := cmd.Flags().GetBool("all")
			eng, database := mustEngine()
			defer database.Close()

			sources := resolveSources(eng, args)
			ctx := cmd.Context()

			if all {
				br := eng.Orchestrator.Sync(ctx, sources)
				printBatch(br)
				return
			}

			report, err := eng.EnsureFresh(ctx, sources)
			if err != nil {
				fail("sync failed: %v", err)
			}
			if jsonOutput {
				printJSON(report)
				return
			}
			fmt.Printf("%d fresh, %d stale, %d syncing\n",
				len(report.Fresh), len(report.Stale), len(report.Syncing))
			if report.Synced != nil {
				printBatch(*report.Synced)
			}
		},
	}
	syncCmd.Flags().Bool("all", false, "Sync without checking freshness first")
	rootCmd.AddCommand(syncCmd)

	// content command
	contentCmd := &cobra.Command{
		Use:   "content [source-key...]",
		Short: "Print mirrored content, oldest first",
		Run: func(cmd *cobra.Command, args []string) {
			limit, _ := cmd.Flags().GetInt("limit")
			eng, database := mustEngine()
			defer database.Close()

			sources := resolveSources(eng, args)
			items, err := eng.GetContent(cmd.Context(), sources, limit)
			if err != nil {
				fail("content query failed: %v", err)
			}
			if jsonOutput {
				printJSON(items)
				return
			}
			for _, item := range items {
				body := item.Body
				if len(body) > 80 {
					body = body[:80] + "…"
				}
				fmt.Printf("%s  %-8s %s\n", item.OccurredAt.Format("2006-01-02 15:04"), item.Kind, body)
			}
		},
	}
	contentCmd.Flags().Int("limit", 100, "Maximum items")
	rootCmd.AddCommand(contentCmd)

	// snapshot command
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record or inspect generation snapshots",
	}
	snapshotRecordCmd := &cobra.Command{
		Use:   "record [source-key...]",
		Short: "Record which source states a generation used",
		Run: func(cmd *cobra.Command, args []string) {
			genID, _ := cmd.Flags().GetString("generation")
			if genID == "" {
				genID = uuid.New().String()
			}
			eng, database := mustEngine()
			defer database.Close()

			sources := resolveSources(eng, args)
			snap, err := eng.RecordSnapshot(cmd.Context(), genID, sources)
			if err != nil {
				fail("snapshot failed: %v", err)
			}
			if jsonOutput {
				printJSON(snap)
			} else {
				fmt.Printf("✓ Recorded snapshot %s (%d sources)\n", snap.GenerationID, len(snap.Sources))
			}
		},
	}
	snapshotRecordCmd.Flags().String("generation", "", "Generation ID (random if omitted)")
	snapshotGetCmd := &cobra.Command{
		Use:   "get <generation-id>",
		Short: "Print a recorded snapshot",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			_, database := mustEngine()
			defer database.Close()

			snap, ok, err := snapshot.Get(database, args[0])
			if err != nil {
				fail("failed to read snapshot: %v", err)
			}
			if !ok {
				fail("no snapshot for generation %s", args[0])
			}
			printJSON(snap)
		},
	}
	snapshotCmd.AddCommand(snapshotRecordCmd, snapshotGetCmd)
	rootCmd.AddCommand(snapshotCmd)

	// evict command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "evict",
		Short: "Run one TTL eviction sweep",
		Run: func(cmd *cobra.Command, args []string) {
			eng, database := mustEngine()
			defer database.Close()

			n, err := eng.EvictExpired()
			if err != nil {
				fail("eviction failed: %v", err)
			}
			if jsonOutput {
				printJSON(map[string]int{"evicted": n})
			} else {
				fmt.Printf("✓ Evicted %d expired items\n", n)
			}
		},
	})

	// status command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the last sync outcome per source",
		Run: func(cmd *cobra.Command, args []string) {
			_, database := mustEngine()
			defer database.Close()

			outcomes, err := orchestrator.ListOutcomes(database)
			if err != nil {
				fail("failed to read outcomes: %v", err)
			}
			if jsonOutput {
				printJSON(outcomes)
				return
			}
			for _, oc := range outcomes {
				fmt.Printf("%-10s %4d items  %s  %s\n", oc.Status, oc.Items,
					oc.FinishedAt.Format("2006-01-02 15:04"), oc.SourceKey)
			}
		},
	})

	// serve command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the eviction sweeper until interrupted",
		Long: `Runs the background TTL eviction sweep on its configured interval.
The config file is watched; edits take effect without a restart.`,
		Run: func(cmd *cobra.Command, args []string) {
			eng, database := mustEngine()
			defer database.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go watchConfig(ctx, eng)
			fmt.Printf("tether serving (sweep every %s)\n", eng.Config().SweepInterval())
			eng.RunSweeper(ctx, 0)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// mustEngine loads config, opens the database and wires the engine.
func mustEngine() (*engine.Engine, *sql.DB) {
	cfg, err := config.Load()
	if err != nil {
		fail("failed to load config: %v", err)
	}
	database, err := db.Open()
	if err != nil {
		fail("failed to open database: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		logger = zap.NewNop()
	}
	return engine.New(database, cfg, platform.DefaultAdapters(), platform.EnvTokenProvider{}, logger), database
}

// resolveSources parses explicit source keys, or falls back to every
// selected source.
func resolveSources(eng *engine.Engine, args []string) []source.Source {
	if len(args) == 0 {
		sources, err := eng.ListSources("")
		if err != nil {
			fail("failed to list sources: %v", err)
		}
		if len(sources) == 0 {
			fail("no sources selected; use 'tether sources add' first")
		}
		return sources
	}
	var out []source.Source
	for _, arg := range args {
		src, err := source.ParseKey(arg)
		if err != nil {
			fail("%v", err)
		}
		out = append(out, src)
	}
	return out
}

func printBatch(br orchestrator.BatchResult) {
	if jsonOutput {
		printJSON(br)
		return
	}
	for _, res := range br.Succeeded {
		note := ""
		if res.Partial {
			note = " (partial)"
		}
		fmt.Printf("✓ %s: +%d ~%d items over %d pages%s\n",
			res.Source.Key(), res.ItemsCreated, res.ItemsUpdated, res.Pages, note)
	}
	for _, f := range br.Failed {
		fmt.Printf("✗ %s: %s (%s)\n", f.Source.Key(), f.Reason, f.Error)
	}
}

// watchConfig reloads the engine's config when the file changes.
func watchConfig(ctx context.Context, eng *engine.Engine) {
	configPath, err := config.GetConfigPath()
	if err != nil {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer watcher.Close()
	if err := watcher.Add(configPath); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(os.Stderr, "config reload failed: %v\n", err)
				continue
			}
			eng.SetConfig(cfg)
			fmt.Println("config reloaded")
		case <-watcher.Errors:
		}
	}
}

func fail(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if jsonOutput {
		printJSON(map[string]any{"ok": false, "message": msg})
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", strings.TrimSpace(msg))
	}
	os.Exit(1)
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to marshal JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
