package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/AIRadar/internal/config"
	"github.com/TobiSchelling/AIRadar/internal/database"
	"github.com/TobiSchelling/AIRadar/internal/enrich"
	"github.com/TobiSchelling/AIRadar/internal/logging"
	"github.com/TobiSchelling/AIRadar/internal/pipeline"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "airadar",
	Short:   "Track new AI repositories, models and papers",
	Long:    "AIRadar polls GitHub, Hugging Face and arXiv, stores each discovery once and upgrades its summary with an LLM.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			logging.Setup("INFO")
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "DEBUG"
		}
		logging.Setup(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(enrichCmd)
	rootCmd.AddCommand(regenerateCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(watchCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("airadar", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/airadar/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to set keywords, limits and the LLM provider. Tokens are read from env vars.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats(cmd.Context())
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Store:")
		fmt.Printf("  Entries: %d\n", stats.TotalEntries)
		fmt.Printf("  Records: %d\n", stats.TotalRecords)
		fmt.Printf("  Enhanced: %d\n", stats.EnhancedRecords)
		printCounts("By category", stats.ByCategory)
		printCounts("By source", stats.BySource)
		return nil
	},
}

// --- run command ---

var dryRun bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one cycle: fetch -> normalize -> store -> enrich",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pipe := pipeline.New(cfg, db)
		if dryRun {
			report, err := pipe.DryRun(cmd.Context())
			if err != nil {
				return err
			}
			printDryRun(report)
			return nil
		}

		result, err := pipe.Run(cmd.Context())
		if result != nil {
			printResult(result)
		}
		return err
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
}

// --- fetch command ---

var fetchCmd = &cobra.Command{
	Use:   "fetch <source>",
	Short: "Fetch and store one source (github, huggingface, arxiv) without enriching",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		sr, err := pipeline.New(cfg, db).FetchSource(cmd.Context(), args[0])
		if sr != nil {
			printSource(*sr)
		}
		return err
	},
}

// --- enrich command ---

var enrichHours int

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Digest stored entries that have no record yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := pipeline.New(cfg, db).Enrich(cmd.Context(), enrichHours)
		if err != nil {
			return err
		}
		printStats(*stats)
		return nil
	},
}

func init() {
	enrichCmd.Flags().IntVar(&enrichHours, "hours", 0, "Override lookback window (hours)")
}

// --- regenerate command ---

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <content_id>",
	Short: "Delete and rebuild the record for one content ID",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		rec, res, err := pipeline.New(cfg, db).Regenerate(cmd.Context(), args[0])
		if errors.Is(err, enrich.ErrNotFound) {
			return fmt.Errorf("no entry stored for %q; run 'airadar fetch' first", args[0])
		}
		if err != nil {
			return err
		}
		if res.Outcome == enrich.OutcomeSkipped {
			fmt.Println("Already being processed, skipped.")
			return nil
		}

		state := "basic"
		if rec.Enhanced {
			state = "enhanced"
		}
		fmt.Printf("%s [%s, %s]\n  %s\n", rec.ContentID, rec.Category, state, rec.Summary)
		return nil
	},
}

// --- list command ---

var (
	listCategory string
	listSource   string
	listSince    time.Duration
	listLimit    int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored records, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		f := database.Filter{Category: listCategory, Source: listSource, Limit: listLimit}
		if listSince > 0 {
			f.From = time.Now().Add(-listSince)
		}
		records, err := db.Query(cmd.Context(), f)
		if err != nil {
			return fmt.Errorf("querying records: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No records.")
			return nil
		}

		for _, r := range records {
			mark := " "
			if r.Enhanced {
				mark = "*"
			}
			fmt.Printf("%s %s  %-22s %-12s %s\n", mark, r.CreatedAt.Local().Format("2006-01-02 15:04"),
				r.Category, r.Source, r.ContentID)
			fmt.Printf("    %s\n", r.Summary)
			if r.URL != nil {
				fmt.Printf("    %s\n", *r.URL)
			}
		}
		return nil
	},
}

func init() {
	listCmd.Flags().StringVar(&listCategory, "category", "", "Only records in this category")
	listCmd.Flags().StringVar(&listSource, "source", "", "Only records from this source")
	listCmd.Flags().DurationVar(&listSince, "since", 0, "Only records created within this duration (e.g. 48h)")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum records to show")
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(cfg.DBPath())
}

func printResult(r *pipeline.Result) {
	fmt.Println("\nSources:")
	for _, s := range r.Sources {
		printSource(s)
	}
	if r.Enriched {
		fmt.Println("\nEnrichment:")
		printStats(r.Stats)
	}
	fmt.Printf("\nCycle complete in %s.\n", r.Duration.Round(time.Second))
}

func printSource(s pipeline.SourceResult) {
	line := fmt.Sprintf("  %s: %d fetched, %d new, %d updated", s.Name, s.Fetched, s.New, s.Updated)
	if s.StoreErrors > 0 {
		line += fmt.Sprintf(", %d not stored", s.StoreErrors)
	}
	if s.Backfill != nil && s.Backfill.Fetched > 0 {
		line += fmt.Sprintf(", %d pages backfilled", s.Backfill.Fetched)
	}
	if s.Err != nil {
		line += fmt.Sprintf(" (error: %v)", s.Err)
	}
	fmt.Println(line)
}

func printStats(s enrich.Stats) {
	fmt.Printf("  Total: %d\n", s.Total)
	fmt.Printf("  Processed: %d (%d enhanced, %d basic only)\n", s.Processed, s.Enhanced, s.Missed)
	fmt.Printf("  Skipped: %d\n", s.Skipped)
	fmt.Printf("  Failed: %d\n", s.Failed)
}

func printDryRun(r *pipeline.DryRunReport) {
	fmt.Printf("[dry-run] Sources: %s\n", strings.Join(r.Sources, ", "))
	fmt.Printf("[dry-run] %d entries and %d records stored (%d enhanced)\n",
		r.Stats.TotalEntries, r.Stats.TotalRecords, r.Stats.EnhancedRecords)
	fmt.Printf("[dry-run] %d entries in the last %s, %d without a record\n",
		r.RecentEntries, r.Window, r.PendingEnrichment)
	if !r.EnrichmentEnabled {
		fmt.Println("[dry-run] Enrichment is disabled")
	}
}

func printCounts(title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	type kv struct {
		key string
		val int
	}
	var sorted []kv
	for k, v := range counts {
		sorted = append(sorted, kv{k, v})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].val != sorted[j].val {
			return sorted[i].val > sorted[j].val
		}
		return sorted[i].key < sorted[j].key
	})

	fmt.Printf("\n%s:\n", title)
	for _, s := range sorted {
		fmt.Printf("  %s: %d\n", s.key, s.val)
	}
}
