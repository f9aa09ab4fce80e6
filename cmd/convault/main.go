package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/solenlabs/convault/internal/config"
	"github.com/solenlabs/convault/internal/daemon"
	"github.com/solenlabs/convault/internal/ingest"
	"github.com/solenlabs/convault/internal/notify"
	"github.com/solenlabs/convault/internal/store"
	"github.com/solenlabs/convault/internal/watchdog"
)

var rootCmd = &cobra.Command{
	Use:   "convault",
	Short: "convault - conversation archive and live ingestion monitor",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the live monitor (watchdog included); Ctrl-C stops it",
	RunE:  runRun,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and store freshness",
	RunE:  runStatus,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate ingestion statistics",
	RunE:  runStats,
}

var importCmd = &cobra.Command{
	Use:   "import <dir>",
	Short: "Bulk-import a directory of raw conversation files",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one staleness watchdog check",
	RunE:  runCheck,
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search stored conversations (-term excludes)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSearch,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var (
	resumeFlag     bool
	sequentialFlag bool
	limitFlag      int
)

func init() {
	importCmd.Flags().BoolVar(&resumeFlag, "resume", false, "Skip files already imported by a prior run")
	importCmd.Flags().BoolVar(&sequentialFlag, "sequential", false, "Disable the concurrent ingestion path")
	searchCmd.Flags().IntVar(&limitFlag, "limit", 20, "Maximum results")
	rootCmd.AddCommand(runCmd, statusCmd, statsCmd, importCmd, checkCmd, searchCmd, onboardCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore() (*config.Config, *store.Store, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(cfg.Store.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForMonitor(); err != nil {
		return err
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	return d.Run(context.Background())
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Store: %s\n", cfg.Store.DBPath)
	if cfg.Source.BaseURL != "" {
		fmt.Printf("Source: %s\n", cfg.Source.BaseURL)
	} else {
		fmt.Println("Source: not configured (run 'convault onboard')")
	}
	fmt.Printf("Telegram: enabled=%v\n", cfg.Notify.Telegram.Enabled)
	fmt.Printf("Watchdog: enabled=%v maxMisses=%d window=%dh\n",
		cfg.Watchdog.Enabled, cfg.Watchdog.MaxMisses, cfg.Watchdog.WindowHours)

	window := time.Duration(cfg.Watchdog.WindowHours) * time.Hour
	recent, err := st.CountCapturedSince(time.Now().Add(-window))
	if err != nil {
		return err
	}
	fmt.Printf("Ingested last %s: %d\n", window, recent)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.Stats()
	if err != nil {
		return err
	}

	fmt.Printf("Conversations: %d\n", stats.Conversations)
	fmt.Printf("Messages: %d\n", stats.Messages)
	fmt.Printf("Words: %d\n", stats.Words)
	if !stats.Earliest.IsZero() {
		fmt.Printf("Earliest: %s\n", stats.Earliest.Format(time.RFC3339))
		fmt.Printf("Latest: %s\n", stats.Latest.Format(time.RFC3339))
	}
	for model, n := range stats.ByModel {
		fmt.Printf("  %s: %d\n", model, n)
	}
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	pipeline := ingest.NewPipeline(st, cfg.Ingest.Workers)
	res, err := pipeline.ImportDir(context.Background(), args[0], ingest.ImportOptions{
		Resume:     resumeFlag,
		Sequential: sequentialFlag,
	})

	fmt.Printf("Ingested: %d\n", res.Ingested)
	fmt.Printf("Skipped: %d\n", res.Skipped)
	for _, ie := range res.Errors {
		fmt.Fprintf(os.Stderr, "  error: %v\n", ie)
	}
	if err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d files failed", len(res.Errors))
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	wd := watchdog.New(st, notify.LogSink{}, cfg.Watchdog.MaxMisses,
		time.Duration(cfg.Watchdog.WindowHours)*time.Hour)
	res, err := wd.Check(time.Now())
	if err != nil {
		return err
	}

	fmt.Printf("Severity: %s\n", res.Severity)
	fmt.Printf("Ingested in window: %d\n", res.Ingested)
	fmt.Printf("Consecutive misses: %d\n", res.Misses)
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	_, st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	query := ""
	for i, arg := range args {
		if i > 0 {
			query += " "
		}
		query += arg
	}

	convs, err := st.Search(query, limitFlag)
	if err != nil {
		return err
	}
	for _, c := range convs {
		ts := ""
		if !c.Timestamp.IsZero() {
			ts = c.Timestamp.Format("2006-01-02")
		}
		fmt.Printf("%s  %-12s %s\n", c.ID, ts, c.Title)
	}
	fmt.Printf("%d results\n", len(convs))
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set the source base url\n", cfgPath)
	fmt.Println("  2. Or set CONVAULT_SOURCE_URL")
	fmt.Println("  3. Run 'convault run' to start the monitor")
	return nil
}
