// Package main is the Pipeline CLI entry point (A3): a single Cobra
// command implementing the flag surface of spec.md §6, wiring every
// component (C1-C9) into one Orchestrator.Run invocation. Grounded on
// the teacher's cmd/quaero subcommand files (collect.go, query.go,
// version.go all use spf13/cobra) generalized from a subcommand tree to
// one flat flag set, since this pipeline has a single operation.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ternarybob/quaero/internal/common"
)

var (
	flagConfigPath         string
	flagAnnualReportsDir   string
	flagResearchReportsDir string
	flagForceReprocess     bool
	flagDryRun             bool
	flagClearDB            bool
	flagClearCheckpoints   bool
	flagBuildIndices       bool
	flagFullRebuild        bool
	flagMaxConcurrent      int
)

var rootCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Incremental, resumable A-share filing ingestion pipeline",
	Long: `Drives annual report and research report filings through
extraction, archival, fusion, and vector-index stages, resuming from
per-file checkpoints on every subsequent run.`,
	RunE: runPipeline,
}

func init() {
	common.LoadVersionFromFile()
	rootCmd.Version = common.GetFullVersion()

	flags := rootCmd.Flags()
	flags.StringVar(&flagConfigPath, "config", "pipeline.toml", "Configuration file path")
	flags.StringVar(&flagAnnualReportsDir, "annual-reports-dir", "", "Override paths.annual_reports_dir")
	flags.StringVar(&flagResearchReportsDir, "research-reports-dir", "", "Override paths.research_reports_dir")
	flags.BoolVar(&flagForceReprocess, "force-reprocess", false, "Reprocess every source file regardless of checkpoint or archive state")
	flags.BoolVar(&flagDryRun, "dry-run", false, "Report the work list the gap analyzer would act on, without writing anything")
	flags.BoolVar(&flagClearDB, "clear-db", false, "Truncate companies, source_documents, and business_concepts_master before running")
	flags.BoolVar(&flagClearCheckpoints, "clear-checkpoints", false, "Delete every on-disk checkpoint file before running")
	flags.BoolVar(&flagBuildIndices, "build-indices", false, "Rebuild the vector index for every company after processing")
	flags.BoolVar(&flagFullRebuild, "full-rebuild", false, "Shorthand for --force-reprocess --clear-db --clear-checkpoints --build-indices")
	flags.IntVar(&flagMaxConcurrent, "max-concurrent", 0, "Override pipeline.max_concurrent (0 keeps the configured value)")
}

func main() {
	common.InstallCrashHandler("./logs")
	defer common.RecoverWithCrashFile()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetContext(ctx)
	if err := rootCmd.Execute(); err != nil {
		if ctx.Err() != nil {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// applyFlagOverrides layers CLI flags on top of the loaded config,
// mirroring the teacher's ApplyFlagOverrides convention (highest
// priority, applied after file+env) even though our flag set is wider.
func applyFlagOverrides(config *common.Config) {
	if flagAnnualReportsDir != "" {
		config.Paths.AnnualReportsDir = flagAnnualReportsDir
	}
	if flagResearchReportsDir != "" {
		config.Paths.ResearchReportsDir = flagResearchReportsDir
	}
	if flagMaxConcurrent > 0 {
		config.Pipeline.MaxConcurrent = flagMaxConcurrent
	}
	if flagFullRebuild {
		flagForceReprocess = true
		flagClearDB = true
		flagClearCheckpoints = true
		flagBuildIndices = true
	}
	config.Pipeline.ForceReprocess = config.Pipeline.ForceReprocess || flagForceReprocess
	config.Pipeline.DryRun = config.Pipeline.DryRun || flagDryRun
}
