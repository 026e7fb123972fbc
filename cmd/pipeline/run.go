package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/quaero/internal/archive"
	"github.com/ternarybob/quaero/internal/checkpoint"
	"github.com/ternarybob/quaero/internal/common"
	"github.com/ternarybob/quaero/internal/embedclient"
	"github.com/ternarybob/quaero/internal/filelock"
	"github.com/ternarybob/quaero/internal/fusion"
	"github.com/ternarybob/quaero/internal/gapanalysis"
	"github.com/ternarybob/quaero/internal/llm/anthropic"
	"github.com/ternarybob/quaero/internal/metrics"
	"github.com/ternarybob/quaero/internal/pipeline"
	"github.com/ternarybob/quaero/internal/store/postgres"
	"github.com/ternarybob/quaero/internal/vectorindex"
)

// errStageFailures signals a run that completed but logged at least one
// document-level failure, mapped to exit code 1 by main.
var errStageFailures = fmt.Errorf("one or more documents failed processing")

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	config, err := common.LoadFromFile(flagConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(config)

	logger := common.SetupLogger(config)
	defer common.Stop()
	common.PrintBanner(config, logger)

	store, err := postgres.Open(ctx, config.Database, logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	if flagClearDB {
		logger.Warn().Msg("clear-db requested: truncating companies, source_documents, business_concepts_master")
		if err := store.ClearAll(ctx); err != nil {
			return fmt.Errorf("clear database: %w", err)
		}
	}

	checkpoints, err := checkpoint.New(config.Paths.CheckpointsDir)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}

	if flagClearCheckpoints {
		n, err := checkpoints.Clear()
		if err != nil {
			return fmt.Errorf("clear checkpoints: %w", err)
		}
		logger.Warn().Int("count", n).Msg("clear-checkpoints requested: removed checkpoint files")
	}

	if flagFullRebuild {
		n, err := checkpoints.Repair()
		if err != nil {
			return fmt.Errorf("repair checkpoints: %w", err)
		}
		if n > 0 {
			logger.Info().Int("count", n).Msg("repaired checkpoints stuck mid-stage")
		}
	}

	locks, err := filelock.New(config.Paths.LocksDir)
	if err != nil {
		return fmt.Errorf("open file lock directory: %w", err)
	}
	defer locks.ReleaseAll()

	promReg := prometheus.NewRegistry()
	reg := metrics.NewRegistry(promReg)

	var metricsServer *metrics.Server
	if config.Metrics.Enabled {
		metricsServer = metrics.NewServer(config.Metrics.ListenAddr, promReg)
		common.SafeGo(logger, "metrics-server", func() {
			if err := metricsServer.ListenAndServe(); err != nil {
				logger.Warn().Err(err).Msg("metrics server stopped")
			}
		})
	}

	extractor, err := anthropic.New(config.Claude, config.LLM.Timeout, config.LLM.MaxRetries, logger)
	if err != nil {
		return fmt.Errorf("build llm extractor: %w", err)
	}
	defer extractor.Close()

	embedder := embedclient.NewHTTPEmbedder(
		config.Embedding.BaseURL, config.Embedding.Model, config.Embedding.Dimension,
		config.Embedding.MaxBatchSize, config.Embedding.Timeout, logger,
	)

	sinkPath := filepath.Join(config.Paths.CheckpointsDir, "embedded_concepts.log")
	sink, err := vectorindex.NewFileSink(sinkPath)
	if err != nil {
		return fmt.Errorf("open vector index sink: %w", err)
	}

	archiveWriter := archive.New(store.Companies, store.Documents)
	fusionEngine := fusion.New(store.Concepts, config.Fusion.MaxSourceSentences)
	vectorBuilder := vectorindex.New(store.Concepts, embedder, sink, reg, config.Embedding.BatchSize, config.Embedding.MaxTextLength)

	orchestrator := pipeline.New(
		checkpoints, locks, store, extractor, archiveWriter, fusionEngine, vectorBuilder,
		reg, logger, config.Paths.ExtractedDir, config.Pipeline.MaxConcurrent, config.Pipeline.LockTimeout,
	)

	result, err := gapanalysis.Analyze(ctx, config.Paths.AnnualReportsDir, config.Paths.ResearchReportsDir, config.Paths.ExtractedDir, store, checkpoints)
	if err != nil {
		return fmt.Errorf("gap analysis: %w", err)
	}

	if config.Pipeline.ForceReprocess {
		for i := range result.WorkItems {
			result.WorkItems[i].NeedsProcessing = true
			result.WorkItems[i].SkipReason = ""
		}
		result.SkipReasons = map[string]int{}
	}

	logger.Info().
		Int("candidates", len(result.WorkItems)).
		Interface("skip_reasons", result.SkipReasons).
		Msg("gap analysis complete")

	if config.Pipeline.DryRun {
		return reportDryRun(logger, result)
	}

	summary, err := orchestrator.Run(ctx, result.WorkItems)
	if err != nil {
		return fmt.Errorf("run pipeline: %w", err)
	}

	logger.Info().
		Int("processed", summary.Processed).
		Int("skipped", summary.Skipped).
		Int("lock_skipped", summary.LockSkipped).
		Int("failed", summary.Failed).
		Msg("pipeline run complete")

	if flagBuildIndices {
		status, err := vectorBuilder.Rebuild(ctx)
		if err != nil {
			return fmt.Errorf("rebuild vector index: %w", err)
		}
		logger.Info().
			Int("total", status.Total).
			Int("succeeded", status.Succeeded).
			Int("failed", status.Failed).
			Int("skipped", status.Skipped).
			Msg("vector index rebuild complete")
		if err := sink.Flush(); err != nil {
			logger.Warn().Err(err).Msg("failed to flush vector index sink")
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Database.CommandTimeout)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("metrics server shutdown failed")
		}
	}

	if summary.Failed > 0 {
		return errStageFailures
	}
	return nil
}

// reportDryRun logs the work list the gap analyzer produced without
// running any stage, satisfying --dry-run's "report only" contract.
func reportDryRun(logger arbor.ILogger, result *gapanalysis.Result) error {
	needsProcessing := 0
	for _, item := range result.WorkItems {
		if item.NeedsProcessing {
			needsProcessing++
		}
	}
	logger.Info().
		Int("candidates", len(result.WorkItems)).
		Int("needs_processing", needsProcessing).
		Interface("skip_reasons", result.SkipReasons).
		Msg("dry run: no files were processed")
	return nil
}
