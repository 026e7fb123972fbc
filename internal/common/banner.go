package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner
func PrintBanner(config *Config, logger arbor.ILogger) {
	version := GetVersion()
	build := BuildTime

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("ASHARE FILING FUSION PIPELINE")
	b.PrintCenteredText("Extract - Archive - Fuse - Vectorize")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 15)
	b.PrintKeyValue("Build", build, 15)
	b.PrintKeyValue("Environment", config.Environment, 15)
	b.PrintKeyValue("LLM Provider", config.LLM.Provider, 15)
	b.PrintKeyValue("Max Concurrent", fmt.Sprintf("%d", config.Pipeline.MaxConcurrent), 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("environment", config.Environment).
		Str("llm_provider", config.LLM.Provider).
		Int("max_concurrent", config.Pipeline.MaxConcurrent).
		Msg("Application started")

	fmt.Printf("📋 Configuration:\n")
	fmt.Printf("   • Annual reports:   %s\n", config.Paths.AnnualReportsDir)
	fmt.Printf("   • Research reports: %s\n", config.Paths.ResearchReportsDir)
	fmt.Printf("   • Checkpoints:      %s\n", config.Paths.CheckpointsDir)

	logFilePath := ""
	if loggerWithPath, ok := interface{}(logger).(interface{ GetLogFilePath() string }); ok {
		logFilePath = loggerWithPath.GetLogFilePath()
		if logFilePath != "" {
			fmt.Printf("   • Log File: %s\n", logFilePath)
		}
	}
	fmt.Printf("\n")

	logger.Info().
		Str("log_file", logFilePath).
		Str("database_dsn_host", redactDSN(config.Database.DSN)).
		Bool("dry_run", config.Pipeline.DryRun).
		Bool("force_reprocess", config.Pipeline.ForceReprocess).
		Msg("Configuration loaded")

	printCapabilities(config, logger)
	fmt.Printf("\n")
}

// printCapabilities displays the system capabilities
func printCapabilities(config *Config, logger arbor.ILogger) {
	fmt.Printf("🎯 Enabled Features:\n")

	fmt.Printf("   • Postgres + pgvector store\n")
	fmt.Printf("   • %s extraction adapter\n", config.LLM.Provider)
	fmt.Printf("   • Embedding model %s (dim=%d)\n", config.Embedding.Model, config.Embedding.Dimension)

	if config.Pipeline.DryRun {
		fmt.Printf("   • Dry-run mode (no writes will be committed)\n")
	}
	if config.Pipeline.ForceReprocess {
		fmt.Printf("   • Force-reprocess mode (checkpoints ignored)\n")
	}
	if config.Metrics.Enabled {
		fmt.Printf("   • Prometheus metrics at %s/metrics\n", config.Metrics.ListenAddr)
	}

	logger.Info().
		Str("embedding_model", config.Embedding.Model).
		Int("embedding_dimension", config.Embedding.Dimension).
		Bool("metrics_enabled", config.Metrics.Enabled).
		Msg("System capabilities")
}

// redactDSN returns a DSN with credentials stripped, safe to log.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	at := -1
	for i := len(dsn) - 1; i >= 0; i-- {
		if dsn[i] == '@' {
			at = i
			break
		}
	}
	if at == -1 {
		return dsn
	}
	scheme := -1
	for i := 0; i < at; i++ {
		if dsn[i] == '/' {
			scheme = i
		}
	}
	if scheme == -1 {
		return dsn[at+1:]
	}
	return dsn[:scheme+1] + dsn[at+1:]
}

// PrintShutdownBanner displays the application shutdown banner
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("PIPELINE")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("Application shutting down")
}

// PrintColorizedMessage prints a message with specified color to stdout; the logger argument is not used
func PrintColorizedMessage(color, message string, logger arbor.ILogger) {
	fmt.Printf("%s%s%s\n", color, message, banner.ColorReset)
}

// PrintSuccess prints a success message in green and logs it
func PrintSuccess(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorGreen, fmt.Sprintf("✓ %s", message), logger)
	logger.Info().Str("type", "success").Msg(message)
}

// PrintError prints an error message in red and logs it
func PrintError(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorRed, fmt.Sprintf("✗ %s", message), logger)
	logger.Error().Str("type", "error").Msg(message)
}

// PrintWarning prints a warning message in yellow and logs it
func PrintWarning(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorYellow, fmt.Sprintf("⚠ %s", message), logger)
	logger.Warn().Str("type", "warning").Msg(message)
}

// PrintInfo prints an info message in cyan and logs it
func PrintInfo(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorCyan, fmt.Sprintf("ℹ %s", message), logger)
	logger.Info().Str("type", "info").Msg(message)
}
