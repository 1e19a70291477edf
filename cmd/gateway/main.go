package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.3.0"

var rootCmd = &cobra.Command{
	Use:           "gateway",
	Short:         "Multi-provider LLM gateway",
	Long:          "gateway routes OpenAI and Anthropic shaped requests across upstream providers and prices every call against versioned price cards.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(priceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
