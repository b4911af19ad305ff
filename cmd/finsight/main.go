package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/finsight-ai/finsight/config"
	"github.com/finsight-ai/finsight/internal/pipeline"
	"github.com/finsight-ai/finsight/internal/server"
	"github.com/finsight-ai/finsight/internal/store"
	"github.com/finsight-ai/finsight/internal/telemetry"
	openai_provider "github.com/finsight-ai/finsight/provider/openai"
	"github.com/finsight-ai/finsight/tools/marketdata"
	"github.com/finsight-ai/finsight/tools/scrape"
	"github.com/finsight-ai/finsight/tools/websearch"
)

func main() {
	var configPath string
	root := &cobra.Command{Use: "finsight", Short: "Conversational finance assistant backend"}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(migrateCmd(&configPath))
	root.AddCommand(askCmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.General.Listen = addr
			}
			if err := cfg.Storage.Postgres.Validate(); err != nil {
				return err
			}
			return server.Run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func migrateCmd(configPath *string) *cobra.Command {
	var direction string
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			switch direction {
			case "up":
				return store.MigrateUp(dsn)
			case "down":
				return store.MigrateDown(dsn, steps)
			default:
				return fmt.Errorf("unknown direction: %s", direction)
			}
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "up", "up or down")
	cmd.Flags().IntVar(&steps, "steps", 0, "number of down steps (0 = all)")
	return cmd
}

// askCmd runs one pipeline turn from the command line, without Postgres or
// conversation memory.
func askCmd(configPath *string) *cobra.Command {
	var (
		request string
		symbol  string
		tickers string
		sources bool
	)
	cmd := &cobra.Command{
		Use:   "ask",
		Short: "Run a single request through the agent pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			if request == "" {
				return fmt.Errorf("--request is required")
			}
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.LLM.APIKey == "" {
				return fmt.Errorf("llm api key not configured (FINSIGHT_LLM_API_KEY)")
			}

			provider := openai_provider.NewClient(
				cfg.LLM.APIKey, cfg.LLM.BaseURL,
				cfg.LLM.CompletionModel, cfg.LLM.EmbeddingModel,
				cfg.LLM.Temperature, cfg.LLM.MaxTokens, cfg.LLM.Timeout,
			)
			runner := pipeline.NewRunner(
				provider,
				websearch.Credentials{SerpAPIKey: cfg.Search.SerpAPIKey, SerperAPIKey: cfg.Search.SerperAPIKey},
				marketdata.New(cfg.MarketData.TwelveDataAPIKey, cfg.MarketData.Timeout),
				scrape.New(cfg.Search.Timeout, 0),
				cfg.Search.Timeout,
			)
			logger := log.New(os.Stderr, "[ORCH] ", log.LstdFlags)
			orch := pipeline.NewOrchestrator(runner, telemetry.New(), cfg.Pipeline.MaxRetries, logger)

			res, err := orch.Run(context.Background(), pipeline.Request{
				Message:          request,
				Symbol:           symbol,
				Tickers:          tickers,
				SourcesRequested: sources,
			}, "")
			if err != nil {
				return err
			}
			fmt.Println(res.Reply)
			return nil
		},
	}
	cmd.Flags().StringVar(&request, "request", "", "user request text")
	cmd.Flags().StringVar(&symbol, "symbol", "", "default symbol for quant analysis")
	cmd.Flags().StringVar(&tickers, "tickers", "", "default tickers for research")
	cmd.Flags().BoolVar(&sources, "sources", false, "include sources in the final response")
	return cmd
}
