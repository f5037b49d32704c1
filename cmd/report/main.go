// Command report prints yearly sales aggregates computed from the facturas table.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/invoice-ingest/internal/config"
	"github.com/dvloznov/invoice-ingest/internal/logger"
	"github.com/dvloznov/invoice-ingest/internal/report"
	"github.com/dvloznov/invoice-ingest/internal/store"
)

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("INGEST_CONFIG"), "Path to YAML config file (or set INGEST_CONFIG)")
		year        = flag.Int("year", time.Now().Year(), "Year to report on")
		top         = flag.Int("top", 0, "Rows kept in the top-N tables (default from config)")
		summarize   = flag.Bool("summarize", false, "Ask Gemini for a short narrative of the tables")
		notionToken = flag.String("notion-token", "", "Notion API token (or set NOTION_TOKEN)")
		notionDBID  = flag.String("notion-db-id", "", "Notion database that receives one page per month (or set NOTION_DB_ID)")
		dryRun      = flag.Bool("dry-run", false, "Log the Notion changes without applying them")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *top > 0 {
		cfg.Report.TopN = *top
	}
	if *notionToken != "" {
		cfg.Report.NotionToken = *notionToken
	}
	if *notionDBID != "" {
		cfg.Report.NotionDBID = *notionDBID
	}

	log := logger.NewFromConfig(cfg.Log.Level, cfg.Log.Format)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx, log)

	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create store")
	}
	defer st.Close()

	if err := st.WakeUp(ctx); err != nil {
		log.Fatal().Err(err).Msg("Database unavailable")
	}

	r, err := report.Build(ctx, report.NewPGSource(st, st.Table()), *year, cfg.Report.TopN, time.Now())
	if err != nil {
		log.Fatal().Err(err).Int("year", *year).Msg("Failed to build report")
	}
	if err := report.Render(os.Stdout, r); err != nil {
		log.Fatal().Err(err).Msg("Failed to render report")
	}

	if *summarize {
		s, err := report.NewGeminiSummarizer(ctx, cfg.Report.GeminiModel)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create summarizer")
		}
		text, err := s.Summarize(ctx, r)
		if err != nil {
			log.Error().Err(err).Msg("Summary failed")
		} else {
			fmt.Printf("\nSummary\n%s\n", text)
		}
	}

	if cfg.Report.NotionToken != "" && cfg.Report.NotionDBID != "" {
		res, err := report.PublishMonthly(ctx, report.NewNotionClient(cfg.Report.NotionToken), cfg.Report.NotionDBID, r, *dryRun)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to publish to Notion")
		}
		fmt.Printf("\nNotion: %d created, %d updated, %d failed\n", res.Created, res.Updated, res.Failed)
	}
}
