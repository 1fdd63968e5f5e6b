// The main package for the gencrawl executable.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gencrawl/gencrawl/internal/app"
	"github.com/gencrawl/gencrawl/internal/config"
	"github.com/gencrawl/gencrawl/internal/discovery"
)

var cfgFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gencrawl",
		Short: "Crawl orchestration engine for document-centric sites",
		Long: `gencrawl discovers, validates and downloads documents from
configured target sites, tracking every crawl through a full lifecycle
state machine with checkpoints, change-detecting iterations and a live
event stream.`,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine and its operations API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Manager.LoadFromStore(cmd.Context()); err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           a.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("ops server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("ops server: %w", err)
	case sig := <-sigCh:
		a.Logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown ops server: %w", err)
	}
	return nil
}

func newCrawlCmd() *cobra.Command {
	var (
		targets      []string
		fileTypes    []string
		keywords     []string
		maxDocuments int
		sitemapOnly  bool
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Run a single crawl to completion and print a summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			crawlCfg := discovery.CrawlConfig{
				Targets:          targets,
				Filters:          discovery.Filters{FileTypes: fileTypes, Keywords: keywords},
				Limits:           discovery.Limits{MaxDocuments: maxDocuments},
				RespectRobotsTxt: true,
				SitemapOnly:      sitemapOnly,
				PoliteMode:       &cfg.Discovery.PoliteMode,
			}

			crawlID, err := a.Manager.Create(cmd.Context(), crawlCfg)
			if err != nil {
				return err
			}
			if err := a.Manager.Execute(cmd.Context(), crawlID); err != nil {
				return fmt.Errorf("crawl %s: %w", crawlID, err)
			}

			status, err := a.Manager.Status(crawlID)
			if err != nil {
				return err
			}
			metrics, err := a.Manager.Metrics(crawlID)
			if err != nil {
				return err
			}
			fmt.Printf("crawl %s finished: %s\n", crawlID, status["current_state"])
			fmt.Printf("  documents found:      %d\n", metrics.DocumentsFound)
			fmt.Printf("  documents downloaded: %d\n", metrics.DocumentsDownloaded)
			fmt.Printf("  failed downloads:     %d\n", metrics.URLsFailed)
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&targets, "target", nil, "target site URL (repeatable)")
	cmd.Flags().StringSliceVar(&fileTypes, "file-type", []string{"pdf"}, "document file type to collect (repeatable)")
	cmd.Flags().StringSliceVar(&keywords, "keyword", nil, "keyword filter (repeatable)")
	cmd.Flags().IntVar(&maxDocuments, "max-documents", 0, "cap on validated documents (0 uses the default)")
	cmd.Flags().BoolVar(&sitemapOnly, "sitemap-only", false, "disable the page-scan fallback")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}
