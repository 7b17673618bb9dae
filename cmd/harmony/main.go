// Command harmony runs the download orchestrator daemon and a small client
// for submitting batches to a running instance.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"harmony/internal/api"
	"harmony/internal/batch"
	"harmony/internal/config"
	"harmony/internal/dedupe"
	"harmony/internal/download"
	"harmony/internal/events"
	"harmony/internal/gateway"
	"harmony/internal/idempotency"
	"harmony/internal/logger"
	"harmony/internal/metrics"
	"harmony/internal/orchestrator"
	"harmony/internal/pipeline"
	"harmony/internal/sidecar"
	"harmony/internal/tagging"
)

func main() {
	root := &cobra.Command{
		Use:           "harmony",
		Short:         "Music download orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCommand(), submitCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	var (
		configPath string
		listenAddr string
		workers    int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				var err error
				if cfg, err = config.Load(configPath); err != nil {
					return err
				}
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("workers") {
				cfg.WorkerConcurrency = workers
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to JSON config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address, overrides the config file")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker concurrency, overrides the config file")
	return cmd
}

func serve(cfg config.Config) error {
	stateDir := cfg.ResolvedStateDir()
	for _, dir := range []string{cfg.DownloadsDir, cfg.MusicDir, stateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	log, closeLog, err := logger.New(stateDir, os.Stdout)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	registry := prometheus.NewRegistry()
	agg := batch.NewAggregator(metrics.New(registry), log)

	bus := events.NewBus()
	poll := time.Duration(cfg.PollInterval * float64(time.Second))
	monitor := events.NewMonitor(bus, log, poll, time.Duration(cfg.SizeStableSeconds)*time.Second)

	dm, err := dedupe.NewManager(stateDir, cfg.MusicDir, cfg.MoveTemplate, log)
	if err != nil {
		return err
	}
	sidecars, err := sidecar.NewStore(stateDir, log)
	if err != nil {
		return err
	}
	keys := idempotency.NewSQLiteStore(filepath.Join(stateDir, "idempotency.db"), log)
	defer keys.Close()

	gw := gateway.NewHTTPClient(cfg.Gateway, log)
	tagger := tagging.NewTaglibTagger(log)
	runner := pipeline.New(gw, bus, monitor, dm, sidecars, tagger, cfg.DownloadsDir, poll, log)
	orch := orchestrator.New(cfg, runner, keys, agg, sidecars, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orchestrator.NewRecovery(sidecars, dm, monitor, log).Run(ctx); err != nil {
		log.Warn("recovery scan incomplete", "error", err)
	}
	orch.Start()

	server := api.NewServer(orch, registry, cfg.DownloadsDir, log)
	err = server.Start(ctx, cfg.ListenAddr)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := orch.Shutdown(shutdownCtx); serr != nil {
		log.Warn("shutdown incomplete", "error", serr)
	}
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func submitCommand() *cobra.Command {
	var (
		server      string
		requestedBy string
		artist      string
		title       string
		album       string
		isrc        string
		file        string
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a batch to a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildRequest(file, requestedBy, artist, title, album, isrc)
			if err != nil {
				return err
			}
			return submit(cmd.OutOrStdout(), server, req, wait)
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://localhost:8085", "daemon base URL")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "cli", "submitter identity")
	cmd.Flags().StringVar(&artist, "artist", "", "track artist")
	cmd.Flags().StringVar(&title, "title", "", "track title")
	cmd.Flags().StringVar(&album, "album", "", "track album")
	cmd.Flags().StringVar(&isrc, "isrc", "", "track ISRC")
	cmd.Flags().StringVar(&file, "file", "", "JSON file containing a full batch request")
	cmd.Flags().BoolVar(&wait, "wait", false, "block until the batch finishes and print the summary")
	return cmd
}

// buildRequest assembles the batch: either a full request from a JSON file or
// a single track from the flags.
func buildRequest(file, requestedBy, artist, title, album, isrc string) (download.BatchRequest, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return download.BatchRequest{}, err
		}
		var req download.BatchRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return download.BatchRequest{}, fmt.Errorf("parse %s: %w", file, err)
		}
		if req.RequestedBy == "" {
			req.RequestedBy = requestedBy
		}
		return req, nil
	}

	if artist == "" || title == "" {
		return download.BatchRequest{}, fmt.Errorf("either --file or both --artist and --title are required")
	}
	return download.BatchRequest{
		RequestedBy: requestedBy,
		Items: []download.RequestItem{{
			Artist: artist,
			Title:  title,
			Album:  album,
			ISRC:   isrc,
		}},
	}, nil
}

func submit(out io.Writer, server string, req download.BatchRequest, wait bool) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	client := rc.StandardClient()
	if !wait {
		client.Timeout = 30 * time.Second
	}

	url := server + "/api/batches"
	if wait {
		url += "?wait=true"
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server rejected batch: %s: %s", resp.Status, bytes.TrimSpace(data))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		pretty.Write(data)
	}
	fmt.Fprintln(out, pretty.String())
	return nil
}
