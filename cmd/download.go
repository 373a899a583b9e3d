package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/wing32s/gogrepoc/internal/config"
	"github.com/wing32s/gogrepoc/internal/engine"
	"github.com/wing32s/gogrepoc/internal/manifest"
	"github.com/wing32s/gogrepoc/internal/metrics"
	"github.com/wing32s/gogrepoc/internal/output"
	"github.com/wing32s/gogrepoc/internal/utils"
)

func newDownloadCmd() *cobra.Command {
	var (
		root         string
		budget       string
		workers      int
		dryRun       bool
		noPrealloc   bool
		skipVerified bool
		include      []string
		exclude      []string
		metricsAddr  string
		logFile      string
		client       clientOptions
	)

	cmd := &cobra.Command{
		Use:   "download [MANIFEST_FILE] [OPTIONS]",
		Short: "Bring the local mirror in line with the manifest",
		Long: "Verifies local copies chunk by chunk against the host and fetches only what is missing or wrong. " +
			"A manifest file, when given, is imported into the store first.",
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := appConfig
			if root != "" {
				cfg.Root = root
			}
			if workers > 0 {
				cfg.Workers = workers
			}
			if budget != "" {
				cfg.Budget = budget
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			limit := int64(0)
			if cfg.Budget != "" {
				b, err := utils.ParseSize(cfg.Budget)
				exitOnError(err, "invalid budget")
				limit = b
			}
			run := downloadRun{
				cfg:          cfg,
				budget:       limit,
				dryRun:       dryRun,
				noPrealloc:   noPrealloc,
				skipVerified: skipVerified,
				include:      include,
				exclude:      exclude,
				logFile:      logFile,
				client:       client,
			}
			if code := run.execute(args); code != 0 {
				os.Exit(code)
			}
		},
	}

	cmd.Flags().StringVarP(&root, "root", "r", "", "Target directory for the mirror")
	cmd.Flags().StringVarP(&budget, "budget", "b", "", "Maximum bytes to queue in this run (e.g. 20GiB)")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of files transferred in parallel")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would be transferred without touching anything")
	cmd.Flags().BoolVar(&noPrealloc, "no-prealloc", false, "Disable disk space preallocation")
	cmd.Flags().BoolVar(&skipVerified, "skip-verified", false, "Trust previously verified files instead of probing the host")
	cmd.Flags().StringArrayVarP(&include, "include", "i", nil, "Only process names matching this glob; can be specified multiple times")
	cmd.Flags().StringArrayVarP(&exclude, "exclude", "x", nil, "Skip names matching this glob; can be specified multiple times")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	cmd.Flags().StringVarP(&client.proxyURL, "proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	cmd.Flags().StringVar(&client.proxyUsername, "proxy-username", "", "Proxy username (if not provided in proxy URL)")
	cmd.Flags().StringVar(&client.proxyPassword, "proxy-password", "", "Proxy password (if not provided in proxy URL)")
	cmd.Flags().StringArrayVarP(&client.headers, "header", "H", nil, "Custom headers (like 'X-Token: abc'); can be specified multiple times")
	cmd.Flags().BoolVar(&client.highThread, "high-thread", false, "Use larger socket buffers for many parallel workers")
	return cmd
}

type downloadRun struct {
	cfg          *config.Config
	budget       int64
	dryRun       bool
	noPrealloc   bool
	skipVerified bool
	include      []string
	exclude      []string
	logFile      string
	client       clientOptions
}

// execute runs the download and returns the process exit code: 1 when the
// run could not start or was aborted, 2 when files remain incomplete.
// Deferred cleanup runs before the caller exits.
func (r downloadRun) execute(args []string) int {
	cfg := r.cfg
	store, err := openStore(cfg)
	if err != nil {
		log.Error().Str("op", "cmd/download").Msgf("manifest store: %v", err)
		return 1
	}
	defer store.Close()

	var entries []*manifest.Entry
	if len(args) == 1 {
		entries, err = importEntries(store, args[0])
	} else {
		entries, err = store.FindAll()
	}
	if err != nil {
		log.Error().Str("op", "cmd/download").Msgf("unable to read manifest: %v", err)
		return 1
	}
	if len(entries) == 0 {
		log.Warn().Str("op", "cmd/download").Msg("manifest is empty, nothing to do")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				log.Error().Str("op", "cmd/download").Msgf("metrics server stopped: %v", err)
			}
		}()
	}

	source, err := buildSource(ctx, cfg, r.client, entries)
	if err != nil {
		log.Error().Str("op", "cmd/download").Msgf("transport setup failed: %v", err)
		return 1
	}

	display := output.NewManager(os.Stdout)
	orchestrator := engine.New(source, engine.Options{
		Root:         cfg.Root,
		Workers:      cfg.Workers,
		Budget:       r.budget,
		DryRun:       r.dryRun,
		NoPrealloc:   r.noPrealloc || !cfg.PreallocateEnabled(),
		Include:      r.include,
		Exclude:      r.exclude,
		SkipVerified: r.skipVerified,
		Observer:     display,
		Persist:      store.Save,
	})

	if r.dryRun {
		report, err := orchestrator.Run(ctx, entries)
		if err != nil {
			log.Error().Str("op", "cmd/download").Msgf("dry run failed: %v", err)
			return 1
		}
		output.PrintPlan(os.Stdout, report)
		return 0
	}

	// Logs go to a file while the live display owns the terminal
	if r.logFile != "" {
		f, err := os.OpenFile(r.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Error().Str("op", "cmd/download").Msgf("unable to open log file: %v", err)
			return 1
		}
		defer f.Close()
		utils.SetLogOutput(f)
	}
	output.PrintHeader(os.Stdout, fmt.Sprintf("Syncing %d files into %s", len(entries), cfg.Root))
	display.StartDisplay()
	report, runErr := orchestrator.Run(ctx, entries)
	display.StopDisplay()
	display.ShowSummary(report)

	if runErr != nil {
		output.PrintError(os.Stdout, fmt.Sprintf("Run aborted: %v", runErr))
		return 1
	}
	if incomplete := report.Incomplete(); len(incomplete) > 0 {
		if err := report.Err(); err != nil {
			log.Debug().Str("op", "cmd/download").Msgf("failures: %v", err)
		}
		return 2
	}
	return 0
}

// importEntries stores the manifest file's entries and returns them as
// stored, keeping flags of entries already known.
func importEntries(store *manifest.Store, file string) ([]*manifest.Entry, error) {
	entries, err := manifest.ReadFile(file)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		existing, err := store.Find(entry.Name)
		if errors.Is(err, manifest.ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if entry.MD5 == "" {
			entry.MD5 = existing.MD5
		}
		if existing.URL == entry.URL && existing.Size == entry.Size {
			entry.PreviouslyVerified = entry.PreviouslyVerified || existing.PreviouslyVerified
		}
		entry.ForceChange = entry.ForceChange || existing.ForceChange
	}
	if err := store.Save(entries...); err != nil {
		return nil, err
	}
	log.Info().Str("op", "cmd/import").Msgf("%d entries imported from %s", len(entries), file)
	return entries, nil
}
