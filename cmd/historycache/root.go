package main

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/nainya/historycache/internal/config"
	"github.com/nainya/historycache/internal/logger"
	"github.com/nainya/historycache/internal/metrics"
	"github.com/nainya/historycache/pkg/orchestrator"
)

// app is the state shared by every command
type app struct {
	configPath string
	sourceRoot string
	dataRoot   string
	logLevel   string
	workers    int

	cfg      *config.Config
	log      *logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	guru     *orchestrator.Guru
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "historycache",
		Short:         "Cache version control history and annotations of a source tree",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.guru != nil {
				return a.guru.Close()
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "YAML configuration file")
	flags.StringVar(&a.sourceRoot, "source-root", "", "directory holding the repositories")
	flags.StringVar(&a.dataRoot, "data-root", "", "directory holding the caches")
	flags.StringVar(&a.logLevel, "log-level", "", "debug, info, warn or error")
	flags.IntVar(&a.workers, "workers", 0, "parallel repositories")

	root.AddCommand(
		newIndexCmd(a),
		newHistoryCmd(a),
		newAnnotateCmd(a),
		newRepositoriesCmd(a),
		newClearCmd(a),
		newServeCmd(a),
	)
	return root
}

// setup loads the configuration, applies flag overrides and builds the
// orchestrator.
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.configPath != "" {
		loaded, err := config.Load(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("source-root") {
		cfg.SourceRoot = a.sourceRoot
	}
	if flags.Changed("data-root") {
		cfg.DataRoot = a.dataRoot
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	if flags.Changed("workers") {
		cfg.Workers = a.workers
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a.cfg = cfg
	a.log = logger.NewLogger(logger.Config{
		Level:      cfg.Logging.Level,
		Pretty:     cfg.Logging.Pretty,
		Output:     cmd.ErrOrStderr(),
		WithCaller: cfg.Logging.WithCaller,
	})

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.NewMetrics(a.registry)

	guru, err := orchestrator.New(cfg,
		orchestrator.WithLogger(a.log),
		orchestrator.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.guru = guru
	return nil
}

// discover registers every repository under dirs, or under the source root
// when dirs is empty.
func (a *app) discover(cmd *cobra.Command, dirs []string) error {
	if len(dirs) == 0 {
		dirs = []string{a.cfg.SourceRoot}
	}
	start := time.Now()
	infos, err := a.guru.AddRepositories(cmd.Context(), dirs...)
	if err != nil {
		return fmt.Errorf("scan repositories: %w", err)
	}
	a.log.Debug("Repositories discovered").
		Int("count", len(infos)).
		Dur("elapsed", time.Since(start)).
		Send()
	if len(infos) == 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "no repositories found under %v\n", dirs)
	}
	return nil
}
