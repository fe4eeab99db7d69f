package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nainya/historycache/internal/server"
)

func newIndexCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "index [dir...]",
		Short: "Discover repositories and create or update their history cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.discover(cmd, args); err != nil {
				return err
			}
			outcome := a.guru.CreateCache(cmd.Context())
			return report(cmd, outcome)
		},
	}
}

// report prints one line per repository and fails if any repository failed.
func report(cmd *cobra.Command, outcome map[string]error) error {
	roots := make([]string, 0, len(outcome))
	for root := range outcome {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	failed := 0
	for _, root := range roots {
		if err := outcome[root]; err != nil {
			failed++
			fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", root, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok   %s\n", root)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d repositories failed", failed, len(roots))
	}
	return nil
}

func newHistoryCmd(a *app) *cobra.Command {
	var (
		files bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "history <path>",
		Short: "Print the history of a file or directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.discover(cmd, nil); err != nil {
				return err
			}
			h, err := a.guru.History(cmd.Context(), args[0], files)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, e := range h.Page(limit, 0) {
				summary, _, _ := strings.Cut(e.Message, "\n")
				fmt.Fprintf(w, "%s\t%s\t%s\t%s", e.DisplayRev(), e.Date.Format(time.DateOnly), e.Author, summary)
				if tag := h.TagFor(e.Revision); tag != "" {
					fmt.Fprintf(w, " (%s)", tag)
				}
				fmt.Fprintln(w)
				for _, f := range e.Files {
					fmt.Fprintf(w, "\t\t\t  %s\n", f)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&files, "files", false, "list the files of every changeset")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "print at most n changesets")
	return cmd
}

func newAnnotateCmd(a *app) *cobra.Command {
	var (
		revision string
		cached   bool
	)
	cmd := &cobra.Command{
		Use:   "annotate <file>",
		Short: "Print the revision and author of every line of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.discover(cmd, nil); err != nil {
				return err
			}
			get := a.guru.Annotate
			if cached {
				get = a.guru.CachedAnnotation
			}
			ann, err := get(cmd.Context(), args[0], revision)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 1, ' ', tabwriter.AlignRight)
			for i, l := range ann.Lines {
				fmt.Fprintf(w, "%d\t%s\t%s\t\n", i+1, l.DisplayRev(), l.Author)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&revision, "revision", "r", "", "annotate at this revision instead of the latest")
	cmd.Flags().BoolVar(&cached, "cached", false, "only print a cached annotation")
	return cmd
}

func newRepositoriesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "repositories [dir...]",
		Short: "List the repositories found under the source root",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.discover(cmd, args); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, info := range a.guru.Repositories() {
				nested := ""
				if info.Nested {
					nested = "nested"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", info.Type, info.Root, nested)
			}
			return w.Flush()
		},
	}
}

func newClearCmd(a *app) *cobra.Command {
	var remove bool
	cmd := &cobra.Command{
		Use:   "clear [repository...]",
		Short: "Drop the cached history and annotations of repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.discover(cmd, nil); err != nil {
				return err
			}
			if remove {
				return a.guru.RemoveCache(args...)
			}
			cleared, err := a.guru.ClearCache(args...)
			for _, root := range cleared {
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", root)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&remove, "remove", false, "also forget the repositories")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var (
		port    int
		noIndex bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Index the source root and serve metrics and the read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.discover(cmd, nil); err != nil {
				return err
			}
			if !cmd.Flags().Changed("port") {
				port = a.cfg.Metrics.Port
			}

			var ready atomic.Bool
			if noIndex {
				ready.Store(true)
			} else {
				go func() {
					a.guru.CreateCache(ctx)
					ready.Store(true)
				}()
			}

			api := server.NewAPI(a.guru, a.log, a.metrics)
			srv := server.NewObservabilityServer(server.ServerConfig{
				Port:     port,
				Gatherer: a.registry,
				API:      api.Handler(),
				Ready:    ready.Load,
			}, a.log)

			lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
			if err != nil {
				return err
			}
			a.log.LogServerStart(port, a.cfg.DataRoot)

			errc := make(chan error, 1)
			go func() { errc <- srv.Serve(lis) }()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}

			a.log.LogServerShutdown()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return <-errc
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port, defaults to metrics.port")
	cmd.Flags().BoolVar(&noIndex, "no-index", false, "serve without building the history cache first")
	return cmd
}
