package main

import (
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ravi-parthasarathy/flowpress/pkg/metrics"
	"github.com/ravi-parthasarathy/flowpress/pkg/server"
	"github.com/ravi-parthasarathy/flowpress/pkg/watch"
)

func serveCmd(c *cli) *cobra.Command {
	var (
		addr    string
		defsDir string
		noWatch bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := c.cfg
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if defsDir != "" {
				cfg.Definitions.Dir = defsDir
			}
			if noWatch {
				cfg.Definitions.Watch = false
			}
			logger := slog.Default()

			eng, err := buildEngine(cfg)
			if err != nil {
				return err
			}
			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			eng.Subscribe(metrics.New(reg, eng).Observe)

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			if dir := cfg.Definitions.Dir; dir != "" {
				if _, err := os.Stat(dir); err == nil {
					w, err := watch.New(dir, eng.Catalog(), watch.WithLogger(logger))
					if err != nil {
						return err
					}
					defer w.Close()
					n, err := w.LoadAll()
					if err != nil {
						return err
					}
					logger.Info("pipelines loaded", "dir", dir, "count", n)
					if cfg.Definitions.Watch {
						g.Go(func() error { return w.Run(ctx) })
					}
				} else {
					logger.Warn("definitions directory not found, starting with an empty catalog", "dir", dir)
				}
			}

			srv := server.New(eng, server.WithLogger(logger), server.WithGatherer(reg))
			g.Go(func() error { return srv.ListenAndServe(ctx, cfg.Server.Addr) })
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&defsDir, "definitions", "", "pipeline definitions directory (default from config)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload definitions when files change")
	return cmd
}
