package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/bloomzen/internal/app"
	"github.com/MrWong99/bloomzen/internal/config"
	"github.com/MrWong99/bloomzen/internal/observe"
	"github.com/MrWong99/bloomzen/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newServeCmd(flags *globalFlags) *cobra.Command {
	var watchInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local control API",
		Long: `Serve the control API on server.listen_addr. Conversations are started
and stopped over HTTP; status updates stream over a websocket. The config
file is watched and persona, voice and log level changes are applied to the
next conversation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log, lv := newLogger(os.Stderr, config.LogInfo)

			var a *app.App
			watcher, err := config.NewWatcher(flags.configPath, func(old, new *config.Config) {
				_ = flags.applyOverrides(new)
				a.ApplyConfig(old, new)
			}, config.WithInterval(watchInterval), config.WithWatchLogger(log))
			if err != nil {
				return describeLoadError(flags.configPath, err)
			}
			cfg := watcher.Current()
			if err := flags.applyOverrides(cfg); err != nil {
				return err
			}
			lv.Set(app.ParseLevel(cfg.Server.LogLevel))

			shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
				ServiceName:    "bloomzen",
				ServiceVersion: version,
			})
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownOTel(sctx); err != nil {
					log.Warn("telemetry shutdown", "err", err)
				}
			}()

			a, err = app.New(cfg, app.WithLogger(log), app.WithLevelVar(lv))
			if err != nil {
				return err
			}
			defer a.Close()

			opts := []server.Option{
				server.WithLogger(log),
				server.WithCheckers(a.Checkers()...),
				server.WithVoices(a.Voices),
			}
			if tls := cfg.Server.TLS; tls != nil {
				opts = append(opts, server.WithTLS(tls.CertFile, tls.KeyFile))
			}
			srv := server.New(cfg.Server.ListenAddr, a.Manager(), opts...)

			printStartupSummary(cmd.OutOrStdout(), cfg, true)
			log.Info("bloomzen ready; press Ctrl+C to shut down", "provider", a.ProviderName(), "version", version)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			g.Go(func() error { return watcher.Run(gctx) })
			err = g.Wait()
			log.Info("shutting down")
			return err
		},
	}
	cmd.Flags().DurationVar(&watchInterval, "watch-interval", config.DefaultWatchInterval, "how often the config file is checked for changes")
	return cmd
}
