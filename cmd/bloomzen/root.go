package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/bloomzen/internal/app"
	"github.com/MrWong99/bloomzen/internal/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "bloomzen",
		Short: "Bloom Zen, a calm live voice companion",
		Long: `Bloom Zen streams your microphone to a live conversation service and
plays the spoken answers back as they arrive. Speaking over the companion
interrupts it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override server.log_level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(flags),
		newServeCmd(flags),
		newVoicesCmd(flags),
		newValidateCmd(flags),
	)
	return root
}

// loadConfig loads the file named by --config and applies --log-level.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, describeLoadError(f.configPath, err)
	}
	if err := f.applyOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *globalFlags) applyOverrides(cfg *config.Config) error {
	if f.logLevel == "" {
		return nil
	}
	lvl := config.LogLevel(f.logLevel)
	if !lvl.IsValid() {
		return fmt.Errorf("invalid --log-level %q", f.logLevel)
	}
	cfg.Server.LogLevel = lvl
	return nil
}

func describeLoadError(path string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", path)
	}
	return err
}

// newLogger returns a text logger on w whose level follows lv.
func newLogger(w io.Writer, level config.LogLevel) (*slog.Logger, *slog.LevelVar) {
	lv := new(slog.LevelVar)
	lv.Set(app.ParseLevel(level))
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})), lv
}
