package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/bloomzen/internal/app"
	"github.com/MrWong99/bloomzen/internal/companion"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Talk to the companion until Ctrl+C",
		Long: `Start one conversation on the configured microphone and speaker.
Transcripts are printed as they arrive. Ctrl+C ends the conversation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log, lv := newLogger(os.Stderr, cfg.Server.LogLevel)
			out := cmd.OutOrStdout()
			a, err := app.New(cfg,
				app.WithLogger(log),
				app.WithLevelVar(lv),
				app.WithTranscriptHandler(printTranscript(out, cfg.Companion.Name)),
			)
			if err != nil {
				return err
			}
			defer a.Close()

			printStartupSummary(out, cfg, false)
			return converse(ctx, a.Manager(), out)
		},
	}
}

// converse runs one conversation and mirrors its status to out. It returns
// when ctx ends or the service closes the conversation.
func converse(ctx context.Context, m *app.Manager, out io.Writer) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := m.Watch(watchCtx)

	if _, err := m.Start(ctx); err != nil {
		fmt.Fprintln(out, companion.StateErrored.Status())
		return fmt.Errorf("start conversation: %w", err)
	}
	fmt.Fprintln(out, "Speak freely. Press Ctrl+C to end the conversation.")

	last := ""
	for {
		select {
		case <-ctx.Done():
			snap := m.Stop()
			printCounters(out, snap)
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if snap.Status != last {
				fmt.Fprintf(out, "· %s\n", snap.Status)
				last = snap.Status
			}
			switch snap.State {
			case companion.StateClosed:
				printCounters(out, snap)
				return nil
			case companion.StateErrored:
				printCounters(out, snap)
				return errors.New(snap.Error)
			}
		}
	}
}

func printTranscript(out io.Writer, name string) func(companion.Transcript) {
	return func(t companion.Transcript) {
		who := "you"
		if t.Role == companion.RoleModel {
			who = name
		}
		fmt.Fprintf(out, "%s: %s\n", who, t.Text)
	}
}

func printCounters(out io.Writer, snap companion.Snapshot) {
	c := snap.Counters
	fmt.Fprintf(out, "sent %d chunks (%d dropped), received %d (%d undecodable), %d interruptions\n",
		c.ChunksSent, c.ChunksDropped, c.ChunksReceived, c.DecodeErrors, c.Interruptions)
}
