package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/forPelevin/subsync/internal/config"
	"github.com/forPelevin/subsync/internal/pipeline"
)

// load reads the layered configuration for cmd and installs the logger.
func load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	return cfg, config.SetupLogging(cfg.Logging, os.Stderr), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func pipelineConfig(cfg *config.Config, log *slog.Logger) pipeline.Config {
	return pipeline.Config{
		BaseURL:        cfg.Backend.BaseURL,
		AllowedHosts:   cfg.Backend.AllowedHosts,
		TimestampsFile: cfg.Backend.TimestampsFile,
		PollInterval:   cfg.Acquire.PollInterval,
		MaxAttempts:    cfg.Acquire.MaxAttempts,
		RequestTimeout: cfg.Acquire.RequestTimeout,
		TickInterval:   cfg.Sync.TickInterval,
		Trail:          cfg.Sync.TrailWindow,
		LookAhead:      cfg.Sync.LookAhead,
		Logger:         log,
		Logf: func(format string, args ...any) {
			fmt.Fprintf(os.Stderr, format+"\n", args...)
		},
	}
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [audio-url]",
		Short: "Play audio on a simulated clock and draw its subtitles in the terminal",
		Long: "watch waits for the backend to publish word timestamps for the audio,\n" +
			"then plays it on a simulated clock and redraws the visible words as\n" +
			"playback advances. With --timestamps-file the audio url is optional.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, args)
		},
	}
	backendFlags(cmd)
	f := cmd.Flags()
	f.Bool("wait-progress", false, "Wait for /generation-progress/ to finish before polling timestamps")
	f.String("ffprobe", "", "ffprobe binary used to read the audio duration")
	f.Float64("duration", 0, "Audio duration in seconds (default: probe, else the last word)")
	f.Bool("color", true, "Highlight the active word")
	f.Bool("redraw", true, "Redraw in place instead of appending frames")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, log, err := load(cmd)
	if err != nil {
		return err
	}

	pc := pipelineConfig(cfg, log)
	if len(args) == 1 {
		pc.AudioURL = args[0]
	}
	pc.WaitProgress, _ = cmd.Flags().GetBool("wait-progress")
	pc.FFprobePath, _ = cmd.Flags().GetString("ffprobe")
	pc.Duration, _ = cmd.Flags().GetFloat64("duration")
	pc.Color, _ = cmd.Flags().GetBool("color")
	pc.Redraw, _ = cmd.Flags().GetBool("redraw")
	pc.Out = cmd.OutOrStdout()

	if err := pc.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	return pipeline.Run(ctx, pc)
}

func newDumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Wait for word timestamps and print the prepared index as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}
			pc := pipelineConfig(cfg, log)
			pc.Out = cmd.OutOrStdout()

			ctx, cancel := signalContext()
			defer cancel()
			return pipeline.Dump(ctx, pc)
		},
	}
	backendFlags(cmd)
	return cmd
}
