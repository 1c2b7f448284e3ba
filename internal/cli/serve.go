package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/forPelevin/subsync/internal/acquire"
	"github.com/forPelevin/subsync/internal/config"
	"github.com/forPelevin/subsync/internal/domain/window"
	"github.com/forPelevin/subsync/internal/mockbackend"
	"github.com/forPelevin/subsync/internal/player"
	"github.com/forPelevin/subsync/internal/ports/adapters/timestamps"
	"github.com/forPelevin/subsync/internal/ports/adapters/whisperfile"
	"github.com/forPelevin/subsync/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the browser bridge: players over a websocket plus a JSON API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}
			origins, _ := cmd.Flags().GetStringSlice("allowed-origins")

			deps := server.Deps{Logger: log}
			if cfg.Backend.TimestampsFile != "" {
				abs, err := filepath.Abs(cfg.Backend.TimestampsFile)
				if err != nil {
					return err
				}
				deps.Source = whisperfile.New(abs)
				log.Info("serving timestamps from file", "path", abs)
			} else {
				cl := timestamps.New(cfg.Backend.BaseURL, timestamps.WithRequestTimeout(cfg.Acquire.RequestTimeout))
				deps.Source, deps.Progress = cl, cl
				log.Info("serving timestamps from backend", "base_url", cl.BaseURL())
			}

			srv := server.New(server.Config{
				Port:           cfg.Server.Port,
				Acquire:        acquireOptions(cfg),
				Sync:           syncOptions(cfg),
				AllowedOrigins: origins,
			}, deps)

			ctx, cancel := signalContext()
			defer cancel()
			return srv.ListenAndServe(ctx)
		},
	}
	backendFlags(cmd)
	cmd.Flags().Int("port", 8090, "Listen port")
	cmd.Flags().StringSlice("allowed-origins", nil, "Browser origins allowed to connect (default any)")
	return cmd
}

func newMockBackendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock-backend",
		Short: "Serve word_timestamps.json from a directory the way the backend does",
		Long: "mock-backend answers GET /word-timestamps/ with <dir>/word_timestamps.json,\n" +
			"and 404 until that file exists. Drop a whisper JSON into the directory to\n" +
			"simulate a finished generation.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load(cmd)
			if err != nil {
				return err
			}
			if cfg.Mock.ReadyAfter < 0 {
				return fmt.Errorf("config: mock.ready_after must be >= 0")
			}

			srv := mockbackend.New(cfg.Mock.Dir, mockbackend.Options{
				ReadyAfter: cfg.Mock.ReadyAfter,
				Logger:     log,
			})
			ctx, cancel := signalContext()
			defer cancel()
			return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.Mock.Port))
		},
	}
	f := cmd.Flags()
	f.Int("mock-port", 8000, "Listen port")
	f.String("dir", "output", "Directory holding word_timestamps.json")
	f.Duration("ready-after", 0, "Answer 404 for this long after start")
	return cmd
}

func acquireOptions(cfg *config.Config) acquire.Options {
	return acquire.Options{
		Interval:    cfg.Acquire.PollInterval,
		MaxAttempts: cfg.Acquire.MaxAttempts,
	}
}

func syncOptions(cfg *config.Config) player.SyncOptions {
	return player.SyncOptions{
		TickInterval: cfg.Sync.TickInterval,
		Window: window.Options{
			Trail:     cfg.Sync.TrailWindow.Seconds(),
			LookAhead: cfg.Sync.LookAhead.Seconds(),
		},
	}
}
