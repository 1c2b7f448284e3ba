package cli

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func Main() {
	_ = godotenv.Load() // best-effort: load .env if present

	if err := newRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:          "subsync",
		Short:        "Word-synchronized subtitles for generated audio",
		SilenceUsage: true,
	}

	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)
	root.SilenceErrors = true

	root.PersistentFlags().String("config", "", "Config file (default: ./subsync.yaml, ./configs/subsync.yaml, /etc/subsync/subsync.yaml)")
	root.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("log-format", "text", "Log format: text, json")

	root.AddCommand(newWatchCmd(), newDumpCmd(), newServeCmd(), newMockBackendCmd())
	return root
}

// backendFlags are shared by every command that reads word timestamps.
func backendFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("base-url", "", "Backend base URL (default http://localhost:8000)")
	f.StringSlice("allowed-hosts", nil, "Extra hosts accepted for --base-url")
	f.String("timestamps-file", "", "Read a local word_timestamps.json instead of the backend")
	f.Duration("poll-interval", 0, "Delay between word-timestamps requests (default 1s)")
	f.Int("max-attempts", 0, "Requests before giving up (default 60)")
	f.Duration("request-timeout", 0, "Per-request timeout (default 10s)")

	// Hidden tuning flags
	f.Duration("tick", 0, "Synchronization tick (default 100ms)")
	f.Duration("trail", 0, "How long a spoken word stays visible (default 3s)")
	f.Duration("look-ahead", 0, "How early an upcoming word appears (default 1s)")
	for _, name := range []string{"tick", "trail", "look-ahead"} {
		_ = f.MarkHidden(name)
	}
}
