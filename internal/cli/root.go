package cli

import (
	"github.com/spf13/cobra"
)

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func rangeArgs(min, max int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.RangeArgs(min, max)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// buildRootCmdWith constructs the command tree bound to o.
func buildRootCmdWith(o *Options) *cobra.Command {
	root := &cobra.Command{
		Use:           "chatd",
		Short:         "Local LLM chat daemon: model downloads, llama server supervision and chat",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&o.Addr, "addr", envStr("CHATD_ADDR", ""), "Daemon address (defaults CHATD_ADDR or the config addr)")
	root.PersistentFlags().StringVar(&o.ConfigPath, "config", defaultConfigPath(), "Config file (.yaml, .json or .toml; defaults CHATD_CONFIG)")
	root.PersistentFlags().StringVar(&o.LogLevel, "log-level", envStr("CHATD_LOG_LEVEL", ""), "Log level: debug|info|warn|error")
	root.PersistentFlags().BoolVar(&o.JSON, "json", envBool("CHATD_JSON", false), "Print raw JSON responses")

	serve := &cobra.Command{
		Use:     "serve",
		Short:   "Run the daemon",
		Example: "  chatd serve --addr 127.0.0.1:8765",
		Args:    exactArgs(0),
		RunE:    func(cmd *cobra.Command, args []string) error { return fnServe(cmd.Context(), o) },
	}

	root.AddCommand(
		serve,
		newStatusCmd(o),
		newSysinfoCmd(o),
		newModelsCmd(o),
		newBundlesCmd(o),
		newDownloadCmd(o),
		newServerCmd(o),
		newChatCmd(o),
		newConfigCmd(o),
	)
	return root
}
