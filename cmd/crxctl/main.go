// Package main is crxctl, a command-line client for probing extension
// runtimes and sending them messages through a crxhost.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalOpts are the persistent flags shared by every subcommand.
type globalOpts struct {
	commsURL string
	timeout  time.Duration
}

func buildRootCmd() *cobra.Command {
	opts := &globalOpts{}
	rootCmd := &cobra.Command{
		Use:   "crxctl",
		Short: "Talk to extension runtimes over NATS",
		Long: `crxctl sends control probes and runtime messages to extension runtimes.

Probes (liveness, error state) go straight to an extension's onMessage channel.
Messages go through the host router exactly like runtime.sendMessage.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.commsURL, "comms-url", "", "NATS URL (default: COMMS_URL)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "How long to wait for a reply")

	rootCmd.AddCommand(
		buildProbeCmd(opts),
		buildSendCmd(opts),
	)
	return rootCmd
}

func buildProbeCmd(opts *globalOpts) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "probe <extension-id>",
		Short: "Send a control probe to an extension runtime",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := parseProbeKind(kind)
			if err != nil {
				return err
			}
			return withManager(cmd.Context(), opts, func(c *client) error {
				return c.probe(cmd.OutOrStdout(), args[0], k)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "liveness", "Probe kind (liveness, error, error-ts)")
	return cmd
}

func buildSendCmd(opts *globalOpts) *cobra.Command {
	var (
		from string
		tab  string
	)
	cmd := &cobra.Command{
		Use:   "send <extension-id> <message>",
		Short: "Send a runtime message to an extension",
		Long: `Send a runtime message to an extension and print its reply.

The message is parsed as JSON; anything that is not valid JSON is sent as a string.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd.Context(), opts, func(c *client) error {
				return c.send(cmd.OutOrStdout(), args[0], parseMessage(args[1]), from, tab)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Sender extension id stamped on the message")
	cmd.Flags().StringVar(&tab, "tab", "", "Sender tab id stamped on the message")
	return cmd
}
