// Command companion runs the companion server the desktop shell connects to.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "companion",
		Short:         "Framed TCP companion for the desktop shell",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var opts serveOptions
	cmdServe := &cobra.Command{
		Use:   "serve",
		Short: "Listen for the shell and serve requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd, opts)
		},
	}
	cmdServe.Flags().StringVarP(&opts.configPath, "config", "c", "", "config file (default: ./framelink.yaml or ~/.config/framelink/)")
	cmdServe.Flags().StringVarP(&opts.listen, "listen", "l", "", "address to listen on (host:port), overrides server.listen")
	cmdServe.Flags().StringVar(&opts.metrics, "metrics", "", "admin HTTP address for /metrics and /healthz, overrides metrics.listen")
	cmdServe.Flags().StringVar(&opts.welcome, "welcome", "", "welcome notification sent to every new peer")
	root.AddCommand(cmdServe)

	return root
}
