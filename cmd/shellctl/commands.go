package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"framelink/client"
	"framelink/config"
	"framelink/logging"
	"framelink/message"
)

type globalOptions struct {
	configPath string
	host       string
	port       int
	verbose    bool
}

func newRootCmd() *cobra.Command {
	var g globalOptions
	root := &cobra.Command{
		Use:           "shellctl",
		Short:         "Talk to a running companion",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file")
	root.PersistentFlags().StringVar(&g.host, "host", "", "companion host, overrides client.host")
	root.PersistentFlags().IntVarP(&g.port, "port", "p", 0, "companion port, overrides client.port")
	root.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "print frame diagnostics to stderr")

	cmdCalc := &cobra.Command{
		Use:   "calc <a> <b>",
		Short: "Ask the companion for a + b",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("a: %w", err)
			}
			b, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("b: %w", err)
			}
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				var reply message.CalculateReply
				if err := c.Call(ctx, message.EventCalculate, &message.CalculateArgs{A: a, B: b}, &reply); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply.Result)
				return nil
			})
		},
	}
	root.AddCommand(cmdCalc)

	cmdMessage := &cobra.Command{
		Use:   "message <content>",
		Short: "Send a message and print the companion's reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				var reply message.MessageReply
				if err := c.Call(ctx, message.EventMessage, &message.MessageArgs{Content: args[0]}, &reply); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), reply.Content)
				return nil
			})
		},
	}
	root.AddCommand(cmdMessage)

	var rawJSON bool
	cmdRaw := &cobra.Command{
		Use:   "raw <payload>",
		Short: "Send a payload without the event envelope",
		Long: "Send a payload as-is. With --json the argument is parsed as a JSON object; if it carries\n" +
			"a string requestId the command waits for the matching response and prints it.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *client.Client) error {
				return sendRaw(ctx, cmd.OutOrStdout(), c, args[0], rawJSON)
			})
		},
	}
	cmdRaw.Flags().BoolVar(&rawJSON, "json", false, "parse payload as JSON")
	root.AddCommand(cmdRaw)

	var watchFor time.Duration
	cmdWatch := &cobra.Command{
		Use:   "watch",
		Short: "Print notifications pushed by the companion",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			var mu sync.Mutex
			stopped := false
			ev := client.Events{
				OnNotification: func(in *message.Inbound) {
					mu.Lock()
					defer mu.Unlock()
					if !stopped {
						fmt.Fprintln(out, string(in.Payload))
					}
				},
			}
			return withClientEvents(cmd, g, ev, func(ctx context.Context, c *client.Client) error {
				if watchFor > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, watchFor)
					defer cancel()
				}
				<-ctx.Done()
				mu.Lock()
				stopped = true
				mu.Unlock()
				return nil
			})
		},
	}
	cmdWatch.Flags().DurationVar(&watchFor, "for", 0, "stop after this long (default: until interrupted)")
	root.AddCommand(cmdWatch)

	return root
}

func sendRaw(ctx context.Context, out io.Writer, c *client.Client, arg string, asJSON bool) error {
	if !asJSON {
		_, err := c.SendDirect(arg, nil)
		return err
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(arg), &obj); err != nil {
		return fmt.Errorf("payload: %w", err)
	}
	id, _ := obj["requestId"].(string)
	if id == "" {
		_, err := c.SendDirect(obj, nil)
		return err
	}

	done := make(chan error, 1)
	if _, err := c.SendDirect(obj, func(payload []byte, err error) {
		if err == nil {
			fmt.Fprintln(out, string(payload))
		}
		done <- err
	}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func loadClientConfig(cmd *cobra.Command, g globalOptions) (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("host") {
		cfg.Client.Host = g.host
	}
	if cmd.Flags().Changed("port") {
		cfg.Client.Port = g.port
	}
	return cfg, cfg.Validate()
}

func withClient(cmd *cobra.Command, g globalOptions, fn func(ctx context.Context, c *client.Client) error) error {
	return withClientEvents(cmd, g, client.Events{}, fn)
}

// withClientEvents connects, runs fn and disconnects.
func withClientEvents(cmd *cobra.Command, g globalOptions, ev client.Events, fn func(ctx context.Context, c *client.Client) error) error {
	cfg, err := loadClientConfig(cmd, g)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if g.verbose {
		errOut := cmd.ErrOrStderr()
		ev.OnLog = func(msg string) { fmt.Fprintln(errOut, msg) }
	}
	c := client.NewClient(cfg.Client, client.WithLogger(logger), client.WithEvents(ev))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.Connect(ctx, cfg.Client.Host, cfg.Client.Port); err != nil {
		return err
	}
	defer c.Close()

	if err := fn(ctx, c); err != nil {
		logger.Debug("request failed", zap.Error(err))
		return err
	}
	return nil
}
