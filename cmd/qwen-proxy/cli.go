package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wrale/qwen-device-proxy/internal/broker"
	"github.com/wrale/qwen-device-proxy/internal/deviceflow"
)

// newRootCmd builds the command tree. Running without a subcommand serves.
func newRootCmd() *cobra.Command {
	var cfg Config

	root := &cobra.Command{
		Use:           "qwen-proxy",
		Short:         "OpenAI-compatible proxy for Qwen accounts",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = loadConfig(); err != nil {
				return err
			}
			return setupLogging(cfg.LogLevel, cfg.LogFormat)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfg)
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP server",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cfg)
			},
		},
		&cobra.Command{
			Use:   "auth [account-id]",
			Short: "Authorize the default credential, or a named account",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBroker(cfg, func(ctx context.Context, b *broker.Broker) error {
					notify := printSession(cmd.OutOrStdout())
					if len(args) == 1 {
						return b.AddAccount(ctx, args[0], notify)
					}
					return b.Authorize(ctx, notify)
				}, cmd, "Authorization successful.")
			},
		},
		&cobra.Command{
			Use:   "add <account-id>",
			Short: "Authorize a new named account",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBroker(cfg, func(ctx context.Context, b *broker.Broker) error {
					return b.AddAccount(ctx, args[0], printSession(cmd.OutOrStdout()))
				}, cmd, fmt.Sprintf("Account %s added.", args[0]))
			},
		},
		&cobra.Command{
			Use:   "remove <account-id>",
			Short: "Delete a named account's credential",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBroker(cfg, func(ctx context.Context, b *broker.Broker) error {
					return b.RemoveAccount(args[0])
				}, cmd, fmt.Sprintf("Account %s removed.", args[0]))
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List accounts with token validity and today's request counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBroker(cfg, func(ctx context.Context, b *broker.Broker) error {
					accounts, err := b.ListAccounts(ctx)
					if err != nil {
						return err
					}
					return printAccounts(cmd.OutOrStdout(), accounts)
				}, cmd, "")
			},
		},
		&cobra.Command{
			Use:   "counts",
			Short: "Show today's request counts per account",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withBroker(cfg, func(ctx context.Context, b *broker.Broker) error {
					date, counts, err := b.Counter().Snapshot()
					if err != nil {
						return err
					}
					return printCounts(cmd.OutOrStdout(), date, counts)
				}, cmd, "")
			},
		},
	)

	return root
}

// withBroker builds a broker for a one-shot command and cancels it on interrupt
func withBroker(cfg Config, fn func(context.Context, *broker.Broker) error, cmd *cobra.Command, done string) error {
	b, err := broker.New(cfg.brokerConfig())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	if err := fn(ctx, b); err != nil {
		return err
	}
	if done != "" {
		fmt.Fprintln(cmd.OutOrStdout(), done)
	}
	return nil
}

func printSession(w io.Writer) func(*deviceflow.Session) {
	return func(s *deviceflow.Session) {
		fmt.Fprintf(w, "Open %s in a browser", s.DisplayURI())
		if !s.HasCompleteURI() {
			fmt.Fprintf(w, " and enter the code %s", s.UserCode)
		}
		fmt.Fprintf(w, ".\nWaiting for approval (expires in %s)...\n", time.Duration(s.ExpiresIn)*time.Second)
	}
}

func printAccounts(w io.Writer, accounts []broker.AccountStatus) error {
	if len(accounts) == 0 {
		_, err := fmt.Fprintln(w, "No accounts. Run 'qwen-proxy auth' or 'qwen-proxy add <account-id>'.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tSTATUS\tEXPIRES\tREQUESTS TODAY\t")
	for _, a := range accounts {
		status := "expired"
		if a.Valid {
			status = "valid"
		}
		if a.Active {
			status += " (active)"
		}
		expires := "-"
		if a.ExpiresAt != nil {
			expires = a.ExpiresAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t\n", a.ID, status, expires, a.RequestsToday)
	}
	return tw.Flush()
}

func printCounts(w io.Writer, date string, counts map[string]int) error {
	fmt.Fprintf(w, "Requests on %s (UTC)\n", date)
	if len(counts) == 0 {
		_, err := fmt.Fprintln(w, "  none")
		return err
	}

	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, id := range ids {
		fmt.Fprintf(tw, "  %s\t%d\t\n", id, counts[id])
	}
	return tw.Flush()
}
