// Package cli contains the Cobra commands of fifoctl, the fifogate command
// line client.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/snehjoshi/fifogate/pkg/client"
)

// DefaultServer is used when neither --server nor FIFOGATE_URL is set.
const DefaultServer = "http://127.0.0.1:8080"

// NewRoot constructs the root command and registers every subcommand.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "fifoctl",
		Short:         "fifogate client",
		Long:          "fifoctl enqueues, delivers and inspects items on a fifogate server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("server", envOr("FIFOGATE_URL", DefaultServer), "Server base URL")
	root.PersistentFlags().String("api-key", os.Getenv("FIFOGATE_API_KEY"), "API key sent as X-Api-Key")
	root.PersistentFlags().Duration("timeout", 30*time.Second, "Per-request timeout")

	root.AddCommand(
		newEnqueueCommand(),
		newDeliverCommand(),
		newStatusCommand(),
		newStreamCommand(),
		newHealthCommand(),
	)
	return root
}

// newEnqueueCommand constructs the `enqueue` subcommand.
func newEnqueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a payload and print its identifier",
		Example: `  fifoctl enqueue --data '{"job":1}'
  echo hello | fifoctl enqueue --data -`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, _ := cmd.Flags().GetString("data")
			if data == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				data = strings.TrimRight(string(b), "\n")
			}
			if data == "" {
				return errors.New("--data is required")
			}
			c := newClient(cmd)
			id, err := c.Enqueue(cmd.Context(), []byte(data))
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "identifier:", id)
			return nil
		},
	}
	cmd.Flags().String("data", "", "Payload; use - to read stdin")
	return cmd
}

// newDeliverCommand constructs the `deliver` subcommand.
func newDeliverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Remove and print the oldest item, or the item named by --identifier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			identifier, _ := cmd.Flags().GetString("identifier")
			c := newClient(cmd)

			var (
				it  *client.Item
				err error
			)
			if identifier != "" {
				it, err = c.DeliverByID(cmd.Context(), identifier)
			} else {
				it, err = c.Deliver(cmd.Context())
			}
			if client.IsNotFound(err) {
				_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "queue empty")
				return nil
			}
			if err != nil {
				return err
			}
			printItem(cmd.OutOrStdout(), it)
			return nil
		},
	}
	cmd.Flags().String("identifier", "", "Deliver exactly this item")
	return cmd
}

// newStatusCommand constructs the `status` subcommand.
func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status IDENTIFIER",
		Short: "Show whether an item is still queued and its position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient(cmd).Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "state: %s\nposition: %d\n", st.State, st.Position)
			return nil
		},
	}
	return cmd
}

// newStreamCommand constructs the `stream` subcommand.
func newStreamCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Receive items over WebSocket as they are enqueued",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			out := cmd.OutOrStdout()

			errLimit := errors.New("limit reached")
			n := 0
			err := newClient(cmd).Stream(cmd.Context(), func(it *client.Item) error {
				printItem(out, it)
				n++
				if limit > 0 && n >= limit {
					return errLimit
				}
				return nil
			})
			if errors.Is(err, errLimit) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Int("limit", 0, "Stop after this many items (0 = run until interrupted)")
	return cmd
}

// newHealthCommand constructs the `health` subcommand.
func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := newClient(cmd).Health(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "status: %s\ndriver: %s\ndepth: %d\nuptime: %s\n",
				h.Status, h.Driver, h.Depth, h.Uptime)
			return nil
		},
	}
}

func newClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	apiKey, _ := cmd.Flags().GetString("api-key")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	opts := []client.ClientOption{client.WithTimeout(timeout)}
	if apiKey != "" {
		opts = append(opts, client.WithAPIKey(apiKey))
	}
	return client.New(server, opts...)
}

func printItem(w io.Writer, it *client.Item) {
	_, _ = fmt.Fprintf(w, "id: %d\ndata: %s\n", it.ID, it.Data)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
