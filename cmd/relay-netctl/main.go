// Command relay-netctl is the operator CLI of relay-netd. It talks to the
// daemon over the control socket.
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"relay-netctl/internal/ipc"
)

type globalFlags struct {
	Socket  string
	Timeout time.Duration
	JSON    bool
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:           "relay-netctl",
	Short:         "Control the relay network daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flags.Socket, "socket", "s", ipc.DefaultSocket, "Control socket of relay-netd")
	rootCmd.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 10*time.Second, "Timeout of one request")
	rootCmd.PersistentFlags().BoolVar(&flags.JSON, "json", false, "Print raw JSON instead of tables")

	rootCmd.AddCommand(statusCmd, watchCmd, logsCmd, logLevelCmd, switchCmd, configCmd, cleanupCmd, startCmd, stopCmd)
}

// withClient dials the daemon and runs fn with a request-scoped context.
func withClient(fn func(ctx context.Context, c *ipc.Client) error) error {
	c, err := ipc.Dial(flags.Socket)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), flags.Timeout)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(describeError(err))
		os.Exit(1)
	}
}
