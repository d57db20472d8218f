package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"relay-netctl/internal/core"
	"relay-netctl/internal/ipc"
	"relay-netctl/internal/service"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show score, latency, failover and routing state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *ipc.Client) error {
			st, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(st)
			}
			out, err := renderStatus(st)
			if err != nil {
				return err
			}
			pterm.Print(out)
			return nil
		})
	},
}

var watchCompact bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the status until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := ipc.Dial(flags.Socket)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var area *pterm.AreaPrinter
		if !watchCompact && !flags.JSON {
			area, err = pterm.DefaultArea.WithFullscreen().Start()
			if err != nil {
				return err
			}
			defer area.Stop()
		}

		err = c.Watch(ctx, func(st service.Status) {
			switch {
			case flags.JSON:
				_ = printJSON(st)
			case watchCompact:
				line := st.Time.Local().Format(time.TimeOnly) + fmt.Sprintf(" score %.1f on %s |", st.Quality.Score.Value, st.Failover.CurrentPath)
				for _, p := range st.Paths {
					line += " " + latencySummary(p) + " |"
				}
				pterm.Println(line)
			default:
				out, err := renderStatus(st)
				if err != nil {
					out = err.Error()
				}
				area.Update(out)
			}
		})
		if ctx.Err() != nil && status.Code(err) == codes.Canceled {
			return nil
		}
		return err
	},
}

var logsLevel string

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Follow the daemon log until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := ipc.Dial(flags.Socket)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = c.Logs(ctx, logsLevel, func(e service.LogEntry) {
			if flags.JSON {
				_ = printJSON(e)
				return
			}
			pterm.Println(logLine(e))
		})
		if ctx.Err() != nil && status.Code(err) == codes.Canceled {
			return nil
		}
		return err
	},
}

var logLevelCmd = &cobra.Command{
	Use:   "log-level COMPONENT LEVEL",
	Short: "Change the log level of one component until the daemon restarts",
	Long: `Changes the log level of one component, for example Failover or Route,
without restarting the daemon. LEVEL is debug, info, warn, error or off.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *ipc.Client) error {
			if err := c.SetLogLevel(ctx, args[0], args[1]); err != nil {
				return err
			}
			pterm.Success.Printfln("%s logs at %s", args[0], args[1])
			return nil
		})
	},
}

var switchReason string

var switchCmd = &cobra.Command{
	Use:   "switch PATH",
	Short: "Switch the primary path now (honors the cooldown)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *ipc.Client) error {
			if err := c.ForceSwitch(ctx, args[0], switchReason); err != nil {
				return err
			}
			pterm.Success.Printfln("Primary path is %s", args[0])
			return nil
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Read or change the failover configuration",
}

var configGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the failover configuration in effect",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *ipc.Client) error {
			cfg, err := c.GetFailoverConfig(ctx)
			if err != nil {
				return err
			}
			if flags.JSON {
				return printJSON(cfg)
			}
			return yaml.NewEncoder(os.Stdout).Encode(cfg)
		})
	},
}

var setFlags struct {
	File         string
	ThresholdMs  float64
	Window       int
	Cooldown     string
	RestoreDelay string
	Preferred    string
}

var fieldFlags = []string{"threshold", "window", "cooldown", "restore-delay", "preferred"}

func anyFieldChanged(cmd *cobra.Command) bool {
	for _, name := range fieldFlags {
		if cmd.Flags().Changed(name) {
			return true
		}
	}
	return false
}

// mergeFailover overlays the flags the operator set on the current config.
func mergeFailover(cmd *cobra.Command, cur core.FailoverYAML) core.FailoverYAML {
	f := cmd.Flags()
	if f.Changed("threshold") {
		cur.LatencyThresholdMs = setFlags.ThresholdMs
	}
	if f.Changed("window") {
		cur.Window = setFlags.Window
	}
	if f.Changed("cooldown") {
		cur.Cooldown = setFlags.Cooldown
	}
	if f.Changed("restore-delay") {
		cur.RestoreDelay = setFlags.RestoreDelay
	}
	if f.Changed("preferred") {
		cur.PreferredPath = setFlags.Preferred
	}
	return cur
}

// overlayFailover decodes a YAML failover section over cur. Fields absent
// from data keep their current values.
func overlayFailover(cur core.FailoverYAML, data []byte) (core.FailoverYAML, error) {
	if err := yaml.Unmarshal(data, &cur); err != nil {
		return core.FailoverYAML{}, err
	}
	return cur, nil
}

var configSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Validate, persist and apply a failover configuration",
	Long: `Changes the failover configuration. Either pass a YAML file with --file
or individual flags. Both change only the fields they name; the rest keep
the values in effect. Values are taken literally, so an explicit 0 is sent
as 0 and not replaced by a default. Invalid values are rejected and leave
the running configuration untouched.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if setFlags.File == "" && !anyFieldChanged(cmd) {
			return errors.New("nothing to change: pass --file or at least one field flag")
		}
		return withClient(func(ctx context.Context, c *ipc.Client) error {
			next, err := c.GetFailoverConfig(ctx)
			if err != nil {
				return err
			}
			if setFlags.File != "" {
				data, err := os.ReadFile(setFlags.File)
				if err != nil {
					return err
				}
				if next, err = overlayFailover(next, data); err != nil {
					return fmt.Errorf("parse %s: %w", setFlags.File, err)
				}
			} else {
				next = mergeFailover(cmd, next)
			}

			applied, err := c.SetFailoverConfig(ctx, next)
			if err != nil {
				return err
			}
			pterm.Success.Println("Failover configuration applied")
			return yaml.NewEncoder(os.Stdout).Encode(applied)
		})
	},
}

var cleanupYes bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove the policy rules, marks and class routes of relay-netd",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cleanupYes {
			ok, err := pterm.DefaultInteractiveConfirm.
				WithDefaultText("Remove all policy routing state? Traffic classes fall back to the main table").
				Show()
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
		}
		return withClient(func(ctx context.Context, c *ipc.Client) error {
			if err := c.Cleanup(ctx); err != nil {
				return err
			}
			pterm.Success.Println("Policy routing state removed")
			return nil
		})
	},
}

func loopCommand(use, short string, call func(*ipc.Client, context.Context, service.Loop) error, done string) *cobra.Command {
	return &cobra.Command{
		Use:       use + " [sampler|scorer|failover|all]",
		Short:     short,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"sampler", "scorer", "failover", "all"},
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			loop, err := service.ParseLoop(name)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *ipc.Client) error {
				if err := call(c, ctx, loop); err != nil {
					return err
				}
				pterm.Success.Printfln("%s %s", loop, done)
				return nil
			})
		},
	}
}

var (
	startCmd = loopCommand("start", "Start control loops", func(c *ipc.Client, ctx context.Context, l service.Loop) error {
		return c.StartLoop(ctx, l)
	}, "started")
	stopCmd = loopCommand("stop", "Stop control loops", func(c *ipc.Client, ctx context.Context, l service.Loop) error {
		return c.StopLoop(ctx, l)
	}, "stopped")
)

func init() {
	watchCmd.Flags().BoolVar(&watchCompact, "compact", false, "One line per update instead of a full screen")
	logsCmd.Flags().StringVarP(&logsLevel, "level", "l", "info", "Lowest level to show: debug, info, warn or error")
	switchCmd.Flags().StringVarP(&switchReason, "reason", "r", "operator", "Reason recorded with the switch")
	cleanupCmd.Flags().BoolVarP(&cleanupYes, "yes", "y", false, "Do not ask for confirmation")

	f := configSetCmd.Flags()
	f.StringVarP(&setFlags.File, "file", "f", "", "YAML file with the failover fields to change")
	f.Float64Var(&setFlags.ThresholdMs, "threshold", 0, "Latency threshold in ms")
	f.IntVar(&setFlags.Window, "window", 0, "Consecutive bad samples before a switch")
	f.StringVar(&setFlags.Cooldown, "cooldown", "", "Minimum time between switches, e.g. 30s")
	f.StringVar(&setFlags.RestoreDelay, "restore-delay", "", "Good time on the preferred path before returning, 0s disables")
	f.StringVar(&setFlags.Preferred, "preferred", "", "Preferred path")
	for _, name := range fieldFlags {
		configSetCmd.MarkFlagsMutuallyExclusive("file", name)
	}

	configCmd.AddCommand(configGetCmd, configSetCmd)
}
