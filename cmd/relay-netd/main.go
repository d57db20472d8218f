// Command relay-netd is the network control daemon: it samples every uplink,
// scores the cellular link, switches the primary path and keeps the policy
// routing in place.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"relay-netctl/internal/core"
	"relay-netctl/internal/routing"
)

// Build info, injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	noRouting  bool
	noAutoRun  bool
)

var rootCmd = &cobra.Command{
	Use:           "relay-netd",
	Short:         "Network control daemon for cellular video relays",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		app := newApp(appOptions{ConfigPath: configPath, NoRouting: noRouting, AutoStart: !noAutoRun})

		startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := app.Start(startCtx); err != nil {
			return fmt.Errorf("[Core] startup failed: %w", err)
		}
		core.Log.Infof("Core", "relay-netd %s running", version)

		sig := <-app.Wait()
		core.Log.Infof("Core", "Received %s, shutting down", sig.Signal)

		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			return fmt.Errorf("[Core] shutdown: %w", err)
		}
		core.Log.Infof("Core", "Shutdown complete")
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file and print the resolved setup",
	RunE: func(cmd *cobra.Command, args []string) error {
		cm := core.NewConfigManager(configPath, nil)
		if err := cm.Load(); err != nil {
			return err
		}
		cfg := cm.Get()

		paths := pterm.TableData{{"Path", "Interface", "Kind", "Gateway", "Cellular"}}
		for _, p := range cfg.Paths {
			gw := p.Gateway
			if gw == "" {
				gw = "auto"
			}
			paths = append(paths, []string{p.Name, p.Interface, p.Kind, gw, fmt.Sprint(p.Cellular)})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(paths).Render(); err != nil {
			return err
		}

		classes, err := routing.ClassesFromConfig(cfg.Routing.Classes)
		if err != nil {
			return err
		}
		rows := pterm.TableData{{"Class", "Mark", "Table", "Priority", "Rules"}}
		for _, c := range classes {
			rows = append(rows, []string{string(c.Class), fmt.Sprintf("0x%x", c.Mark), fmt.Sprint(c.Table),
				fmt.Sprint(c.Priority), fmt.Sprint(len(c.Match))})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}
		pterm.Success.Printfln("%s is valid", configPath)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relay-netd %s (commit=%s, built=%s)\n", version, commit, buildDate)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/relay-netd/config.yaml", "Path to configuration file")
	runCmd.Flags().BoolVar(&noRouting, "no-routing", false, "Observe only, never touch routes or rules")
	runCmd.Flags().BoolVar(&noAutoRun, "no-autostart", false, "Do not start the control loops; wait for relay-netctl start")
	rootCmd.AddCommand(runCmd, checkCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
