package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/wolfpack/internal/config"
	"github.com/zulandar/wolfpack/internal/player"
)

func newCheckCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file",
		Long:  "Loads the config, reports every validation problem, and prints the next scheduled auto-join switches.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "wolfpack.yaml", "path to Wolfpack config file")
	return cmd
}

// timeNow is the clock used for schedule previews. Allows test override.
var timeNow = time.Now

func runCheck(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Config OK: %d workers, %d chats, store %s\n", len(cfg.Workers), len(cfg.Chats), cfg.Store.Driver)

	now := timeNow().In(cfg.Location())
	for _, ch := range cfg.Chats {
		state := "on"
		if !ch.IsEnabled() {
			state = "off"
		}
		fmt.Fprintf(out, "  chat %s: auto-join %s, workers %d", ch.ID, state, ch.Workers)
		if next, ok := player.NextSwitch(ch.EnableCron, now); ok {
			fmt.Fprintf(out, ", next on %s", next.Format("2006-01-02 15:04"))
		}
		if next, ok := player.NextSwitch(ch.DisableCron, now); ok {
			fmt.Fprintf(out, ", next off %s", next.Format("2006-01-02 15:04"))
		}
		fmt.Fprintln(out)
	}
	return nil
}
