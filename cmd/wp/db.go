package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/wolfpack/internal/config"
	"github.com/zulandar/wolfpack/internal/db"
	"github.com/zulandar/wolfpack/internal/player"
	"github.com/zulandar/wolfpack/internal/store"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Store management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	cmd.AddCommand(newDBTokensCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the store tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "wolfpack.yaml", "path to Wolfpack config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Open(cfg.Store)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables (%s)\n", len(db.AllModels()), cfg.Store.Driver)
	return nil
}

func newDBTokensCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Show the last joined game token of every chat",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBTokens(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "wolfpack.yaml", "path to Wolfpack config file")
	return cmd
}

func runDBTokens(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	for _, id := range cfg.ChatIDs() {
		data, ok, err := st.Get(cmd.Context(), player.StoreKey(cfg.KeyPrefix, id))
		if err != nil {
			return err
		}
		token := "-"
		if ok {
			token = string(data)
		}
		fmt.Fprintf(out, "%-20s %s\n", id, token)
	}
	return nil
}

// openStore connects to and migrates the configured store.
func openStore(cfg *config.Config) (*store.Store, error) {
	gormDB, err := db.Open(cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return nil, err
	}
	return store.New(gormDB)
}
