package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/wolfpack/internal/config"
)

func newJoinsCmd() *cobra.Command {
	var (
		configPath string
		chatID     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "joins",
		Short: "List recent join cycles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoins(cmd, configPath, chatID, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "wolfpack.yaml", "path to Wolfpack config file")
	cmd.Flags().StringVar(&chatID, "chat", "", "only show this chat")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum rows")
	return cmd
}

func runJoins(cmd *cobra.Command, configPath, chatID string, limit int) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	recs, err := st.RecentJoins(cmd.Context(), chatID, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No joins recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCHAT\tTOKEN\tWORKERS")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", r.CreatedAt.Format("2006-01-02 15:04:05"), r.ChatID, r.Token, r.Workers)
	}
	return w.Flush()
}
