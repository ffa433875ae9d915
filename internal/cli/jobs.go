package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/calm-listener/platform/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Print recent analysis jobs",
		RunE:  runJobs,
	}
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	RootCmd.AddCommand(cmd)
}

func runJobs(cmd *cobra.Command, _ []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	jobs, err := db.RecentJobs(cmd.Context(), limit)
	if err != nil {
		return err
	}
	b, _ := json.MarshalIndent(jobs, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
