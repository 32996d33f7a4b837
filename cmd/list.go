package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/sentinel-blur/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all persisted jobs in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runList(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) error {
	db, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	jobs, err := db.ListJobs(ctx)
	if err != nil {
		utils.ShowError("Failed to list jobs", err, nil)
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tFILE\tSTATUS\tPROGRESS\tFRAMES\tUPDATED")
	fmt.Fprintln(w, "--\t----\t------\t--------\t------\t-------")

	for _, j := range jobs {
		status := string(j.Status)
		if j.Error != "" {
			status += " (" + j.Error + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%d\t%s\n",
			j.ID, j.Info.Filename, status, j.Progress, j.Info.TotalFrames, j.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
