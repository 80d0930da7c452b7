package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/towerview/tower/loader"
	"gopkg.in/yaml.v3"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent decode attempts from the journal",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loaderConfig()
		if err != nil {
			return err
		}
		if cfg.JournalPath == "" {
			return errors.New("no journal configured (use --journal or TOWER_JOURNAL)")
		}
		limit, _ := cmd.Flags().GetInt("limit")
		output, _ := cmd.Flags().GetString("output")

		j, err := loader.OpenJournal(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close() //nolint:errcheck

		records, err := j.Recent(limit)
		if err != nil {
			return err
		}
		total, failed, err := j.Counts()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		switch output {
		case "yaml":
			return yaml.NewEncoder(out).Encode(records)
		case "text":
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, r := range records {
				status := "ok"
				switch {
				case r.Error != "":
					status = "failed"
				case !r.Inserted:
					status = "discarded"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dx%d\t%s\n", r.LoadedAt.Format("2006-01-02 15:04:05"), //nolint:errcheck
					status, r.Priority, r.Path, r.Width, r.Height, r.Error)
			}
			tw.Flush() //nolint:errcheck
			fmt.Fprintf(out, "%d attempts, %d failed\n", total, failed) //nolint:errcheck
			return nil
		}
		return fmt.Errorf("unknown output %q (text or yaml)", output)
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().Int("limit", 20, "number of records to show")
	historyCmd.Flags().StringP("output", "o", "text", "output format (text or yaml)")
}
