package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dstockto/labprep/db"
	"github.com/dstockto/labprep/runner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func openHistory() (*db.Client, error) {
	path := databasePath()
	if path == "" {
		return nil, fmt.Errorf("database not configured")
	}
	return db.NewClient(path)
}

var historyCmd = &cobra.Command{
	Use:     "history",
	Aliases: []string{"h"},
	Short:   "List recorded runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		cmd.SilenceUsage = true

		store, err := openHistory()
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()

		runs, err := store.ListRuns(limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		for _, r := range runs {
			mode := color.GreenString("robot")
			if r.Simulated {
				mode = color.HiBlackString("sim")
			}
			fmt.Printf("%s  %s  %-5s  %3d samples  %8s  %s\n",
				color.CyanString(shortID(r.ID)), r.Started.Local().Format("2006-01-02 15:04"), mode,
				r.Samples, r.Duration().Round(time.Second), r.Protocol)
		}
		return nil
	},
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run id>",
	Short: "Show the steps and reagent usage of a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		store, err := openHistory()
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()

		rec, err := store.GetRun(args[0])
		if err != nil {
			if errors.Is(err, db.ErrRunNotFound) {
				return fmt.Errorf("no run matches %q", args[0])
			}
			return err
		}

		fmt.Printf("%s %s\n", color.New(color.Bold).Sprint(rec.Protocol), color.HiBlackString("(%s)", rec.ID))
		fmt.Printf("  %d samples, started %s, took %s, %d commands, %d tips\n\n",
			rec.Samples, rec.Started.Local().Format(time.DateTime), rec.Duration().Round(time.Second), rec.Commands, rec.TipsUsed)

		for _, s := range rec.Steps {
			took := color.HiBlackString("skipped")
			if s.Executed {
				took = s.Duration.Round(time.Millisecond).String()
			}
			fmt.Printf("  %2d. %-40s %s\n", s.Number, TruncateFront(s.Description, 40), took)
		}

		if len(rec.Reagents) > 0 {
			fmt.Println()
			fmt.Printf("  %-14s %10s %10s %10s %6s\n", "Reagent", "Used µl", "Needed µl", "Left µl", "Well")
			for _, r := range rec.Reagents {
				line := fmt.Sprintf("  %-14s %10.1f %10.1f %10.1f %6d", TruncateFront(r.Name, 14), RoundAmount(r.Used), RoundAmount(r.Needed), RoundAmount(r.Remaining), r.ActiveWell+1)
				if r.Overrun {
					line = color.RedString(line + " OVERRUN")
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export <run id>",
	Short: "Export the time log of a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		toS3, _ := cmd.Flags().GetBool("s3")
		cmd.SilenceUsage = true

		store, err := openHistory()
		if err != nil {
			return err
		}
		defer func() {
			_ = store.Close()
		}()

		rec, err := store.GetRun(args[0])
		if err != nil {
			return err
		}
		rep := &runner.Report{
			RunID:    rec.ID,
			Protocol: rec.Protocol,
			Samples:  rec.Samples,
			Started:  rec.Started,
			Finished: rec.Finished,
			Steps:    rec.Steps,
		}

		if toS3 {
			uri, err := uploadTimeLog(cmdContext(cmd), rep)
			if err != nil {
				return err
			}
			fmt.Printf("Time log uploaded to %s\n", uri)
			return nil
		}

		if out == "" || out == "-" {
			return rep.WriteTimeLog(os.Stdout)
		}
		if err := writeTimeLogFile(out, rep); err != nil {
			return err
		}
		fmt.Printf("Time log written to %s\n", out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyExportCmd)
	historyCmd.Flags().IntP("limit", "l", 20, "number of runs to list")
	historyExportCmd.Flags().StringP("out", "o", "", "file to write the time log to (default stdout)")
	historyExportCmd.Flags().Bool("s3", false, "upload the time log to the configured S3 bucket")
}
