package cmd

import (
	"fmt"
	"os"

	"github.com/dstockto/labprep/runner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// VolumeCheck is the outcome of a dry run for one reagent.
type VolumeCheck struct {
	Reagent string
	Needed  float64
	Loaded  float64
	Wells   int
	Used    int
	OK      bool
}

// checkVolumes simulates the whole protocol without stopping at exhausted
// reagents and compares what each reagent needs with what is loaded.
func checkVolumes(rep *runner.Report) []VolumeCheck {
	var out []VolumeCheck
	for _, u := range rep.Reagents {
		out = append(out, VolumeCheck{
			Reagent: u.Name,
			Needed:  u.Needed(),
			Loaded:  u.Loaded(),
			Wells:   u.WellsAllocated,
			Used:    u.ActiveWell + 1,
			OK:      !u.Overrun && u.Needed() <= u.Loaded(),
		})
	}
	return out
}

var checkCmd = &cobra.Command{
	Use:   "check [protocol]",
	Short: "Check that every reagent reservoir holds enough for the run",
	Long: `Check simulates the protocol and reports, per reagent, the volume the run
needs against what the protocol loads into its reservoir wells.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		samples, _ := cmd.Flags().GetInt("samples")
		nonInteractive, _ := cmd.Flags().GetBool("non-interactive")

		found, err := resolveProtocol(args, nonInteractive)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		p := found.Protocol
		if samples > 0 {
			p.Samples = samples
		}

		r, err := runner.New(p, runner.NewSimulator(), runner.Options{
			Logger:    getLogger(),
			Floors:    resolveFloors(),
			Simulated: true,
		})
		if err != nil {
			return err
		}
		rep, err := r.Run(cmdContext(cmd))
		if err != nil {
			return fmt.Errorf("dry run failed: %w", err)
		}

		checks := checkVolumes(rep)
		fmt.Printf("%s (%d samples)\n\n", color.New(color.Bold).Sprint(p.Name), p.Samples)
		if len(checks) == 0 {
			fmt.Println("No tracked reagents.")
			return nil
		}

		fmt.Printf("%-14s %12s %12s %7s  %s\n", "Reagent", "Needed µl", "Loaded µl", "Wells", "Status")
		low := 0
		for _, c := range checks {
			status := color.GreenString("OK")
			if !c.OK {
				status = color.RedString("LOW")
				low++
			}
			fmt.Printf("%-14s %12.1f %12.1f %3d/%-3d  %s\n", TruncateFront(c.Reagent, 14), RoundAmount(c.Needed), RoundAmount(c.Loaded), c.Used, c.Wells, status)
		}

		if low > 0 {
			_, _ = fmt.Fprintf(os.Stderr, "\n%d reagent(s) short for %d samples\n", low, p.Samples)
			return fmt.Errorf("volume check failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().IntP("samples", "n", 0, "override the protocol's sample count")
	checkCmd.Flags().Bool("non-interactive", false, "never prompt")
}
