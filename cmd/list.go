package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List discovered protocols and their steps",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		showSteps, _ := cmd.Flags().GetBool("steps")

		found, err := discoverProtocols()
		if err != nil {
			return err
		}

		if len(found) == 0 {
			fmt.Println("No protocols found.")
			return nil
		}

		for _, p := range found {
			fmt.Printf("%s %s\n", color.New(color.Bold).Sprint(p.Protocol.Name), color.HiBlackString("(%s)", p.DisplayName))
			fmt.Printf("  %d samples, %d/%d steps enabled, %d reagents\n",
				p.Protocol.Samples, p.Protocol.EnabledSteps(), len(p.Protocol.Steps), len(p.Protocol.Reagents))
			if showSteps {
				for i, s := range p.Protocol.Steps {
					mark := color.GreenString("✔")
					if !s.Enabled() {
						mark = color.HiBlackString("-")
					}
					fmt.Printf("  %s %2d. %s [%s]\n", mark, i+1, s.Description, s.Kind)
				}
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().BoolP("steps", "s", false, "Show the steps of each protocol")
}
