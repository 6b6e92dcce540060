package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dstockto/labprep/protocols"
	"github.com/spf13/cobra"
)

var newCmd = &cobra.Command{
	Use:   "new [filename]",
	Short: "Create a protocol file from a bundled template",
	Long: fmt.Sprintf(`Create a protocol file from a bundled template.

Templates: %s`, strings.Join(protocols.Names(), ", ")),
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tmpl, _ := cmd.Flags().GetString("template")
		samples, _ := cmd.Flags().GetInt("samples")
		moveToCentral, _ := cmd.Flags().GetBool("move")

		data, err := protocols.Template(tmpl)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		p, err := protocols.Parse(data)
		if err != nil {
			return err
		}

		filename := tmpl + ".yaml"
		if len(args) > 0 {
			filename = args[0]
			if !strings.HasSuffix(filename, ".yaml") && !strings.HasSuffix(filename, ".yml") {
				filename += ".yaml"
			}
			p.Name = ToProtocolName(filepath.Base(filename))
		}
		if samples > 0 {
			p.Samples = samples
		}

		if moveToCentral {
			dir := protocolsDir()
			if dir == "" {
				return fmt.Errorf("protocols_dir not configured, cannot create protocol there")
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create protocols directory: %w", err)
			}
			filename = filepath.Join(dir, filepath.Base(filename))
		}

		// Never overwrite an existing protocol
		if _, err := os.Stat(filename); err == nil {
			return fmt.Errorf("file %s already exists", filename)
		}

		if err := protocols.Save(filename, p); err != nil {
			return err
		}

		fmt.Printf("Created new protocol: %s (%s, %d samples)\n", FormatProtocolPath(filename), p.Name, p.Samples)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().StringP("template", "t", "station-c", "template to start from")
	newCmd.Flags().IntP("samples", "n", 0, "number of samples")
	newCmd.Flags().BoolP("move", "m", false, "Create the protocol in the central protocols directory")
}
