package cmd

import (
	"fmt"
	"strconv"

	"github.com/dstockto/labprep/models"
	"github.com/dstockto/labprep/protocols"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var heightCmd = &cobra.Command{
	Use:   "height [volume...]",
	Short: "Print the pickup height sequence for a reservoir",
	Long: `Print the pickup height for a sequence of aspirates from one reservoir.

The reservoir comes from --protocol and --reagent, or from the geometry flags.
Volumes may be given as arguments, or as --aspirate with --count.`,
	Example: `  labprep height --shape circle --diameter 8.25 --volume 2000 --dead 50 200 200 200
  labprep height --protocol kf.yaml --reagent Beads --aspirate 130 --count 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		aspirate, _ := cmd.Flags().GetFloat64("aspirate")
		count, _ := cmd.Flags().GetInt("count")

		volumes := make([]float64, 0, len(args))
		for _, a := range args {
			v, err := strconv.ParseFloat(a, 64)
			if err != nil || v < 0 {
				return fmt.Errorf("invalid volume %q", a)
			}
			volumes = append(volumes, v)
		}
		if aspirate > 0 {
			if count <= 0 {
				count = 1
			}
			for i := 0; i < count; i++ {
				volumes = append(volumes, aspirate)
			}
		}
		if len(volumes) == 0 {
			return fmt.Errorf("no volumes given")
		}

		res, wells, err := reservoirFromFlags(cmd.Flags())
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		fmt.Println(res)
		if res.DeadVolume > 0 {
			fmt.Printf("Dead volume cone: %.2f mm\n", res.ConeHeight())
		}
		fmt.Printf("%4s %10s %6s %10s %12s\n", "#", "Volume", "Well", "Height", "Remaining")
		for i, v := range volumes {
			h, advanced := res.PickupHeight(v)
			well := fmt.Sprintf("%d", res.ActiveWell+1)
			if wells > 0 && res.ActiveWell >= wells {
				well = color.RedString("%s!", well)
			}
			line := fmt.Sprintf("%4d %10.1f %6s %10.2f %12.1f", i+1, v, well, h, res.Remaining)
			if advanced {
				line = color.YellowString(line + "  next well")
			}
			fmt.Println(line)
		}
		return nil
	},
}

// reservoirFromFlags builds a reservoir tracker from --protocol/--reagent or
// from explicit geometry. wells is the number of allocated wells, 0 when
// unlimited.
func reservoirFromFlags(flags *pflag.FlagSet) (*models.Reservoir, int, error) {
	protocolFile, _ := flags.GetString("protocol")
	reagent, _ := flags.GetString("reagent")

	if protocolFile != "" {
		if reagent == "" {
			return nil, 0, fmt.Errorf("--reagent is required with --protocol")
		}
		p, err := protocols.Load(protocolFile)
		if err != nil {
			return nil, 0, err
		}
		res, err := p.NewReservoir(reagent, resolveFloors())
		if err != nil {
			return nil, 0, err
		}
		rg, _ := p.FindReagent(reagent)
		return res, len(rg.Wells), nil
	}

	shape, _ := flags.GetString("shape")
	side, _ := flags.GetFloat64("side")
	diameter, _ := flags.GetFloat64("diameter")
	length, _ := flags.GetFloat64("length")
	width, _ := flags.GetFloat64("width")
	volume, _ := flags.GetFloat64("volume")
	dead, _ := flags.GetFloat64("dead")
	floor, _ := flags.GetFloat64("floor")
	class, _ := flags.GetString("class")
	wells, _ := flags.GetInt("wells")

	g := models.Geometry{Shape: shape, Side: side, Diameter: diameter, Length: length, Width: width}
	area, err := g.CrossSectionArea()
	if err != nil {
		return nil, 0, err
	}
	if floor <= 0 {
		floor = resolveFloors()[class]
	}
	if reagent == "" {
		reagent = "reagent"
	}
	res, err := models.NewReservoir(models.ReservoirConfig{
		Name:          reagent,
		VolumePerWell: volume,
		DeadVolume:    dead,
		CrossSection:  area,
		MinHeight:     floor,
	})
	if err != nil {
		return nil, 0, err
	}
	return res, wells, nil
}

func addReservoirFlags(flags *pflag.FlagSet) {
	flags.String("protocol", "", "protocol file to take the reservoir from")
	flags.String("reagent", "", "reagent name")
	flags.String("shape", "circle", "well cross-section: square, circle or rect")
	flags.Float64("side", 0, "square well side in mm")
	flags.Float64("diameter", 0, "circular well diameter in mm")
	flags.Float64("length", 0, "rectangular well length in mm")
	flags.Float64("width", 0, "rectangular well width in mm")
	flags.Float64("volume", 0, "volume loaded per well in µl")
	flags.Float64("dead", 0, "dead volume per well in µl")
	flags.Float64("floor", 0, "minimum pickup height in mm (default from --class)")
	flags.String("class", "screwcap", "labware class: deepwell, reservoir, screwcap or plate")
	flags.Int("wells", 0, "number of wells allocated (0 for unlimited)")
}

func init() {
	rootCmd.AddCommand(heightCmd)
	addReservoirFlags(heightCmd.Flags())
	heightCmd.Flags().Float64("aspirate", 0, "volume per aspirate in µl")
	heightCmd.Flags().Int("count", 1, "number of aspirates of --aspirate")
}
