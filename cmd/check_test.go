package cmd

import (
	"testing"

	"github.com/dstockto/labprep/runner"
	"github.com/google/go-cmp/cmp"
)

func TestCheckVolumes(t *testing.T) {
	rep := &runner.Report{Reagents: []runner.ReagentUsage{
		{Name: "MS2", Used: []float64{100, 100}, VolumePerWell: 1000, WellsAllocated: 1, DeadVolume: 50},
		{Name: "Beads", Used: []float64{900, 300}, ActiveWell: 1, VolumePerWell: 1000, WellsAllocated: 1, DeadVolume: 50},
		{Name: "Lysis", Used: []float64{100}, VolumePerWell: 1000, WellsAllocated: 2, Overrun: true},
	}}

	want := []VolumeCheck{
		{Reagent: "MS2", Needed: 250, Loaded: 1000, Wells: 1, Used: 1, OK: true},
		{Reagent: "Beads", Needed: 1300, Loaded: 1000, Wells: 1, Used: 2, OK: false},
		{Reagent: "Lysis", Needed: 100, Loaded: 2000, Wells: 2, Used: 1, OK: false},
	}
	if diff := cmp.Diff(want, checkVolumes(rep)); diff != "" {
		t.Errorf("checkVolumes() mismatch (-want +got):\n%s", diff)
	}
}
