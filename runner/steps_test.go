package runner

import (
	"context"
	"testing"

	"github.com/dstockto/labprep/models"
	"github.com/google/go-cmp/cmp"
)

const pip = "p300"

func bottom(labware, well string, z float64) *models.Location {
	l := models.BottomOf(labware, well, z)
	return &l
}

func top(labware, well string, z float64) *models.Location {
	l := models.TopOf(labware, well, z)
	return &l
}

func aspirate(vol float64, at *models.Location) models.Command {
	return models.Command{Kind: models.CmdAspirate, Pipette: pip, Volume: vol, Location: at, Rate: 1}
}

func dispense(vol float64, at *models.Location) models.Command {
	return models.Command{Kind: models.CmdDispense, Pipette: pip, Volume: vol, Location: at, Rate: 1}
}

func blowOut(at *models.Location) models.Command {
	return models.Command{Kind: models.CmdBlowOut, Pipette: pip, Location: at}
}

var (
	pickUpTip = models.Command{Kind: models.CmdPickUpTip, Pipette: pip}
	dropTip   = models.Command{Kind: models.CmdDropTip, Pipette: pip}
)

// mixed is the command block of a mix: a 1µl pre-aspirate, the rounds
// drawn at 3 mm and returned at height, then the 1µl back and a blow-out.
func mixed(labware, well string, vol float64, rounds int, height float64) []models.Command {
	low, high := bottom(labware, well, 3), bottom(labware, well, height)
	out := []models.Command{aspirate(1, low)}
	for i := 0; i < rounds; i++ {
		out = append(out, aspirate(vol, low), dispense(vol, high))
	}
	return append(out, dispense(1, high), blowOut(top(labware, well, -2)))
}

// liquidCommands drops comments, which only label steps.
func liquidCommands(cmds []models.Command) []models.Command {
	var out []models.Command
	for _, c := range cmds {
		if c.Kind != models.CmdComment {
			out = append(out, c)
		}
	}
	return out
}

func runSteps(t *testing.T, p *models.ProtocolFile, rec *recorder) (*Report, []models.Command) {
	t.Helper()
	sim := NewSimulator()
	opts := Options{Strict: true}
	if rec != nil {
		opts.Observer = rec
	}
	r, err := New(p, sim, opts)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	return rep, liquidCommands(sim.Commands())
}

func bookedVolumes(rec *recorder) []float64 {
	var out []float64
	for _, e := range rec.kind(EventAspirate) {
		out = append(out, e.Volume)
	}
	return out
}

func TestMixStepCommands(t *testing.T) {
	p := tubeProtocol(1, []string{"A1"}, 2000, 50, 20)
	p.Steps = []models.Step{
		{Description: "Mix MS2", Kind: models.StepMix, Pipette: pip, Reagent: "MS2", Rounds: 2, MixVolume: 100, MixHeight: 5},
		{Description: "Mix MS2 again", Kind: models.StepMix, Pipette: pip, Reagent: "MS2", Rounds: 1, MixVolume: 100},
	}

	_, got := runSteps(t, p, nil)

	want := []models.Command{
		pickUpTip,
		aspirate(1, bottom("tubes", "A1", 3)),
		aspirate(100, bottom("tubes", "A1", 3)),
		dispense(100, bottom("tubes", "A1", 5)),
		aspirate(100, bottom("tubes", "A1", 3)),
		dispense(100, bottom("tubes", "A1", 5)),
		dispense(1, bottom("tubes", "A1", 5)),
		blowOut(top("tubes", "A1", -2)),
		// the tip from the first mix is reused
		aspirate(1, bottom("tubes", "A1", 3)),
		aspirate(100, bottom("tubes", "A1", 3)),
		dispense(100, bottom("tubes", "A1", 3)),
		dispense(1, bottom("tubes", "A1", 3)),
		blowOut(top("tubes", "A1", -2)),
		dropTip,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mix commands mismatch (-want +got):\n%s", diff)
	}
}

func TestTransferRinseMixOnAdvanceAndMixAfter(t *testing.T) {
	p := tubeProtocol(2, []string{"A1", "A2"}, 400, 10, 0)
	p.Reagents[0].Rinse = true
	p.Steps[0].Volumes = []float64{60, 60}
	p.Steps[0].MixOnAdvance = true
	p.Steps[0].Rounds = 3
	p.Steps[0].MixVolume = 50
	p.Steps[0].MixAfter = 2
	p.Steps[0].MixAfterAt = 4

	rec := &recorder{}
	rep, got := runSteps(t, p, rec)

	carry := func(from *models.Location, dest string) []models.Command {
		return []models.Command{
			aspirate(60, from),
			dispense(60, top("plate", dest, -2)),
			blowOut(top("plate", dest, -2)),
		}
	}
	var want []models.Command
	want = append(want, pickUpTip)
	// first destination: rinse before the first volume only
	want = append(want, mixed("tubes", "A1", 60, 2, 3)...)
	want = append(want, carry(bottom("tubes", "A1", 2.03125), "A1")...)
	want = append(want, carry(bottom("tubes", "A1", 1.09375), "A1")...)
	want = append(want, mixed("plate", "A1", 50, 2, 4)...)
	// second destination: rinse again, then A1 runs dry and A2 is mixed before use
	want = append(want, mixed("tubes", "A1", 60, 2, 3)...)
	want = append(want, carry(bottom("tubes", "A1", 0.2), "B1")...)
	want = append(want, mixed("tubes", "A2", 50, 3, 3)...)
	want = append(want, carry(bottom("tubes", "A2", 2.03125), "B1")...)
	want = append(want, mixed("plate", "B1", 50, 2, 4)...)
	want = append(want, dropTip)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("transfer commands mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{60, 60, 60, 60}, bookedVolumes(rec)); diff != "" {
		t.Errorf("booked volumes mismatch:\n%s", diff)
	}
	u := rep.Reagents[0]
	if u.ActiveWell != 1 || u.Remaining != 140 || u.Overrun {
		t.Errorf("usage = %+v", u)
	}
}

// distributeProtocol spreads Beads from a 12 column reservoir (100 mm² wells,
// 10 ml per well) to one plate column per eight samples.
func distributeProtocol(samples int, volume, extra float64, perAspirate int) *models.ProtocolFile {
	return &models.ProtocolFile{
		Name:    "Distribute test",
		Samples: samples,
		Labware: []models.Labware{
			{Name: "res", Slot: "2", Class: models.ClassReservoir, Rows: 1, Columns: 12, Geometry: &models.Geometry{Shape: "square", Side: 10}},
			{Name: "plate", Slot: "1", Class: models.ClassDeepwell},
		},
		Pipettes: []models.Pipette{{Name: pip, Channels: 8, MaxVolume: 300, TipRacks: []string{"4"}}},
		Reagents: []models.Reagent{
			{Name: "Beads", Labware: "res", Wells: []string{"A1", "A2"}, ReservoirVolume: 20000, DeadVolume: 100},
		},
		Steps: []models.Step{
			{Description: "Add beads", Kind: models.StepDistribute, Pipette: pip, Reagent: "Beads", Destination: "plate", Volume: volume, ExtraVolume: extra, PerAspirate: perAspirate},
		},
	}
}

func TestDistributeGroupsMultichannel(t *testing.T) {
	rec := &recorder{}
	rep, got := runSteps(t, distributeProtocol(24, 100, 20, 2), rec)

	airGap := func() models.Command {
		return models.Command{Kind: models.CmdAspirate, Pipette: pip, Volume: 5}
	}
	load := func(total, height float64) []models.Command {
		return []models.Command{
			aspirate(total, bottom("res", "A1", height)),
			{Kind: models.CmdTouchTip, Pipette: pip, Speed: 20, VOffset: -5},
			{Kind: models.CmdMoveTo, Pipette: pip, Location: top("res", "A1", 5)},
			airGap(),
		}
	}
	drop := func(well string) []models.Command {
		return []models.Command{
			{Kind: models.CmdDispense, Pipette: pip, Volume: 5, Location: top("plate", well, 0)},
			dispense(100, bottom("plate", well, 1)),
			{Kind: models.CmdMoveTo, Pipette: pip, Location: top("plate", well, 5)},
			airGap(),
		}
	}

	var want []models.Command
	want = append(want, pickUpTip)
	want = append(want, load(220, 81.4)...)
	want = append(want, drop("A1")...)
	want = append(want, drop("A2")...)
	want = append(want, blowOut(top("res", "A1", -2)))
	want = append(want, load(120, 71.8)...)
	want = append(want, drop("A3")...)
	want = append(want, blowOut(top("res", "A1", -2)), dropTip)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("distribute commands mismatch (-want +got):\n%s", diff)
	}
	// each aspirate is drawn by all eight channels
	if diff := cmp.Diff([]float64{1760, 960}, bookedVolumes(rec)); diff != "" {
		t.Errorf("booked volumes mismatch:\n%s", diff)
	}
	if u := rep.Reagents[0]; u.Remaining != 7280 || u.Total() != 2720 {
		t.Errorf("usage = %+v", u)
	}
}

func TestDistributeBooksLikeTransfer(t *testing.T) {
	dist := distributeProtocol(16, 100, 0, 1)

	trans := distributeProtocol(16, 100, 0, 1)
	trans.Steps[0].Kind = models.StepTransfer
	trans.Steps[0].PerAspirate = 0

	distRep, _ := runSteps(t, dist, nil)
	transRep, _ := runSteps(t, trans, nil)

	d, tr := distRep.Reagents[0], transRep.Reagents[0]
	if d.Total() != 1600 || d.Total() != tr.Total() || d.Remaining != tr.Remaining {
		t.Errorf("distribute booked %v (remaining %v), transfer booked %v (remaining %v)",
			d.Total(), d.Remaining, tr.Total(), tr.Remaining)
	}
}

func TestSampleTransferCommands(t *testing.T) {
	p := &models.ProtocolFile{
		Name:    "Samples test",
		Samples: 2,
		Labware: []models.Labware{
			{Name: "samples", Slot: "1", Class: models.ClassPlate},
			{Name: "plate", Slot: "2", Class: models.ClassDeepwell},
		},
		Pipettes: []models.Pipette{{Name: pip, MaxVolume: 300, TipRacks: []string{"3"}}},
		Reagents: []models.Reagent{{Name: "Samples"}},
		Steps: []models.Step{
			{Description: "Move samples", Kind: models.StepSampleTransfer, Pipette: pip, Reagent: "Samples", Source: "samples", Destination: "plate", Volume: 50, MixAfter: 1},
		},
	}

	rec := &recorder{}
	rep, got := runSteps(t, p, rec)

	var want []models.Command
	for _, well := range []string{"A1", "B1"} {
		want = append(want,
			pickUpTip,
			aspirate(50, bottom("samples", well, 1)),
			dispense(50, top("plate", well, -2)),
			blowOut(top("plate", well, -2)),
		)
		want = append(want, mixed("plate", well, 50, 1, 3)...)
		want = append(want,
			models.Command{Kind: models.CmdAspirate, Pipette: pip, Volume: 5, Location: top("plate", well, 2)},
			dropTip,
		)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sample transfer commands mismatch (-want +got):\n%s", diff)
	}
	if len(rec.kind(EventAspirate)) != 0 || len(rep.Reagents) != 0 {
		t.Errorf("sample transfer should not touch any reservoir: %+v", rep.Reagents)
	}
	if rep.TipsUsed != 2 {
		t.Errorf("TipsUsed = %d, want a new tip per sample", rep.TipsUsed)
	}
}
