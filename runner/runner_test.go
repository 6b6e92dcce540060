package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dstockto/labprep/models"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kind(k EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// tubeProtocol transfers volume from a screwcap reagent (64 mm² wells) to one
// plate well per sample.
func tubeProtocol(samples int, wells []string, reservoirVolume, dead, volume float64) *models.ProtocolFile {
	return &models.ProtocolFile{
		Name:    "Tube test",
		Samples: samples,
		Labware: []models.Labware{
			{Name: "tubes", Slot: "2", Class: models.ClassScrewcap, Rows: 4, Columns: 6, Geometry: &models.Geometry{Shape: "square", Side: 8}},
			{Name: "plate", Slot: "1", Class: models.ClassPlate},
		},
		Pipettes: []models.Pipette{{Name: "p300", MaxVolume: 300, TipRacks: []string{"6"}}},
		Reagents: []models.Reagent{
			{Name: "MS2", Labware: "tubes", Wells: wells, ReservoirVolume: reservoirVolume, DeadVolume: dead},
		},
		Steps: []models.Step{
			{Description: "Transfer MS2", Kind: models.StepTransfer, Pipette: "p300", Reagent: "MS2", Destination: "plate", Volume: volume},
		},
	}
}

func aspiratesFrom(cmds []models.Command, labware string) []models.Command {
	var out []models.Command
	for _, c := range cmds {
		if c.Kind == models.CmdAspirate && c.Location != nil && c.Location.Labware == labware {
			out = append(out, c)
		}
	}
	return out
}

func TestRunPickupHeights(t *testing.T) {
	sim := NewSimulator()
	rec := &recorder{}
	r, err := New(tubeProtocol(3, []string{"A1"}, 2000, 50, 200), sim, Options{Observer: rec, RunID: "run-1"})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	var heights []float64
	for _, e := range rec.kind(EventAspirate) {
		heights = append(heights, e.Height)
		if e.RunID != "run-1" || e.Reagent != "MS2" {
			t.Errorf("unexpected event %+v", e)
		}
	}
	if diff := cmp.Diff([]float64{27.34375, 24.21875, 21.09375}, heights); diff != "" {
		t.Errorf("pickup heights mismatch (-want +got):\n%s", diff)
	}

	asp := aspiratesFrom(sim.Commands(), "tubes")
	if len(asp) != 3 {
		t.Fatalf("got %d reservoir aspirates, want 3", len(asp))
	}
	for i, c := range asp {
		if c.Location.Z != heights[i] || c.Location.From != models.Bottom || c.Location.Well != "A1" {
			t.Errorf("aspirate %d at %v", i+1, c.Location)
		}
	}

	if len(rep.Reagents) != 1 {
		t.Fatalf("got %d reagent usages, want 1", len(rep.Reagents))
	}
	u := rep.Reagents[0]
	if u.Total() != 600 || u.Remaining != 1400 || u.Needed() != 650 || u.Well != "A1" || u.Overrun {
		t.Errorf("usage = %+v", u)
	}
	if rep.Commands != len(sim.Commands()) {
		t.Errorf("report counts %d commands, driver saw %d", rep.Commands, len(sim.Commands()))
	}
	if sim.Count(models.CmdPickUpTip) != 1 || sim.Count(models.CmdDropTip) != 1 || rep.TipsUsed != 1 {
		t.Errorf("tips: %d picked up, %d dropped, %d used", sim.Count(models.CmdPickUpTip), sim.Count(models.CmdDropTip), rep.TipsUsed)
	}
	if len(rec.kind(EventFinished)) != 1 {
		t.Error("no finished event")
	}
}

func TestRunAdvancesToNextWell(t *testing.T) {
	sim := NewSimulator()
	rec := &recorder{}
	r, err := New(tubeProtocol(2, []string{"A1", "A2"}, 200, 5, 90), sim, Options{Observer: rec})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	asp := aspiratesFrom(sim.Commands(), "tubes")
	if len(asp) != 2 {
		t.Fatalf("got %d reservoir aspirates, want 2", len(asp))
	}
	if asp[0].Location.Well != "A1" || asp[1].Location.Well != "A2" {
		t.Errorf("aspirated from %s then %s, want A1 then A2", asp[0].Location.Well, asp[1].Location.Well)
	}
	for _, c := range asp {
		if c.Location.Z != 0.2 {
			t.Errorf("height %v, want screwcap floor 0.2", c.Location.Z)
		}
	}
	if n := len(rec.kind(EventWellAdvance)); n != 1 {
		t.Errorf("got %d well advance events, want 1", n)
	}
	if rep.Reagents[0].ActiveWell != 1 || rep.Reagents[0].Well != "A2" {
		t.Errorf("usage = %+v", rep.Reagents[0])
	}
}

func TestRunStrictExhaustion(t *testing.T) {
	r, err := New(tubeProtocol(3, []string{"A1", "A2"}, 200, 5, 90), NewSimulator(), Options{Strict: true})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	rep, err := r.Run(context.Background())
	if !errors.Is(err, ErrReagentExhausted) {
		t.Fatalf("Run() error = %v, want ErrReagentExhausted", err)
	}
	if rep == nil || len(rep.Reagents) != 1 || !rep.Reagents[0].Overrun {
		t.Errorf("report should flag the overrun: %+v", rep)
	}
}

func TestRunLenientReusesLastWell(t *testing.T) {
	sim := NewSimulator()
	r, err := New(tubeProtocol(3, []string{"A1", "A2"}, 200, 5, 90), sim, Options{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	asp := aspiratesFrom(sim.Commands(), "tubes")
	if len(asp) != 3 || asp[2].Location.Well != "A2" {
		t.Errorf("third aspirate should reuse A2: %v", asp)
	}
	u := rep.Reagents[0]
	if !u.Overrun || u.ActiveWell != 2 || u.Well != "" {
		t.Errorf("usage = %+v", u)
	}
	if u.Needed() <= u.Loaded() {
		t.Errorf("needed %v should exceed loaded %v", u.Needed(), u.Loaded())
	}
}

func TestRunPausesForTipRacks(t *testing.T) {
	p := tubeProtocol(3, []string{"A1"}, 2000, 50, 20)
	p.Pipettes[0].TipsPerRack = 2
	p.Steps[0].NewTip = models.NewTipAlways

	var messages []string
	sim := NewSimulator()
	r, err := New(p, sim, Options{
		Pauser: PauserFunc(func(ctx context.Context, message string) error {
			messages = append(messages, message)
			return nil
		}),
		Lights: Lights{Running: []float64{0.5, 0, 0.5}, Paused: []float64{1, 0, 0}},
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if diff := cmp.Diff([]string{"Replace 300µl tipracks before resuming."}, messages); diff != "" {
		t.Errorf("pause messages mismatch:\n%s", diff)
	}
	if sim.Count(models.CmdPause) != 1 {
		t.Errorf("got %d pause commands, want 1", sim.Count(models.CmdPause))
	}
	if sim.Count(models.CmdPickUpTip) != 3 || rep.TipsUsed != 3 {
		t.Errorf("got %d pick ups and %d tips used, want 3", sim.Count(models.CmdPickUpTip), rep.TipsUsed)
	}
	// running at start, paused, running again on resume
	if sim.Count(models.CmdLight) != 3 {
		t.Errorf("got %d light commands, want 3", sim.Count(models.CmdLight))
	}
}

func TestRunPauseAbort(t *testing.T) {
	p := tubeProtocol(1, []string{"A1"}, 2000, 50, 20)
	p.Steps = append([]models.Step{{Description: "Load plate", Kind: models.StepPause, Message: "Load the plate"}}, p.Steps...)

	stop := errors.New("operator said no")
	r, err := New(p, NewSimulator(), Options{
		Pauser: PauserFunc(func(ctx context.Context, message string) error { return stop }),
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	_, err = r.Run(context.Background())
	if !errors.Is(err, stop) {
		t.Errorf("Run() error = %v, want the pauser's error", err)
	}
}

func TestRunSkipsDisabledSteps(t *testing.T) {
	p := tubeProtocol(2, []string{"A1"}, 2000, 50, 20)
	off := false
	p.Steps = append(p.Steps, models.Step{Description: "Second transfer", Kind: models.StepTransfer, Execute: &off, Pipette: "p300", Reagent: "MS2", Destination: "plate", Volume: 20})

	clock := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	now := func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	sim := NewSimulator()
	r, err := New(p, sim, Options{Now: now})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	rep, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(rep.Steps) != 2 {
		t.Fatalf("got %d step timings, want 2", len(rep.Steps))
	}
	if !rep.Steps[0].Executed || rep.Steps[1].Executed {
		t.Errorf("executed flags = %v, %v", rep.Steps[0].Executed, rep.Steps[1].Executed)
	}
	if rep.Steps[0].Duration <= 0 || rep.Steps[1].Duration != 0 {
		t.Errorf("durations = %v, %v", rep.Steps[0].Duration, rep.Steps[1].Duration)
	}
	if len(aspiratesFrom(sim.Commands(), "tubes")) != 2 {
		t.Errorf("disabled step aspirated")
	}
	if rep.Duration() <= 0 {
		t.Errorf("Duration() = %v", rep.Duration())
	}
}

func TestRunWaitTimeAddsDelay(t *testing.T) {
	p := tubeProtocol(1, []string{"A1"}, 2000, 50, 20)
	p.Steps[0].WaitTime = 30
	sim := NewSimulator()
	r, err := New(p, sim, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	var delays []float64
	for _, c := range sim.Commands() {
		if c.Kind == models.CmdDelay {
			delays = append(delays, c.Seconds)
		}
	}
	if diff := cmp.Diff([]float64{30}, delays); diff != "" {
		t.Errorf("delays mismatch:\n%s", diff)
	}
}

func TestRunCanceled(t *testing.T) {
	r, err := New(tubeProtocol(2, []string{"A1"}, 2000, 50, 20), NewSimulator(), Options{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := r.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if rep == nil || rep.Commands != 0 {
		t.Errorf("canceled run report = %+v", rep)
	}
}

func TestNewRejectsInvalidProtocol(t *testing.T) {
	p := tubeProtocol(0, []string{"A1"}, 2000, 50, 20)
	if _, err := New(p, NewSimulator(), Options{}); err == nil {
		t.Error("expected an error for zero samples")
	}
	p = tubeProtocol(1, []string{"A1"}, 2000, 50, 20)
	p.Steps[0].Kind = models.StepDistribute
	p.Steps[0].PerAspirate = -1
	if _, err := New(p, NewSimulator(), Options{}); err == nil {
		t.Error("expected an error for a negative per_aspirate")
	}
	p = tubeProtocol(1, []string{"A1"}, 2000, 50, 20)
	p.Pipettes[0].Channels = -8
	if _, err := New(p, NewSimulator(), Options{}); err == nil {
		t.Error("expected an error for negative channels")
	}
	if _, err := New(nil, NewSimulator(), Options{}); err == nil {
		t.Error("expected an error for a nil protocol")
	}
	if _, err := New(tubeProtocol(1, []string{"A1"}, 2000, 50, 20), nil, Options{}); err == nil {
		t.Error("expected an error for a nil driver")
	}
}

func TestMultichannelDestinations(t *testing.T) {
	p := tubeProtocol(12, []string{"A1"}, 20000, 50, 10)
	p.Pipettes[0].Channels = 8
	sim := NewSimulator()
	rec := &recorder{}
	r, err := New(p, sim, Options{Observer: rec})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	var wells []string
	for _, c := range sim.Commands() {
		if c.Kind == models.CmdDispense && c.Location != nil && c.Location.Labware == "plate" {
			wells = append(wells, c.Location.Well)
		}
	}
	if diff := cmp.Diff([]string{"A1", "A2"}, wells); diff != "" {
		t.Errorf("dispense wells mismatch:\n%s", diff)
	}
	// every aspirate takes volume for all eight channels
	for _, e := range rec.kind(EventAspirate) {
		if e.Volume != 80 {
			t.Errorf("booked %v, want 80", e.Volume)
		}
	}
}

func TestWellAdvanceIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	r, err := New(tubeProtocol(2, []string{"A1", "A2"}, 200, 5, 90), NewSimulator(), Options{Logger: zap.New(core)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	advances := logs.FilterMessage("Next reservoir well picked").All()
	if len(advances) != 1 {
		t.Fatalf("got %d well advance log lines, want 1", len(advances))
	}
	fields := advances[0].ContextMap()
	if fields["reagent"] != "MS2" || fields["current"] != int64(1) {
		t.Errorf("log fields = %v", fields)
	}
	if logs.FilterMessage("Pickup height").Len() != 2 {
		t.Errorf("expected a debug line per aspirate")
	}
}

func TestTimeLogRoundTrip(t *testing.T) {
	rep := &Report{Steps: []StepTiming{
		{Number: 1, Description: "Mix beads", Executed: true, Duration: 90 * time.Second},
		{Number: 2, Description: "Transfer beads", Executed: true, WaitTime: 30, Duration: 1500 * time.Millisecond},
		{Number: 3, Description: "Add MS2", Executed: false},
	}}

	var buf bytes.Buffer
	if err := rep.WriteTimeLog(&buf); err != nil {
		t.Fatalf("WriteTimeLog() error: %v", err)
	}
	lines := strings.Split(buf.String(), "\n")
	if lines[0] != "STEP\texecution\tdescription\twait_time\texecution_time" {
		t.Errorf("header = %q", lines[0])
	}
	if lines[3] != "3\tfalse\tAdd MS2\t0\t" {
		t.Errorf("skipped step line = %q", lines[3])
	}

	got, err := ReadTimeLog(&buf)
	if err != nil {
		t.Fatalf("ReadTimeLog() error: %v", err)
	}
	if diff := cmp.Diff(rep.Steps, got); diff != "" {
		t.Errorf("time log mismatch (-want +got):\n%s", diff)
	}
}

func TestReadTimeLogErrors(t *testing.T) {
	tests := map[string]string{
		"empty":     "",
		"bad step":  "STEP\texecution\tdescription\twait_time\texecution_time\nx\ttrue\tMix\t0\t1s\n",
		"bad flag":  "STEP\texecution\tdescription\twait_time\texecution_time\n1\tmaybe\tMix\t0\t1s\n",
		"bad time":  "STEP\texecution\tdescription\twait_time\texecution_time\n1\ttrue\tMix\t0\tsoon\n",
		"bad width": "STEP\texecution\n1\ttrue\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ReadTimeLog(strings.NewReader(in)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
