// Package runner turns a protocol file into liquid-handler commands.
//
// Steps run strictly in order on a single goroutine. Reagent reservoirs are
// tracked with models.Reservoir so that every aspirate from a reservoir is
// issued at a height just below the current liquid level.
package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dstockto/labprep/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrReagentExhausted is returned when a reagent needs more wells than were
// allocated to it in the protocol.
var ErrReagentExhausted = errors.New("reagent exhausted")

const (
	mixSourceHeight  = 3.0
	distributeAirGap = 5.0
	touchTipSpeed    = 20.0
	touchTipVOffset  = -5.0
	defaultPickup    = 1.0
)

// Lights holds status light colours as 0..1 RGB triples. Nil entries are skipped.
type Lights struct {
	Running  []float64
	Paused   []float64
	Finished []float64
}

type Options struct {
	Logger   *zap.Logger
	Observer Observer
	Pauser   Pauser
	Lights   Lights
	// Floors overrides the default pickup floor per labware class.
	Floors map[string]float64
	// Strict makes running past the allocated reservoir wells an error.
	// When false the last well is reused and the overrun is reported.
	Strict    bool
	Simulated bool
	RunID     string
	Now       func() time.Time
}

type tipState struct {
	used   int
	hasTip bool
}

type Runner struct {
	protocol   *models.ProtocolFile
	driver     Driver
	opts       Options
	log        *zap.Logger
	reservoirs map[string]*models.Reservoir
	tips       map[string]*tipState
	report     *Report
	step       int
	steps      int
}

func New(p *models.ProtocolFile, d Driver, opts Options) (*Runner, error) {
	if p == nil {
		return nil, errors.New("no protocol")
	}
	if d == nil {
		return nil, errors.New("no driver")
	}
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid protocol: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	r := &Runner{
		protocol:   p,
		driver:     d,
		opts:       opts,
		log:        opts.Logger.With(zap.String("run_id", opts.RunID), zap.String("protocol", p.Name)),
		reservoirs: make(map[string]*models.Reservoir),
		tips:       make(map[string]*tipState),
		steps:      p.EnabledSteps(),
	}

	for _, rg := range p.Reagents {
		if !rg.Tracked() {
			continue
		}
		res, err := p.NewReservoir(rg.Name, opts.Floors)
		if err != nil {
			return nil, err
		}
		r.reservoirs[rg.Name] = res
	}
	for _, pip := range p.Pipettes {
		r.tips[pip.Name] = &tipState{}
	}

	return r, nil
}

// Reservoir returns the live tracker for a reagent.
func (r *Runner) Reservoir(name string) (*models.Reservoir, bool) {
	res, ok := r.reservoirs[name]
	return res, ok
}

// Run executes every enabled step. The returned report is filled in as far as
// the run got, even when an error is returned.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	r.report = &Report{
		RunID:     r.opts.RunID,
		Protocol:  r.protocol.Name,
		Samples:   r.protocol.Samples,
		Simulated: r.opts.Simulated,
		Started:   r.opts.Now(),
	}
	defer func() {
		r.report.Finished = r.opts.Now()
		r.report.Reagents = r.usage()
	}()

	r.log.Info("Starting protocol", zap.Int("samples", r.protocol.Samples), zap.Int("steps", r.steps))
	if err := r.light(ctx, r.opts.Lights.Running); err != nil {
		return r.report, err
	}

	for i, s := range r.protocol.Steps {
		timing := StepTiming{Number: i + 1, Description: s.Description, Executed: s.Enabled(), WaitTime: s.WaitTime}
		if !s.Enabled() {
			r.log.Debug("Skipping step", zap.Int("step", i+1), zap.String("description", s.Description))
			r.report.Steps = append(r.report.Steps, timing)
			continue
		}

		r.step++
		start := r.opts.Now()
		header := fmt.Sprintf("Step %d: %s", i+1, s.Description)
		r.log.Info(header)
		r.emit(Event{Kind: EventStepStart, Description: s.Description})
		if err := r.comment(ctx, header); err != nil {
			return r.report, err
		}

		if err := r.runStep(ctx, s); err != nil {
			timing.Duration = r.opts.Now().Sub(start)
			r.report.Steps = append(r.report.Steps, timing)
			return r.report, fmt.Errorf("step %d (%s): %w", i+1, s.Description, err)
		}

		if s.WaitTime > 0 {
			if err := r.exec(ctx, models.Command{Kind: models.CmdDelay, Seconds: s.WaitTime, Message: s.Description}); err != nil {
				return r.report, err
			}
		}

		timing.Duration = r.opts.Now().Sub(start)
		r.report.Steps = append(r.report.Steps, timing)
		r.log.Info(fmt.Sprintf("%s took %s", header, timing.Duration))
		r.emit(Event{Kind: EventStepEnd, Description: s.Description, Elapsed: timing.Duration})
	}

	for _, pip := range r.protocol.Pipettes {
		if r.tips[pip.Name].hasTip {
			if err := r.dropTip(ctx, &pip); err != nil {
				return r.report, err
			}
		}
	}

	if err := r.light(ctx, r.opts.Lights.Finished); err != nil {
		return r.report, err
	}
	r.emit(Event{Kind: EventFinished, Elapsed: r.opts.Now().Sub(r.report.Started)})
	r.log.Info("Protocol finished", zap.Int("commands", r.report.Commands))

	return r.report, nil
}

func (r *Runner) runStep(ctx context.Context, s models.Step) error {
	if s.Kind == models.StepPause {
		return r.pause(ctx, s.Message)
	}

	pip, _ := r.protocol.FindPipette(s.Pipette)
	reagent, _ := r.protocol.FindReagent(s.Reagent)

	switch s.Kind {
	case models.StepMix:
		return r.mixStep(ctx, s, pip, reagent)
	case models.StepTransfer:
		return r.transferStep(ctx, s, pip, reagent)
	case models.StepDistribute:
		return r.distributeStep(ctx, s, pip, reagent)
	case models.StepSampleTransfer:
		return r.sampleTransferStep(ctx, s, pip, reagent)
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
}

func (r *Runner) mixStep(ctx context.Context, s models.Step, pip *models.Pipette, reagent *models.Reagent) error {
	if !r.tips[pip.Name].hasTip {
		if err := r.pickUp(ctx, pip); err != nil {
			return err
		}
	}
	well, err := r.sourceWell(reagent)
	if err != nil {
		return err
	}
	r.log.Info("Mixing reagent", zap.String("reagent", reagent.Name), zap.String("well", well))
	// the tip is kept on purpose: the following transfer reuses it
	return r.mix(ctx, pip, reagent, reagent.Labware, well, s.MixVolume, s.Rounds, true, s.MixHeight, 0, 0)
}

func (r *Runner) transferStep(ctx context.Context, s models.Step, pip *models.Pipette, reagent *models.Reagent) error {
	dest, _ := r.protocol.FindLabware(s.Destination)
	dests, err := r.destinations(pip, dest)
	if err != nil {
		return err
	}
	res := r.reservoirs[reagent.Name]
	xSource, xDest := s.Offsets()

	for _, d := range dests {
		if !r.tips[pip.Name].hasTip {
			if err := r.pickUp(ctx, pip); err != nil {
				return err
			}
		}
		for j, vol := range s.TransferVolumes() {
			height, advanced := r.pickupHeight(res, vol*float64(pip.Channels))
			well, err := r.sourceWell(reagent)
			if err != nil {
				return err
			}
			if advanced && s.MixOnAdvance {
				r.log.Info("Mixing new reservoir well", zap.String("reagent", reagent.Name), zap.String("well", well))
				if err := r.mix(ctx, pip, reagent, reagent.Labware, well, s.MixVolume, s.Rounds, true, 0, 0, 0); err != nil {
					return err
				}
			}
			r.log.Debug("Aspirating from reservoir", zap.String("well", well), zap.Float64("pickup_height", height))

			mv := move{
				source:       models.BottomOf(reagent.Labware, well, height).Move(xSource),
				sourceTop:    models.TopOf(reagent.Labware, well, -2),
				dest:         dest.Name,
				destWell:     d,
				volume:       vol,
				airGap:       r.protocol.AirGap,
				xDest:        xDest,
				dropHeight:   s.DropHeight,
				dispHeight:   s.DispenseHeight,
				rinse:        reagent.Rinse && j == 0,
				rinseVolume:  vol,
				rinseLabware: reagent.Labware,
				rinseWell:    well,
			}
			if err := r.moveVolume(ctx, pip, reagent, mv); err != nil {
				return err
			}
		}

		if s.MixAfter > 0 {
			vol := s.MixVolume
			if vol == 0 {
				vol = sum(s.TransferVolumes())
			}
			if err := r.mix(ctx, pip, reagent, dest.Name, d, vol, s.MixAfter, true, s.MixAfterAt, 0, 0); err != nil {
				return err
			}
		}
		if s.NewTip == models.NewTipAlways {
			if err := r.dropTip(ctx, pip); err != nil {
				return err
			}
		}
	}

	if r.tips[pip.Name].hasTip {
		return r.dropTip(ctx, pip)
	}
	return nil
}

func (r *Runner) distributeStep(ctx context.Context, s models.Step, pip *models.Pipette, reagent *models.Reagent) error {
	dest, _ := r.protocol.FindLabware(s.Destination)
	dests, err := r.destinations(pip, dest)
	if err != nil {
		return err
	}
	res := r.reservoirs[reagent.Name]
	vol := s.TransferVolumes()[0]

	for start := 0; start < len(dests); start += s.PerAspirate {
		end := min(start+s.PerAspirate, len(dests))
		group := dests[start:end]

		if !r.tips[pip.Name].hasTip {
			if err := r.pickUp(ctx, pip); err != nil {
				return err
			}
		}

		total := float64(len(group))*vol + s.ExtraVolume
		height, _ := r.pickupHeight(res, total*float64(pip.Channels))
		well, err := r.sourceWell(reagent)
		if err != nil {
			return err
		}

		src := models.BottomOf(reagent.Labware, well, height)
		top := models.TopOf(reagent.Labware, well, 5)
		cmds := []models.Command{
			{Kind: models.CmdAspirate, Pipette: pip.Name, Volume: total, Location: &src, Rate: reagent.FlowRateAspirate},
			{Kind: models.CmdTouchTip, Pipette: pip.Name, Speed: touchTipSpeed, VOffset: touchTipVOffset},
			{Kind: models.CmdMoveTo, Pipette: pip.Name, Location: &top},
			{Kind: models.CmdAspirate, Pipette: pip.Name, Volume: distributeAirGap},
		}
		for _, d := range group {
			dTop := models.TopOf(dest.Name, d, 0)
			dIn := models.BottomOf(dest.Name, d, 1)
			dAbove := models.TopOf(dest.Name, d, 5)
			cmds = append(cmds,
				models.Command{Kind: models.CmdDispense, Pipette: pip.Name, Volume: distributeAirGap, Location: &dTop},
				models.Command{Kind: models.CmdDispense, Pipette: pip.Name, Volume: vol, Location: &dIn, Rate: reagent.FlowRateDispense},
				models.Command{Kind: models.CmdMoveTo, Pipette: pip.Name, Location: &dAbove},
				models.Command{Kind: models.CmdAspirate, Pipette: pip.Name, Volume: distributeAirGap},
			)
		}
		back := models.TopOf(reagent.Labware, well, -2)
		cmds = append(cmds, models.Command{Kind: models.CmdBlowOut, Pipette: pip.Name, Location: &back})
		if err := r.execAll(ctx, cmds); err != nil {
			return err
		}

		if s.NewTip == models.NewTipAlways {
			if err := r.dropTip(ctx, pip); err != nil {
				return err
			}
		}
	}

	if r.tips[pip.Name].hasTip {
		return r.dropTip(ctx, pip)
	}
	return nil
}

func (r *Runner) sampleTransferStep(ctx context.Context, s models.Step, pip *models.Pipette, reagent *models.Reagent) error {
	srcLw, _ := r.protocol.FindLabware(s.Source)
	destLw, _ := r.protocol.FindLabware(s.Destination)
	sources, err := r.destinations(pip, srcLw)
	if err != nil {
		return err
	}
	dests, err := r.destinations(pip, destLw)
	if err != nil {
		return err
	}

	pickup := s.PickupHeight
	if pickup == 0 {
		pickup = defaultPickup
	}
	mixVol := s.MixVolume
	if mixVol == 0 {
		mixVol = s.Volume
	}
	xSource, xDest := s.Offsets()

	for i := range sources {
		if !r.tips[pip.Name].hasTip {
			if err := r.pickUp(ctx, pip); err != nil {
				return err
			}
		}
		mv := move{
			source:     models.BottomOf(srcLw.Name, sources[i], pickup).Move(xSource),
			sourceTop:  models.TopOf(srcLw.Name, sources[i], -2),
			dest:       destLw.Name,
			destWell:   dests[i],
			volume:     s.Volume,
			airGap:     r.protocol.AirGap,
			xDest:      xDest,
			dropHeight: s.DropHeight,
			dispHeight: s.DispenseHeight,
		}
		if err := r.moveVolume(ctx, pip, reagent, mv); err != nil {
			return err
		}
		if s.MixAfter > 0 {
			if err := r.mix(ctx, pip, reagent, destLw.Name, dests[i], mixVol, s.MixAfter, true, s.MixAfterAt, 0, 0); err != nil {
				return err
			}
		}
		// air gap keeps the tip from dripping on the way to the trash
		above := models.TopOf(destLw.Name, dests[i], 2)
		if err := r.exec(ctx, models.Command{Kind: models.CmdAspirate, Pipette: pip.Name, Volume: distributeAirGap, Location: &above}); err != nil {
			return err
		}
		if err := r.dropTip(ctx, pip); err != nil {
			return err
		}
	}
	return nil
}

// destinations returns the wells a step works on: one well per sample for a
// single channel pipette, one first-row well per column for a multichannel.
func (r *Runner) destinations(pip *models.Pipette, lw *models.Labware) ([]string, error) {
	samples := r.protocol.Samples
	if pip.Channels > 1 {
		cols := int(math.Ceil(float64(samples) / float64(pip.Channels)))
		row := lw.Row(0)
		if cols > len(row) {
			return nil, fmt.Errorf("%d samples need %d columns but %s has %d", samples, cols, lw.Name, len(row))
		}
		return row[:cols], nil
	}
	wells := lw.Wells()
	if samples > len(wells) {
		return nil, fmt.Errorf("%d samples but %s has %d wells", samples, lw.Name, len(wells))
	}
	return wells[:samples], nil
}

// pickupHeight books an aspirate against the reservoir and reports it.
func (r *Runner) pickupHeight(res *models.Reservoir, volume float64) (float64, bool) {
	r.log.Debug("Remaining volume check",
		zap.String("reagent", res.Name),
		zap.Float64("remaining", res.Remaining),
		zap.Float64("needed", volume))

	previous := res.ActiveWell
	height, advanced := res.PickupHeight(volume)
	r.report.recordUse(res.Name, volume)

	if advanced {
		r.log.Info("Next reservoir well picked",
			zap.String("reagent", res.Name),
			zap.Int("previous", previous),
			zap.Int("current", res.ActiveWell),
			zap.Float64("remaining", res.Remaining))
		r.emit(Event{Kind: EventWellAdvance, Reagent: res.Name, Remaining: res.Remaining, VolumePerWell: res.VolumePerWell})
	}
	r.log.Debug("Pickup height", zap.String("reagent", res.Name), zap.Float64("height", height), zap.Float64("remaining", res.Remaining))
	r.emit(Event{Kind: EventAspirate, Reagent: res.Name, Volume: volume, Height: height, Remaining: res.Remaining, VolumePerWell: res.VolumePerWell})

	return height, advanced
}

// sourceWell resolves the active well of a reagent's reservoir.
func (r *Runner) sourceWell(reagent *models.Reagent) (string, error) {
	res := r.reservoirs[reagent.Name]
	if res.ActiveWell < len(reagent.Wells) {
		return reagent.Wells[res.ActiveWell], nil
	}
	r.report.markOverrun(reagent.Name)
	if r.opts.Strict {
		return "", fmt.Errorf("%w: %s needs well #%d but only %d allocated", ErrReagentExhausted, reagent.Name, res.ActiveWell+1, len(reagent.Wells))
	}
	r.log.Warn("Reagent ran past its allocated wells", zap.String("reagent", reagent.Name), zap.Int("well", res.ActiveWell+1))
	return reagent.Wells[len(reagent.Wells)-1], nil
}

func (r *Runner) usage() []ReagentUsage {
	var out []ReagentUsage
	for _, rg := range r.protocol.Reagents {
		res, ok := r.reservoirs[rg.Name]
		if !ok {
			continue
		}
		u := ReagentUsage{
			Name:           rg.Name,
			Remaining:      res.Remaining,
			ActiveWell:     res.ActiveWell,
			WellsAllocated: len(rg.Wells),
			VolumePerWell:  res.VolumePerWell,
			DeadVolume:     res.DeadVolume,
		}
		if res.ActiveWell < len(rg.Wells) {
			u.Well = rg.Wells[res.ActiveWell]
		}
		if r.report != nil {
			u.Used = r.report.used[rg.Name]
			u.Overrun = r.report.overrun[rg.Name]
		}
		out = append(out, u)
	}
	return out
}

func (r *Runner) emit(e Event) {
	if r.opts.Observer == nil {
		return
	}
	e.RunID = r.opts.RunID
	e.Step = r.step
	e.Steps = r.steps
	e.Time = r.opts.Now()
	r.opts.Observer.OnEvent(e)
}

func sum(vs []float64) float64 {
	t := 0.0
	for _, v := range vs {
		t += v
	}
	return t
}
