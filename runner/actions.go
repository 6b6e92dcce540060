package runner

import (
	"context"
	"fmt"

	"github.com/dstockto/labprep/models"
	"go.uber.org/zap"
)

// move describes one liquid transfer from a source location to a destination well.
type move struct {
	source     models.Location
	sourceTop  models.Location
	dest       string
	destWell   string
	volume     float64
	airGap     float64
	xDest      float64
	dropHeight float64 // from the bottom; 0 dispenses from the top
	dispHeight float64 // from the top, used when dropHeight is 0

	rinse        bool
	rinseVolume  float64
	rinseLabware string
	rinseWell    string
}

func (r *Runner) moveVolume(ctx context.Context, pip *models.Pipette, reagent *models.Reagent, m move) error {
	if m.rinse {
		if err := r.mix(ctx, pip, reagent, m.rinseLabware, m.rinseWell, m.rinseVolume, 2, true, 0, m.source.XOffset, 0); err != nil {
			return err
		}
	}

	cmds := []models.Command{
		{Kind: models.CmdAspirate, Pipette: pip.Name, Volume: m.volume, Location: &m.source, Rate: reagent.FlowRateAspirate},
	}
	if m.airGap != 0 {
		top := m.sourceTop
		cmds = append(cmds, models.Command{Kind: models.CmdAspirate, Pipette: pip.Name, Volume: m.airGap, Location: &top, Rate: reagent.FlowRateAspirate})
	}

	var drop models.Location
	if m.dropHeight != 0 {
		drop = models.BottomOf(m.dest, m.destWell, m.dropHeight)
	} else {
		drop = models.TopOf(m.dest, m.destWell, m.dispHeight)
	}
	drop = drop.Move(m.xDest)
	blow := models.TopOf(m.dest, m.destWell, -2)

	cmds = append(cmds,
		models.Command{Kind: models.CmdDispense, Pipette: pip.Name, Volume: m.volume + m.airGap, Location: &drop, Rate: reagent.FlowRateDispense},
		models.Command{Kind: models.CmdBlowOut, Pipette: pip.Name, Location: &blow},
	)
	return r.execAll(ctx, cmds)
}

// mix aspirates and dispenses vol in the same well for a number of rounds,
// aspirating low and dispensing at mixHeight (3 mm when 0).
func (r *Runner) mix(ctx context.Context, pip *models.Pipette, reagent *models.Reagent, labware, well string, vol float64, rounds int, blowOut bool, mixHeight, xSource, xDest float64) error {
	if mixHeight == 0 {
		mixHeight = mixSourceHeight
	}
	low := models.BottomOf(labware, well, mixSourceHeight).Move(xSource)
	high := models.BottomOf(labware, well, mixHeight).Move(xDest)

	cmds := []models.Command{
		{Kind: models.CmdAspirate, Pipette: pip.Name, Volume: 1, Location: &low, Rate: reagent.FlowRateAspirate},
	}
	for i := 0; i < rounds; i++ {
		cmds = append(cmds,
			models.Command{Kind: models.CmdAspirate, Pipette: pip.Name, Volume: vol, Location: &low, Rate: reagent.FlowRateAspirate},
			models.Command{Kind: models.CmdDispense, Pipette: pip.Name, Volume: vol, Location: &high, Rate: reagent.FlowRateDispense},
		)
	}
	cmds = append(cmds, models.Command{Kind: models.CmdDispense, Pipette: pip.Name, Volume: 1, Location: &high, Rate: reagent.FlowRateDispense})
	if blowOut {
		top := models.TopOf(labware, well, -2)
		cmds = append(cmds, models.Command{Kind: models.CmdBlowOut, Pipette: pip.Name, Location: &top})
	}
	return r.execAll(ctx, cmds)
}

// pickUp takes a new tip, pausing for fresh racks once all tips are used.
func (r *Runner) pickUp(ctx context.Context, pip *models.Pipette) error {
	st := r.tips[pip.Name]
	if capacity := pip.TipCapacity(); capacity > 0 && st.used+pip.Channels > capacity {
		msg := fmt.Sprintf("Replace %.0fµl tipracks before resuming.", pip.MaxVolume)
		if err := r.pause(ctx, msg); err != nil {
			return err
		}
		st.used = 0
	}
	if err := r.exec(ctx, models.Command{Kind: models.CmdPickUpTip, Pipette: pip.Name}); err != nil {
		return err
	}
	st.hasTip = true
	return nil
}

func (r *Runner) dropTip(ctx context.Context, pip *models.Pipette) error {
	st := r.tips[pip.Name]
	if err := r.exec(ctx, models.Command{Kind: models.CmdDropTip, Pipette: pip.Name}); err != nil {
		return err
	}
	st.hasTip = false
	st.used += pip.Channels
	r.report.TipsUsed += pip.Channels
	return nil
}

func (r *Runner) pause(ctx context.Context, msg string) error {
	r.log.Warn("Pausing", zap.String("message", msg))
	if err := r.light(ctx, r.opts.Lights.Paused); err != nil {
		return err
	}
	if err := r.exec(ctx, models.Command{Kind: models.CmdPause, Message: msg}); err != nil {
		return err
	}
	r.emit(Event{Kind: EventPause, Message: msg})
	if r.opts.Pauser != nil {
		if err := r.opts.Pauser.Pause(ctx, msg); err != nil {
			return fmt.Errorf("paused run aborted: %w", err)
		}
	}
	return r.light(ctx, r.opts.Lights.Running)
}

func (r *Runner) light(ctx context.Context, rgb []float64) error {
	if len(rgb) != 3 {
		return nil
	}
	return r.exec(ctx, models.Command{Kind: models.CmdLight, RGB: rgb})
}

func (r *Runner) comment(ctx context.Context, msg string) error {
	return r.exec(ctx, models.Command{Kind: models.CmdComment, Message: msg})
}

func (r *Runner) exec(ctx context.Context, cmd models.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.driver.Execute(ctx, cmd); err != nil {
		return fmt.Errorf("%s: %w", cmd.Kind, err)
	}
	r.report.Commands++
	return nil
}

func (r *Runner) execAll(ctx context.Context, cmds []models.Command) error {
	for _, c := range cmds {
		if err := r.exec(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
