package models

import (
	"errors"
	"fmt"
	"strings"
)

type StepKind string

const (
	StepMix            StepKind = "mix"
	StepTransfer       StepKind = "transfer"
	StepDistribute     StepKind = "distribute"
	StepSampleTransfer StepKind = "sample_transfer"
	StepPause          StepKind = "pause"
)

const (
	NewTipOnce   = "once"
	NewTipAlways = "always"
)

type Pipette struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Mount       string   `yaml:"mount"`
	Channels    int      `yaml:"channels"`
	MaxVolume   float64  `yaml:"max_volume"`
	TipRacks    []string `yaml:"tip_racks"`
	TipsPerRack int      `yaml:"tips_per_rack,omitempty"`
}

// TipCapacity is the number of tips available before racks must be replaced.
func (p Pipette) TipCapacity() int {
	return len(p.TipRacks) * p.TipsPerRack
}

type Reagent struct {
	Name             string   `yaml:"name"`
	Labware          string   `yaml:"labware,omitempty"`
	Wells            []string `yaml:"wells,omitempty"`
	ReservoirVolume  float64  `yaml:"reservoir_volume,omitempty"`
	DeadVolume       float64  `yaml:"dead_volume,omitempty"`
	FlowRateAspirate float64  `yaml:"flow_rate_aspirate,omitempty"`
	FlowRateDispense float64  `yaml:"flow_rate_dispense,omitempty"`
	Rinse            bool     `yaml:"rinse,omitempty"`
	MinHeight        float64  `yaml:"min_height,omitempty"`
}

// Tracked reports whether the reagent sits in a reservoir whose volume is tracked.
func (r Reagent) Tracked() bool {
	return r.Labware != "" && len(r.Wells) > 0
}

// VolumePerWell splits the reservoir volume evenly across the reagent's wells.
func (r Reagent) VolumePerWell() float64 {
	if len(r.Wells) == 0 {
		return 0
	}
	return r.ReservoirVolume / float64(len(r.Wells))
}

type Step struct {
	Description string   `yaml:"description"`
	Execute     *bool    `yaml:"execute,omitempty"`
	WaitTime    float64  `yaml:"wait_time,omitempty"`
	Kind        StepKind `yaml:"kind"`
	Pipette     string   `yaml:"pipette,omitempty"`
	Reagent     string   `yaml:"reagent,omitempty"`
	Source      string   `yaml:"source,omitempty"`
	Destination string   `yaml:"destination,omitempty"`

	Volume  float64   `yaml:"volume,omitempty"`
	Volumes []float64 `yaml:"volumes,omitempty"`
	NewTip  string    `yaml:"new_tip,omitempty"`

	Rounds    int     `yaml:"rounds,omitempty"`
	MixVolume float64 `yaml:"mix_volume,omitempty"`
	MixHeight float64 `yaml:"mix_height,omitempty"`
	BlowOut   bool    `yaml:"blow_out,omitempty"`

	MixOnAdvance bool    `yaml:"mix_on_advance,omitempty"`
	MixAfter     int     `yaml:"mix_after,omitempty"`
	MixAfterAt   float64 `yaml:"mix_after_height,omitempty"`

	PickupHeight   float64   `yaml:"pickup_height,omitempty"`
	DropHeight     float64   `yaml:"drop_height,omitempty"`
	DispenseHeight float64   `yaml:"dispense_height,omitempty"`
	XOffset        []float64 `yaml:"x_offset,omitempty"`

	PerAspirate int     `yaml:"per_aspirate,omitempty"`
	ExtraVolume float64 `yaml:"extra_volume,omitempty"`

	Message string `yaml:"message,omitempty"`
}

func (s Step) Enabled() bool {
	return s.Execute == nil || *s.Execute
}

// Offsets returns the x offsets at source and destination.
func (s Step) Offsets() (source, dest float64) {
	if len(s.XOffset) > 0 {
		source = s.XOffset[0]
	}
	if len(s.XOffset) > 1 {
		dest = s.XOffset[1]
	}
	return source, dest
}

// TransferVolumes returns the per-round volumes moved to each destination.
func (s Step) TransferVolumes() []float64 {
	if len(s.Volumes) > 0 {
		return s.Volumes
	}
	if s.Volume > 0 {
		return []float64{s.Volume}
	}
	return nil
}

func (s *Step) applyDefaults() {
	if s.Execute == nil {
		t := true
		s.Execute = &t
	}
	if s.NewTip == "" {
		s.NewTip = NewTipOnce
	}
	if s.DispenseHeight == 0 {
		s.DispenseHeight = -2
	}
	if s.Kind == StepDistribute && s.PerAspirate == 0 {
		s.PerAspirate = 1
	}
}

// ProtocolFile is the on-disk description of a sample-prep protocol.
type ProtocolFile struct {
	Name        string    `yaml:"name"`
	Author      string    `yaml:"author,omitempty"`
	Source      string    `yaml:"source,omitempty"`
	Description string    `yaml:"description,omitempty"`
	Samples     int       `yaml:"samples"`
	AirGap      float64   `yaml:"air_gap,omitempty"`
	Labware     []Labware `yaml:"labware"`
	Pipettes    []Pipette `yaml:"pipettes"`
	Reagents    []Reagent `yaml:"reagents"`
	Steps       []Step    `yaml:"steps"`
}

func (p *ProtocolFile) ApplyDefaults() {
	for i := range p.Labware {
		p.Labware[i].applyDefaults()
	}
	for i := range p.Pipettes {
		if p.Pipettes[i].Channels == 0 {
			p.Pipettes[i].Channels = 1
		}
		if p.Pipettes[i].TipsPerRack == 0 {
			p.Pipettes[i].TipsPerRack = 96
		}
	}
	for i := range p.Reagents {
		if p.Reagents[i].FlowRateAspirate == 0 {
			p.Reagents[i].FlowRateAspirate = 1
		}
		if p.Reagents[i].FlowRateDispense == 0 {
			p.Reagents[i].FlowRateDispense = 1
		}
	}
	for i := range p.Steps {
		p.Steps[i].applyDefaults()
	}
}

func (p *ProtocolFile) FindLabware(name string) (*Labware, bool) {
	for i := range p.Labware {
		if strings.EqualFold(p.Labware[i].Name, name) {
			return &p.Labware[i], true
		}
	}
	return nil, false
}

func (p *ProtocolFile) FindPipette(name string) (*Pipette, bool) {
	for i := range p.Pipettes {
		if strings.EqualFold(p.Pipettes[i].Name, name) {
			return &p.Pipettes[i], true
		}
	}
	return nil, false
}

func (p *ProtocolFile) FindReagent(name string) (*Reagent, bool) {
	for i := range p.Reagents {
		if strings.EqualFold(p.Reagents[i].Name, name) {
			return &p.Reagents[i], true
		}
	}
	return nil, false
}

// EnabledSteps counts the steps that will run.
func (p *ProtocolFile) EnabledSteps() int {
	n := 0
	for _, s := range p.Steps {
		if s.Enabled() {
			n++
		}
	}
	return n
}

// NewReservoir builds the volume tracker for a reagent from its labware
// geometry. floors overrides the per-class pickup floor; a reagent's own
// min_height wins over both.
func (p *ProtocolFile) NewReservoir(reagent string, floors map[string]float64) (*Reservoir, error) {
	r, ok := p.FindReagent(reagent)
	if !ok {
		return nil, fmt.Errorf("unknown reagent %q", reagent)
	}
	if !r.Tracked() {
		return nil, fmt.Errorf("reagent %q has no reservoir wells", r.Name)
	}
	lw, ok := p.FindLabware(r.Labware)
	if !ok {
		return nil, fmt.Errorf("reagent %q: unknown labware %q", r.Name, r.Labware)
	}
	if lw.Geometry == nil {
		return nil, fmt.Errorf("reagent %q: labware %q has no well geometry", r.Name, lw.Name)
	}
	area, err := lw.Geometry.CrossSectionArea()
	if err != nil {
		return nil, fmt.Errorf("reagent %q: %w", r.Name, err)
	}

	floor := DefaultMinHeight(lw.Class)
	if v, ok := floors[string(lw.Class)]; ok && v > 0 {
		floor = v
	}
	if r.MinHeight > 0 {
		floor = r.MinHeight
	}

	return NewReservoir(ReservoirConfig{
		Name:          r.Name,
		VolumePerWell: r.VolumePerWell(),
		DeadVolume:    r.DeadVolume,
		CrossSection:  area,
		MinHeight:     floor,
	})
}

// Validate checks cross references between steps, reagents, pipettes and labware.
// Every problem found is reported.
func (p *ProtocolFile) Validate() error {
	var errs error
	if strings.TrimSpace(p.Name) == "" {
		errs = errors.Join(errs, errors.New("protocol name is empty"))
	}
	if p.Samples <= 0 {
		errs = errors.Join(errs, fmt.Errorf("samples must be positive, got %d", p.Samples))
	}

	for _, lw := range p.Labware {
		if lw.Rows <= 0 || lw.Columns <= 0 {
			errs = errors.Join(errs, fmt.Errorf("labware %q: rows and columns must be positive, got %dx%d", lw.Name, lw.Rows, lw.Columns))
		} else if lw.Rows > 26 {
			errs = errors.Join(errs, fmt.Errorf("labware %q: at most 26 rows, got %d", lw.Name, lw.Rows))
		}
	}
	for _, pip := range p.Pipettes {
		if pip.Channels <= 0 {
			errs = errors.Join(errs, fmt.Errorf("pipette %q: channels must be positive, got %d", pip.Name, pip.Channels))
		}
		if pip.TipsPerRack <= 0 {
			errs = errors.Join(errs, fmt.Errorf("pipette %q: tips_per_rack must be positive, got %d", pip.Name, pip.TipsPerRack))
		}
	}

	for _, r := range p.Reagents {
		if !r.Tracked() {
			continue
		}
		lw, ok := p.FindLabware(r.Labware)
		if !ok {
			errs = errors.Join(errs, fmt.Errorf("reagent %q: unknown labware %q", r.Name, r.Labware))
			continue
		}
		for _, w := range r.Wells {
			if !lw.HasWell(w) {
				errs = errors.Join(errs, fmt.Errorf("reagent %q: labware %q has no well %s", r.Name, lw.Name, w))
			}
		}
		if r.ReservoirVolume <= 0 {
			errs = errors.Join(errs, fmt.Errorf("reagent %q: reservoir_volume must be positive", r.Name))
		}
		if lw.Geometry == nil {
			errs = errors.Join(errs, fmt.Errorf("reagent %q: labware %q has no well geometry", r.Name, lw.Name))
		} else if _, err := lw.Geometry.CrossSectionArea(); err != nil {
			errs = errors.Join(errs, fmt.Errorf("labware %q: %w", lw.Name, err))
		}
	}

	for i, s := range p.Steps {
		prefix := fmt.Sprintf("step %d (%s)", i+1, s.Description)
		if s.Kind == StepPause {
			continue
		}
		if _, ok := p.FindPipette(s.Pipette); !ok {
			errs = errors.Join(errs, fmt.Errorf("%s: unknown pipette %q", prefix, s.Pipette))
		}
		r, ok := p.FindReagent(s.Reagent)
		if !ok {
			errs = errors.Join(errs, fmt.Errorf("%s: unknown reagent %q", prefix, s.Reagent))
		}

		switch s.Kind {
		case StepMix:
			if ok && !r.Tracked() {
				errs = errors.Join(errs, fmt.Errorf("%s: reagent %q has no reservoir to mix", prefix, s.Reagent))
			}
			if s.Rounds <= 0 || s.MixVolume <= 0 {
				errs = errors.Join(errs, fmt.Errorf("%s: mix needs rounds and mix_volume", prefix))
			}
		case StepTransfer, StepDistribute:
			if ok && !r.Tracked() {
				errs = errors.Join(errs, fmt.Errorf("%s: reagent %q has no reservoir to aspirate from", prefix, s.Reagent))
			}
			if _, ok := p.FindLabware(s.Destination); !ok {
				errs = errors.Join(errs, fmt.Errorf("%s: unknown destination %q", prefix, s.Destination))
			}
			if len(s.TransferVolumes()) == 0 {
				errs = errors.Join(errs, fmt.Errorf("%s: no volume to transfer", prefix))
			}
			if s.Kind == StepDistribute && s.PerAspirate <= 0 {
				errs = errors.Join(errs, fmt.Errorf("%s: per_aspirate must be positive, got %d", prefix, s.PerAspirate))
			}
		case StepSampleTransfer:
			if _, ok := p.FindLabware(s.Source); !ok {
				errs = errors.Join(errs, fmt.Errorf("%s: unknown source %q", prefix, s.Source))
			}
			if _, ok := p.FindLabware(s.Destination); !ok {
				errs = errors.Join(errs, fmt.Errorf("%s: unknown destination %q", prefix, s.Destination))
			}
			if s.Volume <= 0 {
				errs = errors.Join(errs, fmt.Errorf("%s: no volume to transfer", prefix))
			}
		default:
			errs = errors.Join(errs, fmt.Errorf("%s: unknown step kind %q", prefix, s.Kind))
		}
	}

	return errs
}
