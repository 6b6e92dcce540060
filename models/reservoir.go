package models

import (
	"errors"
	"fmt"
	"strings"
)

// ReservoirConfig holds everything needed to track one reagent reservoir.
// Every field is required; NewReservoir rejects incomplete configs.
type ReservoirConfig struct {
	Name          string
	VolumePerWell float64
	DeadVolume    float64
	CrossSection  float64
	MinHeight     float64
}

// Reservoir tracks the liquid left in the active well of a reagent reservoir.
// A reagent is spread over a sequence of equal wells (deepwell columns,
// screwcap tubes); ActiveWell indexes into that sequence and never decreases.
type Reservoir struct {
	Name          string
	VolumePerWell float64
	Remaining     float64
	ActiveWell    int
	DeadVolume    float64
	CrossSection  float64
	MinHeight     float64
}

func NewReservoir(cfg ReservoirConfig) (*Reservoir, error) {
	var errs error
	if strings.TrimSpace(cfg.Name) == "" {
		errs = errors.Join(errs, errors.New("reservoir name is empty"))
	}
	if cfg.VolumePerWell <= 0 {
		errs = errors.Join(errs, fmt.Errorf("volume per well must be positive, got %v", cfg.VolumePerWell))
	}
	if cfg.DeadVolume < 0 {
		errs = errors.Join(errs, fmt.Errorf("dead volume must not be negative, got %v", cfg.DeadVolume))
	}
	if cfg.CrossSection <= 0 {
		errs = errors.Join(errs, fmt.Errorf("cross section area must be positive, got %v", cfg.CrossSection))
	}
	if cfg.MinHeight <= 0 {
		errs = errors.Join(errs, fmt.Errorf("minimum pickup height must be positive, got %v", cfg.MinHeight))
	}
	if errs != nil {
		return nil, fmt.Errorf("reservoir %q: %w", cfg.Name, errs)
	}

	return &Reservoir{
		Name:          cfg.Name,
		VolumePerWell: cfg.VolumePerWell,
		Remaining:     cfg.VolumePerWell,
		DeadVolume:    cfg.DeadVolume,
		CrossSection:  cfg.CrossSection,
		MinHeight:     cfg.MinHeight,
	}, nil
}

// PickupHeight books an aspirate of volume against the reservoir and returns
// the height from the well bottom to aspirate at. If the active well holds
// less than volume, the next well is used (advanced is true). Only a single
// well is skipped per call, even when a fresh well cannot cover the request.
//
// The volume is not validated: non-positive or oversized requests produce
// meaningless heights, which the floor then clamps.
func (r *Reservoir) PickupHeight(volume float64) (height float64, advanced bool) {
	if r.Remaining < volume {
		r.ActiveWell++
		r.Remaining = r.VolumePerWell
		advanced = true
	}

	height = (r.Remaining - volume - r.DeadVolume) / r.CrossSection
	r.Remaining -= volume

	if height < r.MinHeight {
		height = r.MinHeight
	}

	return height, advanced
}

func (r Reservoir) String() string {
	return fmt.Sprintf("%s - well #%d, %.1fµl of %.1fµl remaining", r.Name, r.ActiveWell+1, r.Remaining, r.VolumePerWell)
}

// ConeHeight is the height of the dead volume held as a cone over the well's
// cross section.
func (r *Reservoir) ConeHeight() float64 {
	return 3 * r.DeadVolume / r.CrossSection
}
