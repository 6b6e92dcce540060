package models

import (
	"fmt"
	"math"
	"strings"
)

type LabwareClass string

const (
	ClassDeepwell  LabwareClass = "deepwell"
	ClassReservoir LabwareClass = "reservoir"
	ClassScrewcap  LabwareClass = "screwcap"
	ClassPlate     LabwareClass = "plate"
	ClassTipRack   LabwareClass = "tiprack"
)

// defaultMinHeights is the pickup floor in mm per labware class. Screwcap tubes
// have a narrow rounded bottom, so the tip may go lower before touching it.
var defaultMinHeights = map[LabwareClass]float64{
	ClassDeepwell:  0.5,
	ClassReservoir: 0.5,
	ClassScrewcap:  0.2,
	ClassPlate:     0.5,
}

// DefaultMinHeight returns the pickup floor for a labware class, or 0 if the
// class is not meant to be aspirated from by the tracker.
func DefaultMinHeight(class LabwareClass) float64 {
	return defaultMinHeights[LabwareClass(strings.ToLower(string(class)))]
}

// Geometry describes the horizontal cross-section of a single well.
//
//	square: side x side (KingFisher deepwell)
//	circle: diameter (2 ml screwcap)
//	rect:   length x width (12 column reservoir)
type Geometry struct {
	Shape    string  `yaml:"shape"`
	Side     float64 `yaml:"side,omitempty"`
	Diameter float64 `yaml:"diameter,omitempty"`
	Length   float64 `yaml:"length,omitempty"`
	Width    float64 `yaml:"width,omitempty"`
}

// CrossSectionArea returns the area in mm² of the well section.
func (g Geometry) CrossSectionArea() (float64, error) {
	switch strings.ToLower(g.Shape) {
	case "square":
		if g.Side <= 0 {
			return 0, fmt.Errorf("square geometry needs a positive side, got %v", g.Side)
		}
		return g.Side * g.Side, nil
	case "circle":
		if g.Diameter <= 0 {
			return 0, fmt.Errorf("circle geometry needs a positive diameter, got %v", g.Diameter)
		}
		return math.Pi * g.Diameter * g.Diameter / 4, nil
	case "rect":
		if g.Length <= 0 || g.Width <= 0 {
			return 0, fmt.Errorf("rect geometry needs positive length and width, got %vx%v", g.Length, g.Width)
		}
		return g.Length * g.Width, nil
	case "":
		return 0, fmt.Errorf("geometry shape not set")
	default:
		return 0, fmt.Errorf("unknown geometry shape %q", g.Shape)
	}
}

// Labware is a piece of labware loaded in a deck slot.
type Labware struct {
	Name     string       `yaml:"name"`
	Type     string       `yaml:"type"`
	Slot     string       `yaml:"slot"`
	Class    LabwareClass `yaml:"class"`
	Rows     int          `yaml:"rows,omitempty"`
	Columns  int          `yaml:"columns,omitempty"`
	Geometry *Geometry    `yaml:"geometry,omitempty"`
}

func (l *Labware) applyDefaults() {
	if l.Rows == 0 {
		l.Rows = 8
	}
	if l.Columns == 0 {
		l.Columns = 12
	}
	l.Class = LabwareClass(strings.ToLower(string(l.Class)))
}

// WellName returns the name of the well at a 0-based row and column, e.g. (1, 0) -> "B1".
func WellName(row, col int) string {
	return fmt.Sprintf("%c%d", 'A'+rune(row), col+1)
}

// Wells returns all well names in column-major order (A1, B1, ... H1, A2, ...).
func (l Labware) Wells() []string {
	out := make([]string, 0, max(l.Rows, 0)*max(l.Columns, 0))
	for c := 0; c < l.Columns; c++ {
		for r := 0; r < l.Rows; r++ {
			out = append(out, WellName(r, c))
		}
	}
	return out
}

// Row returns the well names of a single row, left to right.
func (l Labware) Row(row int) []string {
	out := make([]string, 0, max(l.Columns, 0))
	for c := 0; c < l.Columns; c++ {
		out = append(out, WellName(row, c))
	}
	return out
}

func (l Labware) HasWell(name string) bool {
	for _, w := range l.Wells() {
		if strings.EqualFold(w, name) {
			return true
		}
	}
	return false
}
