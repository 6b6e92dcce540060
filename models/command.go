package models

import (
	"fmt"
	"strings"
)

type CommandKind string

const (
	CmdPickUpTip CommandKind = "pick_up_tip"
	CmdDropTip   CommandKind = "drop_tip"
	CmdAspirate  CommandKind = "aspirate"
	CmdDispense  CommandKind = "dispense"
	CmdBlowOut   CommandKind = "blow_out"
	CmdTouchTip  CommandKind = "touch_tip"
	CmdMoveTo    CommandKind = "move_to"
	CmdComment   CommandKind = "comment"
	CmdPause     CommandKind = "pause"
	CmdLight     CommandKind = "light"
	CmdDelay     CommandKind = "delay"
)

// Reference is the part of a well a Location is measured from.
type Reference string

const (
	Bottom Reference = "bottom"
	Top    Reference = "top"
)

// Location is a point inside or above a well: Z mm from the reference plane,
// shifted XOffset mm along x.
type Location struct {
	Labware string    `json:"labware"`
	Well    string    `json:"well"`
	From    Reference `json:"from"`
	Z       float64   `json:"z"`
	XOffset float64   `json:"x_offset,omitempty"`
}

func BottomOf(labware, well string, z float64) Location {
	return Location{Labware: labware, Well: well, From: Bottom, Z: z}
}

func TopOf(labware, well string, z float64) Location {
	return Location{Labware: labware, Well: well, From: Top, Z: z}
}

// Move returns a copy of l shifted along x.
func (l Location) Move(x float64) Location {
	l.XOffset += x
	return l
}

func (l Location) String() string {
	s := fmt.Sprintf("%s %s %s%+.2f", l.Labware, l.Well, l.From, l.Z)
	if l.XOffset != 0 {
		s += fmt.Sprintf(" x%+.2f", l.XOffset)
	}
	return s
}

// Command is a single instruction for the liquid handler.
type Command struct {
	Kind     CommandKind `json:"kind"`
	Pipette  string      `json:"pipette,omitempty"`
	Volume   float64     `json:"volume,omitempty"`
	Location *Location   `json:"location,omitempty"`
	Rate     float64     `json:"rate,omitempty"`
	Speed    float64     `json:"speed,omitempty"`
	VOffset  float64     `json:"v_offset,omitempty"`
	Message  string      `json:"message,omitempty"`
	Seconds  float64     `json:"seconds,omitempty"`
	RGB      []float64   `json:"rgb,omitempty"`
}

func (c Command) String() string {
	var b strings.Builder
	b.WriteString(string(c.Kind))
	if c.Pipette != "" {
		b.WriteString(" [" + c.Pipette + "]")
	}
	if c.Volume != 0 {
		fmt.Fprintf(&b, " %.1fµl", c.Volume)
	}
	if c.Location != nil {
		b.WriteString(" @ " + c.Location.String())
	}
	if c.Rate != 0 && c.Rate != 1 {
		fmt.Fprintf(&b, " rate %.2f", c.Rate)
	}
	if c.Message != "" {
		b.WriteString(": " + c.Message)
	}
	if c.Seconds != 0 {
		fmt.Fprintf(&b, " %.0fs", c.Seconds)
	}
	if len(c.RGB) == 3 {
		fmt.Fprintf(&b, " (%.2f, %.2f, %.2f)", c.RGB[0], c.RGB[1], c.RGB[2])
	}
	return b.String()
}
