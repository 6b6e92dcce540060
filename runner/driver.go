package runner

import (
	"context"
	"sync"
	"time"

	"github.com/dstockto/labprep/models"
)

// Driver executes liquid-handler commands. Implementations are the in-memory
// Simulator and the HTTP robot client in package api.
type Driver interface {
	Execute(ctx context.Context, cmd models.Command) error
}

// Simulator records every command instead of moving hardware.
type Simulator struct {
	mu       sync.Mutex
	commands []models.Command
}

func NewSimulator() *Simulator {
	return &Simulator{}
}

func (s *Simulator) Execute(ctx context.Context, cmd models.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	return nil
}

// Commands returns a copy of the recorded commands.
func (s *Simulator) Commands() []models.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Command, len(s.commands))
	copy(out, s.commands)
	return out
}

// Count returns how many recorded commands are of the given kind.
func (s *Simulator) Count(kind models.CommandKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// Pauser is asked to hold the run until the operator has intervened,
// e.g. replaced tip racks. Returning an error aborts the run.
type Pauser interface {
	Pause(ctx context.Context, message string) error
}

type PauserFunc func(ctx context.Context, message string) error

func (f PauserFunc) Pause(ctx context.Context, message string) error {
	return f(ctx, message)
}

type EventKind string

const (
	EventStepStart   EventKind = "step_start"
	EventStepEnd     EventKind = "step_end"
	EventAspirate    EventKind = "aspirate"
	EventWellAdvance EventKind = "well_advance"
	EventPause       EventKind = "pause"
	EventFinished    EventKind = "finished"
)

// Event reports run progress to observers (MQTT, the TUI).
type Event struct {
	RunID         string        `json:"run_id"`
	Kind          EventKind     `json:"kind"`
	Step          int           `json:"step"`
	Steps         int           `json:"steps"`
	Description   string        `json:"description,omitempty"`
	Reagent       string        `json:"reagent,omitempty"`
	Well          string        `json:"well,omitempty"`
	Volume        float64       `json:"volume,omitempty"`
	Height        float64       `json:"height,omitempty"`
	Remaining     float64       `json:"remaining,omitempty"`
	VolumePerWell float64       `json:"volume_per_well,omitempty"`
	Elapsed       time.Duration `json:"elapsed,omitempty"`
	Message       string        `json:"message,omitempty"`
	Time          time.Time     `json:"time"`
}

type Observer interface {
	OnEvent(Event)
}

// Observers fans an event out to several observers in order.
type Observers []Observer

func (o Observers) OnEvent(e Event) {
	for _, obs := range o {
		if obs != nil {
			obs.OnEvent(e)
		}
	}
}
