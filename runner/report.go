package runner

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

type StepTiming struct {
	Number      int
	Description string
	Executed    bool
	WaitTime    float64
	Duration    time.Duration
}

// ReagentUsage summarises what a run took from one tracked reagent.
type ReagentUsage struct {
	Name           string
	Used           []float64
	Remaining      float64
	ActiveWell     int
	Well           string
	WellsAllocated int
	VolumePerWell  float64
	DeadVolume     float64
	Overrun        bool
}

// Total is the volume aspirated across the run.
func (u ReagentUsage) Total() float64 {
	return sum(u.Used)
}

// Needed is the volume to load for the run: everything aspirated plus the
// dead volume of every well that was touched.
func (u ReagentUsage) Needed() float64 {
	return u.Total() + u.DeadVolume*float64(u.ActiveWell+1)
}

// Loaded is the volume the protocol declares across the allocated wells.
func (u ReagentUsage) Loaded() float64 {
	return u.VolumePerWell * float64(u.WellsAllocated)
}

type Report struct {
	RunID     string
	Protocol  string
	Samples   int
	Simulated bool
	Started   time.Time
	Finished  time.Time
	Steps     []StepTiming
	Reagents  []ReagentUsage
	Commands  int
	TipsUsed  int

	used    map[string][]float64
	overrun map[string]bool
}

func (r *Report) recordUse(reagent string, volume float64) {
	if r.used == nil {
		r.used = make(map[string][]float64)
	}
	r.used[reagent] = append(r.used[reagent], volume)
}

func (r *Report) markOverrun(reagent string) {
	if r.overrun == nil {
		r.overrun = make(map[string]bool)
	}
	r.overrun[reagent] = true
}

func (r *Report) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

var timeLogHeader = []string{"STEP", "execution", "description", "wait_time", "execution_time"}

// WriteTimeLog writes the per-step timings as tab separated values.
func (r *Report) WriteTimeLog(w io.Writer) error {
	tw := csv.NewWriter(w)
	tw.Comma = '\t'
	if err := tw.Write(timeLogHeader); err != nil {
		return err
	}
	for _, s := range r.Steps {
		row := []string{
			strconv.Itoa(s.Number),
			strconv.FormatBool(s.Executed),
			s.Description,
			strconv.FormatFloat(s.WaitTime, 'f', -1, 64),
			"",
		}
		if s.Executed {
			row[4] = s.Duration.String()
		}
		if err := tw.Write(row); err != nil {
			return err
		}
	}
	tw.Flush()
	return tw.Error()
}

// ReadTimeLog parses a time log written by WriteTimeLog.
func ReadTimeLog(rd io.Reader) ([]StepTiming, error) {
	tr := csv.NewReader(rd)
	tr.Comma = '\t'
	tr.FieldsPerRecord = len(timeLogHeader)
	records, err := tr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read time log: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("read time log: empty")
	}

	var out []StepTiming
	for i, rec := range records[1:] {
		n, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("time log line %d: bad step %q", i+2, rec[0])
		}
		executed, err := strconv.ParseBool(rec[1])
		if err != nil {
			return nil, fmt.Errorf("time log line %d: bad execution flag %q", i+2, rec[1])
		}
		wait, err := strconv.ParseFloat(rec[3], 64)
		if err != nil {
			return nil, fmt.Errorf("time log line %d: bad wait time %q", i+2, rec[3])
		}
		var d time.Duration
		if rec[4] != "" {
			if d, err = time.ParseDuration(rec[4]); err != nil {
				return nil, fmt.Errorf("time log line %d: bad duration %q", i+2, rec[4])
			}
		}
		out = append(out, StepTiming{Number: n, Executed: executed, Description: rec[2], WaitTime: wait, Duration: d})
	}
	return out, nil
}
