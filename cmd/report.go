package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dstockto/labprep/runner"
	"github.com/fatih/color"
)

// consoleObserver prints run progress for a plain terminal.
type consoleObserver struct {
	w io.Writer
}

func (c consoleObserver) OnEvent(e runner.Event) {
	switch e.Kind {
	case runner.EventStepStart:
		_, _ = fmt.Fprintf(c.w, "%s %s\n", color.CyanString("Step %d/%d:", e.Step, e.Steps), e.Description)
	case runner.EventStepEnd:
		_, _ = fmt.Fprintf(c.w, "  %s\n", color.HiBlackString("took %s", e.Elapsed.Round(time.Millisecond)))
	case runner.EventWellAdvance:
		_, _ = fmt.Fprintf(c.w, "  %s\n", color.YellowString("%s: switched to next well (%.1fµl)", e.Reagent, e.Remaining))
	case runner.EventPause:
		_, _ = fmt.Fprintf(c.w, "%s %s\n", color.RedString("Paused:"), e.Message)
	case runner.EventFinished:
		_, _ = fmt.Fprintf(c.w, "%s in %s\n", color.GreenString("Finished"), e.Elapsed.Round(time.Millisecond))
	}
}

// printReagentSummary reports what each tracked reagent used, what is left in
// its current well and the volume to load next time.
func printReagentSummary(w io.Writer, usage []runner.ReagentUsage) {
	if len(usage) == 0 {
		return
	}
	bold := color.New(color.Bold)
	_, _ = bold.Fprintf(w, "%-14s %10s %10s %6s %12s %10s\n", "Reagent", "Used µl", "Needed µl", "Well", "Remaining µl", "Loaded µl")
	for _, u := range usage {
		well := u.Well
		if well == "" {
			well = fmt.Sprintf("#%d", u.ActiveWell+1)
		}
		line := fmt.Sprintf("%-14s %10.1f %10.1f %6s %12.1f %10.1f",
			TruncateFront(u.Name, 14), RoundAmount(u.Total()), RoundAmount(u.Needed()), well, RoundAmount(u.Remaining), RoundAmount(u.Loaded()))
		if u.Overrun {
			line = color.RedString(line + " OVERRUN")
		}
		_, _ = fmt.Fprintln(w, line)
	}
}

// timeLogPath returns where a run's time log is written, or "" when no log
// directory is configured.
func timeLogPath(protocol, runID string) string {
	if Cfg == nil || Cfg.LogDir == "" {
		return ""
	}
	name := strings.ToLower(strings.Join(strings.Fields(protocol), "_"))
	return filepath.Join(expandHome(Cfg.LogDir), name, runID+"_time_log.tsv")
}

func writeTimeLogFile(path string, rep *runner.Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := rep.WriteTimeLog(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write time log: %w", err)
	}
	return f.Close()
}
