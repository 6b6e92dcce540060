package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dstockto/labprep/runner"
)

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(Model)
	if !ok {
		t.Fatalf("Update() returned %T", next)
	}
	return out
}

func TestModelTracksEvents(t *testing.T) {
	m := New("Station C")
	m = update(t, m, EventMsg{Kind: runner.EventStepStart, Step: 1, Steps: 3, Description: "Add MS2"})
	m = update(t, m, EventMsg{Kind: runner.EventAspirate, Step: 1, Steps: 3, Reagent: "MS2", Remaining: 1800, VolumePerWell: 2000})
	m = update(t, m, EventMsg{Kind: runner.EventWellAdvance, Step: 1, Steps: 3, Reagent: "MS2", Remaining: 2000, VolumePerWell: 2000})
	m = update(t, m, EventMsg{Kind: runner.EventStepEnd, Step: 1, Steps: 3, Elapsed: 1500 * time.Millisecond})

	view := m.View()
	for _, want := range []string{"Station C", "Step 1/3: Add MS2", "MS2", "well #2", "switched to well #2", "Step 1 took 1.5s"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q:\n%s", want, view)
		}
	}
}

func TestModelKeepsRecentLog(t *testing.T) {
	m := New("KF")
	for i := 1; i <= maxLogLines+3; i++ {
		m = update(t, m, EventMsg{Kind: runner.EventPause, Step: i, Steps: 20, Message: "hold"})
	}
	if len(m.log) != maxLogLines {
		t.Errorf("log has %d lines, want %d", len(m.log), maxLogLines)
	}
}

func TestModelDone(t *testing.T) {
	m := New("KF")
	next, cmd := m.Update(DoneMsg{})
	if cmd == nil {
		t.Error("DoneMsg should quit the program")
	}
	if !strings.Contains(next.View(), "Run complete.") {
		t.Errorf("View() = %q", next.View())
	}

	next, _ = m.Update(DoneMsg{Err: errors.New("reagent MS2 exhausted")})
	if !strings.Contains(next.View(), "Run failed: reagent MS2 exhausted") {
		t.Errorf("View() = %q", next.View())
	}
}

func TestModelStartingView(t *testing.T) {
	if v := New("KF").View(); !strings.Contains(v, "starting...") {
		t.Errorf("View() = %q", v)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("Proteinase K", 8); got != "Proteina" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("MS2", 8); got != "MS2" {
		t.Errorf("truncate() = %q", got)
	}
}
