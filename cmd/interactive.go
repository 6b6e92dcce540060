package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/mattn/go-isatty"
)

// isInteractiveAllowed returns true when the user did not disable interaction
// via flag and when the process is attached to a TTY suitable for prompting.
func isInteractiveAllowed(nonInteractive bool) bool {
	if nonInteractive {
		return false
	}
	// Require stdin, stdout, and stderr to be terminals and TERM to be sane
	if !isatty.IsTerminal(os.Stdin.Fd()) || !isatty.IsTerminal(os.Stdout.Fd()) || !isatty.IsTerminal(os.Stderr.Fd()) {
		return false
	}
	term := strings.ToLower(strings.TrimSpace(os.Getenv("TERM")))
	if term == "" || term == "dumb" {
		return false
	}
	return true
}

// bellSkipper drops the terminal bell promptui writes on every keystroke.
type bellSkipper struct {
	w io.WriteCloser
}

func (b *bellSkipper) Write(p []byte) (int, error) {
	if len(p) == 1 && p[0] == '\a' {
		return 0, nil
	}
	return b.w.Write(p)
}

func (b *bellSkipper) Close() error {
	return b.w.Close()
}

// NoBellStdout is stdout without the bell, for promptui.
var NoBellStdout io.WriteCloser = &bellSkipper{w: os.Stdout}

// selectProtocolInteractively shows the discovered protocols and returns the
// chosen one. canceled is true when the user pressed Esc or Ctrl+C.
func selectProtocolInteractively(protocols []DiscoveredProtocol) (DiscoveredProtocol, bool, error) {
	if len(protocols) == 0 {
		return DiscoveredProtocol{}, false, fmt.Errorf("no protocols found")
	}

	items := make([]string, len(protocols))
	for i, p := range protocols {
		items[i] = fmt.Sprintf("%s (%s, %d samples)", p.Protocol.Name, p.DisplayName, p.Protocol.Samples)
	}

	searcher := func(input string, index int) bool {
		needle := strings.ToLower(strings.TrimSpace(input))
		if needle == "" {
			return true
		}
		return strings.Contains(strings.ToLower(items[index]), needle)
	}

	templates := &promptui.SelectTemplates{
		Label:    "{{ . }}",
		Active:   "▸ {{ . | cyan }}",
		Inactive: "  {{ . }}",
		Selected: "✔ {{ . | green }}",
	}

	prompt := promptui.Select{
		Label:     "Select a protocol (type / to filter; Esc to cancel)",
		Items:     items,
		Templates: templates,
		Size:      12,
		Searcher:  searcher,
		Stdin:     os.Stdin,
		Stdout:    NoBellStdout,
	}

	idx, _, perr := prompt.Run()
	if perr != nil {
		if perr == promptui.ErrInterrupt || perr == promptui.ErrAbort {
			return DiscoveredProtocol{}, true, nil
		}
		// Fall back to simple selector on unexpected prompt errors
		return selectProtocolSimple(os.Stdin, protocols)
	}

	return protocols[idx], false, nil
}

// selectProtocolSimple provides a numbered list over basic stdin without cursor
// control. User types a number or presses Enter to cancel.
func selectProtocolSimple(in io.Reader, protocols []DiscoveredProtocol) (DiscoveredProtocol, bool, error) {
	reader := bufio.NewReader(in)
	fmt.Println("Multiple protocols found; please choose one:")
	for i, p := range protocols {
		fmt.Printf("%2d) %s (%s)\n", i+1, p.Protocol.Name, p.DisplayName)
	}
	fmt.Print("Enter number to select, or press Enter to cancel: ")
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return DiscoveredProtocol{}, true, nil
	}
	n, err := strconv.Atoi(line)
	if err != nil || n < 1 || n > len(protocols) {
		return DiscoveredProtocol{}, true, fmt.Errorf("invalid selection: %q", line)
	}
	return protocols[n-1], false, nil
}

// confirmPause blocks until the operator confirms the run may continue.
// Answering no aborts the run.
func confirmPause(message string) error {
	prompt := promptui.Prompt{
		Label:     fmt.Sprintf("%s Resume", message),
		IsConfirm: true,
		Default:   "y",
		Stdin:     os.Stdin,
		Stdout:    NoBellStdout,
	}
	if _, err := prompt.Run(); err != nil {
		switch {
		case errors.Is(err, promptui.ErrInterrupt):
			return fmt.Errorf("run interrupted at pause")
		case errors.Is(err, promptui.ErrAbort):
			return fmt.Errorf("run aborted at pause: %s", message)
		}
		// terminal could not be put in raw mode
		return waitForEnter(os.Stdin, message)
	}
	return nil
}

// waitForEnter is the pause handler when promptui cannot be used.
func waitForEnter(in io.Reader, message string) error {
	fmt.Printf("%s Press Enter to resume.\n", message)
	if _, err := bufio.NewReader(in).ReadString('\n'); err != nil && err != io.EOF {
		return fmt.Errorf("read resume: %w", err)
	}
	return nil
}
