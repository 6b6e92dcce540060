package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/dstockto/labprep/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

const shellHelp = `Commands:
  aspirate <µl> [count]  take volume from the reservoir and print the pickup height
  status                 show the active well and remaining volume
  reset                  refill the reservoir to its first well
  help                   show this help
  quit                   leave the shell`

// shellSession drives one reservoir from typed commands.
type shellSession struct {
	res   *models.Reservoir
	start models.Reservoir
	wells int
	out   io.Writer
}

func newShellSession(res *models.Reservoir, wells int, out io.Writer) *shellSession {
	return &shellSession{res: res, start: *res, wells: wells, out: out}
}

// exec runs one command line. quit is true when the session should end.
func (s *shellSession) exec(line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	switch strings.ToLower(fields[0]) {
	case "aspirate", "a":
		if len(fields) < 2 {
			return false, errors.New("usage: aspirate <µl> [count]")
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || v <= 0 {
			return false, fmt.Errorf("invalid volume %q", fields[1])
		}
		count := 1
		if len(fields) > 2 {
			if count, err = strconv.Atoi(fields[2]); err != nil || count < 1 {
				return false, fmt.Errorf("invalid count %q", fields[2])
			}
		}
		for i := 0; i < count; i++ {
			h, advanced := s.res.PickupHeight(v)
			if advanced {
				_, _ = fmt.Fprintln(s.out, color.YellowString("-> well #%d", s.res.ActiveWell+1))
			}
			if s.wells > 0 && s.res.ActiveWell >= s.wells {
				_, _ = fmt.Fprintln(s.out, color.RedString("well #%d is past the %d allocated", s.res.ActiveWell+1, s.wells))
			}
			_, _ = fmt.Fprintf(s.out, "height %.2f mm, %.1fµl left\n", h, s.res.Remaining)
		}
	case "status", "s":
		_, _ = fmt.Fprintln(s.out, s.res)
	case "reset":
		*s.res = s.start
		_, _ = fmt.Fprintln(s.out, s.res)
	case "help", "h", "?":
		_, _ = fmt.Fprintln(s.out, shellHelp)
	case "quit", "exit", "q":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	return false, nil
}

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactively aspirate from a reservoir and watch the pickup height",
	RunE: func(cmd *cobra.Command, args []string) error {
		res, wells, err := reservoirFromFlags(cmd.Flags())
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true

		var history string
		if home, _ := os.UserHomeDir(); home != "" {
			history = filepath.Join(home, ".config", "labprep", "shell_history")
		}

		rl, err := readline.NewEx(&readline.Config{
			Prompt:      color.CyanString(res.Name) + "> ",
			HistoryFile: history,
			AutoComplete: readline.NewPrefixCompleter(
				readline.PcItem("aspirate"),
				readline.PcItem("status"),
				readline.PcItem("reset"),
				readline.PcItem("help"),
				readline.PcItem("quit"),
			),
			InterruptPrompt: "^C",
			EOFPrompt:       "quit",
		})
		if err != nil {
			return fmt.Errorf("failed to start shell: %w", err)
		}
		defer func() {
			_ = rl.Close()
		}()

		session := newShellSession(res, wells, rl.Stdout())
		_, _ = fmt.Fprintln(rl.Stdout(), res)
		for {
			line, err := rl.Readline()
			if errors.Is(err, readline.ErrInterrupt) {
				if line == "" {
					return nil
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}

			quit, err := session.exec(line)
			if err != nil {
				_, _ = fmt.Fprintln(rl.Stderr(), color.RedString("%v", err))
			}
			if quit {
				return nil
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(shellCmd)
	addReservoirFlags(shellCmd.Flags())
}
