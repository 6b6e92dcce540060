package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dstockto/labprep/api"
	"github.com/dstockto/labprep/db"
	"github.com/dstockto/labprep/logstore"
	"github.com/dstockto/labprep/notify"
	"github.com/dstockto/labprep/runner"
	"github.com/dstockto/labprep/tui"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run [protocol]",
	Short: "Run a protocol on the robot or in simulation",
	Long: `Run a protocol on the robot or in simulation.

Without a protocol argument the current directory and the configured protocols
directory are searched. The run is simulated unless robot_base is configured
and --simulate=false is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	simulate, _ := cmd.Flags().GetBool("simulate")
	useTUI, _ := cmd.Flags().GetBool("tui")
	samples, _ := cmd.Flags().GetInt("samples")
	logPath, _ := cmd.Flags().GetString("log")
	nonInteractive, _ := cmd.Flags().GetBool("non-interactive")
	noRecord, _ := cmd.Flags().GetBool("no-record")
	upload, _ := cmd.Flags().GetBool("upload")

	if samples < 0 {
		return fmt.Errorf("--samples must be positive")
	}

	found, err := resolveProtocol(args, nonInteractive)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	p := found.Protocol
	if samples > 0 {
		p.Samples = samples
	}

	log := getLogger()
	ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if Cfg == nil || Cfg.RobotBase == "" {
		simulate = true
	}

	runID := uuid.NewString()
	var driver runner.Driver
	if simulate {
		driver = runner.NewSimulator()
	} else {
		// pause and delay commands block until the robot resumes
		client := api.NewClient(Cfg.RobotBase, api.WithDigestAuth(Cfg.RobotUser, Cfg.RobotPassword), api.WithTimeout(0))
		health, err := client.Health(ctx)
		if err != nil {
			return fmt.Errorf("robot not reachable at %s: %w", Cfg.RobotBase, err)
		}
		if health.DoorOpen {
			return fmt.Errorf("robot %s reports the door open", health.Name)
		}
		if _, err := client.CreateRun(ctx, runID, p.Name); err != nil {
			return err
		}
		log.Info("Connected to robot", zap.String("name", health.Name), zap.String("api_version", health.APIVersion))
		driver = client
	}

	var configuredLights map[string]string
	if Cfg != nil {
		configuredLights = Cfg.Lights
	}
	lights, err := notify.Lights(configuredLights)
	if err != nil {
		return err
	}

	observers := runner.Observers{}
	if Cfg != nil && Cfg.MQTTBroker != "" {
		pub, err := notify.Connect(notify.Config{
			Broker:   Cfg.MQTTBroker,
			Topic:    Cfg.MQTTTopic,
			ClientID: "labprep-" + shortID(runID),
		}, log)
		if err != nil {
			// notifications are best effort
			color.Yellow("Warning: %v", err)
		} else {
			defer pub.Close()
			observers = append(observers, pub)
		}
	}

	interactive := isInteractiveAllowed(nonInteractive)
	opts := runner.Options{
		Logger:    log,
		Lights:    lights,
		Floors:    resolveFloors(),
		Strict:    true,
		Simulated: simulate,
		RunID:     runID,
	}
	// The robot holds a pause until resumed on its own button; a simulated
	// run waits for the operator here instead.
	if simulate && interactive && !useTUI {
		opts.Pauser = runner.PauserFunc(func(ctx context.Context, message string) error {
			return confirmPause(message)
		})
	}

	mode := "robot"
	if simulate {
		mode = "simulation"
	}
	fmt.Printf("Running %s (%d samples, %s)\n", color.New(color.Bold).Sprint(p.Name), p.Samples, mode)

	var report *runner.Report
	execute := func(ctx context.Context, obs runner.Observer) error {
		o := opts
		o.Observer = append(observers, obs)
		r, err := runner.New(p, driver, o)
		if err != nil {
			return err
		}
		report, err = r.Run(ctx)
		return err
	}

	if useTUI && interactive {
		err = tui.Run(ctx, p.Name, execute)
	} else {
		err = execute(ctx, consoleObserver{w: os.Stdout})
	}
	if report == nil {
		return err
	}

	fmt.Println()
	printReagentSummary(os.Stdout, report.Reagents)
	fmt.Printf("%d commands, %d tips used, %s\n", report.Commands, report.TipsUsed, report.Duration().Round(time.Second))

	if err != nil {
		if errors.Is(err, runner.ErrReagentExhausted) {
			color.Red("Load more reagent or allocate more wells; see 'labprep check'.")
		}
		if errors.Is(err, context.Canceled) {
			color.Yellow("Run interrupted.")
		}
	}

	saveErr := saveRunArtifacts(cmdContext(cmd), report, logPath, noRecord, upload)
	return errors.Join(err, saveErr)
}

// saveRunArtifacts writes the time log, records the run and uploads the log.
// Artifacts are saved for failed runs too.
func saveRunArtifacts(ctx context.Context, report *runner.Report, logPath string, noRecord, upload bool) error {
	var errs error

	if logPath == "" {
		logPath = timeLogPath(report.Protocol, report.RunID)
	}
	if logPath != "" {
		if err := writeTimeLogFile(logPath, report); err != nil {
			errs = errors.Join(errs, err)
		} else {
			fmt.Printf("Time log written to %s\n", logPath)
		}
	}

	if !noRecord {
		if path := databasePath(); path != "" {
			store, err := db.NewClient(path)
			if err != nil {
				errs = errors.Join(errs, err)
			} else {
				if err := store.SaveRun(report); err != nil {
					errs = errors.Join(errs, fmt.Errorf("failed to record run: %w", err))
				}
				_ = store.Close()
			}
		}
	}

	if upload {
		uri, err := uploadTimeLog(ctx, report)
		if err != nil {
			errs = errors.Join(errs, err)
		} else {
			fmt.Printf("Time log uploaded to %s\n", uri)
		}
	}

	return errs
}

func uploadTimeLog(ctx context.Context, report *runner.Report) (string, error) {
	if Cfg == nil || Cfg.S3Bucket == "" {
		return "", fmt.Errorf("s3_bucket not configured")
	}
	store, err := logstore.New(ctx, logstore.Config{
		Bucket:    Cfg.S3Bucket,
		Region:    Cfg.S3Region,
		Endpoint:  Cfg.S3Endpoint,
		PathStyle: Cfg.S3PathStyle,
	})
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := report.WriteTimeLog(&buf); err != nil {
		return "", err
	}
	return store.Upload(ctx, store.Key(report.Protocol, report.RunID), &buf)
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("simulate", true, "simulate the run instead of driving the robot")
	runCmd.Flags().Bool("tui", false, "show the live run view")
	runCmd.Flags().IntP("samples", "n", 0, "override the protocol's sample count")
	runCmd.Flags().String("log", "", "write the step time log to this file")
	runCmd.Flags().Bool("non-interactive", false, "never prompt")
	runCmd.Flags().Bool("no-record", false, "do not record the run in the history database")
	runCmd.Flags().Bool("upload", false, "upload the time log to the configured S3 bucket")
}
