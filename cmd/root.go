/*
Copyright © 2025 David Stockton <dave@davidstockton.com>
*/
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config represents the structure of the config.json file
// Example at project root: config.json
//
//	{
//	  "database": "labprep.db",
//	  "robot_base": "http://ot2.local:31950",
//	  "protocols_dir": "~/protocols",
//	  "lights": {"running": "#800080"}
//	}
//
// Add fields here as config grows.
type Config struct {
	Database      string             `json:"database"`
	RobotBase     string             `json:"robot_base"`
	RobotUser     string             `json:"robot_user"`
	RobotPassword string             `json:"robot_password"`
	MQTTBroker    string             `json:"mqtt_broker"`
	MQTTTopic     string             `json:"mqtt_topic"`
	ProtocolsDir  string             `json:"protocols_dir"`
	LogDir        string             `json:"log_dir"`
	S3Bucket      string             `json:"s3_bucket"`
	S3Region      string             `json:"s3_region"`
	S3Endpoint    string             `json:"s3_endpoint"`
	S3PathStyle   bool               `json:"s3_path_style"`
	Lights        map[string]string  `json:"lights"`
	MinHeights    map[string]float64 `json:"min_heights"`
}

// Cfg holds the loaded configuration and is available to all commands.
var Cfg *Config

// cfgFile is set from -c/--config flag.
var cfgFile string

// noColor toggles ANSI color output off when set via --no-color flag.
var noColor bool

// verbose switches the run log to debug level.
var verbose bool

// logger is the structured run log; nil until the root command has run.
var logger *zap.Logger

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "labprep",
	Short: "Labprep runs and checks liquid-handler sample-prep protocols",
	Long: `Labprep runs RNA-extraction sample-prep protocols on a liquid-handling robot.

It tracks the reagent left in every reservoir well so each aspirate happens just
below the liquid surface, and moves on to the next well when one runs dry.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Apply color preference as early as possible, but only disable if the flag is set
		if noColor {
			color.NoColor = true
		}

		if logger == nil {
			config := zap.NewProductionConfig()
			config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
			if verbose {
				config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			l, err := config.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			logger = l
		}

		// Load config only once; subsequent subcommands in the chain need not reload
		if Cfg != nil {
			return nil
		}
		// Determine path: explicit flag takes precedence; else try merge from standard locations
		if cfgFile != "" {
			cfg, err := LoadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config from %s: %w", cfgFile, err)
			}
			Cfg = cfg

			return nil
		}

		cfg, err := LoadMergedConfig()
		if err != nil {
			return fmt.Errorf("unable to load config: %w", err)
		}
		// Config is optional; only set if any file existed
		if cfg != nil {
			Cfg = cfg
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

// getLogger returns the run log, or a no-op logger when none was set up.
func getLogger() *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// LoadConfig reads and parses JSON config from the given path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("json config parsing error: %w", err)
	}

	return &c, nil
}

func exists(path string) bool {
	if path == "" {
		return false
	}

	info, err := os.Stat(path)
	if err != nil {
		return !errors.Is(err, fs.ErrNotExist)
	}

	return !info.IsDir()
}

//nolint:gochecknoinits
func init() {
	// Global config flag for all commands
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (config.json)")
	// Global color toggle
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable ANSI color output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every tracker decision to stderr")
}

// LoadMergedConfig attempts to load and merge configs from standard locations when no explicit --config is provided.
// Precedence (later overrides earlier):
//  1. $HOME/.config/labprep/config.json
//  2. $XDG_CONFIG_HOME/labprep/config.json
//  3. ./config.json (current working directory)
//
// If none exist, returns (nil, nil).
func LoadMergedConfig() (*Config, error) {
	paths := discoverConfigPaths()
	if len(paths) == 0 {
		return nil, nil
	}

	merged := &Config{}

	for _, p := range paths {
		c, err := LoadConfig(p)
		if err != nil {
			return nil, fmt.Errorf("failed loading %s: %w", p, err)
		}

		mergeInto(merged, c)
	}

	return merged, nil
}

// discoverConfigPaths returns existing config paths in merge order.
func discoverConfigPaths() []string {
	var out []string
	// 1) HOME
	if home, _ := os.UserHomeDir(); home != "" {
		p := filepath.Join(home, ".config", "labprep", "config.json")
		if exists(p) {
			out = append(out, p)
		}
	}
	// 2) XDG
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		p := filepath.Join(xdg, "labprep", "config.json")
		if exists(p) {
			out = append(out, p)
		}
	}
	// 3) CWD
	if cwd, _ := os.Getwd(); cwd != "" {
		p := filepath.Join(cwd, "config.json")
		if exists(p) {
			out = append(out, p)
		}
	}

	return out
}

// mergeInto copies non-zero values and maps from src into dst.
// Maps are merged by keys; src keys override dst.
func mergeInto(dst, src *Config) {
	if src == nil || dst == nil {
		return
	}

	strs := []struct {
		dst *string
		src string
	}{
		{&dst.Database, src.Database},
		{&dst.RobotBase, src.RobotBase},
		{&dst.RobotUser, src.RobotUser},
		{&dst.RobotPassword, src.RobotPassword},
		{&dst.MQTTBroker, src.MQTTBroker},
		{&dst.MQTTTopic, src.MQTTTopic},
		{&dst.ProtocolsDir, src.ProtocolsDir},
		{&dst.LogDir, src.LogDir},
		{&dst.S3Bucket, src.S3Bucket},
		{&dst.S3Region, src.S3Region},
		{&dst.S3Endpoint, src.S3Endpoint},
	}
	for _, s := range strs {
		if s.src != "" {
			*s.dst = s.src
		}
	}

	if src.S3PathStyle {
		dst.S3PathStyle = true
	}
	// maps
	if src.Lights != nil {
		if dst.Lights == nil {
			dst.Lights = map[string]string{}
		}

		for k, v := range src.Lights {
			dst.Lights[k] = v
		}
	}

	if src.MinHeights != nil {
		if dst.MinHeights == nil {
			dst.MinHeights = map[string]float64{}
		}

		for k, v := range src.MinHeights {
			dst.MinHeights[k] = v
		}
	}
}
