// Package cli implements the photoremote command line.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/photoremote/config"
	"github.com/cyberinferno/photoremote/logger"
)

type app struct {
	configPath string
	logLevel   string
	logFormat  string
	logDir     string

	cfg *config.Config
	log logger.Logger
	out io.Writer
}

// Execute runs the root command against os.Args.
func Execute() error {
	return newRootCmd(os.Stdout).Execute()
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	cmd := &cobra.Command{
		Use:           "photoremote",
		Short:         "Remote photo capture over TCP",
		Long:          "Runs the capture device server or drives it from a PC over the photoremote TCP protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Close()
			}
		},
	}
	cmd.SetOut(out)

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "Log format (console, json)")
	cmd.PersistentFlags().StringVar(&a.logDir, "log-dir", "", "Mirror logs into daily files in this directory")

	cmd.AddCommand(newDeviceCmd(a))
	cmd.AddCommand(newControllerCmd(a))
	cmd.AddCommand(newConfigCmd(a))

	return cmd
}

// load reads the config file and applies the logging flags.
func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	if a.logDir != "" {
		cfg.Logging.Dir = a.logDir
	}

	log, err := logger.New(logger.Options{
		Service: "photoremote-" + cmd.Name(),
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Dir:     cfg.Logging.Dir,
		Output:  cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	a.cfg = cfg
	a.log = log
	return nil
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := a.cfg.ToYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
