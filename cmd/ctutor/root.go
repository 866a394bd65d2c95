package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/willibrandon/ctutor/pkg/config"
	"github.com/willibrandon/ctutor/pkg/debugger"
	"github.com/willibrandon/ctutor/pkg/logging"
)

// app carries what the subcommands share
type app struct {
	configPath string
	logLevel   string
	logFormat  string
	logFile    string

	cfg       *config.Config
	log       *slog.Logger
	logCloser io.Closer

	// launch starts the debug backend for a compiled program
	launch func(binary string, opts debugger.DelveOptions) (debugger.Backend, error)
}

func newApp() *app {
	return &app{
		launch: func(binary string, opts debugger.DelveOptions) (debugger.Backend, error) {
			return debugger.NewDelveBackend(binary, opts)
		},
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "ctutor",
		Short:         "Trace C programs step by step for the execution visualizer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logCloser != nil {
				a.logCloser.Close()
			}
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "YAML configuration file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: auto, text or json")
	flags.StringVar(&a.logFile, "log-file", "", "append logs to this file")

	root.AddCommand(newTraceCmd(a))
	root.AddCommand(newCheckCmd(a))
	root.AddCommand(newReplayCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}

// init loads configuration and builds the logger. Flags win over the file.
func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}
	if a.logFile != "" {
		cfg.Log.File = a.logFile
	}

	log, closer, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	a.cfg, a.log, a.logCloser = cfg, log, closer
	slog.SetDefault(log)
	return nil
}
