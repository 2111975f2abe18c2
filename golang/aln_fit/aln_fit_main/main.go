package main

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/spf13/cobra"
	"github.com/tarstars/aln_fit/golang/aln_fit/config"
	"github.com/tarstars/aln_fit/golang/aln_fit/protocol"
	"go.uber.org/zap"
)

// app is the state shared by the subcommands of one invocation.
type app struct {
	configPath string
	logLevel   string
	memprofile string

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "aln_fit",
		Short:         "Fit noisy samples with an adaptive piecewise linear model",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if a.logLevel != "" {
				cfg.Logging.Level = a.logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			a.cfg = cfg
			a.logger, err = protocol.New(cfg.Logging)
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
			return a.writeMemProfile()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "aln_fit.yaml", "a config file for the run of the program")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")
	root.PersistentFlags().StringVar(&a.memprofile, "memprofile", "", "write memory profile to `file`")

	root.AddCommand(
		newTrainCmd(a),
		newEvalCmd(a),
		newRenderCmd(a),
		newAnalyzeCmd(a),
	)
	return root
}

func (a *app) writeMemProfile() error {
	if a.memprofile == "" {
		return nil
	}
	f, err := os.Create(a.memprofile)
	if err != nil {
		return err
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("could not write memory profile: %w", err)
	}
	return nil
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "aln_fit:", err)
		os.Exit(1)
	}
}
