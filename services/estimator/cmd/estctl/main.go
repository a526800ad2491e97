// Command estctl is the operator CLI for the estimator: schema hashes,
// offline validation, handshakes, one-shot estimates, CSV export and the
// local approval queue.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"launchbase/pkg/config"
	"launchbase/pkg/logging"
	"launchbase/pkg/refdata"
)

var nowUTC = func() time.Time { return time.Now().UTC() }

type app struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
	snap   *refdata.Snapshot
}

// snapshot loads reference data once per invocation.
func (a *app) snapshot() (*refdata.Snapshot, error) {
	if a.snap != nil {
		return a.snap, nil
	}
	snap, err := refdata.Load(refdata.Options{
		TaskLibraryPath:    a.cfg.Refdata.TaskLibrary,
		FreezeRegistryPath: a.cfg.Refdata.FreezeRegistry,
		SchemasDir:         a.cfg.Refdata.SchemasDir,
	})
	if err != nil {
		return nil, fmt.Errorf("load reference data: %w", err)
	}
	a.snap = snap
	return snap, nil
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "estctl",
		Short:         "Operate the low-voltage takeoff estimator",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if path == "" {
				path = os.Getenv("ESTIMATOR_CONFIG")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if a.verbose {
				cfg.Log.Level = "debug"
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $ESTIMATOR_CONFIG)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newHashCmd(a),
		newValidateCmd(a),
		newHandshakeCmd(a),
		newEstimateCmd(a),
		newExportCmd(a),
		newApprovalsCmd(a),
	)
	return root
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, "estctl:", err)
		}
		os.Exit(1)
	}
}
