package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var appVersion = "0.1.0"

// Exit codes.
const (
	exitGeneric   = 1
	exitThreshold = 2
	exitInput     = 3
	exitProvider  = 4
	exitStore     = 5
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ee *exitErr
		if errors.As(err, &ee) {
			fmt.Fprintln(os.Stderr, ee.msg)
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitGeneric)
	}
}

type globalFlags struct {
	config      string
	db          string
	logLevel    string
	logFormat   string
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "grantflow",
		Short:         "Draft and review donor grant proposals through a staged pipeline",
		Version:       appVersion,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.config, "config", "grantflow.yaml", "Config file path")
	pf.StringVar(&g.db, "db", "", "SQLite database for jobs and checkpoints (overrides store.path)")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format: text or json")
	pf.StringVar(&g.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while the command runs")

	root.AddCommand(
		newRunCmd(g),
		newResumeCmd(g),
		newStatusCmd(g),
		newBatchCmd(g),
		newCriticCmd(g),
		newPreflightCmd(g),
		newDiffCmd(g),
		newDonorsCmd(g),
	)
	return root
}

type exitErr struct {
	code int
	msg  string
}

func (e *exitErr) Error() string { return e.msg }

func exitError(code int, format string, args ...any) error {
	return &exitErr{code: code, msg: fmt.Sprintf(format, args...)}
}
