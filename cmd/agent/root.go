// Command agent is the edge agent's process entry point: a thin cobra CLI
// that wires a config.Store, a cable.Client, and a printerreg.Registry
// together (spec's "process entry point" collaborator boundary). It
// deliberately stays small — config file persistence, OS serial port
// discovery, and crash reporting are collaborator concerns left outside it.
package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/printhive/edge-agent/internal/agentlog"
	"github.com/printhive/edge-agent/internal/config"
)

// rootFlags holds the global flags. Reset at the top of every Execute call
// so repeated invocations (and tests) never see a previous run's values.
type rootFlags struct {
	ServerHost string
	ClientID   string
	Secret     string
	LogLevel   string
	Debug      bool
}

var flags rootFlags

// Execute builds and runs the root command for a single invocation.
func Execute(ctx context.Context, args []string) error {
	flags = rootFlags{LogLevel: "info"}

	root := &cobra.Command{
		Use:           "agent",
		Short:         "Edge agent: bridges attached 3D printers to the Printhive control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger := agentlog.Setup(flags.Debug)
			cmd.SetContext(agentlog.WithDebug(cmd.Context(), flags.Debug))
			_ = logger
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flags.ServerHost, "server-host", "", "Cable server host, e.g. cable.printhive.example:443")
	root.PersistentFlags().StringVar(&flags.ClientID, "client-id", "", "stable agent identifier (a fresh UUID is generated when empty)")
	root.PersistentFlags().StringVar(&flags.Secret, "secret", "", "shared secret the server authenticates the agent with")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "info", "log level recorded in the agent configuration (debug, info, warn, error); the logger's own level is set by --debug")
	root.PersistentFlags().BoolVar(&flags.Debug, "debug", false, "enable debug logging and serial echo tracing")

	root.AddCommand(newRunCommand())
	root.AddCommand(newStatusCommand())

	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// configStore is the injected config.Store (spec: "process entry point
// wires config.Store"). It defaults to the in-memory flagStore; tests or a
// future persistence collaborator can assign a different Store before
// Execute runs.
var configStore config.Store = &flagStore{}

// loadConfig resolves the flags into a config.Config, minting a fresh
// client ID when none was supplied (spec §6: "generated at first launch
// when none is configured"), and round-trips it through the injected Store
// so the Store is the single source of truth for the rest of the process.
func loadConfig() (config.Config, error) {
	clientID := strings.TrimSpace(flags.ClientID)
	if clientID == "" {
		clientID = config.NewClientID()
	}
	cfg := config.Config{
		ServerHost: flags.ServerHost,
		ClientID:   clientID,
		Secret:     flags.Secret,
		LogLevel:   flags.LogLevel,
	}
	if err := configStore.Save(cfg); err != nil {
		return config.Config{}, err
	}
	return configStore.Load()
}

const (
	exitOK      = 0
	exitUsage   = 2
	exitNetwork = 8
	exitGeneric = 1
)

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return exitNetwork
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range []string{"unknown command", "unknown flag", "required flag", "invalid argument"} {
		if strings.Contains(msg, indicator) {
			return exitUsage
		}
	}
	return exitGeneric
}

var errMissingServerHost = fmt.Errorf("--server-host is required")
