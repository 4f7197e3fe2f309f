// Package cmd wires up the CLI commands and dispatches to the core
// modes.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"

	"enrollgate/config"
	"enrollgate/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X enrollgate/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// globalFlags are shared by every subcommand.  They are applied over
// the loaded configuration, so flags win over the environment and the
// TOML file.
type globalFlags struct {
	configPath string
	verbose    int
	timestamps bool

	tunnel         string
	sshKey         string
	sshPassword    bool
	sshAgent       bool
	strictHostKey  bool
	knownHostsPath string
}

// Execute parses args and runs the selected enrollgate command.
func Execute(ctx context.Context, args []string) error {
	root := newRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:   "enrollgate",
		Short: "Remote fingerprint enrollment gateway",
		Long: `enrollgate connects to fingerprint terminals, pools their
connections and runs remote enrollment sessions behind an HTTP API.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetVersionTemplate("enrollgate {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "Configuration file (default $"+config.EnvConfigPath+")")
	pf.CountVarP(&g.verbose, "verbose", "v", "Increase verbosity (repeatable)")
	pf.BoolVar(&g.timestamps, "timestamps", false, "Prefix log lines with a timestamp")
	addTunnelFlags(pf, g)

	root.AddCommand(newServeCommand(g))
	root.AddCommand(newProbeCommand(g))
	root.AddCommand(newSimulateCommand(g))
	root.AddCommand(newVersionCommand())
	return root
}

func addTunnelFlags(fs *flag.FlagSet, g *globalFlags) {
	fs.StringVarP(&g.tunnel, "tunnel", "T", "", "Reach devices through an SSH bastion [user@]host[:port]")
	fs.StringVar(&g.sshKey, "ssh-key", "", "SSH private key file")
	fs.BoolVar(&g.sshPassword, "ssh-password", false, "Prompt for the SSH password")
	fs.BoolVar(&g.sshAgent, "ssh-agent", false, "Use the SSH agent")
	fs.BoolVar(&g.strictHostKey, "strict-hostkey", false, "Verify SSH host keys")
	fs.StringVar(&g.knownHostsPath, "known-hosts", "", "Custom known_hosts path")
}

// loadConfig reads the configuration and applies the global flags that
// were set on the command line.
func (g *globalFlags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}

	fs := cmd.Flags()
	if fs.Changed("verbose") {
		cfg.Log.Verbose = g.verbose
	}
	if fs.Changed("timestamps") {
		cfg.Log.Timestamps = g.timestamps
	}
	if fs.Changed("tunnel") {
		cfg.Tunnel.Spec = g.tunnel
	}
	if fs.Changed("ssh-key") {
		cfg.Tunnel.KeyPath = g.sshKey
	}
	if fs.Changed("ssh-password") {
		cfg.Tunnel.Password = g.sshPassword
	}
	if fs.Changed("ssh-agent") {
		cfg.Tunnel.UseAgent = g.sshAgent
	}
	if fs.Changed("strict-hostkey") {
		cfg.Tunnel.StrictHostKey = g.strictHostKey
	}
	if fs.Changed("known-hosts") {
		cfg.Tunnel.KnownHostsPath = g.knownHostsPath
	}
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("tunnel: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *util.Logger {
	logger := util.NewLogger(cfg.Log.Verbose)
	logger.SetTimestamps(cfg.Log.Timestamps)
	return logger
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "enrollgate %s\n", version)
			return nil
		},
	}
}
