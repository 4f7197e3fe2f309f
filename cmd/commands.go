package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"enrollgate/config"
	"enrollgate/internal/core"
	"enrollgate/internal/device/simulator"
	"enrollgate/tunnel"
)

func newServeCommand(g *globalFlags) *cobra.Command {
	var listen string
	var printConfig bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the enrollment service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Service.Listen = listen
			}
			if printConfig {
				if err := cfg.Validate(); err != nil {
					return err
				}
				out, err := config.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			mode, err := core.BuildServe(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			return mode.Run(cmd.Context())
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", config.DefaultListen, "HTTP listen address")
	cmd.Flags().BoolVar(&printConfig, "print-config", false, "Print the effective configuration and exit")
	return cmd
}

func newProbeCommand(g *globalFlags) *cobra.Command {
	var (
		asJSON    bool
		timeout   time.Duration
		secret    string
		askSecret bool
	)

	cmd := &cobra.Command{
		Use:   "probe <address[:port]>...",
		Short: "Test connectivity and authentication against devices",
		Long: `probe opens one authenticated connection to each device, asks
for its identity and reports the latency.  It exits non-zero when any
device fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("timeout") {
				cfg.Device.TestTimeout = config.Duration(timeout)
			}
			if askSecret {
				if secret, err = tunnel.PromptSecret("Device secret: "); err != nil {
					return err
				}
			}
			mode, err := core.BuildProbe(cfg, args, secret, asJSON, newLogger(cfg))
			if err != nil {
				return err
			}
			mode.Out = cmd.OutOrStdout()
			return mode.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	cmd.Flags().DurationVarP(&timeout, "timeout", "w", config.DefaultTestTimeout, "Per-device test timeout")
	cmd.Flags().StringVar(&secret, "secret", "", "Device secret (default device.secret from the config)")
	cmd.Flags().BoolVar(&askSecret, "ask-secret", false, "Prompt for the device secret")
	cmd.MarkFlagsMutuallyExclusive("secret", "ask-secret")
	return cmd
}

func newSimulateCommand(g *globalFlags) *cobra.Command {
	var (
		listen string
		sim    simulator.Config
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated fingerprint terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("secret") {
				sim.Secret = cfg.Device.Secret
			}
			mode, err := core.BuildSimulate(listen, sim, newLogger(cfg))
			if err != nil {
				return err
			}
			return mode.Run(cmd.Context())
		},
	}
	fs := cmd.Flags()
	fs.StringVarP(&listen, "listen", "l", fmt.Sprintf("127.0.0.1:%d", config.DefaultDevicePort), "Terminal listen address")
	fs.StringVar(&sim.Secret, "secret", "", "Shared secret (default device.secret from the config)")
	fs.StringVar(&sim.Serial, "serial", "SIM0001", "Reported serial number")
	fs.IntVar(&sim.PollsToResult, "polls", 3, "Polls until the finger is read (0 = never)")
	fs.StringVar(&sim.Outcome, "outcome", "captured", "Capture outcome: captured, rejected or fault")
	fs.BoolVar(&sim.Busy, "busy", false, "Refuse every capture as busy")
	return cmd
}
