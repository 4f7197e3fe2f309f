package core

import (
	"context"

	"enrollgate/internal/device/simulator"
	"enrollgate/util"
)

// SimulateMode runs an in-process fingerprint terminal, for trying the
// service without hardware.
type SimulateMode struct {
	Address string
	Config  simulator.Config
	Logger  *util.Logger

	// OnReady, when set, receives the running terminal.
	OnReady func(s *simulator.Server)
}

// Run serves until ctx is cancelled.
func (m *SimulateMode) Run(ctx context.Context) error {
	s, err := simulator.Start(m.Address, m.Config, m.Logger.Named("simulator"))
	if err != nil {
		return err
	}
	m.Logger.Info("simulated terminal listening on %s", s.Addr())
	if m.OnReady != nil {
		m.OnReady(s)
	}
	return s.Run(ctx)
}
