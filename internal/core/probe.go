package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"enrollgate/config"
	"enrollgate/internal/device"
	"enrollgate/internal/transport"
	"enrollgate/util"
)

const maxConcurrentProbes = 16

// ProbeMode runs the connection test against a list of devices,
// outside any pool, and prints one line per device.
type ProbeMode struct {
	Dialer  transport.Dialer
	Opener  device.Opener
	Targets []device.Identity
	Timeout time.Duration
	JSON    bool
	Out     io.Writer
	Logger  *util.Logger
}

// Run probes every target and renders the results: a table on a
// terminal, JSON otherwise or when requested.  It fails when any
// device failed.  The transport is closed when Run returns.
func (m *ProbeMode) Run(ctx context.Context) error {
	defer m.Dialer.Close()

	timeout := m.Timeout
	if timeout == 0 {
		timeout = config.DefaultTestTimeout
	}
	out := m.Out
	if out == nil {
		out = os.Stdout
	}

	m.Logger.Verbose("probing %d device(s)", len(m.Targets))
	results := ProbeDevices(ctx, m.Opener, m.Targets, timeout)

	if m.JSON || !isTerminal(out) {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, renderResults(results))
	}

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
			m.Logger.Verbose("%s: %s", r.Address, r.Failure.Message)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d device(s) failed", failed, len(results))
	}
	return nil
}

// ProbeDevices tests every identity concurrently and returns results in
// the same order as the input slice.
func ProbeDevices(ctx context.Context, o device.Opener, ids []device.Identity, timeout time.Duration) []device.TestResult {
	results := make([]device.TestResult, len(ids))
	sem := make(chan struct{}, maxConcurrentProbes)
	var wg sync.WaitGroup

	for i, id := range ids {
		wg.Add(1)
		go func(idx int, id device.Identity) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[idx] = device.Test(ctx, o, id, timeout)
		}(i, id)
	}

	wg.Wait()
	return results
}

func renderResults(results []device.TestResult) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Address", "Status", "Latency", "Device", "Detail"})
	for _, r := range results {
		status, dev, detail := "ok", "", ""
		if r.Device != nil {
			dev = r.Device.String()
		}
		if r.Failure != nil {
			status = r.Failure.Code
			detail = r.Failure.Message
		}
		tw.AppendRow(table.Row{r.Address, status, strconv.FormatFloat(r.LatencyMS, 'f', 1, 64) + " ms", dev, detail})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
