package device

import (
	"context"
	"time"

	ncerr "enrollgate/internal/errors"
)

// TestResult is the outcome of [Test].
type TestResult struct {
	Address   string          `json:"address"`
	OK        bool            `json:"ok"`
	Latency   time.Duration   `json:"-"`
	LatencyMS float64         `json:"latency_ms"`
	Device    *Info           `json:"device,omitempty"`
	Failure   *ncerr.Category `json:"error,omitempty"`
}

// Test performs one establishment and one identity query against id
// under its own timeout, bypassing any pool.  Latency covers the whole
// exchange.  Failures are reported in the result, never as an error.
func Test(ctx context.Context, o Opener, id Identity, timeout time.Duration) TestResult {
	res := TestResult{Address: id.Key()}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	info, err := testOnce(ctx, o, id)
	res.Latency = time.Since(start)
	res.LatencyMS = float64(res.Latency.Microseconds()) / 1000

	if err != nil {
		cat := ncerr.Translate(err)
		res.Failure = &cat
		return res
	}
	res.OK = true
	res.Device = &info
	return res
}

func testOnce(ctx context.Context, o Opener, id Identity) (Info, error) {
	t, err := o.Open(ctx, id)
	if err != nil {
		return Info{}, err
	}
	defer t.Close()
	return t.Identity(ctx)
}
