// Package simulator is an in-process fingerprint terminal.  It speaks
// the device wire protocol and follows a configurable script, for tests
// and for `enrollgate simulate`.
package simulator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"enrollgate/internal/device"
	"enrollgate/util"
)

// Fault selects a misbehaviour for handshake tests.
type Fault int

const (
	FaultNone         Fault = iota
	FaultBadMagic           // answer hello with garbage
	FaultBadSignature       // answer hello with a foreign signature
	FaultSilent             // never answer
	FaultHangUp             // close the connection on hello
)

// Config scripts the simulated terminal.
type Config struct {
	Secret   string
	Serial   string
	Model    string
	Firmware string

	// PollsToResult is the poll_capture count at which the capture
	// finishes (1 = first poll).  Zero means the finger never arrives.
	PollsToResult int
	// Outcome is the capture state reported once PollsToResult is
	// reached (default device.CaptureCaptured).
	Outcome string
	// Busy makes start_capture answer nak busy.
	Busy bool
	// Delay, when set, is slept before answering each op.
	Delay func(op device.Op) time.Duration
	// Fault applies to every hello.
	Fault Fault
}

// Server is a running simulated terminal.
type Server struct {
	cfg    Config
	ln     net.Listener
	logger *util.Logger
	wg     sync.WaitGroup
	quit   chan struct{}

	mu        sync.Mutex
	capturing bool
	polls     int
	user      string
	finger    int
	users     map[string]bool
	templates int
	accepts   int
	ops       map[device.Op]int
	conns     map[net.Conn]struct{}
	closed    bool
}

// Start listens on addr ("127.0.0.1:0" for tests) and serves until
// Close.
func Start(addr string, cfg Config, logger *util.Logger) (*Server, error) {
	if cfg.Serial == "" {
		cfg.Serial = "SIM0001"
	}
	if cfg.Model == "" {
		cfg.Model = "FP-SIM"
	}
	if cfg.Firmware == "" {
		cfg.Firmware = "1.0.0"
	}
	if cfg.Outcome == "" {
		cfg.Outcome = device.CaptureCaptured
	}
	if logger == nil {
		logger = util.Discard()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("simulator listen %s: %w", addr, err)
	}
	s := &Server{
		cfg:    cfg,
		ln:     ln,
		logger: logger,
		users:  make(map[string]bool),
		ops:    make(map[device.Op]int),
		conns:  make(map[net.Conn]struct{}),
		quit:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr is the listening address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Port is the listening port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Identity returns an identity that reaches this server with the right
// secret.
func (s *Server) Identity() device.Identity {
	a := s.ln.Addr().(*net.TCPAddr)
	return device.Identity{Address: a.IP.String(), Port: a.Port, Secret: s.cfg.Secret}
}

// Accepts is the number of connections accepted so far.
func (s *Server) Accepts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepts
}

// Count is how many times op has been received.
func (s *Server) Count(op device.Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[op]
}

// Capturing reports whether a capture is running.
func (s *Server) Capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capturing
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	<-ctx.Done()
	return s.Close()
}

// Close stops accepting, drops every connection and waits for the
// handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.quit)
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	err := s.ln.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("simulator accept: %v", err)
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			c.Close()
			return
		}
		s.accepts++
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(c)
	}
}

func (s *Server) serve(c net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()

	peer := c.RemoteAddr().String()
	s.logger.Verbose("simulator: %s connected", peer)

	bp := util.GetBuf()
	defer util.PutBuf(bp)
	authed := false
	for {
		f, _, err := device.ReadFrame(c, *bp)
		if err != nil {
			s.logger.Debug("simulator: %s gone: %v", peer, err)
			return
		}
		s.mu.Lock()
		s.ops[f.Op]++
		s.mu.Unlock()

		if s.cfg.Delay != nil {
			if d := s.cfg.Delay(f.Op); d > 0 {
				select {
				case <-time.After(d):
				case <-s.quit:
					return
				}
			}
		}

		if f.Op == device.OpHello {
			if s.cfg.Fault != FaultNone {
				if !s.misbehave(c) {
					return
				}
				continue
			}
		}

		op, body := s.handle(f, &authed)
		if _, err := device.WriteFrame(c, op, f.Seq, body); err != nil {
			return
		}
		if f.Op == device.OpBye {
			return
		}
	}
}

// misbehave applies the configured fault to a hello.  It reports
// whether the connection should stay open.
func (s *Server) misbehave(c net.Conn) bool {
	switch s.cfg.Fault {
	case FaultBadMagic:
		c.Write([]byte("HTTP/1.0 400 Bad Request\r\n\r\n")) //nolint:errcheck
		return false
	case FaultBadSignature:
		device.WriteFrame(c, device.OpAck, 1, device.HelloAck{Signature: "XXTERM"}) //nolint:errcheck
		return true
	case FaultSilent:
		return true
	}
	return false
}

func nak(code, msg string) (device.Op, any) {
	return device.OpNak, device.Nak{Code: code, Message: msg}
}

func (s *Server) handle(f device.Frame, authed *bool) (device.Op, any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.Op != device.OpHello && !*authed {
		return nak(device.NakUnauthorized, "hello first")
	}

	switch f.Op {
	case device.OpHello:
		var h device.Hello
		if err := device.Decode(f.Body, &h); err != nil {
			return nak(device.NakBadRequest, err.Error())
		}
		if h.Secret != s.cfg.Secret {
			return nak(device.NakUnauthorized, "wrong communication key")
		}
		*authed = true
		return device.OpAck, device.HelloAck{
			Signature: device.Signature,
			Serial:    s.cfg.Serial,
			Model:     s.cfg.Model,
			Firmware:  s.cfg.Firmware,
		}

	case device.OpIdentity:
		return device.OpAck, device.Info{
			Serial:    s.cfg.Serial,
			Model:     s.cfg.Model,
			Firmware:  s.cfg.Firmware,
			Users:     len(s.users),
			Templates: s.templates,
			Capacity:  3000,
		}

	case device.OpStatus:
		state := "idle"
		if s.capturing {
			state = "capturing"
		}
		return device.OpAck, device.Status{State: state, Users: len(s.users), Templates: s.templates}

	case device.OpStartCapture:
		var req device.CaptureRequest
		if err := device.Decode(f.Body, &req); err != nil {
			return nak(device.NakBadRequest, err.Error())
		}
		if s.cfg.Busy || s.capturing {
			return nak(device.NakBusy, "capture already running")
		}
		if req.Finger < 0 || req.Finger > 9 {
			return nak(device.NakBadRequest, "finger out of range")
		}
		s.capturing = true
		s.polls = 0
		s.user, s.finger = req.UserRef, req.Finger
		return device.OpAck, nil

	case device.OpPollCapture:
		if !s.capturing {
			return nak(device.NakNoCapture, "no capture running")
		}
		s.polls++
		if s.cfg.PollsToResult == 0 || s.polls < s.cfg.PollsToResult {
			return device.OpAck, device.CaptureResult{State: device.CaptureWaiting}
		}
		s.capturing = false
		switch s.cfg.Outcome {
		case device.CaptureCaptured:
			s.users[s.user] = true
			s.templates++
			return device.OpAck, device.CaptureResult{
				State:    device.CaptureCaptured,
				Template: fmt.Sprintf("%s/%s/%d", s.cfg.Serial, s.user, s.finger),
				Quality:  80,
			}
		case device.CaptureRejected:
			return device.OpAck, device.CaptureResult{State: device.CaptureRejected, Reason: "low quality"}
		default:
			return device.OpAck, device.CaptureResult{State: device.CaptureFault, Reason: "sensor error"}
		}

	case device.OpCancelCapture:
		s.capturing = false
		return device.OpAck, nil

	case device.OpBye:
		return device.OpAck, nil
	}
	return nak(device.NakBadRequest, fmt.Sprintf("unknown op %s", f.Op))
}
