package isp

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/k32w-flasher/internal/protocol"
)

// Transport is the UART link to the bootloader.
type Transport interface {
	// Write sends a whole frame.
	Write(p []byte) (int, error)
	// Read returns the bytes that are available now, possibly none.
	Read(p []byte) (int, error)
	// ResetTarget restarts the device into its ISP bootloader.
	ResetTarget() error
	// Flush discards any input not read yet.
	Flush() error
}

// baudSwitcher is a transport whose host side UART speed can change.
type baudSwitcher interface {
	BaudRate() int
	SetBaudRate(baud int) error
}

// Clock supplies time to the session.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }

// Session talks to one ISP bootloader over one transport. A session is not
// safe for concurrent use and never has more than one request in flight.
type Session struct {
	transport Transport
	clock     Clock
	log       *logrus.Entry

	// bootBaud is the host speed before SetBaudRate, zero when unchanged.
	bootBaud int

	resetDelay    time.Duration
	responseDelay time.Duration
	readTimeout   time.Duration
	pollInterval  time.Duration
}

// Option configures a Session.
type Option func(*Session)

// WithClock sets the clock used for delays and read deadlines.
func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the log entry the session logs through.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Session) { s.log = l }
}

// WithResetDelay sets how long Connect waits for the bootloader to start.
func WithResetDelay(d time.Duration) Option {
	return func(s *Session) { s.resetDelay = d }
}

// WithResponseDelay sets the pause between sending a request and reading
// its response.
func WithResponseDelay(d time.Duration) Option {
	return func(s *Session) { s.responseDelay = d }
}

// WithReadTimeout sets the deadline of each response read.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Session) { s.readTimeout = d }
}

// WithPollInterval sets the sleep between empty reads.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) { s.pollInterval = d }
}

// NewSession creates a session over t.
func NewSession(t Transport, opts ...Option) (*Session, error) {
	if t == nil {
		return nil, &OpError{Op: "New Session", Status: StatusInvalidTransport}
	}
	s := &Session{
		transport:     t,
		clock:         realClock{},
		log:           logrus.WithField("component", "isp"),
		resetDelay:    protocol.DefaultResetDelay,
		responseDelay: protocol.DefaultResponseDelay,
		readTimeout:   protocol.DefaultReadTimeout,
		pollInterval:  protocol.DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Connect resets the device into its bootloader and waits for it to boot.
func (s *Session) Connect() error {
	s.log.Info("Resetting device into ISP mode")
	if err := s.transport.ResetTarget(); err != nil {
		s.log.WithError(err).Error("Reset failed")
		return &OpError{Op: "Reset Target", Status: StatusCommsFailed, Err: err}
	}

	// The bootloader always starts at its default speed
	if s.bootBaud != 0 {
		if sw, ok := s.transport.(baudSwitcher); ok {
			if err := sw.SetBaudRate(s.bootBaud); err != nil {
				return &OpError{Op: "Reset Target", Status: StatusCommsFailed, Err: err}
			}
		}
		s.bootBaud = 0
	}
	s.clock.Sleep(s.resetDelay)
	return nil
}

// readWithTimeout polls the transport until buf is full or timeout has
// passed, and returns the number of bytes read.
func (s *Session) readWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	deadline := s.clock.Now().Add(timeout)
	n := 0
	for n < len(buf) {
		m, err := s.transport.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
		if n == len(buf) || !s.clock.Now().Before(deadline) {
			break
		}
		if m == 0 {
			s.clock.Sleep(s.pollInterval)
		}
	}
	return n, nil
}

// Request sends cmd and returns the decoded response without interpreting
// its status or type.
func (s *Session) Request(cmd protocol.Command) (*protocol.Response, error) {
	req := protocol.NewRequest(cmd)
	if len(req.Payload) > protocol.MaxPayloadSize {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d: %w", len(req.Payload), protocol.MaxPayloadSize, protocol.ResponseBadState)
	}

	frame, err := req.Encode()
	if err != nil {
		return nil, err
	}

	// Drop late or unread bytes of an earlier exchange
	if err := s.transport.Flush(); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	s.log.Tracef("TX: % X", frame)
	if _, err := s.transport.Write(frame); err != nil {
		return nil, err
	}

	s.clock.Sleep(s.responseDelay)

	buf := make([]byte, protocol.MaxFrameSize)
	n, err := s.readWithTimeout(buf[:protocol.LengthPrefixSize], s.readTimeout)
	if err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	if n < protocol.LengthPrefixSize {
		return nil, fmt.Errorf("got %d of %d length bytes: %w", n, protocol.LengthPrefixSize, protocol.ResponseNoResponse)
	}

	length, err := protocol.FrameLength(buf[:n])
	if err != nil {
		return nil, err
	}
	if length >= protocol.MaxFrameSize {
		return nil, fmt.Errorf("declared length %d exceeds %d: %w", length, protocol.MaxFrameSize-1, protocol.ResponseBadState)
	}
	if length < protocol.LengthPrefixSize {
		return nil, fmt.Errorf("declared length %d: %w", length, protocol.ResponseNoResponse)
	}

	want := length - protocol.LengthPrefixSize
	n, err = s.readWithTimeout(buf[protocol.LengthPrefixSize:length], s.readTimeout)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if n != want {
		return nil, fmt.Errorf("got %d of %d frame bytes: %w", n, want, protocol.ResponseNoResponse)
	}

	s.log.Tracef("RX: % X", buf[:length])
	return protocol.DecodeResponse(buf[:length])
}

// exchange performs one request/response round trip for op, checks the
// response status and type, and parses the payload with parse when given.
func exchange[T any](s *Session, op string, cmd protocol.Command, parse func(*protocol.Response) (T, error)) (T, error) {
	var zero T

	s.log.Debugf("Send %s", op)
	resp, err := s.Request(cmd)
	if err != nil {
		s.log.WithError(err).Errorf("%s failed", op)
		return zero, &OpError{Op: op, Status: StatusCommsFailed, Err: err}
	}
	s.log.Debugf("Recv %s response", op)

	if status := statusFor(resp.Status); status != StatusOK {
		s.log.Errorf("%s failed: %s", op, resp.ErrorString())
		return zero, &OpError{Op: op, Status: status, Err: resp.Status}
	}

	if expected := cmd.Type().Response(); resp.Type != expected {
		err := fmt.Errorf("got %s, want %s", resp.Type, expected)
		s.log.WithError(err).Errorf("%s failed", op)
		return zero, &OpError{Op: op, Status: StatusCommsFailed, Err: err}
	}

	if parse == nil {
		return zero, nil
	}
	v, err := parse(resp)
	if err != nil {
		s.log.WithError(err).Errorf("%s failed", op)
		return zero, &OpError{Op: op, Status: StatusCommsFailed, Err: err}
	}
	return v, nil
}

// call is exchange for commands without a response payload.
func (s *Session) call(op string, cmd protocol.Command) error {
	_, err := exchange[struct{}](s, op, cmd, nil)
	return err
}
