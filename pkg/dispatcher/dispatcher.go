// Package dispatcher implements the mutex-serialized request/reply engine
// described in spec §4.7: write-then-read under a lock, with retries, reply
// code matching, and interleaved async event routing.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paradox-pai/bridge/pkg/panelprofile"
	"github.com/rs/zerolog"
)

// DefaultRetries/DefaultTimeout mirror spec §4.7's send_wait defaults.
const (
	DefaultRetries = 5
	DefaultTimeout = 5 * time.Second
)

// Conn is the minimal transport capability the dispatcher needs;
// *transport.Transport satisfies it.
type Conn interface {
	Send(ctx context.Context, plain []byte) error
	Recv(ctx context.Context, timeout time.Duration) ([]byte, error)
}

// Options configure one SendWait/Do call.
type Options struct {
	// Template and Args build the outbound message; leave both nil (along
	// with Raw) for a pure receive.
	Template *panelprofile.MessageTemplate
	Args     map[string]any

	// Raw is used instead of Template/Args when set.
	Raw []byte

	// Retries is the number of retries beyond the first attempt; 0 means
	// DefaultRetries.
	Retries int

	// Timeout bounds each individual recv; 0 means DefaultTimeout.
	Timeout time.Duration

	// ReplyExpected, if non-nil, causes replies with a different command
	// code to be logged and retried rather than returned.
	ReplyExpected *byte
}

// Dispatcher serializes all transport I/O behind an instance-scoped mutex
// (spec §9: no process-wide singleton) and classifies inbound payloads as
// replies, events, or terminate messages.
type Dispatcher struct {
	mu      sync.Mutex
	conn    Conn
	profile panelprofile.PanelProfile
	logger  zerolog.Logger

	OnEvent     func(panelprofile.Event)
	OnTerminate func(panelprofile.Terminate)

	DumpPackets  bool
	DumpMessages bool
}

// New constructs a Dispatcher over conn, parsing inbound payloads with
// profile.
func New(conn Conn, profile panelprofile.PanelProfile, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{conn: conn, profile: profile, logger: logger}
}

// SetProfile swaps the active PanelProfile, used once the concrete family
// is known from the StartCommunication reply's product_id.
func (d *Dispatcher) SetProfile(profile panelprofile.PanelProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profile = profile
}

// SendWait implements panelprofile.Requester with default retries/timeout
// and a required reply code, for use by PanelProfile.UpdateLabels.
func (d *Dispatcher) SendWait(ctx context.Context, tmpl panelprofile.MessageTemplate, args map[string]any, replyExpected byte) (panelprofile.ParsedMessage, error) {
	return d.Do(ctx, Options{Template: &tmpl, Args: args, ReplyExpected: &replyExpected})
}

// Do is the general send/receive call described in spec §4.7.
func (d *Dispatcher) Do(ctx context.Context, opts Options) (panelprofile.ParsedMessage, error) {
	var message []byte
	sendMessage := opts.Template != nil || opts.Raw != nil
	if opts.Template != nil {
		m, err := opts.Template.Encode(opts.Args)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: encode %s: %w", opts.Template.Name, err)
		}
		message = m
	} else if opts.Raw != nil {
		message = opts.Raw
	}

	retries := opts.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	attemptsLeft := retries + 1
	for attemptsLeft > 0 {
		attemptsLeft--

		d.mu.Lock()
		if sendMessage {
			if err := d.conn.Send(ctx, message); err != nil {
				d.mu.Unlock()
				return nil, err
			}
			if d.DumpPackets {
				d.logger.Debug().Hex("payload", message).Msg("dispatcher: sent payload")
			}
		}
		payload, err := d.conn.Recv(ctx, timeout)
		d.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if d.DumpPackets && len(payload) > 0 {
			d.logger.Debug().Hex("payload", payload).Msg("dispatcher: received payload")
		}

		if len(payload) == 0 {
			if !sendMessage {
				return nil, nil
			}
			continue
		}

		parsed, err := d.profile.ParseMessage(payload)
		if err != nil {
			d.logger.Warn().Err(err).Msg("dispatcher: error parsing message")
			continue
		}
		if parsed == nil {
			continue
		}
		if d.DumpMessages {
			d.logger.Debug().Interface("message", parsed).Msg("dispatcher: received message")
		}

		switch m := parsed.(type) {
		case panelprofile.Event:
			if d.OnEvent != nil {
				d.OnEvent(m)
			}
			if !sendMessage {
				return nil, nil
			}
			attemptsLeft++ // events never consume a retry
			continue
		case panelprofile.Terminate:
			if d.OnTerminate != nil {
				d.OnTerminate(m)
			}
			return nil, errTerminate
		}

		if opts.ReplyExpected != nil && parsed.Command() != *opts.ReplyExpected {
			d.logger.Error().
				Uint8("got", parsed.Command()).
				Uint8("want", *opts.ReplyExpected).
				Msg("dispatcher: reply mismatch")
			continue
		}
		return parsed, nil
	}
	return nil, nil
}

// errTerminate signals the panel sent a terminate message; the supervisor
// uses errors.Is to detect it and transition to Stop.
var errTerminate = errors.New("dispatcher: panel terminated the connection")

// ErrTerminate is the sentinel returned by Do when the panel sends a
// terminate message (command 0x70).
var ErrTerminate = errTerminate

// IsTerminate reports whether err is (or wraps) ErrTerminate.
func IsTerminate(err error) bool {
	return errors.Is(err, errTerminate)
}
