// Package transport owns the duplex socket to the panel (direct or
// relayed), the session key, and the four-step connect handshake.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/paradox-pai/bridge/pkg/ipframe"
	"github.com/paradox-pai/bridge/pkg/paradoxcrypto"
)

// ErrTransport wraps socket-closed, malformed-frame and decryption-length
// errors; any of these close the session.
var ErrTransport = errors.New("transport: error")

// ErrHandshake is returned when any handshake step fails or returns an
// unexpected command code.
var ErrHandshake = errors.New("transport: handshake failed")

// DefaultTimeout is used for recv calls outside of the poll loop.
const DefaultTimeout = 5 * time.Second

// f8Payload is the fixed, opaque 37-byte vendor payload sent as the final
// handshake step. Preserved byte-for-byte per spec §9.
var f8Payload = []byte{
	0x0a, 0x50, 0x00, 0x80, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xd0,
}

// Version is the panel/IP-module version reported by the CONNECT reply.
type Version struct {
	Major, Minor, IPMajor, IPMinor uint8
}

// Transport owns a net.Conn and the current session cipher.
type Transport struct {
	conn   net.Conn
	cipher *paradoxcrypto.Cipher

	buf []byte // leftover bytes from a previous partial Recv
}

// New wraps an already-connected net.Conn (direct or relayed).
func New(conn net.Conn) *Transport {
	return &Transport{conn: conn}
}

// Open runs the four-step handshake against password, replacing the
// session key with the one returned by the panel.
func (t *Transport) Open(ctx context.Context, password string) (Version, error) {
	c, err := paradoxcrypto.New([]byte(password))
	if err != nil {
		return Version{}, fmt.Errorf("%w: init cipher: %v", ErrHandshake, err)
	}
	t.cipher = c

	// Step 1: CONNECT, payload = encrypt(password, password).
	connectPayload := c.Encrypt([]byte(password))
	reply, err := t.roundTrip(ctx, ipframe.CmdConnect, connectPayload, true)
	if err != nil {
		return Version{}, fmt.Errorf("%w: connect: %v", ErrHandshake, err)
	}
	ver, sessionKey, err := parseConnectReply(reply)
	if err != nil {
		return Version{}, fmt.Errorf("%w: parse connect reply: %v", ErrHandshake, err)
	}
	if err := t.cipher.SetKey(sessionKey); err != nil {
		return Version{}, fmt.Errorf("%w: set session key: %v", ErrHandshake, err)
	}

	// Step 2: F2, empty encrypted payload, a reply is required.
	if _, err := t.roundTrip(ctx, ipframe.CmdF2, nil, true); err != nil {
		return Version{}, fmt.Errorf("%w: f2: %v", ErrHandshake, err)
	}

	// Step 3: F3, likewise.
	if _, err := t.roundTrip(ctx, ipframe.CmdF3, nil, true); err != nil {
		return Version{}, fmt.Errorf("%w: f3: %v", ErrHandshake, err)
	}

	// Step 4: F8, fixed 37-byte payload.
	if _, err := t.roundTrip(ctx, ipframe.CmdF8, f8Payload, true); err != nil {
		return Version{}, fmt.Errorf("%w: f8: %v", ErrHandshake, err)
	}

	return ver, nil
}

func parseConnectReply(payload []byte) (Version, []byte, error) {
	// Vendor layout: key bytes first (same length as the negotiated block),
	// followed by a 4-byte version quad. We only know the key is whatever
	// is left once the trailing version bytes are removed.
	if len(payload) < 4 {
		return Version{}, nil, fmt.Errorf("reply too short (%d bytes)", len(payload))
	}
	key := payload[:len(payload)-4]
	v := payload[len(payload)-4:]
	return Version{Major: v[0], Minor: v[1], IPMajor: v[2], IPMinor: v[3]}, key, nil
}

// roundTrip builds a session-control frame, sends it, and reads the single
// reply payload, failing if requireReply is set and none arrives.
func (t *Transport) roundTrip(ctx context.Context, command byte, payload []byte, requireReply bool) ([]byte, error) {
	h := ipframe.Header{Unknown0: ipframe.CtrlSession, Flags: ipframe.FlagEncrypted, Command: command}
	frame, err := ipframe.Build(h, payload, t.cipher)
	if err != nil {
		return nil, err
	}
	if err := t.writeFrame(ctx, frame); err != nil {
		return nil, err
	}
	reply, err := t.Recv(ctx, DefaultTimeout)
	if err != nil {
		return nil, err
	}
	if requireReply && reply == nil {
		return nil, errors.New("no reply")
	}
	return reply, nil
}

func (t *Transport) writeFrame(ctx context.Context, frame []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(dl)
	} else {
		t.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransport, err)
	}
	return nil
}

// Send encrypts and frames a data-channel message to the panel.
func (t *Transport) Send(ctx context.Context, plain []byte) error {
	h := ipframe.Header{Unknown0: ipframe.CtrlData, Flags: ipframe.FlagEncrypted, Command: ipframe.CmdData}
	frame, err := ipframe.Build(h, plain, t.cipher)
	if err != nil {
		return fmt.Errorf("%w: build frame: %v", ErrTransport, err)
	}
	return t.writeFrame(ctx, frame)
}

// Recv reads until a full frame is assembled and returns its decrypted
// payload, or (nil, nil) on timeout ("no data", not an error).
//
// It guarantees: a frame starts with 0xAA; at least header.length+16 bytes
// are available; total frame length is a multiple of 16.
func (t *Transport) Recv(ctx context.Context, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	if ctxDl, ok := ctx.Deadline(); ok && ctxDl.Before(deadline) {
		deadline = ctxDl
	}
	t.conn.SetReadDeadline(deadline)
	defer t.conn.SetReadDeadline(time.Time{})

	chunk := make([]byte, 4096)
	for {
		// Resync: discard bytes until a magic byte is seen.
		for len(t.buf) > 0 && t.buf[0] != ipframe.Magic {
			t.buf = t.buf[1:]
		}

		if len(t.buf) >= ipframe.HeaderSize {
			declared := int(t.buf[1])
			need := ipframe.HeaderSize + declared
			if len(t.buf) >= need && (len(t.buf)-ipframe.HeaderSize)%16 == 0 {
				frame := t.buf[:len(t.buf)-((len(t.buf)-ipframe.HeaderSize)%16)]
				_, payload, err := ipframe.Parse(frame, t.cipher)
				if err != nil {
					t.buf = nil
					return nil, fmt.Errorf("%w: %v", ErrTransport, err)
				}
				t.buf = t.buf[len(frame):]
				return payload, nil
			}
		}

		n, err := t.conn.Read(chunk)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: read: %v", ErrTransport, err)
		}
		if n == 0 {
			continue
		}
		t.buf = append(t.buf, chunk[:n]...)
	}
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}

// SessionKey returns the current session key, mainly for diagnostics.
func (t *Transport) SessionKey() []byte {
	if t.cipher == nil {
		return nil
	}
	return t.cipher.Key()
}
