// Package ipframe builds and parses IP150 frames: a fixed 16-byte header
// followed by a possibly-encrypted payload.
package ipframe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the fixed first header byte of every frame.
const Magic = 0xAA

// HeaderSize is the fixed header length in bytes.
const HeaderSize = 16

// Session control commands (header.command for unknown0 == CtrlSession).
const (
	CmdConnect   = 0xF0
	CmdF2        = 0xF2
	CmdF3        = 0xF3
	CmdF8        = 0xF8
	CmdData      = 0x00
)

// Unknown0 values, named for what they select: session control vs data.
const (
	CtrlSession uint16 = 0x03
	CtrlData    uint16 = 0x04
)

// Flag bits.
const (
	FlagEncrypted byte = 0x01
)

// ErrBadMagic is returned when a buffer does not start with Magic.
var ErrBadMagic = errors.New("ipframe: bad magic byte")

// ErrShort is returned when a buffer is too short to contain a full frame.
var ErrShort = errors.New("ipframe: buffer too short")

// Header is the 16-byte IP150 frame header.
type Header struct {
	Length   uint8  // unencrypted logical payload length
	Unknown0 uint16 // 0x03 session control, 0x04 data
	Flags    byte   // bit 0: payload is encrypted
	Command  byte   // 0xF0/F2/F3/F8 session, 0x00 data
}

// Encrypted reports whether the header's flags indicate an encrypted
// payload.
func (h Header) Encrypted() bool {
	return h.Flags&FlagEncrypted != 0
}

// Cipher is the minimal capability Frame needs to encrypt/decrypt a
// payload; *paradoxcrypto.Cipher satisfies it.
type Cipher interface {
	Encrypt(plaintext []byte) []byte
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Build serializes header and payload into a wire frame, encrypting the
// payload first if the header's flags request it.
func Build(h Header, payload []byte, c Cipher) ([]byte, error) {
	h.Length = uint8(len(payload))

	body := payload
	if h.Encrypted() {
		if c == nil {
			return nil, errors.New("ipframe: encrypted frame requires a cipher")
		}
		body = c.Encrypt(payload)
	}

	buf := make([]byte, HeaderSize+len(body))
	buf[0] = Magic
	buf[1] = h.Length
	binary.LittleEndian.PutUint16(buf[2:4], h.Unknown0)
	buf[4] = h.Flags
	buf[5] = h.Command
	// buf[6:16] reserved, left zero
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// Parse splits a complete wire frame into its header and logical (decrypted
// and length-truncated) payload.
func Parse(buf []byte, c Cipher) (Header, []byte, error) {
	if len(buf) < HeaderSize {
		return Header{}, nil, ErrShort
	}
	if buf[0] != Magic {
		return Header{}, nil, ErrBadMagic
	}

	h := Header{
		Length:   buf[1],
		Unknown0: binary.LittleEndian.Uint16(buf[2:4]),
		Flags:    buf[4],
		Command:  buf[5],
	}

	body := buf[HeaderSize:]
	if h.Encrypted() && len(body) >= paradoxBlockSize && len(body)%paradoxBlockSize == 0 {
		if c == nil {
			return h, nil, errors.New("ipframe: encrypted frame requires a cipher")
		}
		pt, err := c.Decrypt(body)
		if err != nil {
			return h, nil, fmt.Errorf("ipframe: decrypt payload: %w", err)
		}
		if int(h.Length) > len(pt) {
			return h, nil, fmt.Errorf("ipframe: declared length %d exceeds decrypted payload %d", h.Length, len(pt))
		}
		return h, pt[:h.Length], nil
	}

	if int(h.Length) > len(body) {
		return h, nil, fmt.Errorf("ipframe: declared length %d exceeds payload %d", h.Length, len(body))
	}
	return h, body[:h.Length], nil
}

const paradoxBlockSize = 16

// FrameLen returns the total wire length of a frame whose body (possibly
// encrypted) is bodyLen bytes.
func FrameLen(bodyLen int) int {
	return HeaderSize + bodyLen
}
