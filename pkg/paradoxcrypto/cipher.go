// Package paradoxcrypto implements the symmetric block cipher used to
// encrypt IP150 frame payloads.
//
// The panel encrypts each 16-byte block independently (there is no chaining
// or IV); the key is the connection password until the session handshake
// replaces it with the key the panel returns.
package paradoxcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// BlockSize is the panel's fixed block size. Plaintext is zero-padded up to
// a multiple of BlockSize before encryption.
const BlockSize = 16

// Cipher encrypts and decrypts IP150 payloads with a replaceable key.
type Cipher struct {
	block cipher.Block
	key   []byte
}

// New creates a Cipher for key. The key is padded/truncated to 16 bytes, as
// the panel's password and session keys are not always exactly 16 bytes.
func New(key []byte) (*Cipher, error) {
	c := &Cipher{}
	if err := c.SetKey(key); err != nil {
		return nil, err
	}
	return c, nil
}

// SetKey replaces the active key, as happens after the CONNECT handshake
// response.
func (c *Cipher) SetKey(key []byte) error {
	k := normalizeKey(key)
	b, err := aes.NewCipher(k)
	if err != nil {
		return fmt.Errorf("paradoxcrypto: new cipher: %w", err)
	}
	c.block = b
	c.key = k
	return nil
}

// Key returns the currently active key.
func (c *Cipher) Key() []byte {
	return c.key
}

// normalizeKey pads with zeros or truncates to exactly 16 bytes, matching
// how the panel treats passwords shorter or longer than one block.
func normalizeKey(key []byte) []byte {
	k := make([]byte, BlockSize)
	copy(k, key)
	return k
}

// pad zero-pads b up to the next multiple of BlockSize; an empty b becomes
// one all-zero block.
func pad(b []byte) []byte {
	if n := len(b) % BlockSize; n != 0 {
		p := make([]byte, len(b)+(BlockSize-n))
		copy(p, b)
		return p
	}
	if len(b) == 0 {
		return make([]byte, BlockSize)
	}
	return b
}

// Encrypt zero-pads plaintext to the next 16-byte boundary and encrypts it
// block-by-block (ECB, no chaining, per the panel's wire format).
func (c *Cipher) Encrypt(plaintext []byte) []byte {
	p := pad(plaintext)
	out := make([]byte, len(p))
	for i := 0; i < len(p); i += BlockSize {
		c.block.Encrypt(out[i:i+BlockSize], p[i:i+BlockSize])
	}
	return out
}

// Decrypt decrypts the full block stream. The caller truncates the result
// using the frame header's declared logical length.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%BlockSize != 0 {
		return nil, fmt.Errorf("paradoxcrypto: ciphertext length %d is not a multiple of %d", len(ciphertext), BlockSize)
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += BlockSize {
		c.block.Decrypt(out[i:i+BlockSize], ciphertext[i:i+BlockSize])
	}
	return out, nil
}

// EncryptWith is a convenience for one-shot encryption with an explicit key,
// used for the initial CONNECT payload (encrypted under the password
// itself, before a Cipher has been constructed for the session).
func EncryptWith(plaintext, key []byte) ([]byte, error) {
	c, err := New(key)
	if err != nil {
		return nil, err
	}
	return c.Encrypt(plaintext), nil
}
