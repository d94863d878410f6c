// Package idcodec obfuscates numeric database ids on the wire.
//
// Values are left padded with '!' to a multiple of the Blowfish block size,
// encrypted block by block (ECB) and hex encoded. The format is shared with
// Galaxy's id_secret encoding, so ids minted by an instance decode here when
// both sides use the same secret.
package idcodec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/blowfish"
)

// DefaultSecret is used when no secret is configured. It is not secure.
const DefaultSecret = "USING THE DEFAULT IS NOT SECURE!"

var ErrMalformed = errors.New("malformed encoded id")

// Codec encodes and decodes ids with a fixed secret. It is safe for concurrent use.
type Codec struct {
	cipher *blowfish.Cipher
}

// New creates a Codec. An empty secret selects DefaultSecret.
func New(secret string) (*Codec, error) {
	if secret == "" {
		secret = DefaultSecret
	}
	c, err := blowfish.NewCipher([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to create id cipher: %w", err)
	}
	return &Codec{cipher: c}, nil
}

// EncodeString encrypts an arbitrary string value.
func (c *Codec) EncodeString(value string) string {
	pad := blowfish.BlockSize - len(value)%blowfish.BlockSize
	plain := []byte(strings.Repeat("!", pad) + value)

	out := make([]byte, len(plain))
	for i := 0; i < len(plain); i += blowfish.BlockSize {
		c.cipher.Encrypt(out[i:i+blowfish.BlockSize], plain[i:i+blowfish.BlockSize])
	}
	return hex.EncodeToString(out)
}

// DecodeString reverses EncodeString.
func (c *Codec) DecodeString(encoded string) (string, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) == 0 || len(raw)%blowfish.BlockSize != 0 {
		return "", fmt.Errorf("%w: length %d", ErrMalformed, len(raw))
	}

	out := make([]byte, len(raw))
	for i := 0; i < len(raw); i += blowfish.BlockSize {
		c.cipher.Decrypt(out[i:i+blowfish.BlockSize], raw[i:i+blowfish.BlockSize])
	}
	return strings.TrimLeft(string(out), "!"), nil
}

// Encode obfuscates a numeric id.
func (c *Codec) Encode(id int64) string {
	return c.EncodeString(strconv.FormatInt(id, 10))
}

// Decode returns the numeric id behind an encoded value.
func (c *Codec) Decode(encoded string) (int64, error) {
	s, err := c.DecodeString(encoded)
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: not numeric", ErrMalformed)
	}
	return id, nil
}
