// Package crypto implements the queue record envelope: zstd-compressed
// plaintext sealed with AES-256-GCM, bound to the device id as AAD.
//
// Envelope layout, bit-exact:
//
//	magic "EV1" (3 B) | nonce (12 B) | ciphertext || auth tag
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	nonceLen = 12
	tagLen   = 16
)

var magic = []byte("EV1")

// ErrMalformed is returned for blobs too short to carry the envelope or
// with a wrong magic.
var ErrMalformed = errors.New("malformed event envelope")

// Box seals and opens queue payloads for a fixed key and AAD.
type Box struct {
	aead cipher.AEAD
	aad  []byte
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

// NewBox builds a Box from a 32-byte key. The AAD (device id bytes) makes
// ciphertexts non-transplantable across devices.
func NewBox(key, aad []byte) (*Box, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("invalid AES key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Box{aead: aead, aad: append([]byte(nil), aad...), enc: enc, dec: dec}, nil
}

// Seal compresses then encrypts plaintext with a fresh random nonce.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	compressed := b.enc.EncodeAll(plaintext, nil)

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, len(magic)+nonceLen+len(compressed)+tagLen)
	out = append(out, magic...)
	out = append(out, nonce...)
	out = b.aead.Seal(out, nonce, compressed, b.aad)
	return out, nil
}

// Open authenticates, decrypts and decompresses a sealed blob. Any
// authentication failure is surfaced to the caller; records are never
// silently discarded.
func (b *Box) Open(blob []byte) ([]byte, error) {
	if len(blob) < len(magic)+nonceLen+tagLen || !bytes.Equal(blob[:len(magic)], magic) {
		return nil, ErrMalformed
	}
	nonce := blob[len(magic) : len(magic)+nonceLen]
	ct := blob[len(magic)+nonceLen:]

	compressed, err := b.aead.Open(nil, nonce, ct, b.aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting event: %w", err)
	}
	plaintext, err := b.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing event: %w", err)
	}
	return plaintext, nil
}
