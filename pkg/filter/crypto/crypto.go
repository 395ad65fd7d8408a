// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package crypto implements the crypto filter: a transparent read/write
// transform inserted between the VDISK engine and the backend whenever a
// medium's base carries a CRYPT/KeyStore property.
package crypto

import (
	"crypto/aes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/xts"

	"github.com/virtdisk/vdcore/internal/vderr"
)

const (
	// SectorSize is the unit the XTS tweak (sector number) advances by.
	SectorSize = 512

	pbkdf2Iterations = 100_000
	saltSize         = 16
	checkMagicSize   = 32
)

var checkMagic = []byte("vdcore-keystore-check-value-----")[:checkMagicSize]

// Config is what the backend sees for an encrypted medium.
type Config struct {
	Algorithm      string
	KeyID          string
	KeyStore       string // base64, opaque to everything but this package
	CreateKeyStore bool
}

// Filter transforms plaintext disk blocks to/from ciphertext. One Filter is
// bound to one opened chain for its lifetime.
type Filter struct {
	algorithm string
	cipher    *xts.Cipher
}

// keyStorePayload is the serialized form of Config.KeyStore.
type keyStorePayload struct {
	Salt  []byte
	Check []byte // AES-XTS-encrypted checkMagic, used to authenticate the password
}

// NewKeyStore authors a fresh keystore for password under algorithm,
// returning the Filter ready for writes and the serialized KeyStore blob
// to persist on the medium's CRYPT/KeyStore property.
func NewKeyStore(algorithm string, password []byte) (*Filter, string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, "", vderr.Backend("failed to generate keystore salt", err)
	}

	key := deriveKey(algorithm, password, salt)
	c, err := newCipher(algorithm, key)
	if err != nil {
		return nil, "", err
	}

	check := make([]byte, checkMagicSize)
	c.Encrypt(check, checkMagic, 0)

	blob, err := encodeKeyStore(keyStorePayload{Salt: salt, Check: check})
	if err != nil {
		return nil, "", err
	}
	return &Filter{algorithm: algorithm, cipher: c}, blob, nil
}

// Open authenticates password against an existing serialized keystore and,
// on success, returns a Filter ready for reads/writes. A wrong password
// yields vderr.ErrPasswordIncorrect, distinguished from any other open
// failure.
func Open(algorithm string, keyStoreBlob string, password []byte) (*Filter, error) {
	payload, err := decodeKeyStore(keyStoreBlob)
	if err != nil {
		return nil, err
	}

	key := deriveKey(algorithm, password, payload.Salt)
	c, err := newCipher(algorithm, key)
	if err != nil {
		return nil, err
	}

	got := make([]byte, checkMagicSize)
	c.Decrypt(got, payload.Check, 0)
	if subtle.ConstantTimeCompare(got, checkMagic) != 1 {
		return nil, vderr.ErrPasswordIncorrect
	}
	return &Filter{algorithm: algorithm, cipher: c}, nil
}

// Encrypt transforms one or more whole sectors of plaintext starting at
// byte offset into ciphertext of the same length.
func (f *Filter) Encrypt(offset int64, plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	if err := f.transform(out, plaintext, offset, true); err != nil {
		return nil, err
	}
	return out, nil
}

// Decrypt is Encrypt's inverse.
func (f *Filter) Decrypt(offset int64, ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	if err := f.transform(out, ciphertext, offset, false); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *Filter) transform(dst, src []byte, offset int64, encrypt bool) error {
	if offset%SectorSize != 0 || len(src)%SectorSize != 0 {
		return fmt.Errorf("%w: crypto filter requires sector-aligned I/O", vderr.ErrInvalidObjectState)
	}
	sector := uint64(offset / SectorSize)
	for o := 0; o < len(src); o += SectorSize {
		if encrypt {
			f.cipher.Encrypt(dst[o:o+SectorSize], src[o:o+SectorSize], sector)
		} else {
			f.cipher.Decrypt(dst[o:o+SectorSize], src[o:o+SectorSize], sector)
		}
		sector++
	}
	return nil
}

func newCipher(algorithm string, key []byte) (*xts.Cipher, error) {
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, fmt.Errorf("%w: unsupported cipher %q: %v", vderr.ErrNotSupported, algorithm, err)
	}
	return c, nil
}

// deriveKey turns a password into an XTS key (two concatenated AES keys).
// keySize follows the "AES-XTSnnn-PLAIN64" naming convention: nnn is the
// per-half key size in bits, so "AES-XTS256-PLAIN64" derives a 64-byte key.
func deriveKey(algorithm string, password, salt []byte) []byte {
	bits := keyBitsForAlgorithm(algorithm)
	return pbkdf2.Key(password, salt, pbkdf2Iterations, 2*bits/8, sha256.New)
}

func keyBitsForAlgorithm(algorithm string) int {
	switch algorithm {
	case "AES-XTS128-PLAIN64":
		return 128
	default: // "AES-XTS256-PLAIN64" and unrecognized names default to 256
		return 256
	}
}

func encodeKeyStore(p keyStorePayload) (string, error) {
	buf := make([]byte, 4+len(p.Salt)+4+len(p.Check))
	i := 0
	binary.LittleEndian.PutUint32(buf[i:], uint32(len(p.Salt)))
	i += 4
	copy(buf[i:], p.Salt)
	i += len(p.Salt)
	binary.LittleEndian.PutUint32(buf[i:], uint32(len(p.Check)))
	i += 4
	copy(buf[i:], p.Check)
	return base64.StdEncoding.EncodeToString(buf), nil
}

func decodeKeyStore(blob string) (keyStorePayload, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return keyStorePayload{}, fmt.Errorf("%w: malformed keystore: %v", vderr.ErrGeneric, err)
	}
	if len(raw) < 8 {
		return keyStorePayload{}, fmt.Errorf("%w: truncated keystore", vderr.ErrGeneric)
	}
	i := 0
	saltLen := binary.LittleEndian.Uint32(raw[i:])
	i += 4
	if i+int(saltLen) > len(raw) {
		return keyStorePayload{}, fmt.Errorf("%w: truncated keystore salt", vderr.ErrGeneric)
	}
	salt := raw[i : i+int(saltLen)]
	i += int(saltLen)
	if i+4 > len(raw) {
		return keyStorePayload{}, fmt.Errorf("%w: truncated keystore", vderr.ErrGeneric)
	}
	checkLen := binary.LittleEndian.Uint32(raw[i:])
	i += 4
	if i+int(checkLen) > len(raw) {
		return keyStorePayload{}, fmt.Errorf("%w: truncated keystore check value", vderr.ErrGeneric)
	}
	check := raw[i : i+int(checkLen)]
	return keyStorePayload{Salt: salt, Check: check}, nil
}
