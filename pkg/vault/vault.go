// Package vault encrypts per-user records and places them at an address
// derived from the owner's public key, so the owner can find them again with
// nothing but the secret key.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/agenthands/autonet/pkg/core"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of secret and public keys.
	KeySize = 32

	// CurrentVersion is the only envelope version this package reads and writes.
	CurrentVersion = 1

	checkSize = 16
)

var (
	addressDomain = []byte("autonet/vault/v1")
	kdfSalt       = []byte("autonet/vault/v1")
)

// SecretKey owns a vault.
type SecretKey [KeySize]byte

// PublicKey identifies a vault.
type PublicKey [KeySize]byte

// GenerateKey draws a new secret key from r, or crypto/rand when r is nil.
func GenerateKey(r io.Reader) (SecretKey, error) {
	if r == nil {
		r = rand.Reader
	}
	var sk SecretKey
	if _, err := io.ReadFull(r, sk[:]); err != nil {
		return SecretKey{}, fmt.Errorf("failed to generate vault key: %w", err)
	}
	return sk, nil
}

// SecretKeyFromBytes copies b into a SecretKey.
func SecretKeyFromBytes(b []byte) (SecretKey, error) {
	var sk SecretKey
	if len(b) != KeySize {
		return sk, fmt.Errorf("%w: secret key must be %d bytes, got %d", core.ErrInvalidInput, KeySize, len(b))
	}
	copy(sk[:], b)
	return sk, nil
}

// Public derives the X25519 public key.
func (sk SecretKey) Public() (PublicKey, error) {
	out, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: unusable secret key: %v", core.ErrInvalidInput, err)
	}
	var pk PublicKey
	copy(pk[:], out)
	return pk, nil
}

// Address is where the vault of sk lives.
func (sk SecretKey) Address() (core.Address, error) {
	pk, err := sk.Public()
	if err != nil {
		return core.Address{}, err
	}
	return DeriveAddress(pk), nil
}

func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// DeriveAddress maps a public key to its vault address.
func DeriveAddress(pk PublicKey) core.Address {
	h := sha256.New()
	h.Write(addressDomain)
	h.Write(pk[:])
	var addr core.Address
	copy(addr[:], h.Sum(nil))
	return addr
}

type envelope struct {
	Version    uint16 `cbor:"v"`
	Counter    uint64 `cbor:"n"`
	Check      []byte `cbor:"check"`
	Nonce      []byte `cbor:"nonce"`
	Ciphertext []byte `cbor:"ct"`
}

// Contents is an opened envelope. Counter orders the writes to one vault;
// the copy with the highest counter is the current one.
type Contents struct {
	Counter uint64
	Payload []byte
}

var (
	encMode, _ = cbor.CanonicalEncOptions().EncMode()
	decMode, _ = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
)

// Encrypt seals payload as write number counter of the vault of sk. The
// counter is authenticated along with the payload. Nonces are drawn from r,
// or crypto/rand when r is nil.
func Encrypt(sk SecretKey, payload []byte, counter uint64, r io.Reader) ([]byte, error) {
	if r == nil {
		r = rand.Reader
	}
	addr, err := sk.Address()
	if err != nil {
		return nil, err
	}
	key, check, err := deriveKeys(sk)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, fmt.Errorf("failed to draw nonce: %w", err)
	}

	return encMode.Marshal(envelope{
		Version:    CurrentVersion,
		Counter:    counter,
		Check:      check,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, payload, associatedData(addr, counter)),
	})
}

// Decrypt opens an envelope written by Encrypt and returns its payload.
func Decrypt(sk SecretKey, data []byte) ([]byte, error) {
	c, err := Open(sk, data)
	if err != nil {
		return nil, err
	}
	return c.Payload, nil
}

// Open opens an envelope written by Encrypt. A key that did not write the
// envelope yields core.ErrDecryption; a damaged envelope yields core.ErrCorrupt.
func Open(sk SecretKey, data []byte) (Contents, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Contents{}, fmt.Errorf("%w: failed to unmarshal vault envelope: %v", core.ErrCorrupt, err)
	}
	if env.Version != CurrentVersion {
		return Contents{}, fmt.Errorf("%w: unsupported vault version %d", core.ErrCorrupt, env.Version)
	}
	if len(env.Check) != checkSize || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return Contents{}, fmt.Errorf("%w: malformed vault envelope", core.ErrCorrupt)
	}

	addr, err := sk.Address()
	if err != nil {
		return Contents{}, err
	}
	key, check, err := deriveKeys(sk)
	if err != nil {
		return Contents{}, err
	}
	if subtle.ConstantTimeCompare(check, env.Check) != 1 {
		return Contents{}, fmt.Errorf("%w: vault was written with another key", core.ErrDecryption)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return Contents{}, fmt.Errorf("failed to create cipher: %w", err)
	}
	plain, err := aead.Open(nil, env.Nonce, env.Ciphertext, associatedData(addr, env.Counter))
	if err != nil {
		return Contents{}, fmt.Errorf("%w: vault authentication failed", core.ErrCorrupt)
	}
	return Contents{Counter: env.Counter, Payload: plain}, nil
}

func associatedData(addr core.Address, counter uint64) []byte {
	ad := make([]byte, 0, core.AddressSize+8)
	ad = append(ad, addr[:]...)
	return binary.BigEndian.AppendUint64(ad, counter)
}

func deriveKeys(sk SecretKey) (key, check []byte, err error) {
	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sk[:], kdfSalt, []byte("vault-key")), key); err != nil {
		return nil, nil, fmt.Errorf("failed to derive vault key: %w", err)
	}
	check = make([]byte, checkSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, sk[:], kdfSalt, []byte("vault-check")), check); err != nil {
		return nil, nil, fmt.Errorf("failed to derive vault check: %w", err)
	}
	return key, check, nil
}
