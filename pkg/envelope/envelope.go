package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"

	"github.com/go-go-golems/veil/pkg/helpers"
)

const (
	// KeySize is the symmetric chat key size (AES-256).
	KeySize = 32
	// NonceSize is the AES-GCM nonce length prepended to every envelope.
	NonceSize = 12
	// PublicKeySize is the expected length of a node's Curve25519 public key.
	PublicKeySize = 32

	// derivationLabel binds derived keys to this protocol. Changing it would
	// silently re-key every chat, so it is versioned.
	derivationLabel = "veil/chat-key/v1"
)

var (
	ErrEmptySecret        = errors.New("envelope: empty long-term secret")
	ErrBadKeySize         = errors.New("envelope: chat key must be 32 bytes")
	ErrMalformedPublicKey = errors.New("envelope: node public key must be 32 bytes")
	ErrTooShort           = errors.New("envelope: blob shorter than nonce")
	ErrAuthFailed         = errors.New("envelope: authentication failed")
)

// DeriveChatKey derives the per-chat symmetric key from the user's long-term
// secret and the chat's stored salt, via HKDF-SHA256 under a fixed label.
// Identical inputs always yield identical key material, so the key is never
// persisted anywhere.
func DeriveChatKey(secret, salt []byte) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	r := hkdf.New(sha256.New, secret, salt, []byte(derivationLabel))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrap(err, "deriving chat key")
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "initializing cipher")
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under the chat key with AES-256-GCM and returns
// nonce || ciphertext. Every call draws a fresh random nonce.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, "generating nonce")
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce || ciphertext envelope. Failures come back as an error
// Result rather than a Go error return: decryption runs on the render path,
// where a tampered or foreign blob must degrade to an inline marker, never
// crash the caller.
func Decrypt(blob, key []byte) helpers.Result[[]byte] {
	aead, err := newAEAD(key)
	if err != nil {
		return helpers.NewErrorResult[[]byte](err)
	}
	if len(blob) < NonceSize {
		return helpers.NewErrorResult[[]byte](ErrTooShort)
	}
	plaintext, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return helpers.NewErrorResult[[]byte](ErrAuthFailed)
	}
	return helpers.NewValueResult(plaintext)
}

// WrapKeyForNode seals the raw chat key for a single recipient node using an
// anonymous NaCl box. The result is an opaque blob with no framing, ready to
// transmit. A malformed public key is rejected here, before any network call.
func WrapKeyForNode(key, nodePublicKey []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}
	return SealForNode(key, nodePublicKey)
}

// SealForNode encrypts an arbitrary payload for the node's public key. The
// handshake frame uses this directly.
func SealForNode(payload, nodePublicKey []byte) ([]byte, error) {
	if len(nodePublicKey) != PublicKeySize {
		return nil, ErrMalformedPublicKey
	}
	var pk [PublicKeySize]byte
	copy(pk[:], nodePublicKey)
	sealed, err := box.SealAnonymous(nil, payload, &pk, rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "sealing payload for node")
	}
	return sealed, nil
}
