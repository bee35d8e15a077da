// Package secure provides the per-session key material and pairwise
// authenticated encryption used on mesh links.
//
// Key agreement is X25519, the agreed value is stretched with HKDF-SHA256
// into an AES-256-GCM key, and every ciphertext is signed with Ed25519 so
// that a receiver can reject forged payloads before decrypting anything.
// Keys are ephemeral and live only in process memory.
package secure

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12
	// SecretSize is the derived AES-256 key length.
	SecretSize = 32

	kdfInfo = "bitchat pairwise aes-256-gcm v1"
)

type secureError string

func (e secureError) Error() string { return string(e) }

const (
	ErrCryptoUnavailable secureError = "crypto unavailable"
	ErrInvalidSignature  secureError = "invalid signature - message may be tampered"
	ErrDecryptionFailed  secureError = "decryption failed"
	ErrInvalidKey        secureError = "invalid key"
)

// KeyExchangePublicKey is an X25519 public key.
type KeyExchangePublicKey [curve25519.PointSize]byte

// KeyExchangeKeyPair is used for non-interactive key agreement.
type KeyExchangeKeyPair struct {
	Public  KeyExchangePublicKey
	private [curve25519.ScalarSize]byte
}

// SigningKeyPair signs outgoing ciphertexts.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// SharedSecret is a symmetric key two peers derive independently.
type SharedSecret [SecretSize]byte

// Envelope is an encrypted, signed payload. Byte fields travel as
// standard base64 in JSON.
type Envelope struct {
	Ciphertext      []byte `json:"ciphertext"`
	Nonce           []byte `json:"nonce"`
	Signature       []byte `json:"signature"`
	SenderPublicKey []byte `json:"senderPublicKey"`
}

// GenerateKeyExchangeKeyPair creates a fresh X25519 key pair.
func GenerateKeyExchangeKeyPair() (*KeyExchangeKeyPair, error) {
	return generateKeyExchangeKeyPair(rand.Reader)
}

func generateKeyExchangeKeyPair(r io.Reader) (*KeyExchangeKeyPair, error) {
	kp := &KeyExchangeKeyPair{}
	if _, err := io.ReadFull(r, kp.private[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// GenerateSigningKeyPair creates a fresh Ed25519 key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	return generateSigningKeyPair(rand.Reader)
}

func generateSigningKeyPair(r io.Reader) (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return &SigningKeyPair{Public: pub, private: priv}, nil
}

// DeriveSharedSecret combines the local private key with the remote public
// key. Both sides of a pair arrive at the same secret.
func DeriveSharedSecret(local *KeyExchangeKeyPair, remote KeyExchangePublicKey) (SharedSecret, error) {
	var secret SharedSecret
	if local == nil {
		return secret, ErrInvalidKey
	}
	shared, err := curve25519.X25519(local.private[:], remote[:])
	if err != nil {
		// low-order point
		return secret, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	kdf := hkdf.New(sha256.New, shared, nil, []byte(kdfInfo))
	if _, err := io.ReadFull(kdf, secret[:]); err != nil {
		return secret, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return secret, nil
}

// EncryptMessage seals plaintext under secret with a fresh random nonce and
// signs the ciphertext.
func EncryptMessage(plaintext []byte, secret SharedSecret, signer *SigningKeyPair, sender KeyExchangePublicKey) (*Envelope, error) {
	return encryptMessage(rand.Reader, plaintext, secret, signer, sender)
}

func encryptMessage(r io.Reader, plaintext []byte, secret SharedSecret, signer *SigningKeyPair, sender KeyExchangePublicKey) (*Envelope, error) {
	if signer == nil {
		return nil, ErrInvalidKey
	}
	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return &Envelope{
		Ciphertext:      ciphertext,
		Nonce:           nonce,
		Signature:       ed25519.Sign(signer.private, ciphertext),
		SenderPublicKey: bytes.Clone(sender[:]),
	}, nil
}

// DecryptMessage verifies the envelope signature and only then decrypts.
func DecryptMessage(env *Envelope, secret SharedSecret, remoteSigning ed25519.PublicKey) ([]byte, error) {
	if env == nil {
		return nil, ErrDecryptionFailed
	}
	if len(remoteSigning) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	if !ed25519.Verify(remoteSigning, env.Ciphertext, env.Signature) {
		return nil, ErrInvalidSignature
	}
	if len(env.Nonce) != NonceSize {
		return nil, ErrDecryptionFailed
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(secret SharedSecret) (cipher.AEAD, error) {
	block, err := aes.NewCipher(secret[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return gcm, nil
}

// ExportPublicKey encodes raw public key bytes for signaling and chat
// envelopes.
func ExportPublicKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// ImportKeyExchangePublicKey decodes an exported X25519 public key.
func ImportKeyExchangePublicKey(encoded string) (KeyExchangePublicKey, error) {
	var key KeyExchangePublicKey
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// ImportSigningPublicKey decodes an exported Ed25519 public key.
func ImportSigningPublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
