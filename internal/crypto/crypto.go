// Package crypto provides the key material and stream ciphers for the
// tunnel. It uses secp256k1 ECDH for the control-channel key exchange and
// ChaCha20 keystreams for both the control channel and per-flow data.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20"
)

const (
	// KeySize is the size of shared secrets and flow keys in bytes.
	KeySize = 32

	// NonceSize is the size of ChaCha20 nonces in bytes.
	NonceSize = chacha20.NonceSize // 12 bytes

	// PublicKeySize is the size of a compressed secp256k1 public key.
	PublicKeySize = 33
)

// zeroNonce is the fixed nonce used for every keystream. Key uniqueness,
// not nonce uniqueness, is what keeps keystreams from repeating: the
// control channel is keyed by a fresh ECDH secret per session and every
// flow gets its own random key.
var zeroNonce [NonceSize]byte

// Keypair is a secp256k1 keypair generated once per process. The private
// half never leaves the process.
type Keypair struct {
	priv *secp256k1.PrivateKey
	pub  *secp256k1.PublicKey
}

// GenerateKeypair generates a new secp256k1 keypair.
func GenerateKeypair() (*Keypair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return &Keypair{priv: priv, pub: priv.PubKey()}, nil
}

// PublicBytes returns the compressed 33-byte serialization of the public key.
func (k *Keypair) PublicBytes() []byte {
	return k.pub.SerializeCompressed()
}

// SharedSecret computes the 32-byte ECDH shared secret between the local
// private key and the peer's compressed public key. Both ends of the
// handshake arrive at the same value.
func (k *Keypair) SharedSecret(peerPublic []byte) ([KeySize]byte, error) {
	var secret [KeySize]byte

	pub, err := secp256k1.ParsePubKey(peerPublic)
	if err != nil {
		return secret, fmt.Errorf("parse peer public key: %w", err)
	}

	copy(secret[:], secp256k1.GenerateSharedSecret(k.priv, pub))
	return secret, nil
}

// NewKeystream constructs a ChaCha20 keystream cipher for the given 32-byte
// key with the fixed zero nonce. Applying the keystream twice to the same
// bytes yields the original bytes, so the same construction both encrypts
// and decrypts; what matters is that paired states on the two peers advance
// by identical byte counts.
func NewKeystream(key [KeySize]byte) *chacha20.Cipher {
	c, err := chacha20.NewUnauthenticatedCipher(key[:], zeroNonce[:])
	if err != nil {
		// Key and nonce sizes are fixed at compile time.
		panic(fmt.Sprintf("chacha20 init: %v", err))
	}
	return c
}

// FlowKey is the 32-byte symmetric key for one flow's data plane. It is
// minted by the relay, carried to the hidden side inside an encrypted
// NewConnection record, and doubles as the flow's identifier in logs.
type FlowKey [KeySize]byte

// NewFlowKey mints a fresh flow key by hashing 32 bytes of cryptographically
// random input with SHA-256.
func NewFlowKey() (FlowKey, error) {
	var seed [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		return FlowKey{}, fmt.Errorf("generate flow key: %w", err)
	}
	return FlowKey(sha256.Sum256(seed[:])), nil
}

// String returns the full hex representation of the flow key.
func (k FlowKey) String() string {
	return hex.EncodeToString(k[:])
}

// ShortString returns a shortened hex representation (first 8 chars) for
// log lines.
func (k FlowKey) ShortString() string {
	return hex.EncodeToString(k[:4])
}
