// Copyright 2025 Fedchain Project
//
// Crypto primitives for the federated validator: Ed25519 signing/verification
// keyed by base58 public identities, content hashing, and the canonical
// serialization that is the sole bridge between in-memory values and the
// identifiers/signatures derived from them.
package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/mr-tron/base58"
)

// PublicKey is a validator or owner identity as a raw Ed25519 public key; its
// base58 encoding (PublicKeyToBase58) is the wire form.
type PublicKey = ed25519.PublicKey

// PrivateKey is the signing half of a keypair.
type PrivateKey = ed25519.PrivateKey

// GenerateKeyPair returns a fresh Ed25519 keypair.
func GenerateKeyPair() (PublicKey, PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return pub, priv, nil
}

// Sign signs msg with sk and returns the raw signature bytes.
func Sign(msg []byte, sk PrivateKey) []byte {
	return ed25519.Sign(sk, msg)
}

// Verify reports whether sig is a valid signature of msg under pk. It never
// panics on malformed input; malformed keys or signatures simply fail to
// verify.
func Verify(msg []byte, pk PublicKey, sig []byte) (ok bool) {
	if len(pk) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return ed25519.Verify(pk, msg, sig)
}

// PublicKeyToBase58 encodes a public key the way validator identities are
// represented on the wire and in the known-federation keyring.
func PublicKeyToBase58(pk PublicKey) string {
	return base58.Encode(pk)
}

// PublicKeyFromBase58 decodes a validator identity.
func PublicKeyFromBase58(s string) (PublicKey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode base58 public key: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("decoded public key has wrong length %d", len(b))
	}
	return PublicKey(b), nil
}

// PrivateKeyFromBase58 decodes a validator's signing key, as loaded from
// configuration at process startup.
func PrivateKeyFromBase58(s string) (PrivateKey, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode base58 private key: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decoded private key has wrong length %d", len(b))
	}
	return PrivateKey(b), nil
}

// Hash returns the hex content-hash of raw bytes (the substrate for every id
// in the system).
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ContentHash canonically serializes v and returns its hex content-hash. Two
// values with equal semantic content must produce the same id, so callers
// must route every identifier and every signed payload through
// CanonicalSerialize/ContentHash rather than ad hoc marshaling.
func ContentHash(v interface{}) (string, error) {
	b, err := CanonicalSerialize(v)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}
