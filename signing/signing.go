// Package signing implements cross-device signature production and
// verification. A device's long-term identity is an ed25519 keypair and
// its device ID is the encoded public half, so any device ID can be
// verified against directly without a key lookup.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// A DeviceID is the unpadded base64 encoding of a device's long-term
// ed25519 public key. It is globally unique within a user's device list
// and immutable for the lifetime of the device.
type DeviceID string

// DeviceIDFromPublicKey derives the device ID for a public key.
func DeviceIDFromPublicKey(pub ed25519.PublicKey) DeviceID {
	return DeviceID(base64.RawStdEncoding.EncodeToString(pub))
}

// PublicKey recovers the ed25519 public key that the device ID encodes.
func (id DeviceID) PublicKey() (ed25519.PublicKey, error) {
	raw, err := base64.RawStdEncoding.DecodeString(string(id))
	if err != nil {
		return nil, fmt.Errorf("device ID is not valid base64: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("device ID is not an ed25519 key: got %d bytes", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// A KeyPair is the long-term signing identity of the local device.
type KeyPair struct {
	DeviceID   DeviceID
	PrivateKey ed25519.PrivateKey
}

// NewKeyPair wraps an existing private key.
func NewKeyPair(priv ed25519.PrivateKey) KeyPair {
	return KeyPair{
		DeviceID:   DeviceIDFromPublicKey(priv.Public().(ed25519.PublicKey)),
		PrivateKey: priv,
	}
}

// GenerateKeyPair creates a fresh device identity.
func GenerateKeyPair() (KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return NewKeyPair(priv), nil
}

// Sign produces an unpadded base64 signature over the message.
func Sign(priv ed25519.PrivateKey, message []byte) string {
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(priv, message))
}

// Sign signs on behalf of the local device.
func (k KeyPair) Sign(message []byte) string {
	return Sign(k.PrivateKey, message)
}

// Verify reports whether the signature was produced by the keypair
// associated with the claimed device ID. Malformed IDs or signatures
// simply fail verification.
func Verify(message []byte, signature string, claimedDeviceID DeviceID) bool {
	pub, err := claimedDeviceID.PublicKey()
	if err != nil {
		return false
	}
	sig, err := base64.RawStdEncoding.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, sig)
}
