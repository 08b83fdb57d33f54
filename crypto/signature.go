package crypto

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// Sign signs data with the private key and returns a hex-encoded signature.
// Hex is this package's internal representation; the base64 wire encoding
// is a separate transcoding step, see
// EncodeSignatureBase64/DecodeSignatureBase64.
func Sign(priv PrivateKey, data []byte) string {
	sig := ed25519.Sign(ed25519.PrivateKey(priv), data)
	return hex.EncodeToString(sig)
}

// Verify checks a hex-encoded signature against data using the public key.
func Verify(pub PublicKey, data []byte, sigHex string) error {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// EncodeSignatureBase64 transcodes a signature from this package's internal
// hex representation to the base64 encoding used on the wire.
// An empty signature (the genesis block's unsigned marker) round-trips to
// the empty string.
func EncodeSignatureBase64(sigHex string) (string, error) {
	if sigHex == "" {
		return "", nil
	}
	raw, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeSignatureBase64 transcodes a wire-format base64 signature back into
// the hex representation Sign/Verify operate on.
func DecodeSignatureBase64(sigB64 string) (string, error) {
	if sigB64 == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return "", fmt.Errorf("invalid signature base64: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
