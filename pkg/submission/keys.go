// Package submission batches, encrypts (Curve25519 box), frames, and
// delivers telemetry to the external long-term-stats ingestor, with a
// bounded retry queue drained by one goroutine, the same single-owner
// queue shape pkg/bakery.Owner uses.
//
// Only the v2/Insight remote licensing flow is implemented
// (config.ResolveLicenseFlow refuses the legacy self-hosted flow at
// config-load time), so this package only ever dials Insight's
// submission endpoint.
package submission

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/box"
)

// KeyPair is the node's long-lived Curve25519 identity, persisted at
// <lqos_directory>/lts_keys.bin and regenerated if missing.
type KeyPair struct {
	Public  *[32]byte
	Private *[32]byte
}

// keyFileLen is the on-disk layout: public key || private key.
const keyFileLen = 64

// LoadOrGenerateKeys reads path, or generates and persists a fresh
// Curve25519 key pair if it doesn't exist.
func LoadOrGenerateKeys(path string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != keyFileLen {
			return nil, fmt.Errorf("submission: %s is not a valid key file (got %d bytes)", path, len(raw))
		}
		kp := &KeyPair{Public: new([32]byte), Private: new([32]byte)}
		copy(kp.Public[:], raw[:32])
		copy(kp.Private[:], raw[32:])
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("submission: reading %s: %w", path, err)
	}

	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("submission: generating key pair: %w", err)
	}
	out := make([]byte, 0, keyFileLen)
	out = append(out, pub[:]...)
	out = append(out, priv[:]...)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("submission: creating key directory: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return nil, fmt.Errorf("submission: writing %s: %w", path, err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}
