package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Suite identifies the AEAD primitive used to seal frames.
type Suite uint8

const (
	SuiteAESGCM           Suite = 1
	SuiteChaCha20Poly1305 Suite = 2
)

const (
	// KeySize is the size of a data key and of every derived subkey.
	KeySize = 32
	// NonceSize is the 96-bit AEAD nonce size shared by both suites.
	NonceSize = 12
	// TagSize is the 128-bit authentication tag size shared by both suites.
	TagSize = 16
)

const (
	infoFrames   = "securesend frames"
	infoMetadata = "securesend metadata"
)

func (s Suite) String() string {
	switch s {
	case SuiteAESGCM:
		return "AES-256-GCM"
	case SuiteChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	default:
		return fmt.Sprintf("suite(%d)", uint8(s))
	}
}

func newAEAD(s Suite, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), KeySize)
	}
	switch s {
	case SuiteAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case SuiteChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, fmt.Errorf("unsupported cipher suite %s", s)
	}
}

// deriveSubkey expands the data key into an independent key for one purpose,
// so frames and metadata never share an AEAD key.
func deriveSubkey(dataKey []byte, info string) ([]byte, error) {
	if len(dataKey) != KeySize {
		return nil, fmt.Errorf("invalid data key length %d, want %d", len(dataKey), KeySize)
	}
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, dataKey, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	return out, nil
}
