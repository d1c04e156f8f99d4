package cryptox

import (
	"crypto/rand"
	"encoding/json"
	"fmt"

	"securesend/internal/common"
)

// FileMeta is the file description sealed next to the frames. The server
// stores it opaquely.
type FileMeta struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// SealMetadata encrypts meta under the metadata subkey of dataKey, bound to
// objectID. Output layout is nonce || ciphertext || tag.
func SealMetadata(dataKey []byte, objectID string, meta FileMeta) ([]byte, error) {
	key, err := deriveSubkey(dataKey, infoMetadata)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(SuiteAESGCM, key)
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(objectID)), nil
}

// OpenMetadata reverses SealMetadata.
func OpenMetadata(dataKey []byte, objectID string, sealed []byte) (*FileMeta, error) {
	if len(sealed) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: sealed metadata too short", common.ErrAuthenticationFailed)
	}
	key, err := deriveSubkey(dataKey, infoMetadata)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(SuiteAESGCM, key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], []byte(objectID))
	if err != nil {
		return nil, fmt.Errorf("%w: metadata", common.ErrAuthenticationFailed)
	}

	var meta FileMeta
	if err := json.Unmarshal(plaintext, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}
