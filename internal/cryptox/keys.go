package cryptox

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"securesend/internal/common"

	"golang.org/x/crypto/argon2"
)

const saltSize = 16

// ShareKey is the client-only secret of one object. PasswordSalt is set only
// when the object is password protected.
type ShareKey struct {
	DataKey      []byte
	PasswordSalt []byte
}

// CreateShareKey draws a fresh random data key.
func CreateShareKey() (ShareKey, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return ShareKey{}, fmt.Errorf("generate data key: %w", err)
	}
	return ShareKey{DataKey: key}, nil
}

// KDFParams are the argon2id cost parameters. They travel with the wrapped
// key so recipients derive with the same cost.
type KDFParams struct {
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memoryKiB"`
	Threads   uint8  `json:"threads"`
}

var (
	DefaultKDFParams = KDFParams{Time: 3, MemoryKiB: 64 * 1024, Threads: 4}
	// MinKDFParams is the policy floor. Anything cheaper is refused on both
	// wrap and unwrap.
	MinKDFParams = KDFParams{Time: 1, MemoryKiB: 19 * 1024, Threads: 1}
)

func (p KDFParams) Validate() error {
	if p.Time < MinKDFParams.Time || p.MemoryKiB < MinKDFParams.MemoryKiB || p.Threads < MinKDFParams.Threads {
		return fmt.Errorf("%w: kdf parameters %+v below policy floor", common.ErrValidation, p)
	}
	return nil
}

// WrappedKey is the password-protected form of a data key. All fields may be
// stored server-side.
type WrappedKey struct {
	Ciphertext      []byte    `json:"ciphertext"`
	Salt            []byte    `json:"salt"`
	Params          KDFParams `json:"params"`
	VerificationTag []byte    `json:"verificationTag"`
}

// deriveKeys stretches the password into a wrapping key and an independent
// proof key. Only the hash of the proof ever reaches the server.
func deriveKeys(password string, salt []byte, p KDFParams) (wrapKey, proof []byte) {
	out := argon2.IDKey([]byte(password), salt, p.Time, p.MemoryKiB, p.Threads, 2*KeySize)
	return out[:KeySize], out[KeySize:]
}

// VerificationTag is what the server stores to check a password proof.
func VerificationTag(proof []byte) []byte {
	sum := sha256.Sum256(proof)
	return sum[:]
}

// VerifyProof compares a presented proof against the stored tag in constant
// time.
func VerifyProof(tag, proof []byte) bool {
	return subtle.ConstantTimeCompare(VerificationTag(proof), tag) == 1
}

// WrapWithPassword encrypts dataKey under a key derived from password.
func WrapWithPassword(dataKey []byte, password string, params KDFParams) (*WrappedKey, error) {
	if len(dataKey) != KeySize {
		return nil, fmt.Errorf("invalid data key length %d", len(dataKey))
	}
	if password == "" {
		return nil, fmt.Errorf("%w: empty password", common.ErrValidation)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	wrapKey, proof := deriveKeys(password, salt, params)
	aead, err := newAEAD(SuiteAESGCM, wrapKey)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return &WrappedKey{
		Ciphertext:      aead.Seal(nonce, nonce, dataKey, salt),
		Salt:            salt,
		Params:          params,
		VerificationTag: VerificationTag(proof),
	}, nil
}

// PasswordProof derives the value a recipient presents to the server to show
// knowledge of the password.
func PasswordProof(password string, salt []byte, params KDFParams) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	_, proof := deriveKeys(password, salt, params)
	return proof, nil
}

// UnwrapWithPassword recovers the data key. The tag check and the AEAD open
// both run on every call so a wrong password costs the same as a right one.
func UnwrapWithPassword(w *WrappedKey, password string) ([]byte, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: no wrapped key", common.ErrValidation)
	}
	if err := w.Params.Validate(); err != nil {
		return nil, err
	}

	wrapKey, proof := deriveKeys(password, w.Salt, w.Params)
	tagOK := VerifyProof(w.VerificationTag, proof)

	aead, err := newAEAD(SuiteAESGCM, wrapKey)
	if err != nil {
		return nil, err
	}

	var (
		dataKey []byte
		openErr error = common.ErrWrongPassword
	)
	if len(w.Ciphertext) >= NonceSize+TagSize {
		dataKey, openErr = aead.Open(nil, w.Ciphertext[:NonceSize], w.Ciphertext[NonceSize:], w.Salt)
	}

	if !tagOK || openErr != nil {
		return nil, common.ErrWrongPassword
	}
	return dataKey, nil
}
