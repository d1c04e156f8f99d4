package models

import (
	"time"

	"securesend/internal/cryptox"
)

// Object is the server-side record of one encrypted upload. The ciphertext
// frames live in the blob store under the same ID; everything here is either
// opaque to the server (SealedMeta, WrappedKey) or a lifecycle counter.
type Object struct {
	ID         string `json:"id" gorm:"primaryKey;size:22"`
	SealedMeta []byte `json:"sealedMeta"`

	PasswordProtected bool   `json:"passwordProtected"`
	WrappedKey        []byte `json:"-"`
	PasswordSalt      []byte `json:"passwordSalt,omitempty"`
	KDFTime           uint32 `json:"kdfTime,omitempty"`
	KDFMemoryKiB      uint32 `json:"kdfMemoryKiB,omitempty"`
	KDFThreads        uint8  `json:"kdfThreads,omitempty"`
	VerificationTag   []byte `json:"-"`

	RevokeHash []byte `json:"-"`

	DownloadsRemaining int       `json:"downloadsRemaining"`
	FrameCount         int64     `json:"frameCount"`
	CipherSize         int64     `json:"cipherSize"`
	ExpiresAt          time.Time `json:"expiresAt" gorm:"index"`
	CreatedAt          time.Time `json:"createdAt"`
}

// KDF returns the argon2id parameters the key was wrapped with.
func (o *Object) KDF() cryptox.KDFParams {
	return cryptox.KDFParams{Time: o.KDFTime, MemoryKiB: o.KDFMemoryKiB, Threads: o.KDFThreads}
}

// Wrapped reassembles the password-wrapped key, or nil for objects without a
// password.
func (o *Object) Wrapped() *cryptox.WrappedKey {
	if !o.PasswordProtected {
		return nil
	}
	return &cryptox.WrappedKey{
		Ciphertext:      o.WrappedKey,
		Salt:            o.PasswordSalt,
		Params:          o.KDF(),
		VerificationTag: o.VerificationTag,
	}
}

// SetWrapped copies w into the object's flat columns.
func (o *Object) SetWrapped(w *cryptox.WrappedKey) {
	if w == nil {
		o.PasswordProtected = false
		o.WrappedKey, o.PasswordSalt, o.VerificationTag = nil, nil, nil
		o.KDFTime, o.KDFMemoryKiB, o.KDFThreads = 0, 0, 0
		return
	}
	o.PasswordProtected = true
	o.WrappedKey = w.Ciphertext
	o.PasswordSalt = w.Salt
	o.KDFTime = w.Params.Time
	o.KDFMemoryKiB = w.Params.MemoryKiB
	o.KDFThreads = w.Params.Threads
	o.VerificationTag = w.VerificationTag
}

// Available reports whether the object may still be downloaded at now.
func (o *Object) Available(now time.Time) bool {
	return o.DownloadsRemaining > 0 && now.Before(o.ExpiresAt)
}

// Clone returns a deep-enough copy for stores that hand out records.
func (o *Object) Clone() *Object {
	c := *o
	return &c
}
