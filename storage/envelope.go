package storage

import (
	"fmt"

	"github.com/autoposter/console/internal/util"
)

const (
	// SchemeAESGCM marks an AES-256-GCM sealed envelope.
	SchemeAESGCM = "aes256gcm"
	// SchemeRaw marks an unsealed envelope whose Ciphertext holds plaintext.
	SchemeRaw = "raw"
)

// Envelope is a stored record, either AES-256-GCM sealed or raw.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// SealRecord encrypts plaintext into an Envelope using the given record key and AAD.
func SealRecord(recordKey, plaintext, aad []byte, version ...uint64) (*Envelope, error) {
	nonce, ciphertext, err := util.Seal(recordKey, plaintext, aad)
	if err != nil {
		return nil, err
	}
	env := &Envelope{
		Ver:        1,
		Scheme:     SchemeAESGCM,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}
	if len(version) > 0 {
		env.Version = version[0]
	}
	return env, nil
}

// RawRecord wraps plaintext in an unsealed Envelope.
func RawRecord(plaintext []byte, version ...uint64) *Envelope {
	env := &Envelope{
		Ver:        1,
		Scheme:     SchemeRaw,
		Ciphertext: util.CopyBytes(plaintext),
	}
	if len(version) > 0 {
		env.Version = version[0]
	}
	return env
}

// OpenRecord decrypts an Envelope using the given record key and AAD.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != SchemeAESGCM {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}

	return util.Open(recordKey, envelope.Nonce, envelope.Ciphertext, aad)
}

// OpenRaw returns the plaintext of an unsealed Envelope.
func OpenRaw(envelope *Envelope) ([]byte, error) {
	if envelope.Ver != 1 {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != SchemeRaw {
		return nil, fmt.Errorf("envelope is sealed with %s", envelope.Scheme)
	}
	return util.CopyBytes(envelope.Ciphertext), nil
}
