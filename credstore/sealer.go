package credstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	icrypto "github.com/autoposter/console/internal/crypto"
	"github.com/autoposter/console/internal/util"
	"github.com/autoposter/console/storage"
)

const (
	kdfKind      = "KDF"
	kdfID        = "params"
	keyCheckID   = "check"
	keyCheckText = "autoposter:credential-store:v1"
	saltLen      = 16
)

// ErrPassphraseMismatch is returned by OpenSealer when the passphrase does
// not match the one the namespace was sealed with.
var ErrPassphraseMismatch = errors.New("credential store passphrase mismatch")

// Sealer encrypts credential records at rest. The master key lives in a
// memguard Enclave and is only unsealed for the duration of one operation.
type Sealer struct {
	master *memguard.Enclave
}

// NewSealer returns a Sealer for the given 32-byte master key. The caller
// keeps ownership of key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != util.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", util.KeySize, len(key))
	}
	return &Sealer{master: memguard.NewEnclave(util.CopyBytes(key))}, nil
}

// DeriveKey derives a 32-byte master key from a passphrase with Argon2id.
func DeriveKey(passphrase string, salt []byte, params util.Argon2idParams) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase must not be empty")
	}
	return util.DeriveArgon2idKey(passphrase, salt, params)
}

type kdfRecord struct {
	Salt   []byte              `json:"salt"`
	Params util.Argon2idParams `json:"params"`
}

// OpenSealer derives a Sealer from passphrase for one namespace of repo.
// The first call stores a random salt, the KDF parameters, and a sealed
// check value; later calls reuse them and fail with ErrPassphraseMismatch
// when the check value does not open.
func OpenSealer(repo storage.Repository, namespace, passphrase string, params util.Argon2idParams) (*Sealer, error) {
	var rec kdfRecord
	env, err := repo.Get(namespace, kdfKind, kdfID)
	switch {
	case err == nil:
		raw, err := storage.OpenRaw(env)
		if err != nil {
			return nil, fmt.Errorf("reading kdf parameters: %w", err)
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decoding kdf parameters: %w", err)
		}
	case storage.IsMissing(err):
		salt, err := util.RandomBytes(saltLen)
		if err != nil {
			return nil, err
		}
		rec = kdfRecord{Salt: salt, Params: params}
	default:
		return nil, fmt.Errorf("loading kdf parameters: %w", err)
	}

	key, err := DeriveKey(passphrase, rec.Salt, rec.Params)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)
	s, err := NewSealer(key)
	if err != nil {
		return nil, err
	}

	aad := icrypto.AADKeyCheck(namespace, 1)
	if env != nil {
		check, err := repo.Get(namespace, kdfKind, keyCheckID)
		if err != nil {
			return nil, fmt.Errorf("loading key check: %w", err)
		}
		plain, err := s.openWith(namespace, check, aad)
		if err != nil || string(plain) != keyCheckText {
			return nil, ErrPassphraseMismatch
		}
		return s, nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	check, err := s.sealWith(namespace, []byte(keyCheckText), aad, 0)
	if err != nil {
		return nil, err
	}
	err = repo.Batch(namespace, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(kdfKind, kdfID, 0, storage.RawRecord(data)); err != nil {
			return err
		}
		return tx.Put(kdfKind, keyCheckID, check)
	})
	if err != nil {
		return nil, fmt.Errorf("storing kdf parameters: %w", err)
	}
	return s, nil
}

func (s *Sealer) seal(namespace, kind, id string, plaintext []byte, version uint64) (*storage.Envelope, error) {
	return s.sealWith(namespace, plaintext, icrypto.AADCredential(namespace, kind, id, 1), version)
}

func (s *Sealer) open(namespace, kind, id string, env *storage.Envelope) ([]byte, error) {
	return s.openWith(namespace, env, icrypto.AADCredential(namespace, kind, id, env.Ver))
}

func (s *Sealer) sealWith(namespace string, plaintext, aad []byte, version uint64) (*storage.Envelope, error) {
	key, err := s.namespaceKey(namespace)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)
	return storage.SealRecord(key, plaintext, aad, version)
}

func (s *Sealer) openWith(namespace string, env *storage.Envelope, aad []byte) ([]byte, error) {
	key, err := s.namespaceKey(namespace)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)
	return storage.OpenRecord(key, env, aad)
}

func (s *Sealer) namespaceKey(namespace string) ([]byte, error) {
	buf, err := s.master.Open()
	if err != nil {
		return nil, fmt.Errorf("opening master key enclave: %w", err)
	}
	defer buf.Destroy()
	return icrypto.DeriveNamespaceKey(buf.Bytes(), namespace)
}
