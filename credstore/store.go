// Package credstore persists the session's credential pair and cached
// identity on top of a storage.Repository.
//
// Every accessor swallows persistence failures: an unreadable, undecryptable
// or unreachable record is logged and reported as absent, so a broken store
// degrades to "signed out" instead of blocking requests.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/autoposter/console/storage"
)

const (
	DefaultNamespace = "default"

	tokenKind    = "TOKEN"
	accessID     = "access"
	refreshID    = "refresh"
	identityKind = "IDENTITY"
	identityID   = "current"
)

var errSwapLost = errors.New("stored refresh credential changed")

// Store holds one namespace worth of credentials. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	repo      storage.Repository
	namespace string
	sealer    *Sealer
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithNamespace selects the profile namespace records are kept under.
func WithNamespace(namespace string) Option {
	return func(s *Store) {
		if namespace != "" {
			s.namespace = namespace
		}
	}
}

// WithSealer encrypts records with s. Without a sealer records are stored raw.
func WithSealer(sealer *Sealer) Option {
	return func(s *Store) { s.sealer = sealer }
}

// WithLogger sets the logger used to report swallowed persistence failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a Store over repo.
func New(repo storage.Repository, opts ...Option) *Store {
	s := &Store{
		repo:      repo,
		namespace: DefaultNamespace,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "credstore", "namespace", s.namespace)
	return s
}

// Namespace returns the profile namespace of the store.
func (s *Store) Namespace() string {
	return s.namespace
}

// AccessToken returns the stored access credential, or "" when absent.
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairLocked()
	if !ok {
		return ""
	}
	return p.Access
}

// RefreshToken returns the stored refresh credential, or "" when absent.
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pairLocked()
	if !ok {
		return ""
	}
	return p.Refresh
}

// Tokens returns both credentials from one consistent read.
func (s *Store) Tokens() (Pair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairLocked()
}

// SetTokens replaces the stored pair. Both records are written in one
// batch, so readers see either the old pair or the new one.
func (s *Store) SetTokens(p Pair) {
	if !p.Complete() {
		s.logger.Warn("refusing to store incomplete credential pair")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writePair(p, nil); err != nil {
		s.logger.Warn("storing credential pair failed", "error", err)
	}
}

// SwapTokens stores next only if the stored refresh credential is still
// expected. It reports false, leaving the store untouched, when the session
// was cleared or replaced in the meantime.
func (s *Store) SwapTokens(expected string, next Pair) bool {
	if !next.Complete() || expected == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.writePair(next, &expected)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errSwapLost), errors.Is(err, storage.ErrCASFailed):
		s.logger.Debug("credential swap lost", "error", err)
	default:
		s.logger.Warn("swapping credential pair failed", "error", err)
	}
	return false
}

// Clear removes the pair and the cached identity together. It reports
// whether a pair was stored beforehand. Calling it on an empty store is a
// no-op.
func (s *Store) Clear() bool {
	return s.ClearIf(func(Pair) bool { return true })
}

// ClearIf clears the store only when a pair is stored and match accepts it.
func (s *Store) ClearIf(match func(Pair) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pairLocked()
	if ok && !match(p) {
		return false
	}
	// Records that fail to decode are purged even though they read as absent.
	err := s.repo.Batch(s.namespace, func(tx storage.BatchTx) error {
		for _, rec := range [][2]string{{tokenKind, accessID}, {tokenKind, refreshID}, {identityKind, identityID}} {
			if err := tx.Delete(rec[0], rec[1]); err != nil && !storage.IsMissing(err) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("clearing credentials failed", "error", err)
	}
	return ok
}

// Identity returns the cached identity record.
func (s *Store) Identity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var id Identity
	data, ok := s.read(identityKind, identityID)
	if !ok {
		return id, false
	}
	if err := json.Unmarshal(data, &id); err != nil {
		s.logger.Warn("decoding cached identity failed", "error", err)
		return Identity{}, false
	}
	return id, true
}

// SetIdentity caches rec while a pair is stored. Without a pair nothing is
// written and it reports false, so identity never outlives its session.
func (s *Store) SetIdentity(rec Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pairLocked(); !ok {
		return false
	}
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn("encoding identity failed", "error", err)
		return false
	}
	env, err := s.envelope(identityKind, identityID, data, 0)
	if err == nil {
		err = s.repo.Put(s.namespace, identityKind, identityID, env)
	}
	if err != nil {
		s.logger.Warn("caching identity failed", "error", err)
		return false
	}
	return true
}

func (s *Store) pairLocked() (Pair, bool) {
	access, ok := s.read(tokenKind, accessID)
	if !ok {
		return Pair{}, false
	}
	refresh, ok := s.read(tokenKind, refreshID)
	if !ok {
		return Pair{}, false
	}
	p := Pair{Access: string(access), Refresh: string(refresh)}
	return p, p.Complete()
}

// writePair stores p in one batch. When expected is set the batch aborts
// with errSwapLost unless the stored refresh credential equals it, and the
// refresh record is written with a CAS on its version.
func (s *Store) writePair(p Pair, expected *string) error {
	return s.repo.Batch(s.namespace, func(tx storage.BatchTx) error {
		var version uint64
		current, err := tx.Get(tokenKind, refreshID)
		switch {
		case err == nil:
			version = current.Version
		case !storage.IsMissing(err):
			return err
		}
		if expected != nil {
			if current == nil {
				return errSwapLost
			}
			stored, err := s.decode(tokenKind, refreshID, current)
			if err != nil {
				return err
			}
			if string(stored) != *expected {
				return errSwapLost
			}
		}

		refreshEnv, err := s.envelope(tokenKind, refreshID, []byte(p.Refresh), version+1)
		if err != nil {
			return err
		}
		accessEnv, err := s.envelope(tokenKind, accessID, []byte(p.Access), version+1)
		if err != nil {
			return err
		}
		if err := tx.PutCAS(tokenKind, refreshID, version, refreshEnv); err != nil {
			return err
		}
		return tx.Put(tokenKind, accessID, accessEnv)
	})
}

func (s *Store) read(kind, id string) ([]byte, bool) {
	env, err := s.repo.Get(s.namespace, kind, id)
	if err != nil {
		if !storage.IsMissing(err) {
			s.logger.Warn("reading credential record failed", "kind", kind, "id", id, "error", err)
		}
		return nil, false
	}
	data, err := s.decode(kind, id, env)
	if err != nil {
		s.logger.Warn("opening credential record failed", "kind", kind, "id", id, "error", err)
		return nil, false
	}
	return data, true
}

func (s *Store) decode(kind, id string, env *storage.Envelope) ([]byte, error) {
	switch env.Scheme {
	case storage.SchemeRaw:
		if s.sealer != nil {
			return nil, fmt.Errorf("%s/%s: unsealed record in sealed store", kind, id)
		}
		return storage.OpenRaw(env)
	case storage.SchemeAESGCM:
		if s.sealer == nil {
			return nil, fmt.Errorf("%s/%s: sealed record but no passphrase configured", kind, id)
		}
		return s.sealer.open(s.namespace, kind, id, env)
	default:
		return nil, fmt.Errorf("%s/%s: unsupported scheme %q", kind, id, env.Scheme)
	}
}

func (s *Store) envelope(kind, id string, plaintext []byte, version uint64) (*storage.Envelope, error) {
	if s.sealer == nil {
		return storage.RawRecord(plaintext, version), nil
	}
	return s.sealer.seal(s.namespace, kind, id, plaintext, version)
}
