// Package vkstore keeps the single verification key the engine trusts.
//
// The first call registers the caller's key with the verifier and caches its
// hash; later calls return the cached hash and ignore any key they carry.
package vkstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"

	"github.com/Poly-pay/polypay-app-sub000/apperrors"
	"github.com/Poly-pay/polypay-app-sub000/metrics"
	"github.com/Poly-pay/polypay-app-sub000/verifier"
)

var (
	keyVKHash        = []byte("vk:hash")
	keyVKRaw         = []byte("vk:raw")
	keyVKRegistered  = []byte("vk:registered_at")
	keyVKLastFailure = []byte("vk:last_failure")
)

// Registrar registers a verification key with the external verifier
type Registrar interface {
	RegisterVK(ctx context.Context, vk string, numberOfPublicInputs int) (*verifier.Registration, error)
}

// Store is a VerificationKeyStore backed by badger
type Store struct {
	db          *badger.DB
	registrar   Registrar
	settleDelay time.Duration
	logger      cmtlog.Logger
	metrics     *metrics.Metrics

	group  singleflight.Group
	mu     sync.RWMutex
	cached string
}

// NewStore creates a key store. settleDelay is how long a fresh registration
// waits before returning, since the verifier needs time to see new keys.
func NewStore(db *badger.DB, registrar Registrar, settleDelay time.Duration, logger cmtlog.Logger, m *metrics.Metrics) *Store {
	return &Store{
		db:          db,
		registrar:   registrar,
		settleDelay: settleDelay,
		logger:      logger.With("module", "vkstore"),
		metrics:     m,
	}
}

// EnsureRegistered returns the hash of the trusted key, registering
// candidateVK first if nothing is cached yet. Concurrent first callers share
// one registration attempt and all observe its outcome.
func (s *Store) EnsureRegistered(ctx context.Context, candidateVK string, publicInputCount int) (string, error) {
	if hash := s.cachedHash(); hash != "" {
		return hash, nil
	}

	hash, err := s.load()
	if err != nil {
		return "", err
	}
	if hash != "" {
		s.setCached(hash)
		return hash, nil
	}

	if strings.TrimSpace(candidateVK) == "" {
		return "", apperrors.New(
			apperrors.CodeVKRegistration,
			"No verification key for first registration",
			"a verification key must be supplied until one is registered",
		)
	}

	v, err, _ := s.group.Do("register", func() (interface{}, error) {
		// Another caller may have finished while we waited for the group
		if hash := s.cachedHash(); hash != "" {
			return hash, nil
		}
		return s.register(ctx, candidateVK, publicInputCount)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Hash returns the cached key hash, or "" when none is registered
func (s *Store) Hash() (string, error) {
	if hash := s.cachedHash(); hash != "" {
		return hash, nil
	}
	return s.load()
}

// LastFailure returns the verifier response stored by the last failed
// registration, for operators
func (s *Store) LastFailure() ([]byte, error) {
	return s.get(keyVKLastFailure)
}

func (s *Store) register(ctx context.Context, vk string, publicInputCount int) (string, error) {
	s.logger.Info("Registering verification key", "public_inputs", publicInputCount)

	reg, err := s.registrar.RegisterVK(ctx, vk, publicInputCount)
	if err != nil {
		s.metrics.VKRegistration(false)
		s.recordFailure(reg, err)
		if apperrors.CodeOf(err) == "" {
			err = apperrors.Wrap(apperrors.CodeVKRegistration, "Verification key registration failed", err)
		}
		return "", err
	}
	s.metrics.VKRegistration(true)

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyVKHash, []byte(reg.VKHash)); err != nil {
			return err
		}
		if err := txn.Set(keyVKRaw, []byte(vk)); err != nil {
			return err
		}
		return txn.Set(keyVKRegistered, []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeDatabase, "Failed to persist verification key", err)
	}
	s.setCached(reg.VKHash)
	s.logger.Info("Verification key registered", "vk_hash", reg.VKHash)

	if s.settleDelay > 0 {
		t := time.NewTimer(s.settleDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	return reg.VKHash, nil
}

func (s *Store) recordFailure(reg *verifier.Registration, cause error) {
	diagnostic := []byte(cause.Error())
	if reg != nil && len(reg.Raw) > 0 {
		diagnostic = reg.Raw
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyVKLastFailure, diagnostic)
	})
	if err != nil {
		s.logger.Error("Failed to store registration diagnostic", "err", err)
	}
	s.logger.Error("Verification key registration failed", "err", cause)
}

func (s *Store) load() (string, error) {
	b, err := s.get(keyVKHash)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeDatabase, "Failed to load verification key", err)
	}
	return string(b), nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return out, nil
}

func (s *Store) cachedHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cached
}

func (s *Store) setCached(hash string) {
	s.mu.Lock()
	s.cached = hash
	s.mu.Unlock()
}
