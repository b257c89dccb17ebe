// Package unlock is the unlock state machine: per-device-key retry
// counting and lockout, backed by the PIN oracle and the on-disk key
// store. Grounded on the original source's agent/state.rs (the
// locked/unlocked split, the num_tries/max_tries loop) and on the
// teacher's keychain/keyring.go gKey pattern for the Go-idiomatic shape
// of shared state: here, one sync.Mutex guarding plain maps keyed by
// device id.
package unlock

import (
	"sync"

	"github.com/allonsy/basalt-go/errs"
	"github.com/allonsy/basalt-go/keys"
	"github.com/allonsy/basalt-go/keystore"
	"github.com/allonsy/basalt-go/pinentry"
)

// Shared is the agent-wide unlock state: keys unlocked by any session
// remain unlocked for all sessions until Reload.
type Shared struct {
	store    *keystore.Store
	oracle   pinentry.Oracle
	maxTries int

	mu        sync.Mutex
	unlocked  map[string]keys.PrivateKey
	tries     map[string]int
	lockedOut map[string]bool
}

func NewShared(store *keystore.Store, oracle pinentry.Oracle, maxTries int) *Shared {
	return &Shared{
		store:     store,
		oracle:    oracle,
		maxTries:  maxTries,
		unlocked:  map[string]keys.PrivateKey{},
		tries:     map[string]int{},
		lockedOut: map[string]bool{},
	}
}

// Reload drops all shared unlocked state, forcing every device key to be
// re-unlocked on next use, and clears every lockout.
func (s *Shared) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocked = map[string]keys.PrivateKey{}
	s.tries = map[string]int{}
	s.lockedOut = map[string]bool{}
}

// isLockedOut reports whether deviceID is currently locked out; a locked
// out key stays locked out for every subsequent attempt, without
// re-prompting, until Reload.
func (s *Shared) isLockedOut(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedOut[deviceID]
}

func (s *Shared) get(deviceID string) (keys.PrivateKey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.unlocked[deviceID]
	return k, ok
}

func (s *Shared) put(deviceID string, priv keys.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unlocked[deviceID] = priv
	delete(s.tries, deviceID)
}

// tryIncrement bumps the try counter and reports whether max_tries has
// now been exceeded.
func (s *Shared) tryIncrement(deviceID string) (lockedOut bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tries[deviceID]++
	if s.tries[deviceID] >= s.maxTries {
		delete(s.tries, deviceID)
		s.lockedOut[deviceID] = true
		return true
	}
	return false
}

// Session is a per-connection view that falls through to Shared: a key
// unlocked by any session is visible to all, but a session never
// "forgets" a key the shared state later reloads mid-connection (the
// connection is short-lived, one request-batch each).
type Session struct {
	shared *Shared
	local  map[string]keys.PrivateKey
}

func NewSession(shared *Shared) *Session {
	return &Session{shared: shared, local: map[string]keys.PrivateKey{}}
}

// TryUnlock resolves deviceID to its PrivateKey, asking the PIN oracle
// and retrying up to max_tries if the on-disk key is encrypted.
func (s *Session) TryUnlock(deviceID string) (keys.PrivateKey, error) {
	if priv, ok := s.local[deviceID]; ok {
		return priv, nil
	}
	if priv, ok := s.shared.get(deviceID); ok {
		s.local[deviceID] = priv
		return priv, nil
	}
	if s.shared.isLockedOut(deviceID) {
		return keys.PrivateKey{}, errs.New(errs.Lockout, "max PIN attempts exceeded for "+deviceID)
	}

	onDisk, err := s.shared.store.Read(deviceID)
	if err != nil {
		return keys.PrivateKey{}, err
	}
	if !onDisk.IsEncrypted() {
		priv, err := onDisk.ToPrivateKey()
		if err != nil {
			return keys.PrivateKey{}, err
		}
		s.shared.put(deviceID, priv)
		s.local[deviceID] = priv
		return priv, nil
	}

	for {
		pin, err := s.shared.oracle.GetPIN(deviceID)
		if err != nil {
			if errs.Is(err, errs.PinCanceled) {
				return keys.PrivateKey{}, err
			}
			return keys.PrivateKey{}, err
		}

		priv, err := s.shared.store.DecryptWithPin(onDisk, pin)
		if err == nil {
			s.shared.put(deviceID, priv)
			s.local[deviceID] = priv
			return priv, nil
		}
		if !errs.Is(err, errs.WrongPin) {
			return keys.PrivateKey{}, err
		}

		if s.shared.tryIncrement(deviceID) {
			return keys.PrivateKey{}, errs.New(errs.Lockout, "max PIN attempts exceeded for "+deviceID)
		}
	}
}

// Unlocked reports the device ids already unlocked in this session,
// falling through to the shared set — used by the vault envelope to try
// already-unlocked keys before prompting for any locked candidate.
func (s *Session) Unlocked() map[string]keys.PrivateKey {
	out := map[string]keys.PrivateKey{}
	s.shared.mu.Lock()
	for id, k := range s.shared.unlocked {
		out[id] = k
	}
	s.shared.mu.Unlock()
	for id, k := range s.local {
		out[id] = k
	}
	return out
}
