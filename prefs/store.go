// Package prefs keeps small integer preferences encrypted at rest and in
// memory. Values are held as protect.Value[int64] under an eternal
// encryptor and only their ciphertext ever reaches the backing store.
package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"southwinds.dev/walletguard/audit"
	"southwinds.dev/walletguard/gate"
	"southwinds.dev/walletguard/persist"
	"southwinds.dev/walletguard/protect"
)

// MaxKeyLength bounds preference key names.
const MaxKeyLength = 64

// Store is a protected preference map backed by a persist.Store.
type Store struct {
	mu      sync.RWMutex
	enc     *protect.Encryptor
	backend persist.Store
	audit   audit.Logger
	values  map[string]*protect.Value[int64]
	version string
}

// New creates an empty preference store. enc must use the eternal policy,
// otherwise persisted values would not survive a restart.
func New(enc *protect.Encryptor, backend persist.Store, auditLogger audit.Logger) (*Store, error) {
	if enc == nil {
		return nil, errors.New("encryptor is required")
	}
	if enc.Policy().BindToProcess {
		return nil, errors.New("preferences need an eternal encryptor")
	}
	if backend == nil {
		return nil, errors.New("backend store is required")
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	return &Store{
		enc:     enc,
		backend: backend,
		audit:   auditLogger,
		values:  make(map[string]*protect.Value[int64]),
	}, nil
}

// Load replaces the in-memory map with the persisted one. A profile without
// preferences loads as empty.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.backend.LoadPrefs(ctx)
	if errors.Is(err, persist.ErrNotFound) {
		s.mu.Lock()
		s.reset(nil, "")
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}

	var blobs map[string][]byte
	if err = json.Unmarshal(data.Data, &blobs); err != nil {
		return fmt.Errorf("failed to parse preferences: %w", err)
	}

	values := make(map[string]*protect.Value[int64], len(blobs))
	for key, blob := range blobs {
		v, err := protect.Import(s.enc, protect.Int64, blob)
		if err != nil {
			log.Warnf("dropping unreadable preference %q", key)
			continue
		}
		values[key] = v
	}

	s.mu.Lock()
	s.reset(values, data.Version)
	s.mu.Unlock()

	log.Debugf("loaded %d preferences", len(values))
	return nil
}

func (s *Store) reset(values map[string]*protect.Value[int64], version string) {
	for _, v := range s.values {
		v.Destroy()
	}
	if values == nil {
		values = make(map[string]*protect.Value[int64])
	}
	s.values = values
	s.version = version
}

// GetInt returns the value for key, or def when the key is absent, the
// caller chain is not trusted or the value cannot be decrypted.
func (s *Store) GetInt(tok gate.Token, key string, def int64) int64 {
	s.mu.RLock()
	v, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return def
	}

	n := gate.Guard(s.enc.Gate(), tok, func() *int64 {
		var out *int64
		if err := v.Use(tok, func(value int64) error {
			out = &value
			return nil
		}); err != nil {
			log.Debugf("preference %q unavailable: %v", key, err)
		}
		return out
	})
	if n == nil {
		return def
	}
	return *n
}

// SetInt encrypts value and persists the whole map.
func (s *Store) SetInt(ctx context.Context, key string, value int64) error {
	if err := validateKey(key); err != nil {
		return err
	}

	v, err := protect.Protect(s.enc, protect.Int64, value)
	if err != nil {
		return fmt.Errorf("failed to protect preference: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.values[key]
	s.values[key] = v
	if err = s.save(ctx); err != nil {
		if old != nil {
			s.values[key] = old
		} else {
			delete(s.values, key)
		}
		v.Destroy()
		s.logAudit(audit.ActionPrefSet, false, key)
		return err
	}
	if old != nil {
		old.Destroy()
	}

	s.logAudit(audit.ActionPrefSet, true, key)
	return nil
}

// HasKey reports whether key holds a value.
func (s *Store) HasKey(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.values[key]
	if !ok {
		return nil
	}

	delete(s.values, key)
	if err := s.save(ctx); err != nil {
		s.values[key] = old
		return err
	}
	old.Destroy()

	s.logAudit(audit.ActionPrefDeleted, true, key)
	return nil
}

// Keys lists the stored keys in order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Export returns the persisted form of the map: key to ciphertext, JSON
// encoded.
func (s *Store) Export() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encode()
}

// Close destroys every held ciphertext.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset(nil, "")
}

func (s *Store) encode() ([]byte, error) {
	blobs := make(map[string][]byte, len(s.values))
	for k, v := range s.values {
		blobs[k] = v.Export()
	}

	data, err := json.Marshal(blobs)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize preferences: %w", err)
	}
	return data, nil
}

// save must be called with mu held.
func (s *Store) save(ctx context.Context) error {
	data, err := s.encode()
	if err != nil {
		return err
	}

	version, err := s.backend.SavePrefs(ctx, data, s.version)
	if err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	s.version = version
	return nil
}

func (s *Store) logAudit(action string, success bool, key string) {
	if err := s.audit.Log(action, success, map[string]interface{}{"key": key}); err != nil {
		log.Errorf("audit logging failed for action %s: %v", action, err)
	}
}

func validateKey(key string) error {
	if key == "" {
		return errors.New("preference key cannot be empty")
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("preference key too long (max %d characters)", MaxKeyLength)
	}
	return nil
}
