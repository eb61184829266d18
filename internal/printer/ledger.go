package printer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

const (
	permissionPrefix = "usb_permission_"
	permissionValue  = "granted"
	savedConfigKey   = "printer_config"
)

// Store is the persistent key-value store behind the ledger and the saved
// printer config. registry.Registry implements it.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
	Keys(prefix string) []string
}

// PermissionLedger remembers which vendor/product pairs were granted.
type PermissionLedger struct {
	store Store
}

// NewPermissionLedger creates a ledger over store
func NewPermissionLedger(store Store) *PermissionLedger {
	return &PermissionLedger{store: store}
}

func permissionKey(d Descriptor) string {
	return fmt.Sprintf("%s%d_%d", permissionPrefix, d.VendorID, d.ProductID)
}

// Check reports whether a prior grant is recorded for d.
func (l *PermissionLedger) Check(d Descriptor) bool {
	v, ok := l.store.Get(permissionKey(d))
	return ok && v == permissionValue
}

// RecordGranted persists a grant for d.
func (l *PermissionLedger) RecordGranted(d Descriptor) error {
	if err := l.store.Set(permissionKey(d), permissionValue); err != nil {
		return fmt.Errorf("failed to record permission for %s: %w", d.Key(), err)
	}
	return nil
}

// ClearAll forgets every grant. All keys are attempted even if one fails.
func (l *PermissionLedger) ClearAll() error {
	var errs []error
	for _, k := range l.store.Keys(permissionPrefix) {
		if err := l.store.Delete(k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Granted returns the number of recorded grants.
func (l *PermissionLedger) Granted() int {
	return len(l.store.Keys(permissionPrefix))
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Keys(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
