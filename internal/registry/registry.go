// Package registry persists printer identities, custom names and the small
// key-value settings store used for permission flags and the saved printer config.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Registry manages printer identities and settings, backed by a JSON file
type Registry struct {
	filePath string
	data     fileData
	mu       sync.RWMutex
}

type fileData struct {
	Printers map[string]*PrinterEntry `json:"printers"`
	Settings map[string]string        `json:"settings"`
}

// PrinterEntry stores persistent information about a printer
type PrinterEntry struct {
	ID          string `json:"id"`
	IdentityKey string `json:"identity_key"`
	VID         uint16 `json:"vid"`
	PID         uint16 `json:"pid"`
	Description string `json:"description"`
	Name        string `json:"name,omitempty"` // Custom user-set name
}

// New creates a new Registry, loading filePath if it exists
func New(filePath string) (*Registry, error) {
	r := &Registry{
		filePath: filePath,
		data: fileData{
			Printers: make(map[string]*PrinterEntry),
			Settings: make(map[string]string),
		},
	}

	if err := r.load(); err != nil {
		// A missing file is created on first save
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load registry: %w", err)
		}
	}

	return r, nil
}

// IdentityKey returns the registry key for a USB vendor/product pair.
func IdentityKey(vid, pid uint16) string {
	return fmt.Sprintf("usb:%04X:%04X", vid, pid)
}

// GetPrinterID gets or creates a persistent ID for a printer
func (r *Registry) GetPrinterID(vid, pid uint16, description string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := IdentityKey(vid, pid)
	if entry, exists := r.data.Printers[key]; exists {
		return entry.ID, nil
	}

	entry := &PrinterEntry{
		ID:          uuid.New().String(),
		IdentityKey: key,
		VID:         vid,
		PID:         pid,
		Description: description,
	}
	r.data.Printers[key] = entry

	// The ID stays valid in memory even if the write fails
	return entry.ID, r.save()
}

// GetPrinterName gets the custom name for a printer, or empty string if not set
func (r *Registry) GetPrinterName(printerID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry := r.findByID(printerID); entry != nil {
		return entry.Name
	}
	return ""
}

// SetPrinterName sets a custom name for a printer
func (r *Registry) SetPrinterName(printerID string, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.findByID(printerID)
	if entry == nil {
		return false, nil
	}
	entry.Name = name
	return true, r.save()
}

// GetPrinterInfo returns a copy of the stored information for a printer
func (r *Registry) GetPrinterInfo(printerID string) *PrinterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry := r.findByID(printerID); entry != nil {
		entryCopy := *entry
		return &entryCopy
	}
	return nil
}

// RemovePrinter removes a printer from the registry
func (r *Registry) RemovePrinter(printerID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, entry := range r.data.Printers {
		if entry.ID == printerID {
			delete(r.data.Printers, key)
			return true, r.save()
		}
	}
	return false, nil
}

// GetAll returns copies of all registered printers, keyed by identity key
func (r *Registry) GetAll() map[string]*PrinterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*PrinterEntry, len(r.data.Printers))
	for k, v := range r.data.Printers {
		entryCopy := *v
		result[k] = &entryCopy
	}
	return result
}

// Get returns a setting value.
func (r *Registry) Get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.data.Settings[key]
	return v, ok
}

// Set stores a setting value and persists it.
func (r *Registry) Set(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.data.Settings[key] = value
	return r.save()
}

// Delete removes a setting. Deleting a missing key is not an error.
func (r *Registry) Delete(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data.Settings[key]; !ok {
		return nil
	}
	delete(r.data.Settings, key)
	return r.save()
}

// Keys returns the sorted setting keys starting with prefix.
func (r *Registry) Keys(prefix string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for k := range r.data.Settings {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (r *Registry) findByID(printerID string) *PrinterEntry {
	for _, entry := range r.data.Printers {
		if entry.ID == printerID {
			return entry
		}
	}
	return nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.filePath)
	if err != nil {
		return err
	}

	var fd fileData
	if err := json.Unmarshal(data, &fd); err != nil {
		return err
	}
	if fd.Printers != nil {
		r.data.Printers = fd.Printers
	}
	if fd.Settings != nil {
		r.data.Settings = fd.Settings
	}
	return nil
}

func (r *Registry) save() error {
	data, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(r.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create registry dir: %w", err)
		}
	}

	// Write then rename so a crash never leaves a truncated file
	tmp := r.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, r.filePath)
}
