// Package phonebook resolves caller phone numbers to known identities. The
// book is a YAML file on disk, hot-reloaded by a polling watcher so role
// changes apply without a restart.
package phonebook

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alihamza79/custom-voice-agent-sub003/internal/session"
)

// Entry is one phonebook record.
type Entry struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"` // "teammate" or "customer"
}

// Book is the hot-reloading phonebook.
type Book struct {
	log  *slog.Logger
	path string

	mu      sync.RWMutex
	entries map[string]Entry
	hash    [sha256.Size]byte

	pollEvery time.Duration
}

// Load reads the phonebook file and starts with its contents. A missing file
// yields an empty book; lookups then fall back to customer.
func Load(log *slog.Logger, path string) (*Book, error) {
	b := &Book{
		log:       log,
		path:      path,
		entries:   map[string]Entry{},
		pollEvery: 5 * time.Second,
	}
	if err := b.reload(); err != nil {
		if os.IsNotExist(err) {
			log.Warn("phonebook file missing, starting empty", "path", path)
			return b, nil
		}
		return nil, err
	}
	return b, nil
}

// Lookup resolves a phone number. Unknown numbers are customers with no name.
func (b *Book) Lookup(phone string) session.CallerInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if e, ok := b.entries[phone]; ok {
		role := session.RoleCustomer
		if e.Role == string(session.RoleTeammate) {
			role = session.RoleTeammate
		}
		return session.CallerInfo{Name: e.Name, Phone: phone, Role: role}
	}
	return session.CallerInfo{Phone: phone, Role: session.RoleCustomer}
}

// Len returns the number of entries.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Watch polls the file and reloads it when the content hash changes. Blocks
// until the context is cancelled.
func (b *Book) Watch(ctx context.Context) {
	ticker := time.NewTicker(b.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.reloadIfChanged(); err != nil {
				b.log.Warn("phonebook reload failed", "path", b.path, "error", err)
			}
		}
	}
}

func (b *Book) reloadIfChanged() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	sum := sha256.Sum256(data)
	b.mu.RLock()
	same := sum == b.hash
	b.mu.RUnlock()
	if same {
		return nil
	}
	return b.apply(data, sum)
}

func (b *Book) reload() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return err
	}
	return b.apply(data, sha256.Sum256(data))
}

func (b *Book) apply(data []byte, sum [sha256.Size]byte) error {
	var entries map[string]Entry
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&entries); err != nil {
		return fmt.Errorf("phonebook: parse %s: %w", b.path, err)
	}

	b.mu.Lock()
	b.entries = entries
	b.hash = sum
	b.mu.Unlock()
	b.log.Info("phonebook loaded", "path", b.path, "entries", len(entries))
	return nil
}
