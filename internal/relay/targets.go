package relay

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Target is the cached handle of the last-broadcast message in one external
// destination. Updates edit this message in place; the relay never creates
// messages on its own.
type Target struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// Targets is the destination-id to message-handle mapping, populated from a
// static file at startup and reloaded only on explicit admin action.
type Targets struct {
	path string

	mu      sync.RWMutex
	entries map[string]Target
}

func LoadTargets(path string) (*Targets, error) {
	t := &Targets{path: path, entries: make(map[string]Target)}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the mapping file, replacing the whole table atomically.
func (t *Targets) Reload() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("failed to read relay targets file: %w", err)
	}

	entries := make(map[string]Target)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse relay targets file: %w", err)
	}

	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current table for iteration.
func (t *Targets) Snapshot() map[string]Target {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make(map[string]Target, len(t.entries))
	for id, target := range t.entries {
		snapshot[id] = target
	}
	return snapshot
}

// Len returns the number of configured destinations.
func (t *Targets) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
