package modelmap

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultKey is the caller-facing model id whose mapping backs every lookup
// for an id not present in the table.
const DefaultKey = "gpt-3.5-turbo"

var builtin = map[string]string{
	"gpt-3.5-turbo": "meta/llama-3.1-8b-instruct",
	"gpt-4":         "meta/llama-3.1-70b-instruct",
	"gpt-4-turbo":   "meta/llama-3.1-405b-instruct",
	"gpt-4o":        "meta/llama-3.1-405b-instruct",
	"gpt-4o-mini":   "meta/llama-3.1-8b-instruct",
}

// Table maps caller-facing model ids to upstream model ids. It is immutable
// after construction, so concurrent lookups need no locking.
type Table struct {
	entries map[string]string
}

// Default returns a table built from the compiled-in mapping.
func Default() *Table {
	t, err := FromMap(builtin)
	if err != nil {
		// The built-in mapping always contains DefaultKey.
		panic(err)
	}
	return t
}

// FromMap validates the entries and copies them into a new table. The default
// key must be present; its absence is a startup configuration error.
func FromMap(entries map[string]string) (*Table, error) {
	if _, ok := entries[DefaultKey]; !ok {
		return nil, fmt.Errorf("model table must contain the default key %q", DefaultKey)
	}

	copied := make(map[string]string, len(entries))
	for caller, upstream := range entries {
		if strings.TrimSpace(caller) == "" {
			return nil, fmt.Errorf("model table keys must not be empty")
		}
		if strings.TrimSpace(upstream) == "" {
			return nil, fmt.Errorf("model table entry %q must map to a non-empty upstream id", caller)
		}
		copied[caller] = upstream
	}

	return &Table{entries: copied}, nil
}

// LoadFile reads a YAML mapping of caller-facing ids to upstream ids.
func LoadFile(path string) (*Table, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve model table path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read model table %q: %w", absPath, err)
	}

	var entries map[string]string
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse model table %q: %w", absPath, err)
	}

	return FromMap(entries)
}

// Resolve maps a caller-facing model id to its upstream id, falling back to
// the default entry for unknown ids. It is total: a value always exists.
func (t *Table) Resolve(requested string) string {
	if upstream, ok := t.entries[requested]; ok {
		return upstream
	}
	return t.entries[DefaultKey]
}

// IDs returns the caller-facing model ids in sorted order.
func (t *Table) IDs() []string {
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
