// Package schemahash computes and caches the SHA-256 identity of contract
// schema files. A hash is computed at most once per file per process; a
// process restart is required to pick up a changed schema.
package schemahash

import (
	"fmt"
	"io/fs"
	"sync"

	"launchbase/pkg/canonhash"
)

type Mode int

const (
	// ModeRaw hashes the schema file bytes exactly as stored.
	ModeRaw Mode = iota
	// ModeCanonical hashes the sorted-key, ASCII-escaped JSON form so the hash
	// is independent of whitespace, key order and platform string encoding.
	ModeCanonical
)

func (m Mode) String() string {
	if m == ModeCanonical {
		return "canonical"
	}
	return "raw"
}

type Registry struct {
	fsys  fs.FS
	modes map[string]Mode

	mu    sync.Mutex
	cache map[string]string
}

// New returns a registry reading schema files from fsys. Files without an
// explicit mode are hashed raw.
func New(fsys fs.FS, modes map[string]Mode) *Registry {
	m := make(map[string]Mode, len(modes))
	for k, v := range modes {
		m[k] = v
	}
	return &Registry{fsys: fsys, modes: m, cache: map[string]string{}}
}

func (r *Registry) ModeFor(schemaFile string) Mode {
	return r.modes[schemaFile]
}

// Hash returns the lowercase hex SHA-256 of schemaFile.
func (r *Registry) Hash(schemaFile string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.cache[schemaFile]; ok {
		return h, nil
	}
	b, err := fs.ReadFile(r.fsys, schemaFile)
	if err != nil {
		return "", fmt.Errorf("read schema %s: %w", schemaFile, err)
	}
	var h string
	switch r.modes[schemaFile] {
	case ModeCanonical:
		h, err = canonhash.SumCanonical(b)
		if err != nil {
			return "", fmt.Errorf("canonicalize schema %s: %w", schemaFile, err)
		}
	default:
		h = canonhash.SumBytes(b)
	}
	r.cache[schemaFile] = h
	return h, nil
}

// Cached reports the hash for schemaFile if it has already been computed.
func (r *Registry) Cached(schemaFile string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.cache[schemaFile]
	return h, ok
}
