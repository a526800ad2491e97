// Package refdata loads the immutable reference snapshot (schema hashes, task
// library, freeze registry) once at startup. Every pure computation receives
// the snapshot by reference instead of reading process globals.
package refdata

import (
	"embed"
	"fmt"
	"io/fs"
	"os"

	"launchbase/pkg/contracts"
	"launchbase/pkg/freeze"
	"launchbase/pkg/handshake"
	"launchbase/pkg/schemahash"
	"launchbase/pkg/tasklib"
)

//go:embed data
var embedded embed.FS

const (
	embeddedSchemasDir     = "data/schemas"
	embeddedTaskLibrary    = "data/task_library.json"
	embeddedFreezeRegistry = "data/freeze_registry.json"
)

// Options overrides embedded defaults with files on disk. Empty fields keep
// the embedded copy.
type Options struct {
	TaskLibraryPath    string
	FreezeRegistryPath string
	SchemasDir         string
}

type Snapshot struct {
	Schemas *schemahash.Registry
	Library *tasklib.Library
	Freeze  *freeze.Registry

	schemasFS fs.FS
	expected  []handshake.Expected
}

func Load(opts Options) (*Snapshot, error) {
	schemasFS, err := schemaFS(opts.SchemasDir)
	if err != nil {
		return nil, err
	}
	modes := map[string]schemahash.Mode{}
	for _, s := range contracts.Specs {
		if s.CanonicalHash {
			modes[s.SchemaFile] = schemahash.ModeCanonical
		} else {
			modes[s.SchemaFile] = schemahash.ModeRaw
		}
	}

	libBytes, err := readOverride(opts.TaskLibraryPath, embeddedTaskLibrary)
	if err != nil {
		return nil, fmt.Errorf("task library: %w", err)
	}
	lib, err := tasklib.Parse(libBytes)
	if err != nil {
		return nil, fmt.Errorf("task library: %w", err)
	}

	regBytes, err := readOverride(opts.FreezeRegistryPath, embeddedFreezeRegistry)
	if err != nil {
		return nil, fmt.Errorf("freeze registry: %w", err)
	}
	reg, err := freeze.Parse(regBytes)
	if err != nil {
		return nil, fmt.Errorf("freeze registry: %w", err)
	}

	s := &Snapshot{
		Schemas:   schemahash.New(schemasFS, modes),
		Library:   lib,
		Freeze:    reg,
		schemasFS: schemasFS,
	}
	// Hash every registered contract now so a missing schema fails startup
	// rather than the first request.
	for _, c := range reg.Contracts {
		h, err := s.hashFor(c)
		if err != nil {
			return nil, fmt.Errorf("schema hash for %s: %w", c.Name, err)
		}
		s.expected = append(s.expected, handshake.Expected{
			Name:       c.Name,
			Version:    c.Version,
			SchemaHash: h,
			Locked:     c.Locked(),
		})
	}
	return s, nil
}

// Default loads the embedded reference data.
func Default() (*Snapshot, error) { return Load(Options{}) }

func schemaFS(dir string) (fs.FS, error) {
	if dir != "" {
		return os.DirFS(dir), nil
	}
	return fs.Sub(embedded, embeddedSchemasDir)
}

func readOverride(path, embeddedName string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	return embedded.ReadFile(embeddedName)
}

func (s *Snapshot) hashFor(c freeze.ContractEntry) (string, error) {
	if c.SchemaHash != "" {
		return c.SchemaHash, nil
	}
	file := c.SchemaFile
	if file == "" {
		spec, ok := contracts.SpecFor(c.Name)
		if !ok {
			return "", fmt.Errorf("no schema file registered for %s", c.Name)
		}
		file = spec.SchemaFile
	}
	return s.Schemas.Hash(file)
}

// SchemaHash returns the locally computed hash for a contract name.
func (s *Snapshot) SchemaHash(name string) (string, error) {
	for _, e := range s.expected {
		if e.Name == name {
			return e.SchemaHash, nil
		}
	}
	spec, ok := contracts.SpecFor(name)
	if !ok {
		return "", fmt.Errorf("unknown contract %q", name)
	}
	return s.Schemas.Hash(spec.SchemaFile)
}

// ExpectedSchemaHash implements contracts.HashSource.
func (s *Snapshot) ExpectedSchemaHash(name string) (string, bool, error) {
	h, err := s.SchemaHash(name)
	if err != nil {
		return "", false, err
	}
	return h, s.Freeze.IsContractFrozen(name), nil
}

// VertexInfo implements handshake.Registry.
func (s *Snapshot) VertexInfo() (string, string) {
	return s.Freeze.Vertex, s.Freeze.Version
}

// ExpectedContracts implements handshake.Registry. Contracts are locked for
// the handshake only while the registry itself is frozen.
func (s *Snapshot) ExpectedContracts() []handshake.Expected {
	out := make([]handshake.Expected, len(s.expected))
	copy(out, s.expected)
	frozen := s.Freeze.Status == freeze.StatusFrozen
	for i := range out {
		out[i].Locked = out[i].Locked && frozen
	}
	return out
}

// ContractVersion is the registered version of name, or the built-in one.
func (s *Snapshot) ContractVersion(name string) string {
	if c, ok := s.Freeze.Contract(name); ok && c.Version != "" {
		return c.Version
	}
	if spec, ok := contracts.SpecFor(name); ok {
		return spec.Version
	}
	return ""
}

// SchemaFS exposes the schema files the snapshot hashes.
func (s *Snapshot) SchemaFS() fs.FS { return s.schemasFS }

func (s *Snapshot) Validator() *contracts.Validator { return contracts.NewValidator(s) }
