// Package dictstore holds the active data dictionary behind an atomic swap
// and archives every adopted version to a blob store.
package dictstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync/atomic"

	"clinicalcore/internal/blob"
	"clinicalcore/internal/dictsource"
	"clinicalcore/internal/observability"
	"clinicalcore/pkg/dictionary"
)

// ErrNotLoaded is returned by Current before a dictionary has been loaded.
var ErrNotLoaded = errors.New("dictionary store: no active dictionary")

const archivePrefix = "dictionaries"

// Store owns the active SchemaDictionary. Readers always see a complete
// version; Swap replaces it in one step.
type Store struct {
	current atomic.Pointer[dictionary.SchemaDictionary]
	source  dictsource.Source
	archive blob.Store
	logger  observability.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l observability.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New builds a store. archive may be nil, in which case nothing is persisted.
func New(source dictsource.Source, archive blob.Store, opts ...Option) *Store {
	s := &Store{source: source, archive: archive, logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns the active dictionary.
func (s *Store) Current() (dictionary.SchemaDictionary, error) {
	d := s.current.Load()
	if d == nil {
		return dictionary.SchemaDictionary{}, ErrNotLoaded
	}
	return *d, nil
}

// Version returns the active version, or "" when nothing is loaded.
func (s *Store) Version() string {
	if d := s.current.Load(); d != nil {
		return d.Version
	}
	return ""
}

// Load activates a dictionary at startup. An empty version resumes the
// archived current pointer. Archived snapshots are preferred over the source.
func (s *Store) Load(ctx context.Context, name, version string) (dictionary.SchemaDictionary, error) {
	key := currentKey(name)
	if version != "" {
		key = versionKey(name, version)
	}
	dict, found, err := s.readArchive(ctx, key)
	if err != nil {
		return dictionary.SchemaDictionary{}, err
	}
	if !found {
		if version == "" {
			return dictionary.SchemaDictionary{}, fmt.Errorf("load %s: no archived current version and none requested: %w", name, ErrNotLoaded)
		}
		dict, err = s.source.FetchDictionary(ctx, name, version)
		if err != nil {
			return dictionary.SchemaDictionary{}, fmt.Errorf("load %s@%s: %w", name, version, err)
		}
		if err := s.write(ctx, versionKey(name, version), dict); err != nil {
			return dictionary.SchemaDictionary{}, err
		}
	}
	s.current.Store(&dict)
	s.logger.Info("dictionary loaded", "name", dict.Name, "version", dict.Version, "fromArchive", found)
	return dict, nil
}

// Fetch returns a specific version without activating it, consulting the
// archive before the source.
func (s *Store) Fetch(ctx context.Context, name, version string) (dictionary.SchemaDictionary, error) {
	if cur := s.current.Load(); cur != nil && cur.Name == name && cur.Version == version {
		return *cur, nil
	}
	dict, found, err := s.readArchive(ctx, versionKey(name, version))
	if err != nil || found {
		return dict, err
	}
	return s.source.FetchDictionary(ctx, name, version)
}

// Swap persists dict and makes it the active version. The in-memory pointer
// only moves once the archive writes succeed.
func (s *Store) Swap(ctx context.Context, dict dictionary.SchemaDictionary) error {
	if err := s.write(ctx, versionKey(dict.Name, dict.Version), dict); err != nil {
		return err
	}
	if err := s.write(ctx, currentKey(dict.Name), dict); err != nil {
		return err
	}
	cp := dict.Clone()
	prev := s.current.Swap(&cp)
	prevVersion := ""
	if prev != nil {
		prevVersion = prev.Version
	}
	s.logger.Info("dictionary swapped", "name", dict.Name, "from", prevVersion, "to", dict.Version)
	return nil
}

func (s *Store) write(ctx context.Context, key string, dict dictionary.SchemaDictionary) error {
	if s.archive == nil {
		return nil
	}
	raw, err := json.Marshal(dict)
	if err != nil {
		return fmt.Errorf("encode dictionary %s@%s: %w", dict.Name, dict.Version, err)
	}
	if _, err := s.archive.Put(ctx, key, bytes.NewReader(raw), "application/json"); err != nil {
		return fmt.Errorf("archive dictionary %s: %w", key, err)
	}
	return nil
}

func (s *Store) readArchive(ctx context.Context, key string) (dictionary.SchemaDictionary, bool, error) {
	if s.archive == nil {
		return dictionary.SchemaDictionary{}, false, nil
	}
	_, rc, err := s.archive.Get(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		return dictionary.SchemaDictionary{}, false, nil
	}
	if err != nil {
		return dictionary.SchemaDictionary{}, false, fmt.Errorf("read archived dictionary %s: %w", key, err)
	}
	defer func() { _ = rc.Close() }()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return dictionary.SchemaDictionary{}, false, fmt.Errorf("read archived dictionary %s: %w", key, err)
	}
	var dict dictionary.SchemaDictionary
	if err := json.Unmarshal(raw, &dict); err != nil {
		return dictionary.SchemaDictionary{}, false, fmt.Errorf("decode archived dictionary %s: %w", key, err)
	}
	return dict, true, nil
}

// Versions lists the archived versions of a dictionary.
func (s *Store) Versions(ctx context.Context, name string) ([]string, error) {
	if s.archive == nil {
		return nil, nil
	}
	infos, err := s.archive.List(ctx, path.Join(archivePrefix, name)+"/")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, info := range infos {
		base := path.Base(info.Key)
		if base == "current.json" || path.Ext(base) != ".json" {
			continue
		}
		out = append(out, base[:len(base)-len(".json")])
	}
	return out, nil
}

func versionKey(name, version string) string {
	return path.Join(archivePrefix, name, version+".json")
}

func currentKey(name string) string {
	return path.Join(archivePrefix, name, "current.json")
}
