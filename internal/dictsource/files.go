package dictsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"clinicalcore/internal/changeanalysis"
	"clinicalcore/pkg/dictionary"
)

var fileExtensions = []string{".json", ".yaml", ".yml"}

// Files reads dictionaries from <dir>/<name>-<version>.{json,yaml,yml} and
// computes diffs locally.
type Files struct {
	dir string
}

// NewFiles returns a directory-backed source.
func NewFiles(dir string) *Files {
	return &Files{dir: dir}
}

func (f *Files) FetchDictionary(ctx context.Context, name, version string) (dictionary.SchemaDictionary, error) {
	if err := ctx.Err(); err != nil {
		return dictionary.SchemaDictionary{}, err
	}
	for _, ext := range fileExtensions {
		path := filepath.Join(f.dir, name+"-"+version+ext)
		raw, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return dictionary.SchemaDictionary{}, fmt.Errorf("read dictionary %s: %w", path, err)
		}
		var dict dictionary.SchemaDictionary
		if ext == ".json" {
			err = json.Unmarshal(raw, &dict)
		} else {
			err = yaml.Unmarshal(raw, &dict)
		}
		if err != nil {
			return dictionary.SchemaDictionary{}, fmt.Errorf("decode dictionary %s: %w", path, err)
		}
		if dict.Name == "" {
			dict.Name = name
		}
		if dict.Version == "" {
			dict.Version = version
		}
		return dict, nil
	}
	return dictionary.SchemaDictionary{}, fmt.Errorf("dictionary %s@%s in %s: %w", name, version, f.dir, ErrDictionaryNotFound)
}

func (f *Files) FetchDiff(ctx context.Context, name, fromVersion, toVersion string) (changeanalysis.Diffs, error) {
	from, err := f.FetchDictionary(ctx, name, fromVersion)
	if err != nil {
		return nil, err
	}
	to, err := f.FetchDictionary(ctx, name, toVersion)
	if err != nil {
		return nil, err
	}
	return changeanalysis.Compute(from, to)
}
