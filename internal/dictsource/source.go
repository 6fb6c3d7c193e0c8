// Package dictsource fetches dictionary versions and version diffs, either
// from a remote dictionary service over HTTP or from a local directory.
package dictsource

import (
	"context"
	"errors"

	"clinicalcore/internal/changeanalysis"
	"clinicalcore/pkg/dictionary"
)

// ErrDictionaryNotFound is returned when the requested name/version does not
// exist at the source.
var ErrDictionaryNotFound = errors.New("dictionary not found")

// Source provides dictionary versions and the diff between two of them.
type Source interface {
	FetchDictionary(ctx context.Context, name, version string) (dictionary.SchemaDictionary, error)
	FetchDiff(ctx context.Context, name, fromVersion, toVersion string) (changeanalysis.Diffs, error)
}
