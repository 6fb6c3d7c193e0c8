package migration

import (
	"errors"
	"fmt"
	"strings"

	"clinicalcore/pkg/domain"
)

var (
	// ErrPreflightIncompatible is matched when the target dictionary cannot
	// be adopted.
	ErrPreflightIncompatible = errors.New("target dictionary is incompatible")
	// ErrSubmissionLock is matched when the submissions flag cannot be set.
	ErrSubmissionLock = errors.New("submission lock unavailable")
)

// PreflightError lists why the target dictionary was rejected.
type PreflightError struct {
	Version string
	Errors  []domain.SchemaIncompatibility
}

func (e PreflightError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, inc := range e.Errors {
		parts = append(parts, inc.String())
	}
	return fmt.Sprintf("dictionary %s rejected: %s", e.Version, strings.Join(parts, "; "))
}

// Unwrap exposes ErrPreflightIncompatible.
func (e PreflightError) Unwrap() error { return ErrPreflightIncompatible }
