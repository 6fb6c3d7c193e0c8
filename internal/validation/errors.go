package validation

import (
	"errors"
	"fmt"

	"clinicalcore/pkg/dictionary"
)

// Re-exported record error model.
type (
	ErrorType             = dictionary.ErrorType
	SchemaValidationError = dictionary.SchemaValidationError
)

const (
	ErrMissingRequiredField  = dictionary.ErrMissingRequiredField
	ErrInvalidFieldValueType = dictionary.ErrInvalidFieldValueType
	ErrInvalidByRegex        = dictionary.ErrInvalidByRegex
	ErrInvalidByScript       = dictionary.ErrInvalidByScript
	ErrInvalidEnumValue      = dictionary.ErrInvalidEnumValue
	ErrInvalidByRange        = dictionary.ErrInvalidByRange
	ErrUnrecognizedField     = dictionary.ErrUnrecognizedField
)

// ErrSchemaNotFound is matched by errors.Is when validation targets an
// entity name absent from the dictionary.
var ErrSchemaNotFound = errors.New("schema not found")

// SchemaNotFoundError names the missing entity schema.
type SchemaNotFoundError struct {
	Entity     string
	Dictionary string
	Version    string
}

func (e SchemaNotFoundError) Error() string {
	return fmt.Sprintf("schema %q not found in dictionary %s@%s", e.Entity, e.Dictionary, e.Version)
}

// Unwrap exposes the sentinel for errors.Is.
func (e SchemaNotFoundError) Unwrap() error { return ErrSchemaNotFound }

func newError(kind ErrorType, index int, field string, info map[string]any) SchemaValidationError {
	return SchemaValidationError{
		ErrorType: kind,
		Index:     index,
		FieldName: field,
		Info:      info,
		Message:   messageFor(kind, field, info),
	}
}

func messageFor(kind ErrorType, field string, info map[string]any) string {
	switch kind {
	case ErrMissingRequiredField:
		return fmt.Sprintf("%s is a required field.", field)
	case ErrInvalidFieldValueType:
		return fmt.Sprintf("The value is not permissible for this field, it must be of type %v.", info["valueType"])
	case ErrInvalidByRegex:
		return fmt.Sprintf("The value is not a permissible for this field, it must meet the regular expression: %q.", info["regex"])
	case ErrInvalidByScript:
		if msg, ok := info["message"].(string); ok && msg != "" {
			return msg
		}
		return "The value is not permissible for this field."
	case ErrInvalidEnumValue:
		return "The value is not permissible for this field."
	case ErrInvalidByRange:
		return "The value is outside the permissible range for this field."
	case ErrUnrecognizedField:
		return fmt.Sprintf("%s is not a field in this schema.", field)
	default:
		return string(kind)
	}
}
