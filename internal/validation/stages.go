package validation

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"clinicalcore/pkg/dictionary"
)

// Stage names one validator in the record pipeline.
type Stage string

// Available pipeline stages. Required, value type and regex form the default
// pipeline; the remaining stages are opt-in.
const (
	StageRequired     Stage = "required"
	StageValueType    Stage = "valueType"
	StageRegex        Stage = "regex"
	StageCodeList     Stage = "codeList"
	StageRange        Stage = "range"
	StageScript       Stage = "script"
	StageUnrecognized Stage = "unrecognized"
)

// DefaultStages returns the default pipeline: required, value type, regex.
func DefaultStages() []Stage {
	return []Stage{StageRequired, StageValueType, StageRegex}
}

// RestrictionStages returns every field restriction check in pipeline order.
func RestrictionStages() []Stage {
	return []Stage{StageRequired, StageValueType, StageRegex, StageCodeList, StageRange, StageScript}
}

// StrictStages returns RestrictionStages plus rejection of unknown columns.
func StrictStages() []Stage {
	return append(RestrictionStages(), StageUnrecognized)
}

// check runs a single field-level stage. It returns the error and true when
// the field fails the stage.
func (e *Engine) check(stage Stage, field dictionary.FieldDefinition, rec dictionary.DataRecord, index int) (SchemaValidationError, bool) {
	value := strings.TrimSpace(rec[field.Name])
	switch stage {
	case StageRequired:
		if field.IsRequired() && value == "" {
			return newError(ErrMissingRequiredField, index, field.Name, nil), true
		}
	case StageValueType:
		if value == "" {
			return SchemaValidationError{}, false
		}
		if _, ok := coerce(field.ValueType, value); !ok {
			return newError(ErrInvalidFieldValueType, index, field.Name, map[string]any{
				"value":     value,
				"valueType": string(field.ValueType),
			}), true
		}
	case StageRegex:
		pattern := field.Restrictions.Regex
		if value == "" || pattern == "" {
			return SchemaValidationError{}, false
		}
		re, err := e.compileRegex(pattern)
		if err != nil || !re.MatchString(value) {
			info := map[string]any{"value": value, "regex": pattern}
			if err != nil {
				info["error"] = err.Error()
			}
			return newError(ErrInvalidByRegex, index, field.Name, info), true
		}
	case StageCodeList:
		codes := field.Restrictions.CodeList
		if value == "" || len(codes) == 0 {
			return SchemaValidationError{}, false
		}
		if !codes.Contains(value) {
			return newError(ErrInvalidEnumValue, index, field.Name, map[string]any{"value": value}), true
		}
	case StageRange:
		rng := field.Restrictions.Range
		if value == "" || rng == nil {
			return SchemaValidationError{}, false
		}
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return SchemaValidationError{}, false
		}
		if !rng.Contains(n) {
			return newError(ErrInvalidByRange, index, field.Name, map[string]any{"value": value}), true
		}
	case StageScript:
		for _, script := range field.Restrictions.Script {
			ok, msg := e.scripts.run(script, value, rec)
			if !ok {
				return newError(ErrInvalidByScript, index, field.Name, map[string]any{
					"value":   value,
					"script":  script,
					"message": msg,
				}), true
			}
		}
	}
	return SchemaValidationError{}, false
}

func (e *Engine) compileRegex(pattern string) (*regexp.Regexp, error) {
	if cached, ok := e.regexes.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	actual, _ := e.regexes.LoadOrStore(pattern, re)
	return actual.(*regexp.Regexp), nil
}

// coerce converts a non-blank raw value to its typed form.
func coerce(vt dictionary.ValueType, value string) (any, bool) {
	switch vt {
	case dictionary.ValueTypeInteger:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, false
		}
		return n, true
	case dictionary.ValueTypeNumber:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, false
		}
		return f, true
	case dictionary.ValueTypeBoolean:
		switch {
		case strings.EqualFold(value, "true"):
			return true, true
		case strings.EqualFold(value, "false"):
			return false, true
		}
		return nil, false
	default:
		return value, true
	}
}
