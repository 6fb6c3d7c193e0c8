// Package validation implements the schema validation engine: default
// population, an ordered fail-forward validator pipeline and type coercion of
// raw clinical records against a dictionary schema.
package validation

import (
	"strings"
	"sync"

	"clinicalcore/pkg/dictionary"
)

// Result is the outcome of processing a batch of records for one entity.
type Result struct {
	ValidationErrors []SchemaValidationError      `json:"validationErrors"`
	ProcessedRecords []dictionary.TypedDataRecord `json:"processedRecords"`
}

// HasErrors reports whether any record failed validation.
func (r Result) HasErrors() bool { return len(r.ValidationErrors) > 0 }

// Engine validates records. It is safe for concurrent use; compiled regexes
// and scripts are shared across calls.
type Engine struct {
	regexes sync.Map
	scripts *scriptRunner
	stages  []Stage
}

// Option configures an Engine.
type Option func(*Engine)

// WithDefaultStages overrides the pipeline used when Process is called
// without WithStages.
func WithDefaultStages(stages ...Stage) Option {
	return func(e *Engine) {
		if len(stages) > 0 {
			e.stages = append([]Stage(nil), stages...)
		}
	}
}

// New constructs an Engine using DefaultStages unless overridden.
func New(opts ...Option) *Engine {
	e := &Engine{
		scripts: newScriptRunner(),
		stages:  DefaultStages(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type processConfig struct {
	stages []Stage
}

// ProcessOption configures a single Process call.
type ProcessOption func(*processConfig)

// WithStages selects the pipeline stages for a Process call.
func WithStages(stages ...Stage) ProcessOption {
	return func(c *processConfig) {
		c.stages = append([]Stage(nil), stages...)
	}
}

// Process populates defaults, validates and coerces records for entityName.
// Input records are never modified.
func (e *Engine) Process(dict dictionary.SchemaDictionary, entityName string, records []dictionary.DataRecord, opts ...ProcessOption) (Result, error) {
	schema, ok := dict.Schema(entityName)
	if !ok {
		return Result{}, SchemaNotFoundError{Entity: entityName, Dictionary: dict.Name, Version: dict.Version}
	}
	cfg := processConfig{stages: e.stages}
	for _, opt := range opts {
		opt(&cfg)
	}

	result := Result{ProcessedRecords: make([]dictionary.TypedDataRecord, 0, len(records))}
	for index, raw := range records {
		rec := populateDefaults(schema, raw)
		result.ValidationErrors = append(result.ValidationErrors, e.validateRecord(schema, rec, index, cfg.stages)...)
		result.ProcessedRecords = append(result.ProcessedRecords, convert(schema, rec))
	}
	return result, nil
}

func (e *Engine) validateRecord(schema dictionary.SchemaDefinition, rec dictionary.DataRecord, index int, stages []Stage) []SchemaValidationError {
	var errs []SchemaValidationError
	failed := make(map[string]struct{})
	for _, stage := range stages {
		if stage == StageUnrecognized {
			for _, name := range sortedKeys(rec) {
				if _, known := schema.Field(name); known {
					continue
				}
				if _, seen := failed[name]; seen {
					continue
				}
				errs = append(errs, newError(ErrUnrecognizedField, index, name, nil))
				failed[name] = struct{}{}
			}
			continue
		}
		var stageFailures []string
		for _, field := range schema.Fields {
			if _, seen := failed[field.Name]; seen {
				continue
			}
			if verr, bad := e.check(stage, field, rec, index); bad {
				errs = append(errs, verr)
				stageFailures = append(stageFailures, field.Name)
			}
		}
		for _, name := range stageFailures {
			failed[name] = struct{}{}
		}
	}
	return errs
}

func populateDefaults(schema dictionary.SchemaDefinition, raw dictionary.DataRecord) dictionary.DataRecord {
	rec := make(dictionary.DataRecord, len(raw))
	for k, v := range raw {
		rec[k] = v
	}
	for _, field := range schema.Fields {
		if field.Meta.Default == "" {
			continue
		}
		if strings.TrimSpace(rec[field.Name]) == "" {
			rec[field.Name] = field.Meta.Default
		}
	}
	return rec
}

// convert coerces known fields to their value types. Values that cannot be
// coerced are kept as trimmed strings; blank values become nil.
func convert(schema dictionary.SchemaDefinition, rec dictionary.DataRecord) dictionary.TypedDataRecord {
	out := make(dictionary.TypedDataRecord, len(rec))
	for name, raw := range rec {
		value := strings.TrimSpace(raw)
		field, known := schema.Field(name)
		if !known {
			out[name] = raw
			continue
		}
		if value == "" {
			out[name] = nil
			continue
		}
		if typed, ok := coerce(field.ValueType, value); ok {
			out[name] = typed
			continue
		}
		out[name] = value
	}
	return out
}
