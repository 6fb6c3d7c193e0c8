// Package changeanalysis classifies a raw dictionary diff into field
// additions, deletions and restriction changes, and extracts the subset of
// changes that can invalidate stored data or alter completeness scoring.
// Every function here is pure and deterministic.
package changeanalysis

import (
	"encoding/json"
	"fmt"
	"sort"

	"clinicalcore/pkg/dictionary"
)

// Analysis is the structured classification of a dictionary diff.
type Analysis struct {
	Fields              FieldChanges       `json:"fields"`
	RestrictionsChanges RestrictionChanges `json:"restrictionsChanges"`
	ValueTypeChanges    []ValueChange      `json:"valueTypeChanges"`
	MetaChanges         MetaChanges        `json:"metaChanges"`
}

// FieldChanges lists whole-field additions and removals. The dictionary
// service never reports renames, so RenamedFields stays empty.
type FieldChanges struct {
	AddedFields   []FieldChange `json:"addedFields"`
	RenamedFields []string      `json:"renamedFields"`
	DeletedFields []FieldChange `json:"deletedFields"`
}

// FieldChange carries the field path and the added or removed definition.
type FieldChange struct {
	Field      string                     `json:"field"`
	Definition dictionary.FieldDefinition `json:"definition"`
}

// ChangeSet splits one category of change into created/updated/deleted.
type ChangeSet[T any] struct {
	Created []T `json:"created"`
	Updated []T `json:"updated"`
	Deleted []T `json:"deleted"`
}

// Empty reports whether the set has no entries.
func (c ChangeSet[T]) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// RestrictionChanges groups restriction changes per restriction category.
type RestrictionChanges struct {
	CodeList ChangeSet[CodeListChange] `json:"codeList"`
	Regex    ChangeSet[ValueChange]    `json:"regex"`
	Required ChangeSet[ValueChange]    `json:"required"`
	Script   ChangeSet[ValueChange]    `json:"script"`
	Range    ChangeSet[ValueChange]    `json:"range"`
}

// MetaChanges groups field meta changes that matter downstream.
type MetaChanges struct {
	Core     ChangeSet[ValueChange] `json:"core"`
	Required ChangeSet[ValueChange] `json:"required"`
}

// CodeListChange describes a code list change. Created and deleted entries
// carry the full Definition; updates carry the Added and Deleted codes.
type CodeListChange struct {
	Field      string   `json:"field"`
	Definition []string `json:"definition,omitempty"`
	Added      []string `json:"addition,omitempty"`
	Deleted    []string `json:"deletion,omitempty"`
}

// ValueChange describes a scalar restriction or meta change. Definition is
// the value after the change (before it, for deletions).
type ValueChange struct {
	Field      string `json:"field"`
	Definition any    `json:"definition"`
}

// Analyze classifies diffs. The result lists are sorted by field path.
func Analyze(diffs Diffs) (Analysis, error) {
	a := Analysis{Fields: FieldChanges{RenamedFields: []string{}}}
	for _, path := range diffs.Paths() {
		node := diffs[path]
		if node == nil {
			continue
		}
		if node.IsLeaf() {
			if err := a.addFieldChange(path, node); err != nil {
				return Analysis{}, err
			}
			continue
		}
		for _, sub := range sortedKeys(node.Children) {
			child := node.Children[sub]
			var err error
			switch sub {
			case "restrictions":
				err = a.addRestrictionChanges(path, child)
			case "meta":
				err = a.addMetaChanges(path, child)
			case "valueType":
				err = a.addValueTypeChange(path, child)
			}
			if err != nil {
				return Analysis{}, err
			}
		}
	}
	return a, nil
}

func (a *Analysis) addFieldChange(path string, node *DiffNode) error {
	switch node.Kind {
	case KindCreated, KindDeleted:
		var def dictionary.FieldDefinition
		if err := decode(node.Data, &def); err != nil {
			return fmt.Errorf("field %s: %w", path, err)
		}
		change := FieldChange{Field: path, Definition: def}
		if node.Kind == KindCreated {
			a.Fields.AddedFields = append(a.Fields.AddedFields, change)
		} else {
			a.Fields.DeletedFields = append(a.Fields.DeletedFields, change)
		}
	}
	return nil
}

// addRestrictionChanges handles both a per-category map and a leaf that
// creates or deletes the whole restrictions object at once.
func (a *Analysis) addRestrictionChanges(path string, node *DiffNode) error {
	if node.IsLeaf() {
		var whole map[string]json.RawMessage
		if err := decode(node.Data, &whole); err != nil {
			return fmt.Errorf("restrictions of %s: %w", path, err)
		}
		for _, category := range sortedKeys(whole) {
			if err := a.addRestriction(path, category, node.Kind, whole[category]); err != nil {
				return err
			}
		}
		return nil
	}
	for _, category := range sortedKeys(node.Children) {
		leaf := node.Children[category]
		if !leaf.IsLeaf() {
			continue
		}
		if err := a.addRestriction(path, category, leaf.Kind, leaf.Data); err != nil {
			return err
		}
	}
	return nil
}

func (a *Analysis) addRestriction(path, category string, kind ChangeKind, data json.RawMessage) error {
	if category == "codeList" {
		change, err := decodeCodeList(path, kind, data)
		if err != nil {
			return err
		}
		appendChange(&a.RestrictionsChanges.CodeList, kind, change)
		return nil
	}
	var target *ChangeSet[ValueChange]
	switch category {
	case "regex":
		target = &a.RestrictionsChanges.Regex
	case "required":
		target = &a.RestrictionsChanges.Required
	case "script":
		target = &a.RestrictionsChanges.Script
	case "range":
		target = &a.RestrictionsChanges.Range
	default:
		return nil
	}
	var value any
	if err := decode(data, &value); err != nil {
		return fmt.Errorf("%s restriction of %s: %w", category, path, err)
	}
	appendChange(target, kind, ValueChange{Field: path, Definition: value})
	return nil
}

func decodeCodeList(path string, kind ChangeKind, data json.RawMessage) (CodeListChange, error) {
	change := CodeListChange{Field: path}
	if kind == KindUpdated {
		var delta struct {
			Added   dictionary.CodeList `json:"added"`
			Deleted dictionary.CodeList `json:"deleted"`
		}
		if err := decode(data, &delta); err == nil && (delta.Added != nil || delta.Deleted != nil) {
			change.Added = delta.Added
			change.Deleted = delta.Deleted
			return change, nil
		}
	}
	var codes dictionary.CodeList
	if err := decode(data, &codes); err != nil {
		return CodeListChange{}, fmt.Errorf("codeList restriction of %s: %w", path, err)
	}
	change.Definition = codes
	return change, nil
}

// addMetaChanges routes meta.core and meta.required. The engine treats
// meta.required like restrictions.required, so both feed the required rule.
func (a *Analysis) addMetaChanges(path string, node *DiffNode) error {
	targets := map[string]*ChangeSet[ValueChange]{
		"core":     &a.MetaChanges.Core,
		"required": &a.MetaChanges.Required,
	}
	if node.IsLeaf() {
		var whole map[string]json.RawMessage
		if err := decode(node.Data, &whole); err != nil {
			return fmt.Errorf("meta of %s: %w", path, err)
		}
		for _, key := range sortedKeys(whole) {
			target, ok := targets[key]
			if !ok {
				continue
			}
			if err := appendValue(target, path, "meta."+key, node.Kind, whole[key]); err != nil {
				return err
			}
		}
		return nil
	}
	for _, key := range sortedKeys(targets) {
		leaf := node.Child(key)
		if !leaf.IsLeaf() {
			continue
		}
		if err := appendValue(targets[key], path, "meta."+key, leaf.Kind, leaf.Data); err != nil {
			return err
		}
	}
	return nil
}

func appendValue(set *ChangeSet[ValueChange], path, name string, kind ChangeKind, data json.RawMessage) error {
	var value any
	if err := decode(data, &value); err != nil {
		return fmt.Errorf("%s of %s: %w", name, path, err)
	}
	appendChange(set, kind, ValueChange{Field: path, Definition: value})
	return nil
}

func (a *Analysis) addValueTypeChange(path string, node *DiffNode) error {
	if !node.IsLeaf() || node.Kind != KindUpdated {
		return nil
	}
	var value any
	if err := decode(node.Data, &value); err != nil {
		return fmt.Errorf("valueType of %s: %w", path, err)
	}
	a.ValueTypeChanges = append(a.ValueTypeChanges, ValueChange{Field: path, Definition: value})
	return nil
}

func appendChange[T any](set *ChangeSet[T], kind ChangeKind, change T) {
	switch kind {
	case KindCreated:
		set.Created = append(set.Created, change)
	case KindUpdated:
		set.Updated = append(set.Updated, change)
	case KindDeleted:
		set.Deleted = append(set.Deleted, change)
	}
}

func decode(data json.RawMessage, target any) error {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode diff data: %w", err)
	}
	return nil
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
