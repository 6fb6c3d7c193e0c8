package changeanalysis

import (
	"sort"

	"clinicalcore/pkg/dictionary"
)

// ChangeType names a rule that made a change invalidating.
type ChangeType string

// Invalidating change types.
const (
	CodeListCreated    ChangeType = "CODELIST_CREATED"
	CodeListUpdated    ChangeType = "CODELIST_UPDATED"
	RegexCreated       ChangeType = "REGEX_CREATED"
	RegexUpdated       ChangeType = "REGEX_UPDATED"
	RequiredSet        ChangeType = "REQUIRED_SET"
	RequiredFieldAdded ChangeType = "REQUIRED_FIELD_ADDED"
	FieldDeleted       ChangeType = "FIELD_DELETED"
	ScriptCreated      ChangeType = "SCRIPT_CREATED"
	ScriptUpdated      ChangeType = "SCRIPT_UPDATED"
	RangeCreated       ChangeType = "RANGE_CREATED"
	RangeUpdated       ChangeType = "RANGE_UPDATED"
	ValueTypeChanged   ChangeType = "VALUE_TYPE_CHANGED"
)

// InvalidatingChange is a change that can make previously valid stored data
// invalid.
type InvalidatingChange struct {
	Type      ChangeType `json:"type"`
	FieldPath string     `json:"fieldPath"`
	Detail    any        `json:"detail,omitempty"`
}

// Entity returns the schema name the change applies to.
func (c InvalidatingChange) Entity() string {
	schema, _ := dictionary.SplitFieldPath(c.FieldPath)
	return schema
}

// FindInvalidatingChanges applies the breaking-change rules to an analysis.
// Description edits, non-required additions, code list or restriction
// deletions and meta changes other than meta.required never invalidate.
func FindInvalidatingChanges(a Analysis) []InvalidatingChange {
	var out []InvalidatingChange
	add := func(t ChangeType, field string, detail any) {
		out = append(out, InvalidatingChange{Type: t, FieldPath: field, Detail: detail})
	}

	rc := a.RestrictionsChanges
	for _, c := range rc.CodeList.Created {
		add(CodeListCreated, c.Field, c)
	}
	for _, c := range rc.CodeList.Updated {
		add(CodeListUpdated, c.Field, c)
	}
	for _, c := range rc.Regex.Created {
		add(RegexCreated, c.Field, c.Definition)
	}
	for _, c := range rc.Regex.Updated {
		add(RegexUpdated, c.Field, c.Definition)
	}
	mr := a.MetaChanges.Required
	requiredSet := make(map[string]struct{})
	for _, set := range [][]ValueChange{rc.Required.Created, rc.Required.Updated, mr.Created, mr.Updated} {
		for _, c := range set {
			if required, ok := c.Definition.(bool); !ok || !required {
				continue
			}
			if _, dup := requiredSet[c.Field]; dup {
				continue
			}
			requiredSet[c.Field] = struct{}{}
			add(RequiredSet, c.Field, c.Definition)
		}
	}
	for _, c := range rc.Script.Created {
		add(ScriptCreated, c.Field, c.Definition)
	}
	for _, c := range rc.Script.Updated {
		add(ScriptUpdated, c.Field, c.Definition)
	}
	for _, c := range rc.Range.Created {
		add(RangeCreated, c.Field, c.Definition)
	}
	for _, c := range rc.Range.Updated {
		add(RangeUpdated, c.Field, c.Definition)
	}
	for _, c := range a.Fields.AddedFields {
		if c.Definition.IsRequired() {
			add(RequiredFieldAdded, c.Field, nil)
		}
	}
	for _, c := range a.Fields.DeletedFields {
		add(FieldDeleted, c.Field, nil)
	}
	for _, c := range a.ValueTypeChanges {
		add(ValueTypeChanged, c.Field, c.Definition)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FieldPath != out[j].FieldPath {
			return out[i].FieldPath < out[j].FieldPath
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// FindCoreFieldChanges returns the sorted field paths whose core designation
// changed, including fields added or removed while marked core.
func FindCoreFieldChanges(a Analysis) []string {
	seen := make(map[string]struct{})
	core := a.MetaChanges.Core
	for _, set := range [][]ValueChange{core.Created, core.Updated, core.Deleted} {
		for _, c := range set {
			seen[c.Field] = struct{}{}
		}
	}
	for _, c := range a.Fields.AddedFields {
		if c.Definition.Meta.Core {
			seen[c.Field] = struct{}{}
		}
	}
	for _, c := range a.Fields.DeletedFields {
		if c.Definition.Meta.Core {
			seen[c.Field] = struct{}{}
		}
	}
	return sortedKeys(seen)
}

// EntitiesOf returns the set of schema names referenced by field paths.
func EntitiesOf(paths []string) map[string]struct{} {
	out := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		schema, _ := dictionary.SplitFieldPath(p)
		if schema != "" {
			out[schema] = struct{}{}
		}
	}
	return out
}

// InvalidatedEntities returns the set of schema names touched by changes.
func InvalidatedEntities(changes []InvalidatingChange) map[string]struct{} {
	paths := make([]string, 0, len(changes))
	for _, c := range changes {
		paths = append(paths, c.FieldPath)
	}
	return EntitiesOf(paths)
}
