package changeanalysis

import (
	"reflect"
	"slices"

	"clinicalcore/pkg/dictionary"
)

// Compute builds the diff tree between two dictionary versions locally, in
// the same shape the dictionary service returns.
func Compute(from, to dictionary.SchemaDictionary) (Diffs, error) {
	diffs := make(Diffs)
	for _, schemaName := range unionSchemaNames(from, to) {
		oldSchema, _ := from.Schema(schemaName)
		newSchema, _ := to.Schema(schemaName)
		for _, fieldName := range unionFieldNames(oldSchema, newSchema) {
			path := dictionary.FieldPath(schemaName, fieldName)
			oldField, inOld := oldSchema.Field(fieldName)
			newField, inNew := newSchema.Field(fieldName)
			switch {
			case inOld && !inNew:
				leaf, err := Leaf(KindDeleted, oldField)
				if err != nil {
					return nil, err
				}
				diffs[path] = leaf
			case !inOld && inNew:
				leaf, err := Leaf(KindCreated, newField)
				if err != nil {
					return nil, err
				}
				diffs[path] = leaf
			default:
				node, err := fieldDiff(oldField, newField)
				if err != nil {
					return nil, err
				}
				if node != nil {
					diffs[path] = node
				}
			}
		}
	}
	return diffs, nil
}

type nodeBuilder struct {
	children map[string]*DiffNode
	err      error
}

// scalar records a change between two values where the zero value means
// "not set".
func (b *nodeBuilder) scalar(name string, oldV, newV any, oldSet, newSet bool) {
	if b.err != nil {
		return
	}
	var kind ChangeKind
	data := newV
	switch {
	case !oldSet && newSet:
		kind = KindCreated
	case oldSet && !newSet:
		kind, data = KindDeleted, oldV
	case oldSet && newSet && !reflect.DeepEqual(oldV, newV):
		kind = KindUpdated
	default:
		return
	}
	leaf, err := Leaf(kind, data)
	if err != nil {
		b.err = err
		return
	}
	b.children[name] = leaf
}

func (b *nodeBuilder) codeList(oldList, newList dictionary.CodeList) {
	if b.err != nil {
		return
	}
	if len(oldList) == 0 || len(newList) == 0 {
		b.scalar("codeList", []string(oldList), []string(newList), len(oldList) > 0, len(newList) > 0)
		return
	}
	added := difference(newList, oldList)
	deleted := difference(oldList, newList)
	if len(added) == 0 && len(deleted) == 0 {
		return
	}
	leaf, err := Leaf(KindUpdated, map[string][]string{"added": added, "deleted": deleted})
	if err != nil {
		b.err = err
		return
	}
	b.children["codeList"] = leaf
}

func (b *nodeBuilder) node() (*DiffNode, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.children) == 0 {
		return nil, nil
	}
	return &DiffNode{Children: b.children}, nil
}

func fieldDiff(oldF, newF dictionary.FieldDefinition) (*DiffNode, error) {
	top := &nodeBuilder{children: map[string]*DiffNode{}}
	top.scalar("valueType", oldF.ValueType, newF.ValueType, oldF.ValueType != "", newF.ValueType != "")
	top.scalar("description", oldF.Description, newF.Description, oldF.Description != "", newF.Description != "")

	meta := &nodeBuilder{children: map[string]*DiffNode{}}
	meta.scalar("core", oldF.Meta.Core, newF.Meta.Core, oldF.Meta.Core, newF.Meta.Core)
	meta.scalar("required", oldF.Meta.Required, newF.Meta.Required, oldF.Meta.Required, newF.Meta.Required)
	meta.scalar("default", oldF.Meta.Default, newF.Meta.Default, oldF.Meta.Default != "", newF.Meta.Default != "")
	metaNode, err := meta.node()
	if err != nil {
		return nil, err
	}
	if metaNode != nil {
		top.children["meta"] = metaNode
	}

	or, nr := oldF.Restrictions, newF.Restrictions
	restr := &nodeBuilder{children: map[string]*DiffNode{}}
	restr.codeList(or.CodeList, nr.CodeList)
	restr.scalar("regex", or.Regex, nr.Regex, or.Regex != "", nr.Regex != "")
	restr.scalar("required", or.Required, nr.Required, or.Required, nr.Required)
	restr.scalar("script", or.Script, nr.Script, len(or.Script) > 0, len(nr.Script) > 0)
	restr.scalar("range", or.Range, nr.Range, or.Range != nil, nr.Range != nil)
	restrNode, err := restr.node()
	if err != nil {
		return nil, err
	}
	if restrNode != nil {
		top.children["restrictions"] = restrNode
	}
	return top.node()
}

func difference(a, b dictionary.CodeList) []string {
	out := []string{}
	for _, v := range a {
		if !b.Contains(v) {
			out = append(out, v)
		}
	}
	return out
}

func unionSchemaNames(a, b dictionary.SchemaDictionary) []string {
	seen := map[string]struct{}{}
	for _, name := range append(a.SchemaNames(), b.SchemaNames()...) {
		seen[name] = struct{}{}
	}
	return sortedKeys(seen)
}

func unionFieldNames(a, b dictionary.SchemaDefinition) []string {
	names := make([]string, 0, len(a.Fields)+len(b.Fields))
	for _, f := range a.Fields {
		names = append(names, f.Name)
	}
	for _, f := range b.Fields {
		if !slices.Contains(names, f.Name) {
			names = append(names, f.Name)
		}
	}
	slices.Sort(names)
	return names
}
