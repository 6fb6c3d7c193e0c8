package changeanalysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// ChangeKind is the kind of change recorded at a diff leaf.
type ChangeKind string

// Diff leaf kinds.
const (
	KindCreated ChangeKind = "created"
	KindDeleted ChangeKind = "deleted"
	KindUpdated ChangeKind = "updated"
)

func (k ChangeKind) valid() bool {
	return k == KindCreated || k == KindDeleted || k == KindUpdated
}

// DiffNode is either a leaf ({type, data}) or a map of sub-property nodes
// (meta, restrictions, restrictions.codeList, ...).
type DiffNode struct {
	Kind     ChangeKind
	Data     json.RawMessage
	Children map[string]*DiffNode
}

// IsLeaf reports whether the node records a change directly.
func (n *DiffNode) IsLeaf() bool { return n != nil && n.Kind != "" }

// Child returns the named child node, or nil.
func (n *DiffNode) Child(name string) *DiffNode {
	if n == nil || n.Children == nil {
		return nil
	}
	return n.Children[name]
}

// Leaf builds a leaf node, encoding data as JSON.
func Leaf(kind ChangeKind, data any) (*DiffNode, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s diff data: %w", kind, err)
	}
	return &DiffNode{Kind: kind, Data: raw}, nil
}

// UnmarshalJSON decodes a leaf when the object carries a recognised "type",
// otherwise a map of children.
func (n *DiffNode) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode diff node: %w", err)
	}
	if rawKind, ok := obj["type"]; ok {
		var kind ChangeKind
		if err := json.Unmarshal(rawKind, &kind); err == nil && kind.valid() {
			n.Kind = kind
			n.Data = obj["data"]
			n.Children = nil
			return nil
		}
	}
	n.Children = make(map[string]*DiffNode, len(obj))
	for key, raw := range obj {
		child := &DiffNode{}
		if err := json.Unmarshal(raw, child); err != nil {
			return fmt.Errorf("decode diff node %s: %w", key, err)
		}
		n.Children[key] = child
	}
	return nil
}

// MarshalJSON encodes the node in the same shape UnmarshalJSON accepts.
func (n *DiffNode) MarshalJSON() ([]byte, error) {
	if n.IsLeaf() {
		data := n.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		return json.Marshal(struct {
			Type ChangeKind      `json:"type"`
			Data json.RawMessage `json:"data"`
		}{n.Kind, data})
	}
	if n.Children == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(n.Children)
}

// Diffs is the field-path keyed diff between two dictionary versions, e.g.
// "donor.vital_status" -> {restrictions: {codeList: {type: updated, ...}}}.
type Diffs map[string]*DiffNode

// Paths returns the field paths in sorted order.
func (d Diffs) Paths() []string {
	paths := make([]string, 0, len(d))
	for p := range d {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// UnmarshalJSON accepts either an object keyed by field path or the list of
// [fieldPath, {left, right, diff}] tuples returned by the dictionary service.
func (d *Diffs) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var tuples [][]json.RawMessage
		if err := json.Unmarshal(trimmed, &tuples); err != nil {
			return fmt.Errorf("decode diff list: %w", err)
		}
		out := make(Diffs, len(tuples))
		for i, tuple := range tuples {
			if len(tuple) != 2 {
				return fmt.Errorf("diff entry %d: want [path, change], got %d elements", i, len(tuple))
			}
			var path string
			if err := json.Unmarshal(tuple[0], &path); err != nil {
				return fmt.Errorf("diff entry %d path: %w", i, err)
			}
			var change struct {
				Diff *DiffNode `json:"diff"`
			}
			if err := json.Unmarshal(tuple[1], &change); err != nil {
				return fmt.Errorf("diff entry %s: %w", path, err)
			}
			if change.Diff != nil {
				out[path] = change.Diff
			}
		}
		*d = out
		return nil
	}
	var m map[string]*DiffNode
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return fmt.Errorf("decode diff map: %w", err)
	}
	*d = m
	return nil
}
