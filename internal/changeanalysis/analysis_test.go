package changeanalysis

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeDiffs(t *testing.T, raw string) Diffs {
	t.Helper()
	var d Diffs
	require.NoError(t, json.Unmarshal([]byte(raw), &d))
	return d
}

func TestAnalyzeCodeListUpdate(t *testing.T) {
	diffs := decodeDiffs(t, `{
		"donor.vital_status": {
			"restrictions": {
				"codeList": {"type": "updated", "data": {"added": [], "deleted": ["Unknown"]}}
			}
		}
	}`)
	a, err := Analyze(diffs)
	require.NoError(t, err)
	require.Len(t, a.RestrictionsChanges.CodeList.Updated, 1)
	change := a.RestrictionsChanges.CodeList.Updated[0]
	assert.Equal(t, "donor.vital_status", change.Field)
	assert.Equal(t, []string{"Unknown"}, change.Deleted)
	assert.Empty(t, change.Added)
	assert.Empty(t, a.Fields.AddedFields)
	assert.NotNil(t, a.Fields.RenamedFields)
}

func TestAnalyzeFieldAddAndDelete(t *testing.T) {
	diffs := decodeDiffs(t, `{
		"donor.height": {"type": "created", "data": {"name": "height", "valueType": "number"}},
		"donor.weight": {"type": "deleted", "data": {"name": "weight", "valueType": "number", "meta": {"core": true}}}
	}`)
	a, err := Analyze(diffs)
	require.NoError(t, err)
	require.Len(t, a.Fields.AddedFields, 1)
	require.Len(t, a.Fields.DeletedFields, 1)
	assert.Equal(t, "donor.height", a.Fields.AddedFields[0].Field)
	assert.Equal(t, "weight", a.Fields.DeletedFields[0].Definition.Name)
	assert.True(t, a.Fields.DeletedFields[0].Definition.Meta.Core)
}

func TestAnalyzeWholeRestrictionsLeaf(t *testing.T) {
	diffs := decodeDiffs(t, `{
		"specimen.specimen_type": {
			"restrictions": {"type": "created", "data": {"regex": "^[A-Z]+$", "codeList": ["A", 1]}}
		}
	}`)
	a, err := Analyze(diffs)
	require.NoError(t, err)
	require.Len(t, a.RestrictionsChanges.Regex.Created, 1)
	assert.Equal(t, "^[A-Z]+$", a.RestrictionsChanges.Regex.Created[0].Definition)
	require.Len(t, a.RestrictionsChanges.CodeList.Created, 1)
	assert.Equal(t, []string{"A", "1"}, a.RestrictionsChanges.CodeList.Created[0].Definition)
}

func TestAnalyzeMetaAndValueType(t *testing.T) {
	diffs := decodeDiffs(t, `{
		"donor.age": {
			"valueType": {"type": "updated", "data": "integer"},
			"meta": {"core": {"type": "created", "data": true}}
		},
		"donor.notes": {"meta": {"type": "deleted", "data": {"core": true}}}
	}`)
	a, err := Analyze(diffs)
	require.NoError(t, err)
	require.Len(t, a.ValueTypeChanges, 1)
	assert.Equal(t, "integer", a.ValueTypeChanges[0].Definition)
	require.Len(t, a.MetaChanges.Core.Created, 1)
	require.Len(t, a.MetaChanges.Core.Deleted, 1)
	assert.Equal(t, "donor.notes", a.MetaChanges.Core.Deleted[0].Field)
}

func TestDiffsDecodeTupleList(t *testing.T) {
	diffs := decodeDiffs(t, `[
		["donor.vital_status", {"left": {}, "right": {}, "diff": {"restrictions": {"regex": {"type": "updated", "data": "^x$"}}}}],
		["donor.unchanged", {"left": {}, "right": {}}]
	]`)
	require.Len(t, diffs, 1)
	node := diffs["donor.vital_status"].Child("restrictions").Child("regex")
	require.True(t, node.IsLeaf())
	assert.Equal(t, KindUpdated, node.Kind)
}

func TestDiffsTupleListRejectsMalformedEntry(t *testing.T) {
	var d Diffs
	err := json.Unmarshal([]byte(`[["donor.x"]]`), &d)
	require.Error(t, err)
}

func TestDiffNodeRoundTripShape(t *testing.T) {
	leaf, err := Leaf(KindDeleted, []string{"A"})
	require.NoError(t, err)
	in := Diffs{"donor.x": {Children: map[string]*DiffNode{"restrictions": {Children: map[string]*DiffNode{"codeList": leaf}}}}}
	raw, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"donor.x":{"restrictions":{"codeList":{"type":"deleted","data":["A"]}}}}`, string(raw))
}
