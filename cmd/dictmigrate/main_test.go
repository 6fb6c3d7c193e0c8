package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicalcore/internal/migration"
	"clinicalcore/pkg/dictionary"
	"clinicalcore/pkg/domain"
)

func testDictionary(version string, vitalStatus ...string) dictionary.SchemaDictionary {
	str := dictionary.ValueTypeString
	return dictionary.SchemaDictionary{
		Name:    "argo",
		Version: version,
		Schemas: []dictionary.SchemaDefinition{
			{Name: "donor", Fields: []dictionary.FieldDefinition{
				{Name: "submitter_donor_id", ValueType: str, Restrictions: dictionary.Restrictions{Required: true}},
				{Name: "vital_status", ValueType: str, Meta: dictionary.FieldMeta{Core: true}, Restrictions: dictionary.Restrictions{CodeList: vitalStatus}},
			}},
			{Name: "specimen", Fields: []dictionary.FieldDefinition{
				{Name: "submitter_specimen_id", ValueType: str},
				{Name: "tumour_normal_designation", ValueType: str, Restrictions: dictionary.Restrictions{CodeList: dictionary.CodeList{"Normal", "Tumour"}}},
			}},
			{Name: "treatment", Fields: []dictionary.FieldDefinition{
				{Name: "treatment_type", ValueType: str, Restrictions: dictionary.Restrictions{CodeList: dictionary.CodeList{"Chemotherapy", "No treatment"}}},
			}},
		},
	}
}

// writeWorkspace lays out dictionaries and a config file and returns the
// config path.
func writeWorkspace(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	dictDir := filepath.Join(dir, "dictionaries")
	require.NoError(t, os.MkdirAll(dictDir, 0o755))
	for _, d := range []dictionary.SchemaDictionary{
		testDictionary("1.0", "Alive", "Deceased", "Unknown"),
		testDictionary("2.0", "Alive", "Deceased"),
	} {
		raw, err := json.Marshal(d)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dictDir, d.Name+"-"+d.Version+".json"), raw, 0o600))
	}
	cfg := fmt.Sprintf(`
dictionary:
  name: argo
  file_dir: %q
  version: "1.0"
migration:
  settle_delay: 0s
  workers: 2
%s
storage:
  driver: sqlite
  sqlite_path: %q
documents:
  driver: memory
blob:
  driver: fs
  fs_root: %q
log:
  level: error
`, dictDir, extra, filepath.Join(dir, "migrations.db"), filepath.Join(dir, "blobs"))
	path := filepath.Join(dir, "clinicalcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := cli(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestSubmitProbeGetAndList(t *testing.T) {
	cfg := writeWorkspace(t, "")

	code, out, errOut := runCLI(t, "--config", cfg, "probe", "--to", "2.0")
	require.Equal(t, 0, code, errOut)
	var probe migration.ProbeResult
	require.NoError(t, json.Unmarshal([]byte(out), &probe))
	assert.Equal(t, "1.0", probe.FromVersion)
	assert.Equal(t, []string{"donor"}, probe.InvalidatedEntities)

	code, out, errOut = runCLI(t, "--config", cfg, "submit", "--to", "2.0", "--by", "curator")
	require.Equal(t, 0, code, errOut)
	var rec domain.DictionaryMigration
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, domain.MigrationClosed, rec.State)
	assert.Equal(t, domain.StageCompleted, rec.Stage)
	assert.Equal(t, "1.0", rec.FromVersion)
	assert.Equal(t, "curator", rec.CreatedBy)

	code, out, errOut = runCLI(t, "--config", cfg, "get", rec.ID)
	require.Equal(t, 0, code, errOut)
	var got domain.DictionaryMigration
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, rec.ID, got.ID)

	code, out, errOut = runCLI(t, "--config", cfg, "list", "--state", "closed")
	require.Equal(t, 0, code, errOut)
	var recs []domain.DictionaryMigration
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 1)

	code, out, _ = runCLI(t, "--config", cfg, "list", "--state", "open")
	require.Equal(t, 0, code)
	assert.JSONEq(t, "[]", out)

	// The archived current pointer wins over the configured start version.
	code, out, errOut = runCLI(t, "--config", cfg, "probe", "--to", "1.0")
	require.Equal(t, 0, code, errOut)
	require.NoError(t, json.Unmarshal([]byte(out), &probe))
	assert.Equal(t, "2.0", probe.FromVersion)
}

func TestAsyncDryRunWaitsForCompletion(t *testing.T) {
	cfg := writeWorkspace(t, "")
	traceFile := filepath.Join(t.TempDir(), "spans.jsonl")

	code, out, errOut := runCLI(t, "--config", cfg, "--trace-file", traceFile, "submit", "--to", "2.0", "--dry-run", "--async")
	require.Equal(t, 0, code, errOut)

	dec := json.NewDecoder(bytes.NewBufferString(out))
	var accepted, final domain.DictionaryMigration
	require.NoError(t, dec.Decode(&accepted))
	require.NoError(t, dec.Decode(&final))
	assert.Equal(t, domain.StageAnalyzed, accepted.Stage)
	assert.Equal(t, accepted.ID, final.ID)
	assert.True(t, final.DryRun)
	assert.Equal(t, domain.StageCompleted, final.Stage)

	spans, err := os.ReadFile(traceFile)
	require.NoError(t, err)
	assert.Contains(t, string(spans), `"operation":"migration.run"`)

	// A dry run leaves the active dictionary in place.
	code, out, errOut = runCLI(t, "--config", cfg, "probe", "--to", "2.0")
	require.Equal(t, 0, code, errOut)
	var probe migration.ProbeResult
	require.NoError(t, json.Unmarshal([]byte(out), &probe))
	assert.Equal(t, "1.0", probe.FromVersion)
}

func TestCommandErrors(t *testing.T) {
	cfg := writeWorkspace(t, "")

	code, _, errOut := runCLI(t, "--config", cfg, "resume")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "open migration not found")

	code, _, errOut = runCLI(t, "--config", cfg, "get", "missing")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "migration missing not found")

	code, _, errOut = runCLI(t, "--config", cfg, "list", "--state", "paused")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown state")

	code, _, errOut = runCLI(t, "--config", cfg, "submit")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "to")

	code, out, errOut := runCLI(t, "--config", cfg, "submit", "--to", "9.9")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "dictionary not found")
	var rec domain.DictionaryMigration
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, domain.MigrationClosed, rec.State)
	assert.Equal(t, domain.StageFailed, rec.Stage)
}

func TestInvalidConfiguration(t *testing.T) {
	cfg := writeWorkspace(t, "  batch_size: 0")

	code, _, errOut := runCLI(t, "--config", cfg, "list")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "migration.batch_size")

	code, _, errOut = runCLI(t, "--config", cfg, "--storage", "oracle", "list")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown storage.driver")
}
