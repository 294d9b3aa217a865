package schemaenhancement_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sidequest/pkg/models"
	"sidequest/pkg/pipelines/schemaenhancement"
)

type fakeGenerator struct {
	schemaType string
	fields     int
	appendix   string
}

func (f *fakeGenerator) Generate(ctx context.Context, path string, content []byte) ([]byte, schemaenhancement.SchemaMeta, error) {
	out := append(append([]byte{}, content...), []byte(f.appendix)...)
	return out, schemaenhancement.SchemaMeta{SchemaType: f.schemaType, FieldsInjected: f.fields}, nil
}

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestSchemaEnhancement_SkipsAlreadyEnhancedFile(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "page.html", `<html><script type="application/ld+json">{}</script></html>`)

	w := schemaenhancement.New(schemaenhancement.Config{RepoRoot: dir}, &fakeGenerator{}, nil)
	job := &models.Job{ID: "job-1", Data: jsonData(t, map[string]any{"targetFile": "page.html"})}

	result, err := w.RunJobHandler(context.Background(), job)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(result, &parsed))
	assert.Equal(t, true, parsed["skipped"])
}

func TestSchemaEnhancement_InjectsAndWritesBack(t *testing.T) {
	dir := t.TempDir()
	writeTempFile(t, dir, "page.html", `<html></html>`)

	gen := &fakeGenerator{schemaType: "Article", fields: 3, appendix: `<script type="application/ld+json">{}</script>`}
	w := schemaenhancement.New(schemaenhancement.Config{RepoRoot: dir}, gen, nil)
	job := &models.Job{ID: "job-1", Data: jsonData(t, map[string]any{"targetFile": "page.html"})}

	result, err := w.RunJobHandler(context.Background(), job)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(result, &parsed))
	assert.Equal(t, "Article", parsed["schemaType"])
	assert.Equal(t, float64(3), parsed["fieldsInjected"])

	written, err := os.ReadFile(filepath.Join(dir, "page.html"))
	require.NoError(t, err)
	assert.Contains(t, string(written), "application/ld+json")
}

func TestSchemaEnhancement_DryRunDoesNotWrite(t *testing.T) {
	dir := t.TempDir()
	original := `<html></html>`
	writeTempFile(t, dir, "page.html", original)

	gen := &fakeGenerator{schemaType: "Article", fields: 1, appendix: `<script type="application/ld+json">{}</script>`}
	w := schemaenhancement.New(schemaenhancement.Config{RepoRoot: dir}, gen, nil)
	job := &models.Job{ID: "job-1", Data: jsonData(t, map[string]any{"targetFile": "page.html", "dryRun": true})}

	_, err := w.RunJobHandler(context.Background(), job)
	require.NoError(t, err)

	written, err := os.ReadFile(filepath.Join(dir, "page.html"))
	require.NoError(t, err)
	assert.Equal(t, original, string(written))
}

func TestSchemaEnhancement_MissingFileIsError(t *testing.T) {
	w := schemaenhancement.New(schemaenhancement.Config{RepoRoot: t.TempDir()}, &fakeGenerator{}, nil)
	job := &models.Job{ID: "job-1", Data: jsonData(t, map[string]any{"targetFile": "missing.html"})}

	_, err := w.RunJobHandler(context.Background(), job)
	assert.Error(t, err)
}

func TestSchemaEnhancement_PipelineID(t *testing.T) {
	w := schemaenhancement.New(schemaenhancement.Config{}, &fakeGenerator{}, nil)
	assert.Equal(t, "schema-enhancement", w.PipelineID())
}

func jsonData(t *testing.T, v any) models.RawJSON {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return models.RawJSON(b)
}
