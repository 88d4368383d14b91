package pluginconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestLoadDirReadsTOMLManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "password.plugin.toml", `
method = "password"
binary = "password-worker"
mechanisms = ["password"]
`)

	manifests, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	require.Equal(t, "password", manifests[0].Method)
	require.Equal(t, []string{"password"}, manifests[0].Mechanisms)
	require.Equal(t, filepath.Join(dir, "password-worker"), manifests[0].Binary)
}

func TestLoadDirReadsYAMLManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "oauth2.plugin.yaml", "method: oauth2\nbinary: oauth2-worker\nmechanisms:\n  - oauth2\n")

	manifests, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	require.Equal(t, "oauth2", manifests[0].Method)
}

func TestLoadDirReadsYMLExtension(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "sso.plugin.yml", "method: sso\nbinary: sso-worker\n")

	manifests, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
	require.Equal(t, "sso", manifests[0].Method)
}

func TestLoadDirAbsoluteBinaryUnchanged(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "password.plugin.toml", `
method = "password"
binary = "/opt/plugins/password-worker"
`)

	manifests, err := LoadDir(dir)
	require.NoError(t, err)
	require.Equal(t, "/opt/plugins/password-worker", manifests[0].Binary)
}

func TestLoadDirSkipsManifestMissingMethod(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.plugin.toml", `binary = "worker"`)

	manifests, err := LoadDir(dir)
	require.NoError(t, err)
	require.Empty(t, manifests)
}

func TestLoadDirSkipsUnparsableManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.plugin.toml", `this is not valid toml {{{`)

	manifests, err := LoadDir(dir)
	require.NoError(t, err)
	require.Empty(t, manifests)
}

func TestLoadDirIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "password.plugin.toml", `
method = "password"
binary = "worker"
`)
	writeFile(t, dir, "README.md", "not a manifest")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0755))

	manifests, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, manifests, 1)
}

func TestLoadDirMissingDirectoryErrors(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "does-not-exist"))
	require.Error(t, err)
}
