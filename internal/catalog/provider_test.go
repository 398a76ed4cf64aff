package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemplate(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestProviderLoadsTemplates(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "wordpress.yaml", `
id: wordpress
name: WordPress
image: local:vztmpl/wordpress.tar.zst
default_port: 80
memory_mb: 1024
env:
  WP_DEBUG: "0"
`)
	writeTemplate(t, dir, "gitea.yaml", `
id: gitea
name: Gitea
image: local:vztmpl/gitea.tar.zst
default_port: 3000
`)
	// non-yaml files are ignored
	writeTemplate(t, dir, "README.md", "not a template")

	logger := logrus.New()
	p, err := NewProvider(dir, logger)
	require.NoError(t, err)

	entry, err := p.Get("wordpress")
	require.NoError(t, err)
	assert.Equal(t, "WordPress", entry.Name)
	assert.Equal(t, 1024, entry.MemoryMB)
	assert.Equal(t, "0", entry.Env["WP_DEBUG"])

	list := p.List()
	require.Len(t, list, 2)
	assert.Equal(t, "gitea", list[0].ID)
	assert.Equal(t, "wordpress", list[1].ID)
}

func TestProviderAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "minimal.yaml", `
id: minimal
name: Minimal
image: local:vztmpl/minimal.tar.zst
`)

	p, err := NewProvider(dir, logrus.New())
	require.NoError(t, err)

	entry, err := p.Get("minimal")
	require.NoError(t, err)
	assert.Equal(t, 80, entry.DefaultPort)
	assert.Equal(t, 512, entry.MemoryMB)
	assert.Equal(t, 1, entry.Cores)
	assert.Equal(t, 8, entry.DiskGB)
}

func TestProviderSkipsTemplatesWithoutID(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "broken.yaml", `
name: No ID Here
image: local:vztmpl/x.tar.zst
`)

	p, err := NewProvider(dir, logrus.New())
	require.NoError(t, err)
	assert.Empty(t, p.List())
}

func TestProviderRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "bad.yaml", "id: [unclosed")

	_, err := NewProvider(dir, logrus.New())
	require.Error(t, err)
}

func TestProviderUnknownEntry(t *testing.T) {
	p, err := NewProvider(t.TempDir(), logrus.New())
	require.NoError(t, err)

	_, err = p.Get("missing")
	assert.Error(t, err)
}
