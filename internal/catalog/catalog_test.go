package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatd/internal/apperr"
	"chatd/internal/config"
	"chatd/internal/transfer"
)

func TestBuiltinBundlesHaveResolvableFilenames(t *testing.T) {
	for _, b := range Builtin() {
		require.NotEmpty(t, b.Items, b.Name)
		for _, it := range b.Items {
			name, err := transfer.FilenameFromURL(it.URL)
			require.NoError(t, err, it.URL)
			assert.NotContains(t, name, "?")
		}
	}
}

func TestCaptionerMatchesConfiguredBinary(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	b, err := c.Lookup("Captioner")
	require.NoError(t, err)
	assert.Equal(t, transfer.InstallMove, b.Install)
	require.Len(t, b.Items, 1)
	assert.Len(t, b.Items[0].SHA256, 64)

	cfg := config.Default()
	name, _ := transfer.FilenameFromURL(b.Items[0].URL)
	staging, dest := b.Dirs(cfg)
	assert.Equal(t, cfg.Servers.Caption.Binary, filepath.Join(dest, name))
	assert.Equal(t, filepath.Join(cfg.Paths.TempDir, "downloads"), staging)
}

func TestTranslatorIsFourFiles(t *testing.T) {
	c, _ := New(nil)
	b, err := c.Lookup("translator")
	require.NoError(t, err)
	assert.Len(t, b.Items, 4)
	_, dest := b.Dirs(config.Default())
	assert.Equal(t, config.Default().Paths.TranslatorDir, dest)
}

func TestModelBundlesDownloadIntoModelsDir(t *testing.T) {
	c, _ := New(nil)
	b, err := c.Lookup("tinyllama-1.1b")
	require.NoError(t, err)
	cfg := config.Default()
	staging, dest := b.Dirs(cfg)
	assert.Equal(t, cfg.Paths.ModelsDir, staging)
	assert.Empty(t, dest)
	assert.Equal(t, "tinyllama-1.1b-chat-v0.3.Q4_K_M.gguf", b.Model)
}

func TestConfigBundlesMergeAndOverride(t *testing.T) {
	c, err := New([]config.Bundle{
		{Name: "phi", URLs: []string{"https://example.com/m/phi-2.Q4_K_M.gguf"}},
		{Name: "TinyLlama-1.1B", URLs: []string{"https://mirror.local/tiny.gguf"}, SHA256: []string{"ab"}},
		{Name: "tools", URLs: []string{"https://example.com/a.zip", "https://example.com/b.zip"},
			Filenames: []string{"first.zip"}, Install: "extract", Target: "backend"},
	})
	require.NoError(t, err)
	assert.Len(t, c.List(), len(Builtin())+2)

	phi, err := c.Lookup("phi")
	require.NoError(t, err)
	assert.Equal(t, "phi-2.Q4_K_M.gguf", phi.Model)

	tiny, _ := c.Lookup("tinyllama-1.1b")
	assert.Equal(t, "https://mirror.local/tiny.gguf", tiny.Items[0].URL)
	assert.Equal(t, "ab", tiny.Items[0].SHA256)

	tools, _ := c.Lookup("tools")
	assert.Equal(t, transfer.InstallExtract, tools.Install)
	assert.Equal(t, "first.zip", tools.Items[0].Filename)
	assert.Empty(t, tools.Items[1].Filename)
}

func TestUnknownBundle(t *testing.T) {
	c, _ := New(nil)
	_, err := c.Lookup("nope")
	assert.True(t, apperr.IsNotFound(err))

	_, err = New([]config.Bundle{{Name: "x", URLs: []string{"u"}, Install: "unpack"}})
	assert.True(t, apperr.IsInvalid(err))
}
