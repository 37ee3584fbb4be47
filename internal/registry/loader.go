// Package registry lists the model files present in the models directory.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"chatd/internal/common/fsutil"
	"chatd/pkg/types"
)

// Extensions recognised as loadable by the main server or as llamafiles.
var modelExts = map[string]string{
	".gguf":      "gguf",
	".llamafile": "llamafile",
}

// LoadDir scans dir (non-recursively) for *.gguf and *.llamafile files.
// ID is the filename; selected marks the file equal to selected.
func LoadDir(dir, selected string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	models := []types.Model{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		format, ok := modelExts[strings.ToLower(filepath.Ext(name))]
		if !ok {
			continue
		}
		m := types.Model{
			ID:       name,
			Name:     strings.TrimSuffix(name, filepath.Ext(name)),
			Path:     filepath.Join(abs, name),
			Format:   format,
			Quant:    quantOf(name),
			Selected: name == selected,
		}
		if info, err := e.Info(); err == nil {
			m.SizeBytes = info.Size()
		}
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// quantOf extracts the llama.cpp quantisation tag, e.g. "Q5_K_M" from
// "stablelm-zephyr-3b.Q5_K_M.gguf".
func quantOf(name string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	for _, part := range strings.FieldsFunc(stem, func(r rune) bool { return r == '.' || r == '-' }) {
		up := strings.ToUpper(part)
		if len(up) >= 2 && (up[0] == 'Q' || up[0] == 'F') && up[1] >= '0' && up[1] <= '9' {
			return up
		}
	}
	return ""
}
